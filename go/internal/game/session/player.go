package session

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/codeheist/go/clients"
	"github.com/mcdev12/codeheist/go/internal/game/chat"
	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/game/gateway"
	"github.com/mcdev12/codeheist/go/internal/game/reconciler"
	"github.com/mcdev12/codeheist/go/internal/game/store"
	"github.com/mcdev12/codeheist/go/internal/game/timer"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/rs/zerolog/log"
)

// GameClient is the request/response surface a player session needs
type GameClient interface {
	RefreshGame(ctx context.Context, identity models.Identity) (*models.Snapshot, error)
	GuessCode(ctx context.Context, identity models.Identity, guess string) (bool, error)
	StreamChat(ctx context.Context, req clients.ChatRequest) iter.Seq2[string, error]
}

// Callbacks are invoked by the session; all of them are optional. State and
// level callbacks run on the session loop and must not block.
type Callbacks struct {
	OnStateChange  func(agg store.Aggregates)
	OnLevelChanged func(level int)
	OnLevelTick    func(r timer.Reading)
	OnTranscript   func(msgs []models.Message)
	OnServerError  func(e events.ServerError)
	OnEnded        func(err error)
}

// PlayerConfig wires a player session
type PlayerConfig struct {
	Identity     *models.Identity
	Conn         Feed
	Client       GameClient
	Clock        clockwork.Clock
	TickInterval time.Duration
	ChatTimeout  time.Duration
	// Forget clears the persisted identity once the session can never resume
	Forget    func() error
	Callbacks Callbacks
}

type refetchResult struct {
	seq  uint64
	snap *models.Snapshot
}

// PlayerSession owns the store, reconciler, chat assembler and level timer of
// one player and drives them from a single event loop
type PlayerSession struct {
	cfg        PlayerConfig
	store      *store.Store
	reconciler *reconciler.Reconciler
	assembler  *chat.Assembler
	timer      *timer.LevelTimer

	refetched  chan refetchResult
	refetchSeq atomic.Uint64
	appliedSeq uint64
	level      int

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
	reading timer.Reading
}

// NewPlayerSession builds an idle session
func NewPlayerSession(cfg PlayerConfig) *PlayerSession {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	s := &PlayerSession{
		cfg:       cfg,
		store:     store.New(),
		timer:     timer.NewLevelTimer(cfg.Clock, cfg.TickInterval),
		refetched: make(chan refetchResult),
	}
	s.reconciler = reconciler.New(s.store, reconciler.Hooks{
		Refetch:     s.requestRefetch,
		ServerError: s.serverError,
	})

	opts := []chat.Option{chat.WithOnChange(s.transcriptChanged)}
	if cfg.ChatTimeout > 0 {
		opts = append(opts, chat.WithTimeout(cfg.ChatTimeout))
	}
	s.assembler = chat.New(cfg.Client, opts...)
	return s
}

// Run connects and processes the feed until ctx ends, the connection is lost
// for good, or the tracked game ends. Without an identity it returns
// gateway.ErrNoSession immediately.
func (s *PlayerSession) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.done != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = runCtx, cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	err := s.run(runCtx)

	s.mu.Lock()
	s.running = false
	close(s.done)
	s.mu.Unlock()
	cancel()

	if s.cfg.Callbacks.OnEnded != nil {
		s.cfg.Callbacks.OnEnded(err)
	}
	return err
}

func (s *PlayerSession) run(ctx context.Context) error {
	defer s.assembler.Close()

	if err := s.cfg.Conn.Open(ctx, s.cfg.Identity); err != nil {
		return err
	}
	defer s.cfg.Conn.Close()

	// the ticker stops with the loop, whichever way the loop ends
	tickCtx, stopTicking := context.WithCancel(ctx)
	var ticking sync.WaitGroup
	ticking.Add(1)
	go func() {
		defer ticking.Done()
		s.timer.Run(tickCtx, s.store.Snapshot, s.tick)
	}()
	defer ticking.Wait()
	defer stopTicking()

	log.Info().
		Str("game_id", s.cfg.Identity.GameID).
		Str("player_id", s.cfg.Identity.PlayerID).
		Msg("Player session started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case env, ok := <-s.cfg.Conn.Messages():
			if !ok {
				return s.cfg.Conn.Err()
			}
			outcome := s.reconciler.Apply(env)
			if s.settle(outcome) {
				s.forget()
				return ErrGameEnded
			}

		case res := <-s.refetched:
			if res.seq < s.appliedSeq {
				log.Debug().Uint64("seq", res.seq).Msg("Dropping stale refetch")
				continue
			}
			s.appliedSeq = res.seq
			s.settle(s.reconciler.ApplySnapshot(res.snap))
		}
	}
}

// settle publishes a store change and reports whether the session's game is gone
func (s *PlayerSession) settle(outcome reconciler.Outcome) bool {
	if outcome != reconciler.OutcomeApplied && outcome != reconciler.OutcomeCleared {
		return false
	}

	agg := s.store.Snapshot()
	if s.cfg.Callbacks.OnStateChange != nil {
		s.cfg.Callbacks.OnStateChange(agg)
	}
	if outcome == reconciler.OutcomeCleared {
		s.assembler.Reset()
		return true
	}

	if agg.Player != nil && agg.Player.Level != s.level {
		previous := s.level
		s.level = agg.Player.Level
		if previous != 0 {
			// a fresh level starts with a fresh chat
			s.assembler.Reset()
		}
		log.Info().Int("level", s.level).Msg("Player level changed")
		if s.cfg.Callbacks.OnLevelChanged != nil {
			s.cfg.Callbacks.OnLevelChanged(s.level)
		}
	}
	return false
}

// requestRefetch fetches in the background and hands the snapshot to the loop.
// Results that arrive after a newer one has been applied are dropped.
func (s *PlayerSession) requestRefetch(identity models.Identity) {
	seq := s.refetchSeq.Add(1)
	ctx, running := s.runContext()
	if !running {
		return
	}

	go func() {
		snap, err := s.cfg.Client.RefreshGame(ctx, identity)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("game_id", identity.GameID).Msg("Failed to refetch game state")
			}
			return
		}
		select {
		case s.refetched <- refetchResult{seq: seq, snap: snap}:
		case <-ctx.Done():
		}
	}()
}

func (s *PlayerSession) serverError(e events.ServerError) {
	if s.cfg.Callbacks.OnServerError != nil {
		s.cfg.Callbacks.OnServerError(e)
	}
}

func (s *PlayerSession) tick(r timer.Reading) {
	s.mu.Lock()
	s.reading = r
	s.mu.Unlock()

	if s.cfg.Callbacks.OnLevelTick != nil {
		s.cfg.Callbacks.OnLevelTick(r)
	}
}

func (s *PlayerSession) transcriptChanged() {
	if s.cfg.Callbacks.OnTranscript != nil {
		s.cfg.Callbacks.OnTranscript(s.assembler.Transcript())
	}
}

func (s *PlayerSession) forget() {
	if s.cfg.Forget == nil {
		return
	}
	if err := s.cfg.Forget(); err != nil {
		log.Error().Err(err).Msg("Failed to clear saved identity")
	}
}

func (s *PlayerSession) runContext() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx, s.running
}

// SendChat asks the assistant for a hint about the player's current level
func (s *PlayerSession) SendChat(text string) error {
	ctx, running := s.runContext()
	if !running {
		return ErrNotRunning
	}
	agg := s.store.Snapshot()
	if agg.Player == nil {
		return gateway.ErrNoSession
	}
	return s.assembler.Submit(ctx, text, agg.Player.Level)
}

// GuessCode submits a code for the current level. A correct guess also
// refetches state so the new level shows up even if the broadcast is lost.
func (s *PlayerSession) GuessCode(ctx context.Context, guess string) (bool, error) {
	if s.cfg.Identity == nil {
		return false, gateway.ErrNoSession
	}
	correct, err := s.cfg.Client.GuessCode(ctx, *s.cfg.Identity, guess)
	if err != nil || !correct {
		return correct, err
	}

	s.requestRefetch(*s.cfg.Identity)
	return true, nil
}

// Leave ends the session on purpose: it stops the loop, clears local state,
// empties the chat and forgets the saved identity
func (s *PlayerSession) Leave() error {
	s.Close()
	s.store.Clear()
	s.assembler.Reset()

	if s.cfg.Forget != nil {
		if err := s.cfg.Forget(); err != nil {
			return err
		}
	}
	log.Info().Msg("Player left the game")
	return nil
}

// Close stops Run and waits for it to return. It is safe to call at any time.
func (s *PlayerSession) Close() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Snapshot returns a copy of the current aggregates
func (s *PlayerSession) Snapshot() store.Aggregates {
	return s.store.Snapshot()
}

// Transcript returns a copy of the chat transcript
func (s *PlayerSession) Transcript() []models.Message {
	return s.assembler.Transcript()
}

// Streaming reports whether a chat reply is in flight
func (s *PlayerSession) Streaming() bool {
	return s.assembler.Streaming()
}

// ChatError returns the failure of the last chat exchange, if any
func (s *PlayerSession) ChatError() error {
	return s.assembler.LastError()
}

// Reading returns the latest level timer reading
func (s *PlayerSession) Reading() timer.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

// Status describes the connection behind the session
func (s *PlayerSession) Status() Status {
	_, running := s.runContext()
	return Status{
		Role:         gateway.RolePlayer,
		Connection:   s.cfg.Conn.State().String(),
		ConnectionID: s.cfg.Conn.ConnectionID(),
		Reconnects:   s.cfg.Conn.Reconnects(),
		Running:      running,
	}
}
