package session

import (
	"context"
	"sync"

	"github.com/mcdev12/codeheist/go/clients"
	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/game/gateway"
	"github.com/mcdev12/codeheist/go/internal/game/reconciler"
	"github.com/mcdev12/codeheist/go/internal/game/store"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/rs/zerolog/log"
)

// AdminClient is the request/response surface an admin session needs
type AdminClient interface {
	ListGames(ctx context.Context) ([]models.Game, error)
	CreateGame(ctx context.Context) (clients.CreatedGame, error)
	StartLevel(ctx context.Context, joinKey string, level int) error
	DeactivateGame(ctx context.Context, joinKey string) error
}

// Publisher forwards decoded envelopes to an external bus
type Publisher interface {
	Publish(env events.Envelope) error
}

// AdminCallbacks are invoked on the admin session loop; all of them are optional
type AdminCallbacks struct {
	OnBoardChange func(games []*models.Game)
	OnServerError func(e events.ServerError)
	OnEnded       func(err error)
}

// AdminConfig wires an admin session
type AdminConfig struct {
	Conn   Feed
	Client AdminClient
	// Relay, when set, receives every decoded envelope
	Relay Publisher
	// ForgetToken clears a stored access token the server no longer accepts
	ForgetToken func() error
	Callbacks   AdminCallbacks
}

// AdminSession keeps a live board of every game from the admin feed
type AdminSession struct {
	cfg        AdminConfig
	board      *store.Board
	reconciler *reconciler.BoardReconciler

	listings chan []models.Game

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

// NewAdminSession builds an idle admin session
func NewAdminSession(cfg AdminConfig) *AdminSession {
	s := &AdminSession{
		cfg:      cfg,
		board:    store.NewBoard(),
		listings: make(chan []models.Game),
	}
	s.reconciler = reconciler.NewBoard(s.board, reconciler.BoardHooks{
		Refresh:     s.requestRefresh,
		ServerError: s.serverError,
	})
	return s
}

// Run loads the game listing, opens the admin feed and applies pushed events
// until ctx ends or the feed is gone
func (s *AdminSession) Run(ctx context.Context) error {
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

func (s *AdminSession) run(ctx context.Context) error {
	games, err := s.cfg.Client.ListGames(ctx)
	if err != nil {
		return s.checkAuth(err)
	}
	s.applyListing(games)

	if err := s.cfg.Conn.Open(ctx, nil); err != nil {
		return err
	}
	defer s.cfg.Conn.Close()

	log.Info().Int("games", s.board.Len()).Msg("Admin session started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case env, ok := <-s.cfg.Conn.Messages():
			if !ok {
				return s.cfg.Conn.Err()
			}
			s.relay(env)
			switch s.reconciler.Apply(env) {
			case reconciler.OutcomeApplied, reconciler.OutcomeCleared:
				s.boardChanged()
			}

		case games := <-s.listings:
			s.applyListing(games)
		}
	}
}

func (s *AdminSession) applyListing(games []models.Game) {
	s.reconciler.ApplyListing(games)
	s.boardChanged()
}

func (s *AdminSession) boardChanged() {
	if s.cfg.Callbacks.OnBoardChange != nil {
		s.cfg.Callbacks.OnBoardChange(s.board.Games())
	}
}

func (s *AdminSession) relay(env events.Envelope) {
	if s.cfg.Relay == nil {
		return
	}
	if err := s.cfg.Relay.Publish(env); err != nil {
		log.Warn().Err(err).Str("type", string(env.Type())).Msg("Failed to relay envelope")
	}
}

func (s *AdminSession) serverError(e events.ServerError) {
	if s.cfg.Callbacks.OnServerError != nil {
		s.cfg.Callbacks.OnServerError(e)
	}
}

func (s *AdminSession) runContext() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx, s.running
}

// requestRefresh reloads the listing in the background and hands it to the loop
func (s *AdminSession) requestRefresh() {
	ctx, running := s.runContext()
	if !running {
		return
	}
	go func() {
		games, err := s.cfg.Client.ListGames(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(s.checkAuth(err)).Msg("Failed to refresh games")
			}
			return
		}
		select {
		case s.listings <- games:
		case <-ctx.Done():
		}
	}()
}

// checkAuth drops the stored token when the server rejected it
func (s *AdminSession) checkAuth(err error) error {
	if !clients.IsAuthError(err) || s.cfg.ForgetToken == nil {
		return err
	}
	if ferr := s.cfg.ForgetToken(); ferr != nil {
		log.Error().Err(ferr).Msg("Failed to clear access token")
	}
	return err
}

// Refresh reloads the game listing. While running the listing is applied by
// the session loop, otherwise directly.
func (s *AdminSession) Refresh(ctx context.Context) error {
	games, err := s.cfg.Client.ListGames(ctx)
	if err != nil {
		return s.checkAuth(err)
	}

	loopCtx, running := s.runContext()
	if !running {
		s.applyListing(games)
		return nil
	}
	select {
	case s.listings <- games:
		return nil
	case <-loopCtx.Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateGame creates a game and reloads the listing so it shows up
func (s *AdminSession) CreateGame(ctx context.Context) (clients.CreatedGame, error) {
	created, err := s.cfg.Client.CreateGame(ctx)
	if err != nil {
		return created, s.checkAuth(err)
	}
	log.Info().Str("join_key", created.JoinKey).Msg("Game created")
	s.requestRefresh()
	return created, nil
}

// StartLevel starts a level; the board changes when the server echoes it back
func (s *AdminSession) StartLevel(ctx context.Context, joinKey string, level int) error {
	if err := s.cfg.Client.StartLevel(ctx, joinKey, level); err != nil {
		return s.checkAuth(err)
	}
	return nil
}

// Deactivate ends a game for all of its players
func (s *AdminSession) Deactivate(ctx context.Context, joinKey string) error {
	if err := s.cfg.Client.DeactivateGame(ctx, joinKey); err != nil {
		return s.checkAuth(err)
	}
	return nil
}

// Games returns copies of the games on the board
func (s *AdminSession) Games() []*models.Game {
	return s.board.Games()
}

// Game returns a copy of one game, or nil
func (s *AdminSession) Game(joinKey string) *models.Game {
	return s.board.Game(joinKey)
}

// Close stops Run and waits for it to return
func (s *AdminSession) Close() {
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

// Status describes the connection behind the session
func (s *AdminSession) Status() Status {
	_, running := s.runContext()
	return Status{
		Role:         gateway.RoleAdmin,
		Connection:   s.cfg.Conn.State().String(),
		ConnectionID: s.cfg.Conn.ConnectionID(),
		Reconnects:   s.cfg.Conn.Reconnects(),
		Running:      running,
	}
}
