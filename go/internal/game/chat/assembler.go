package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/mcdev12/codeheist/go/clients"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Streamer opens one chat exchange and yields the reply chunk by chunk
type Streamer interface {
	StreamChat(ctx context.Context, req clients.ChatRequest) iter.Seq2[string, error]
}

// State is the assembler's exchange state
type State int

const (
	StateIdle State = iota
	StateStreaming
)

func (s State) String() string {
	if s == StateStreaming {
		return "streaming"
	}
	return "idle"
}

// Option configures an Assembler
type Option func(*Assembler)

// WithOnChange registers a callback fired after every transcript change. It
// runs without the assembler's lock held.
func WithOnChange(fn func()) Option {
	return func(a *Assembler) { a.onChange = fn }
}

// WithTimeout bounds a whole exchange
func WithTimeout(d time.Duration) Option {
	return func(a *Assembler) { a.timeout = d }
}

// Assembler drives one streamed chat exchange at a time and materializes the
// reply into the transcript as chunks arrive
type Assembler struct {
	streamer Streamer
	onChange func()
	timeout  time.Duration

	mu       sync.Mutex
	messages []models.Message
	nextID   int
	state    State
	// generation moves on every Reset so a superseded stream cannot write
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	lastErr    error
	closed     bool
}

// New creates an idle assembler with an empty transcript
func New(streamer Streamer, opts ...Option) *Assembler {
	a := &Assembler{streamer: streamer, nextID: 1}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Submit appends the user's message and an empty assistant reply, then starts
// streaming into that reply. It never queues: while a reply is streaming it
// returns ErrStreamInProgress and leaves the transcript alone.
func (a *Assembler) Submit(ctx context.Context, text string, level int) error {
	text = strings.TrimSpace(text)

	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return ErrClosed
	case text == "":
		a.mu.Unlock()
		return ErrEmptyMessage
	case a.state == StateStreaming:
		a.mu.Unlock()
		return ErrStreamInProgress
	}

	user := models.Message{ID: a.nextID, Author: models.AuthorUser, Text: text, Complete: true}
	reply := models.Message{ID: a.nextID + 1, Author: models.AuthorAssistant}
	a.nextID += 2

	req := clients.ChatRequest{Level: level, Messages: make([]models.ChatMessage, 0, len(a.messages)+1)}
	for _, m := range a.messages {
		req.Messages = append(req.Messages, m.ToWire())
	}
	req.Messages = append(req.Messages, user.ToWire())

	a.messages = append(a.messages, user, reply)
	a.state = StateStreaming
	a.lastErr = nil

	var (
		streamCtx context.Context
		cancel    context.CancelFunc
	)
	if a.timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, a.timeout)
	} else {
		streamCtx, cancel = context.WithCancel(ctx)
	}
	a.cancel = cancel
	a.done = make(chan struct{})
	gen := a.generation
	done := a.done
	a.mu.Unlock()

	a.notify()

	go a.run(streamCtx, cancel, done, gen, reply.ID, req)
	return nil
}

func (a *Assembler) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, gen uint64, replyID int, req clients.ChatRequest) {
	defer close(done)
	defer cancel()

	var streamErr error
	for chunk, err := range a.streamer.StreamChat(ctx, req) {
		if err != nil {
			streamErr = err
			break
		}
		if !a.appendChunk(gen, replyID, chunk) {
			log.Debug().Int("message_id", replyID).Msg("Chat stream superseded")
			return
		}
	}
	a.finish(gen, replyID, streamErr)
}

func (a *Assembler) appendChunk(gen uint64, replyID int, chunk string) bool {
	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return false
	}
	if chunk != "" {
		if m := a.find(replyID); m != nil {
			m.Text += chunk
		}
	}
	a.mu.Unlock()

	a.notify()
	return true
}

func (a *Assembler) finish(gen uint64, replyID int, streamErr error) {
	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return
	}
	if m := a.find(replyID); m != nil {
		m.Complete = true
	}
	a.state = StateIdle
	a.cancel = nil
	if streamErr != nil && !(a.closed && errors.Is(streamErr, context.Canceled)) {
		a.lastErr = &StreamError{MessageID: replyID, Err: streamErr}
	}
	lastErr := a.lastErr
	a.mu.Unlock()

	if lastErr != nil {
		log.Warn().Err(lastErr).Int("message_id", replyID).Msg("Chat reply ended early")
	}
	a.notify()
}

// find returns the live message with the given id; callers hold mu
func (a *Assembler) find(id int) *models.Message {
	for i := len(a.messages) - 1; i >= 0; i-- {
		if a.messages[i].ID == id {
			return &a.messages[i]
		}
	}
	return nil
}

func (a *Assembler) notify() {
	if a.onChange != nil {
		a.onChange()
	}
}

// Reset aborts any streaming reply and empties the transcript. It does not
// wait for the aborted stream to unwind; its late chunks are discarded.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.generation++
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.messages = nil
	a.state = StateIdle
	a.lastErr = nil
	a.mu.Unlock()

	a.notify()
}

// Close aborts any streaming reply, waits for its read loop to stop and
// refuses further submissions. It is safe to call more than once.
func (a *Assembler) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	if a.cancel != nil {
		a.cancel()
	}
	done := a.done
	a.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Wait blocks until the current exchange, if any, has finished or ctx is done
func (a *Assembler) Wait(ctx context.Context) error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transcript returns a copy of the messages in order
func (a *Assembler) Transcript() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]models.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Streaming reports whether a reply is in flight; submissions are refused while it is
func (a *Assembler) Streaming() bool {
	return a.State() == StateStreaming
}

// LastError returns the failure of the most recent exchange, if it failed
func (a *Assembler) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}
