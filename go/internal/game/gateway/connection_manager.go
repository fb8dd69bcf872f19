package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Role selects which server feed a connection subscribes to
type Role string

const (
	RolePlayer Role = "player"
	RoleAdmin  Role = "admin"
)

// Path returns the server path of the role's socket
func (r Role) Path() string {
	return "/api/ws/" + string(r)
}

// State is the lifecycle state of a ConnectionManager
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Option configures a ConnectionManager
type Option func(*ConnectionManager)

func WithConfig(config ConnectionConfig) Option {
	return func(cm *ConnectionManager) { cm.config = config }
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(cm *ConnectionManager) { cm.retry = policy }
}

// WithClock sets the clock used for backoff waits and keepalive pings
func WithClock(clock clockwork.Clock) Option {
	return func(cm *ConnectionManager) { cm.clock = clock }
}

// WithHeader adds headers to every dial
func WithHeader(header http.Header) Option {
	return func(cm *ConnectionManager) { cm.header = header.Clone() }
}

// ConnectionManager owns the one live socket for a role and turns its frames
// into a feed of decoded envelopes
type ConnectionManager struct {
	role   Role
	url    string
	config ConnectionConfig
	retry  RetryPolicy
	clock  clockwork.Clock
	header http.Header
	dialer *websocket.Dialer

	id         string
	state      atomic.Int32
	reconnects atomic.Int32
	messages   chan events.Envelope

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	identity  *models.Identity
	opened    bool
	started   bool
	closed    bool
	err       error
	done      chan struct{}
	closeFeed sync.Once
}

// NewConnectionManager creates an idle manager for the role's socket at url
func NewConnectionManager(role Role, url string, opts ...Option) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		role:     role,
		url:      url,
		config:   DefaultConnectionConfig(),
		retry:    NoRetry(),
		clock:    clockwork.NewRealClock(),
		id:       uuid.New().String(),
		messages: make(chan events.Envelope),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cm.config.HandshakeTimeout,
		ReadBufferSize:   cm.config.ReadBufferSize,
		WriteBufferSize:  cm.config.WriteBufferSize,
	}
	return cm
}

func (cm *ConnectionManager) Role() Role           { return cm.role }
func (cm *ConnectionManager) URL() string          { return cm.url }
func (cm *ConnectionManager) ConnectionID() string { return cm.id }

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	return State(cm.state.Load())
}

// Reconnects returns how many times the socket was re-established
func (cm *ConnectionManager) Reconnects() int {
	return int(cm.reconnects.Load())
}

// Messages delivers each decoded envelope once, in arrival order. It is
// closed when the manager reaches StateClosed.
func (cm *ConnectionManager) Messages() <-chan events.Envelope {
	return cm.messages
}

// Err returns the error that closed the connection, or nil after a clean Close
func (cm *ConnectionManager) Err() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.err
}

// Open dials the server. The player role sends the connect handshake as soon
// as the socket is up; without an identity it stays idle and returns
// ErrNoSession. The admin role ignores identity.
func (cm *ConnectionManager) Open(ctx context.Context, identity *models.Identity) error {
	if cm.role == RolePlayer {
		if identity == nil {
			return ErrNoSession
		}
		if err := identity.Validate(); err != nil {
			return err
		}
	}

	cm.mu.Lock()
	switch {
	case cm.closed:
		cm.mu.Unlock()
		return ErrClosed
	case cm.opened:
		cm.mu.Unlock()
		return ErrAlreadyOpened
	}
	cm.opened = true
	if identity != nil {
		id := *identity
		cm.identity = &id
	}
	cm.setState(StateConnecting)
	cm.mu.Unlock()

	conn, err := cm.dialWithRetry(ctx, true)
	if err != nil {
		cm.finish(err)
		return err
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	cm.conn = conn
	cm.started = true
	cm.setState(StateOpen)
	cm.mu.Unlock()

	log.Info().
		Str("connection_id", cm.id).
		Str("role", string(cm.role)).
		Str("url", cm.url).
		Msg("Game server connection established")

	go cm.run(conn)
	return nil
}

// Close tears the connection down. It is idempotent and safe from any state;
// once it returns no further envelopes are delivered.
func (cm *ConnectionManager) Close() {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.closed = true
	cm.cancel()
	if cm.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = cm.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		cm.conn.Close()
	}
	started := cm.started
	cm.mu.Unlock()

	if started {
		<-cm.done
		return
	}
	cm.finish(nil)
}

func (cm *ConnectionManager) setState(s State) {
	prev := State(cm.state.Swap(int32(s)))
	if prev != s {
		log.Debug().
			Str("connection_id", cm.id).
			Str("from", prev.String()).
			Str("to", s.String()).
			Msg("Connection state changed")
	}
}

func (cm *ConnectionManager) isClosing() bool {
	return cm.ctx.Err() != nil
}

// finish moves to Closed and closes the feed exactly once
func (cm *ConnectionManager) finish(err error) {
	cm.mu.Lock()
	if err != nil && cm.err == nil && cm.State() != StateClosed {
		cm.err = err
	}
	cm.closed = true
	cm.setState(StateClosed)
	cm.mu.Unlock()

	cm.closeFeed.Do(func() { close(cm.messages) })
}

func (cm *ConnectionManager) run(conn *websocket.Conn) {
	defer close(cm.done)

	for {
		readErr := cm.serve(conn)
		if cm.isClosing() {
			cm.finish(nil)
			return
		}

		log.Warn().
			Err(readErr).
			Str("connection_id", cm.id).
			Str("role", string(cm.role)).
			Msg("Game server connection lost")

		if !cm.retry.Enabled() {
			cm.finish(&ConnectionError{Role: cm.role, URL: cm.url, Err: readErr})
			return
		}

		cm.setState(StateConnecting)
		next, err := cm.dialWithRetry(cm.ctx, false)
		if err != nil {
			if cm.isClosing() {
				cm.finish(nil)
			} else {
				cm.finish(err)
			}
			return
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			next.Close()
			cm.finish(nil)
			return
		}
		cm.conn = next
		cm.setState(StateOpen)
		cm.mu.Unlock()

		cm.reconnects.Add(1)
		log.Info().Str("connection_id", cm.id).Msg("Game server connection re-established")
		conn = next
	}
}

// dialWithRetry dials and handshakes. The initial open tries once right away
// and then follows the retry policy; a reconnect always waits first.
func (cm *ConnectionManager) dialWithRetry(ctx context.Context, initial bool) (*websocket.Conn, error) {
	var lastErr error
	attempts := 0

	if initial {
		conn, err := cm.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	for attempt := 1; attempt <= cm.retry.MaxAttempts; attempt++ {
		wait := cm.retry.Backoff(attempt)
		log.Debug().
			Str("connection_id", cm.id).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Reconnecting to game server")

		select {
		case <-ctx.Done():
			return nil, &ConnectionError{Role: cm.role, URL: cm.url, Attempts: attempts, Err: ctx.Err()}
		case <-cm.ctx.Done():
			return nil, &ConnectionError{Role: cm.role, URL: cm.url, Attempts: attempts, Err: ErrClosed}
		case <-cm.clock.After(wait):
		}

		attempts = attempt
		conn, err := cm.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	return nil, &ConnectionError{Role: cm.role, URL: cm.url, Attempts: attempts, Err: lastErr}
}

func (cm *ConnectionManager) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := cm.dialer.DialContext(ctx, cm.url, cm.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	if cm.role == RolePlayer && cm.identity != nil {
		frame, err := events.EncodeConnect(*cm.identity)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn.SetWriteDeadline(time.Now().Add(cm.config.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to send connect handshake: %w", err)
		}
		log.Debug().
			Str("connection_id", cm.id).
			Str("game_id", cm.identity.GameID).
			Str("player_id", cm.identity.PlayerID).
			Msg("Connect handshake sent")
	}
	return conn, nil
}

// serve pumps one socket until it fails and returns the read error
func (cm *ConnectionManager) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	pinged := make(chan struct{})
	go func() {
		defer close(pinged)
		cm.pingPump(conn, stop)
	}()

	err := cm.readPump(conn)

	close(stop)
	<-pinged
	conn.Close()
	return err
}

// pingPump keeps the socket alive until stop closes
func (cm *ConnectionManager) pingPump(conn *websocket.Conn, stop <-chan struct{}) {
	if cm.config.PingInterval <= 0 {
		<-stop
		return
	}
	ticker := cm.clock.NewTicker(cm.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			deadline := time.Now().Add(cm.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Str("connection_id", cm.id).Msg("Failed to send ping")
				return
			}
		}
	}
}

// readPump decodes frames in arrival order and hands them to the feed
func (cm *ConnectionManager) readPump(conn *websocket.Conn) error {
	if cm.config.MaxMessageSize > 0 {
		conn.SetReadLimit(cm.config.MaxMessageSize)
	}
	extend := func() {
		if cm.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(cm.config.ReadTimeout))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !cm.isClosing() {
				log.Error().Err(err).Str("connection_id", cm.id).Msg("Unexpected websocket close")
			}
			return err
		}
		extend()

		env, err := events.Decode(frame)
		if err != nil {
			var perr *events.ProtocolError
			if errors.As(err, &perr) {
				log.Warn().
					Str("connection_id", cm.id).
					Str("reason", perr.Reason).
					Str("frame", perr.Raw).
					Msg("Dropping malformed envelope")
				continue
			}
			return err
		}

		select {
		case cm.messages <- env:
		case <-cm.ctx.Done():
			return ErrClosed
		}
	}
}
