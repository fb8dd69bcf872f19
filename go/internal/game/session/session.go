package session

import (
	"context"
	"errors"

	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/game/gateway"
	"github.com/mcdev12/codeheist/go/internal/models"
)

var (
	// ErrGameEnded is returned by Run when the tracked game was deactivated or deleted
	ErrGameEnded = errors.New("game ended")
	// ErrNotRunning is returned by actions that need a running session
	ErrNotRunning = errors.New("session is not running")
	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("session is already running")
)

// Feed is the connection a session consumes; *gateway.ConnectionManager implements it
type Feed interface {
	Open(ctx context.Context, identity *models.Identity) error
	Messages() <-chan events.Envelope
	Close()
	State() gateway.State
	Err() error
	ConnectionID() string
	Reconnects() int
}

// Status is a point-in-time description of a session for status readers
type Status struct {
	Role         gateway.Role `json:"role"`
	Connection   string       `json:"connection"`
	ConnectionID string       `json:"connection_id"`
	Reconnects   int          `json:"reconnects"`
	Running      bool         `json:"running"`
}
