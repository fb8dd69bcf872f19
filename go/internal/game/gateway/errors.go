package gateway

import (
	"errors"
	"fmt"

	"github.com/mcdev12/codeheist/go/internal/models"
)

var (
	// ErrNoSession is returned when a player connection has no identity to resume
	ErrNoSession = errors.New("no session to resume")
	// ErrInvalidIdentity is returned for a malformed identity
	ErrInvalidIdentity = models.ErrInvalidIdentity
	ErrAlreadyOpened   = errors.New("connection already opened")
	ErrClosed          = errors.New("connection closed")
)

// ConnectionError ends a connection: the transport closed or failed and no
// reconnection attempt succeeded
type ConnectionError struct {
	Role     Role
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s connection to %s lost after %d reconnect attempts: %v", e.Role, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s connection to %s failed: %v", e.Role, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
