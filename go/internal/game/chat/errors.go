package chat

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage     = errors.New("chat message is empty")
	ErrStreamInProgress = errors.New("a reply is still streaming")
	ErrClosed           = errors.New("chat assembler is closed")
)

// StreamError records an exchange that ended on a failure. Whatever text
// arrived before the failure stays in the transcript.
type StreamError struct {
	MessageID int
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("chat reply %d failed: %v", e.MessageID, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}
