package events

import "fmt"

const maxRawInError = 256

// ProtocolError is returned when a frame does not match any known envelope shape.
// Receivers drop the frame and keep the session alive.
type ProtocolError struct {
	Reason string
	Raw    string
	Err    error
}

func newProtocolError(reason string, raw []byte, err error) *ProtocolError {
	s := string(raw)
	if len(s) > maxRawInError {
		s = s[:maxRawInError] + "..."
	}
	return &ProtocolError{Reason: reason, Raw: s, Err: err}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
