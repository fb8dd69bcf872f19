package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// HTTPError is any non-2xx response
type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Detail)
}

func newHTTPError(status int, body []byte) *HTTPError {
	return &HTTPError{StatusCode: status, Detail: detailFrom(body)}
}

// detailFrom pulls the human message out of an error body, which is usually
// {"detail": "..."} but may be plain text
func detailFrom(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		var detail string
		if len(payload.Detail) > 0 && json.Unmarshal(payload.Detail, &detail) == nil {
			return detail
		}
		if len(payload.Detail) > 0 {
			return string(payload.Detail)
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// ValidationError is a rejected player input, tied to the field that caused it
type ValidationError struct {
	Field      string
	Message    string
	StatusCode int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// AuthError means the admin token is missing, expired or rejected
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("admin authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "admin authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is or wraps an *AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func asValidation(err error, field string) error {
	var he *HTTPError
	if !errors.As(err, &he) {
		return err
	}
	switch he.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return &ValidationError{Field: field, Message: he.Detail, StatusCode: he.StatusCode}
	}
	return err
}

func asAuth(err error) error {
	var he *HTTPError
	if !errors.As(err, &he) {
		return err
	}
	if he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusForbidden {
		return &AuthError{Reason: "token rejected", Err: he}
	}
	return err
}
