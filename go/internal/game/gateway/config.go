package gateway

import (
	"math"
	"time"
)

// ConnectionConfig holds configuration for the game server connection
type ConnectionConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
}

// DefaultConnectionConfig returns default connection configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   64 * 1024, // a connect snapshot carries every player of the game
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}
}

// RetryPolicy controls reconnection after the connection drops unexpectedly.
// MaxAttempts of zero disables reconnection.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// NoRetry never reconnects
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// DefaultRetryPolicy rides out short network blips
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
	}
}

// Enabled reports whether the policy allows any reconnection
func (p RetryPolicy) Enabled() bool {
	return p.MaxAttempts > 0
}

// Backoff returns the wait before the given attempt, counting from 1
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
