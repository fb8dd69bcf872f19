package timer

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/codeheist/go/internal/game/store"
	"github.com/mcdev12/codeheist/go/internal/models"
)

// DefaultInterval is how often a running level timer re-reads the store
const DefaultInterval = time.Second

// Reading is the level timer's view at one instant. It is derived from the
// client clock and is display-only; the score the server returns after a level
// completes is authoritative.
type Reading struct {
	Level     int           `json:"level"`
	Started   bool          `json:"started"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Seconds returns the elapsed time in whole and fractional seconds
func (r Reading) Seconds() float64 {
	return r.Elapsed.Seconds()
}

func (r Reading) String() string {
	return FormatSeconds(r.Seconds())
}

// Elapsed computes the timer for the player's current level
func Elapsed(agg store.Aggregates, now time.Time) Reading {
	if agg.Player == nil || agg.Game == nil {
		return Reading{}
	}

	reading := Reading{Level: agg.Player.Level}
	state, ok := agg.Game.Level(agg.Player.Level)
	if !ok || !state.Started || state.StartedAt == nil {
		return reading
	}

	reading.Started = true
	reading.StartedAt = *state.StartedAt
	if elapsed := now.Sub(*state.StartedAt); elapsed > 0 {
		reading.Elapsed = elapsed
	}
	return reading
}

// TotalScore sums the seconds recorded for every completed level
func TotalScore(player *models.Player) float64 {
	if player == nil {
		return 0
	}
	var total float64
	for _, seconds := range player.Score {
		total += seconds
	}
	return total
}

// FormatSeconds renders seconds as "1h 2m 3s", leaving out zero components.
// Zero renders as "0s".
func FormatSeconds(seconds float64) string {
	total := int64(math.Round(seconds))
	if total <= 0 {
		return "0s"
	}

	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60

	parts := make([]string, 0, 3)
	if h > 0 {
		parts = append(parts, strconv.FormatInt(h, 10)+"h")
	}
	if m > 0 {
		parts = append(parts, strconv.FormatInt(m, 10)+"m")
	}
	if s > 0 {
		parts = append(parts, strconv.FormatInt(s, 10)+"s")
	}
	return strings.Join(parts, " ")
}

// LevelTimer ticks a level reading on a clock
type LevelTimer struct {
	clock    clockwork.Clock
	interval time.Duration
}

// NewLevelTimer creates a timer; a non-positive interval means DefaultInterval
func NewLevelTimer(clock clockwork.Clock, interval time.Duration) *LevelTimer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &LevelTimer{clock: clock, interval: interval}
}

// Now returns the timer clock's current time
func (t *LevelTimer) Now() time.Time {
	return t.clock.Now()
}

// Run emits a reading right away and then once per interval until ctx is
// done. Every tick calls read again, so a new started_at or level shows up
// within one interval.
func (t *LevelTimer) Run(ctx context.Context, read func() store.Aggregates, onTick func(Reading)) {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	onTick(Elapsed(read(), t.clock.Now()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			onTick(Elapsed(read(), t.clock.Now()))
		}
	}
}
