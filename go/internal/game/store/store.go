package store

import (
	"sync"

	"github.com/mcdev12/codeheist/go/internal/models"
)

// Aggregates is a point-in-time view of the player session's state. A nil Game
// means there is no session: never connected, left, or the game went away.
type Aggregates struct {
	Game    *models.Game   `json:"game"`
	Player  *models.Player `json:"player"`
	Version uint64         `json:"version"`
}

// Store holds the Game and Player aggregates for one player session.
//
// It has exactly one writer (the reconciler, driven from the session loop) and
// any number of readers. Readers always receive deep copies.
type Store struct {
	mu      sync.RWMutex
	game    *models.Game
	player  *models.Player
	version uint64
}

// New returns an empty store
func New() *Store {
	return &Store{}
}

// Snapshot returns a deep copy of the current aggregates
func (s *Store) Snapshot() Aggregates {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Aggregates{
		Game:    s.game.Clone(),
		Player:  s.player.Clone(),
		Version: s.version,
	}
}

// Version increases on every change
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Replace swaps both aggregates wholesale
func (s *Store) Replace(game *models.Game, player *models.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.game = game.Clone()
	s.player = player.Clone()
	s.version++
}

// Clear drops both aggregates
func (s *Store) Clear() {
	s.Replace(nil, nil)
}

// Mutate runs fn against the live aggregates under the write lock. fn reports
// whether it changed anything; the version only moves when it did.
func (s *Store) Mutate(fn func(game *models.Game, player *models.Player) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !fn(s.game, s.player) {
		return false
	}
	s.version++
	return true
}

// JoinKey returns the tracked game's join key, or "" when there is no game
func (s *Store) JoinKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.game == nil {
		return ""
	}
	return s.game.JoinKey
}

// PlayerID returns the tracked player's id, or "" when there is none
func (s *Store) PlayerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.player == nil {
		return ""
	}
	return s.player.PlayerID
}
