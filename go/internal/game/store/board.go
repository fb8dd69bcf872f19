package store

import (
	"sort"
	"sync"

	"github.com/mcdev12/codeheist/go/internal/models"
)

// Board holds every game an admin console is watching, keyed by join key
type Board struct {
	mu      sync.RWMutex
	games   map[string]*models.Game
	version uint64
}

// NewBoard returns an empty board
func NewBoard() *Board {
	return &Board{games: make(map[string]*models.Game)}
}

// ReplaceAll swaps the whole board for an authoritative listing
func (b *Board) ReplaceAll(games []models.Game) {
	next := make(map[string]*models.Game, len(games))
	for i := range games {
		g := games[i].Clone()
		next[g.JoinKey] = g
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.games = next
	b.version++
}

// Put inserts or replaces a single game
func (b *Board) Put(game *models.Game) {
	if game == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.games[game.JoinKey] = game.Clone()
	b.version++
}

// Remove drops a game and reports whether it was present
func (b *Board) Remove(joinKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.games[joinKey]; !ok {
		return false
	}
	delete(b.games, joinKey)
	b.version++
	return true
}

// Mutate runs fn against a live game. Unknown join keys are a no-op.
func (b *Board) Mutate(joinKey string, fn func(game *models.Game) bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	game, ok := b.games[joinKey]
	if !ok || !fn(game) {
		return false
	}
	b.version++
	return true
}

// Game returns a copy of one game, or nil
func (b *Board) Game(joinKey string) *models.Game {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.games[joinKey].Clone()
}

// Games returns copies of every game, oldest first
func (b *Board) Games() []*models.Game {
	b.mu.RLock()
	out := make([]*models.Game, 0, len(b.games))
	for _, g := range b.games {
		out = append(out, g.Clone())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JoinKey < out[j].JoinKey
	})
	return out
}

// Len returns the number of games on the board
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.games)
}

// Version increases on every change
func (b *Board) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}
