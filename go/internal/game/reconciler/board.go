package reconciler

import (
	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/game/store"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/rs/zerolog/log"
)

// BoardHooks lets the admin session react to envelopes the board cannot merge inline
type BoardHooks struct {
	// Refresh is asked to reload the full games listing
	Refresh func()
	// ServerError receives errors the server pushed over the connection
	ServerError func(e events.ServerError)
}

// BoardReconciler applies the admin feed to a board of many games
type BoardReconciler struct {
	board *store.Board
	hooks BoardHooks
}

// NewBoard creates a reconciler over an admin board
func NewBoard(b *store.Board, hooks BoardHooks) *BoardReconciler {
	return &BoardReconciler{board: b, hooks: hooks}
}

// ApplyListing replaces the board with an authoritative games listing
func (r *BoardReconciler) ApplyListing(games []models.Game) {
	r.board.ReplaceAll(games)
}

// Apply reconciles one envelope into the board
func (r *BoardReconciler) Apply(env events.Envelope) Outcome {
	switch e := env.(type) {
	case events.Connect:
		r.board.Put(e.Game)
		return OutcomeApplied

	case events.LevelStarted:
		changed := r.board.Mutate(e.Key, func(game *models.Game) bool {
			if game.Levels == nil {
				game.Levels = make(map[string]models.LevelState)
			}
			prev := game.Levels[e.Level]
			if prev.Started && prev.StartedAt != nil && prev.StartedAt.Equal(e.StartedAt) {
				return false
			}
			startedAt := e.StartedAt
			game.Levels[e.Level] = models.LevelState{Started: true, StartedAt: &startedAt}
			return true
		})
		return outcomeOf(changed)

	case events.GameDeactivated:
		changed := r.board.Mutate(e.Key, func(game *models.Game) bool {
			if game.Status == models.GameStatusInactive {
				return false
			}
			game.Status = models.GameStatusInactive
			return true
		})
		return outcomeOf(changed)

	case events.GameDeleted:
		if r.board.Remove(e.Key) {
			return OutcomeCleared
		}
		return OutcomeIgnored

	case events.PlayerJoined:
		changed := r.board.Mutate(e.Key, func(game *models.Game) bool {
			if e.Player == nil || game.HasPlayer(e.Player.PlayerID) {
				return false
			}
			if game.Players == nil {
				game.Players = make(map[string]*models.Player)
			}
			game.Players[e.Player.PlayerID] = e.Player.Clone()
			return true
		})
		return outcomeOf(changed)

	case events.LevelCompleted:
		if r.board.Game(e.Key) == nil {
			return OutcomeIgnored
		}
		if r.hooks.Refresh != nil {
			r.hooks.Refresh()
		}
		return OutcomeRefetch

	case events.ServerError:
		log.Warn().Str("error", e.Message).Int("status_code", e.StatusCode).Msg("Server rejected admin request")
		if r.hooks.ServerError != nil {
			r.hooks.ServerError(e)
		}
	}
	return OutcomeIgnored
}

func outcomeOf(changed bool) Outcome {
	if changed {
		return OutcomeApplied
	}
	return OutcomeIgnored
}
