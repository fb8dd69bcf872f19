package reconciler

import (
	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/game/store"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Outcome describes what applying one envelope did to the store
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeApplied
	OutcomeCleared
	OutcomeRefetch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeCleared:
		return "cleared"
	case OutcomeRefetch:
		return "refetch"
	default:
		return "ignored"
	}
}

// Hooks lets the owning session react to envelopes that need work outside the store
type Hooks struct {
	// Refetch is asked to fetch an authoritative {player, game} pair for the
	// identity and feed it back through ApplySnapshot.
	Refetch func(identity models.Identity)
	// ServerError receives errors the server pushed over the connection.
	ServerError func(e events.ServerError)
}

// Reconciler is the single writer to a player's store. Apply must only be
// called from one goroutine.
type Reconciler struct {
	store *store.Store
	hooks Hooks
}

// New creates a reconciler over the given store
func New(s *store.Store, hooks Hooks) *Reconciler {
	return &Reconciler{store: s, hooks: hooks}
}

// Apply reconciles one envelope into the store
func (r *Reconciler) Apply(env events.Envelope) Outcome {
	var outcome Outcome

	switch e := env.(type) {
	case events.Connect:
		r.store.Replace(e.Game, e.Player)
		outcome = OutcomeApplied

	case events.LevelStarted:
		outcome = r.applyLevelStarted(e)

	case events.GameDeactivated:
		outcome = r.clearIfTracked(e.Key)

	case events.GameDeleted:
		outcome = r.clearIfTracked(e.Key)

	case events.PlayerJoined:
		outcome = r.applyPlayerJoined(e)

	case events.LevelCompleted:
		outcome = r.applyLevelCompleted(e)

	case events.ServerError:
		log.Warn().
			Str("error", e.Message).
			Int("status_code", e.StatusCode).
			Msg("Server rejected request")
		if r.hooks.ServerError != nil {
			r.hooks.ServerError(e)
		}
		outcome = OutcomeIgnored

	default:
		log.Warn().Str("type", string(env.Type())).Msg("Unhandled envelope")
		outcome = OutcomeIgnored
	}

	log.Debug().
		Str("type", string(env.Type())).
		Str("action", string(env.Action())).
		Str("outcome", outcome.String()).
		Msg("Envelope reconciled")
	return outcome
}

// ApplySnapshot replaces both aggregates with a refetched pair. It only lands
// while the snapshot's game is still the tracked one, so a refetch that races
// a delete cannot resurrect the session.
func (r *Reconciler) ApplySnapshot(snap *models.Snapshot) Outcome {
	if snap == nil || snap.Game == nil || snap.Player == nil {
		return OutcomeIgnored
	}
	if r.store.JoinKey() != snap.Game.JoinKey {
		log.Debug().
			Str("game_key", snap.Game.JoinKey).
			Msg("Dropping refetch for untracked game")
		return OutcomeIgnored
	}
	r.store.Replace(snap.Game, snap.Player)
	return OutcomeApplied
}

func (r *Reconciler) applyLevelStarted(e events.LevelStarted) Outcome {
	changed := r.store.Mutate(func(game *models.Game, _ *models.Player) bool {
		if game == nil || game.JoinKey != e.Key {
			return false
		}
		if game.Levels == nil {
			game.Levels = make(map[string]models.LevelState)
		}

		prev, ok := game.Levels[e.Level]
		if ok && prev.Started && prev.StartedAt != nil && prev.StartedAt.Equal(e.StartedAt) {
			return false
		}

		startedAt := e.StartedAt
		game.Levels[e.Level] = models.LevelState{Started: true, StartedAt: &startedAt}
		return true
	})
	if !changed {
		return OutcomeIgnored
	}
	return OutcomeApplied
}

func (r *Reconciler) clearIfTracked(joinKey string) Outcome {
	if joinKey == "" || r.store.JoinKey() != joinKey {
		return OutcomeIgnored
	}
	r.store.Clear()
	log.Info().Str("game_key", joinKey).Msg("Tracked game ended, session cleared")
	return OutcomeCleared
}

func (r *Reconciler) applyPlayerJoined(e events.PlayerJoined) Outcome {
	changed := r.store.Mutate(func(game *models.Game, _ *models.Player) bool {
		if game == nil || game.JoinKey != e.Key || e.Player == nil {
			return false
		}
		if game.HasPlayer(e.Player.PlayerID) {
			return false
		}
		if game.Players == nil {
			game.Players = make(map[string]*models.Player)
		}
		game.Players[e.Player.PlayerID] = e.Player.Clone()
		return true
	})
	if !changed {
		return OutcomeIgnored
	}
	return OutcomeApplied
}

func (r *Reconciler) applyLevelCompleted(e events.LevelCompleted) Outcome {
	snap := r.store.Snapshot()
	if snap.Game == nil || snap.Player == nil || snap.Game.JoinKey != e.Key {
		return OutcomeIgnored
	}

	identity := models.Identity{GameID: snap.Game.JoinKey, PlayerID: snap.Player.PlayerID}
	log.Info().
		Str("game_key", e.Key).
		Str("completed_by", e.PlayerID).
		Msg("Level completed, refetching state")

	if r.hooks.Refetch != nil {
		r.hooks.Refetch(identity)
	}
	return OutcomeRefetch
}
