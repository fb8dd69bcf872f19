package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// GameStatus is the lifecycle status of a game instance
type GameStatus string

const (
	GameStatusActive   GameStatus = "active"
	GameStatusInactive GameStatus = "inactive"
)

// UnmarshalJSON accepts the legacy "deactive" spelling some servers still emit.
func (s *GameStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "deactive", string(GameStatusInactive):
		*s = GameStatusInactive
	default:
		*s = GameStatus(raw)
	}
	return nil
}

// LevelState tracks whether an admin has started a level and when
type LevelState struct {
	Started   bool       `json:"started"`
	StartedAt *time.Time `json:"started_at"`
}

// Game is the locally held aggregate for one game instance, keyed by join key
type Game struct {
	JoinKey   string                `json:"join_key"`
	Status    GameStatus            `json:"status"`
	CreatedAt time.Time             `json:"created_at"`
	Players   map[string]*Player    `json:"players"`
	Levels    map[string]LevelState `json:"levels"`
}

// LevelKey encodes a level index the way the server keys its maps.
func LevelKey(level int) string {
	return strconv.Itoa(level)
}

// Level returns the state of a level and whether the game knows about it.
func (g *Game) Level(level int) (LevelState, bool) {
	if g == nil || g.Levels == nil {
		return LevelState{}, false
	}
	state, ok := g.Levels[LevelKey(level)]
	return state, ok
}

// LevelStarted reports whether the given level has been started by an admin.
func (g *Game) LevelStarted(level int) bool {
	state, ok := g.Level(level)
	return ok && state.Started
}

// HasPlayer reports whether a player id is present in the game.
func (g *Game) HasPlayer(playerID string) bool {
	if g == nil || g.Players == nil {
		return false
	}
	_, ok := g.Players[playerID]
	return ok
}

// Clone returns a deep copy so readers never share maps with the writer.
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	out := *g
	if g.Players != nil {
		out.Players = make(map[string]*Player, len(g.Players))
		for id, p := range g.Players {
			out.Players[id] = p.Clone()
		}
	}
	if g.Levels != nil {
		out.Levels = make(map[string]LevelState, len(g.Levels))
		for key, state := range g.Levels {
			if state.StartedAt != nil {
				at := *state.StartedAt
				state.StartedAt = &at
			}
			out.Levels[key] = state
		}
	}
	return &out
}

// Snapshot is the authoritative {player, game} pair delivered on connect or refresh
type Snapshot struct {
	Player *Player `json:"player"`
	Game   *Game   `json:"game"`
}
