package events

import (
	"time"

	"github.com/mcdev12/codeheist/go/internal/models"
)

// Type is the top-level discriminator of an envelope
type Type string

const (
	TypeConnect      Type = "connect"
	TypeGameUpdate   Type = "game_update"
	TypePlayerUpdate Type = "player_update"
	TypeError        Type = "error"
)

// Action is the second-level discriminator for update envelopes
type Action string

const (
	ActionNone          Action = ""
	ActionStart         Action = "start"
	ActionDeactivate    Action = "deactivate"
	ActionDelete        Action = "delete"
	ActionJoin          Action = "join"
	ActionLevelComplete Action = "level_complete"
)

// Envelope is one decoded inbound protocol message. Exactly one variant exists
// per type/action pair; the set is closed to this package.
type Envelope interface {
	Type() Type
	Action() Action
	isEnvelope()
}

// GameScoped is implemented by every envelope that targets a single game
type GameScoped interface {
	Envelope
	GameKey() string
}

// Connect carries a full authoritative snapshot of the player and game
type Connect struct {
	Player *models.Player
	Game   *models.Game
}

func (Connect) Type() Type     { return TypeConnect }
func (Connect) Action() Action { return ActionNone }
func (Connect) isEnvelope()    {}

// GameKey returns the join key of the snapshot's game
func (c Connect) GameKey() string { return c.Game.JoinKey }

// LevelStarted announces that an admin started a level
type LevelStarted struct {
	Key       string
	Level     string
	StartedAt time.Time
}

func (LevelStarted) Type() Type        { return TypeGameUpdate }
func (LevelStarted) Action() Action    { return ActionStart }
func (LevelStarted) isEnvelope()       {}
func (e LevelStarted) GameKey() string { return e.Key }

// GameDeactivated announces that a game no longer accepts play
type GameDeactivated struct {
	Key string
}

func (GameDeactivated) Type() Type        { return TypeGameUpdate }
func (GameDeactivated) Action() Action    { return ActionDeactivate }
func (GameDeactivated) isEnvelope()       {}
func (e GameDeactivated) GameKey() string { return e.Key }

// GameDeleted announces that a game was removed
type GameDeleted struct {
	Key string
}

func (GameDeleted) Type() Type        { return TypeGameUpdate }
func (GameDeleted) Action() Action    { return ActionDelete }
func (GameDeleted) isEnvelope()       {}
func (e GameDeleted) GameKey() string { return e.Key }

// PlayerJoined announces a new player in a game
type PlayerJoined struct {
	Key    string
	Player *models.Player
}

func (PlayerJoined) Type() Type        { return TypePlayerUpdate }
func (PlayerJoined) Action() Action    { return ActionJoin }
func (PlayerJoined) isEnvelope()       {}
func (e PlayerJoined) GameKey() string { return e.Key }

// LevelCompleted announces that a player guessed a level's code. It carries no
// score; the receiver refetches authoritative state instead.
type LevelCompleted struct {
	Key      string
	PlayerID string
}

func (LevelCompleted) Type() Type        { return TypePlayerUpdate }
func (LevelCompleted) Action() Action    { return ActionLevelComplete }
func (LevelCompleted) isEnvelope()       {}
func (e LevelCompleted) GameKey() string { return e.Key }

// ServerError is pushed when the server rejects a client frame
type ServerError struct {
	Message    string
	StatusCode int
}

func (ServerError) Type() Type     { return TypeError }
func (ServerError) Action() Action { return ActionNone }
func (ServerError) isEnvelope()    {}

// ConnectRequest is the handshake frame a player sends once the socket opens
type ConnectRequest struct {
	Type     Type   `json:"type"`
	GameID   string `json:"game_id"`
	PlayerID string `json:"player_id"`
}
