package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/codeheist/go/internal/models"
)

// wireEnvelope is the flat JSON shape every inbound frame shares
type wireEnvelope struct {
	Type       *string         `json:"type"`
	Action     string          `json:"action"`
	GameKey    string          `json:"game_key"`
	Level      json.RawMessage `json:"level"`
	StartedAt  *time.Time      `json:"started_at"`
	Player     *models.Player  `json:"player"`
	PlayerID   string          `json:"player_id"`
	Game       *models.Game    `json:"game"`
	Error      string          `json:"error"`
	StatusCode int             `json:"status_code"`
}

// Decode parses a raw frame into its envelope variant. It has no side effects.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return nil, newProtocolError("malformed json", data, err)
	}
	if w.Type == nil || *w.Type == "" {
		return nil, newProtocolError("missing type", data, nil)
	}

	switch Type(*w.Type) {
	case TypeConnect:
		return decodeConnect(w, data)
	case TypeGameUpdate:
		return decodeGameUpdate(w, data)
	case TypePlayerUpdate:
		return decodePlayerUpdate(w, data)
	case TypeError:
		return ServerError{Message: w.Error, StatusCode: w.StatusCode}, nil
	default:
		return nil, newProtocolError(fmt.Sprintf("unknown type %q", *w.Type), data, nil)
	}
}

func decodeConnect(w wireEnvelope, data []byte) (Envelope, error) {
	if w.Player == nil {
		return nil, newProtocolError("connect: missing player", data, nil)
	}
	if w.Game == nil {
		return nil, newProtocolError("connect: missing game", data, nil)
	}
	if w.Game.JoinKey == "" {
		return nil, newProtocolError("connect: game missing join_key", data, nil)
	}
	return Connect{Player: w.Player, Game: w.Game}, nil
}

func decodeGameUpdate(w wireEnvelope, data []byte) (Envelope, error) {
	if w.GameKey == "" {
		return nil, newProtocolError("game_update: missing game_key", data, nil)
	}

	switch Action(w.Action) {
	case ActionStart:
		level, err := decodeLevel(w.Level)
		if err != nil {
			return nil, newProtocolError("game_update/start: invalid level", data, err)
		}
		if level == "" {
			return nil, newProtocolError("game_update/start: missing level", data, nil)
		}
		if w.StartedAt == nil {
			return nil, newProtocolError("game_update/start: missing started_at", data, nil)
		}
		return LevelStarted{Key: w.GameKey, Level: level, StartedAt: *w.StartedAt}, nil
	case ActionDeactivate:
		return GameDeactivated{Key: w.GameKey}, nil
	case ActionDelete:
		return GameDeleted{Key: w.GameKey}, nil
	default:
		return nil, newProtocolError(fmt.Sprintf("game_update: unknown action %q", w.Action), data, nil)
	}
}

func decodePlayerUpdate(w wireEnvelope, data []byte) (Envelope, error) {
	if w.GameKey == "" {
		return nil, newProtocolError("player_update: missing game_key", data, nil)
	}

	switch Action(w.Action) {
	case ActionJoin:
		if w.Player == nil || w.Player.PlayerID == "" {
			return nil, newProtocolError("player_update/join: missing player", data, nil)
		}
		return PlayerJoined{Key: w.GameKey, Player: w.Player}, nil
	case ActionLevelComplete:
		playerID := w.PlayerID
		if playerID == "" && w.Player != nil {
			playerID = w.Player.PlayerID
		}
		if playerID == "" {
			return nil, newProtocolError("player_update/level_complete: missing player_id", data, nil)
		}
		return LevelCompleted{Key: w.GameKey, PlayerID: playerID}, nil
	default:
		return nil, newProtocolError(fmt.Sprintf("player_update: unknown action %q", w.Action), data, nil)
	}
}

// decodeLevel accepts the level as either a JSON string or a JSON integer.
func decodeLevel(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return strconv.Itoa(n), nil
}

// EncodeConnect builds the handshake frame for a player connection
func EncodeConnect(identity models.Identity) ([]byte, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ConnectRequest{
		Type:     TypeConnect,
		GameID:   identity.GameID,
		PlayerID: identity.PlayerID,
	})
}
