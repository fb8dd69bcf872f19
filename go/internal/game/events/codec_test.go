package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConnect(t *testing.T) {
	raw := `{
		"type": "connect",
		"player": {"player_id": "p1", "name": "Alice", "level": 1, "score": {}},
		"game": {
			"join_key": "ABCXY",
			"status": "active",
			"created_at": "2024-01-01T00:00:00Z",
			"players": {"p1": {"player_id": "p1", "name": "Alice", "level": 1, "score": {}}},
			"levels": {"1": {"started": false, "started_at": null}}
		}
	}`

	env, err := Decode([]byte(raw))
	require.NoError(t, err)

	c, ok := env.(Connect)
	require.True(t, ok, "expected Connect, got %T", env)
	assert.Equal(t, "p1", c.Player.PlayerID)
	assert.Equal(t, 1, c.Player.Level)
	assert.Equal(t, "ABCXY", c.GameKey())
	assert.False(t, c.Game.LevelStarted(1))
	assert.Equal(t, TypeConnect, env.Type())
}

func TestDecodeLevelStarted(t *testing.T) {
	env, err := Decode([]byte(`{"type":"game_update","action":"start","game_key":"ABCXY","level":"1","started_at":"2024-01-01T00:00:00Z"}`))
	require.NoError(t, err)

	e, ok := env.(LevelStarted)
	require.True(t, ok)
	assert.Equal(t, "ABCXY", e.GameKey())
	assert.Equal(t, "1", e.Level)
	assert.True(t, e.StartedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestDecodeLevelAcceptsIntegerAndOffsetTimestamp(t *testing.T) {
	env, err := Decode([]byte(`{"type":"game_update","action":"start","game_key":"ABCXY","level":2,"started_at":"2024-01-01T00:00:00.123456+00:00"}`))
	require.NoError(t, err)
	assert.Equal(t, "2", env.(LevelStarted).Level)
}

func TestDecodeGameLifecycle(t *testing.T) {
	env, err := Decode([]byte(`{"type":"game_update","action":"deactivate","game_key":"ABCXY"}`))
	require.NoError(t, err)
	assert.Equal(t, GameDeactivated{Key: "ABCXY"}, env)

	env, err = Decode([]byte(`{"type":"game_update","action":"delete","game_key":"ABCXY"}`))
	require.NoError(t, err)
	assert.Equal(t, GameDeleted{Key: "ABCXY"}, env)
}

func TestDecodePlayerUpdates(t *testing.T) {
	env, err := Decode([]byte(`{"type":"player_update","action":"join","game_key":"ABCXY","player":{"player_id":"p2","name":"Bob","level":1,"score":{}}}`))
	require.NoError(t, err)
	joined := env.(PlayerJoined)
	assert.Equal(t, "p2", joined.Player.PlayerID)
	assert.Equal(t, "ABCXY", joined.GameKey())

	env, err = Decode([]byte(`{"type":"player_update","action":"level_complete","game_key":"ABCXY","player_id":"p2"}`))
	require.NoError(t, err)
	assert.Equal(t, LevelCompleted{Key: "ABCXY", PlayerID: "p2"}, env)
}

func TestDecodeServerError(t *testing.T) {
	env, err := Decode([]byte(`{"type":"error","error":"Player not found","status_code":404}`))
	require.NoError(t, err)
	assert.Equal(t, ServerError{Message: "Player not found", StatusCode: 404}, env)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"invalid json":          `{"type":`,
		"missing type":          `{"action":"start","game_key":"ABCXY"}`,
		"unknown type":          `{"type":"chat","game_key":"ABCXY"}`,
		"unknown game action":   `{"type":"game_update","action":"pause","game_key":"ABCXY"}`,
		"unknown player action": `{"type":"player_update","action":"leave","game_key":"ABCXY"}`,
		"start without level":   `{"type":"game_update","action":"start","game_key":"ABCXY","started_at":"2024-01-01T00:00:00Z"}`,
		"start without time":    `{"type":"game_update","action":"start","game_key":"ABCXY","level":"1"}`,
		"update without key":    `{"type":"game_update","action":"delete"}`,
		"join without player":   `{"type":"player_update","action":"join","game_key":"ABCXY"}`,
		"complete without id":   `{"type":"player_update","action":"level_complete","game_key":"ABCXY"}`,
		"connect without game":  `{"type":"connect","player":{"player_id":"p1"}}`,
		"bad timestamp":         `{"type":"game_update","action":"start","game_key":"ABCXY","level":"1","started_at":"yesterday"}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := Decode([]byte(raw))
			assert.Nil(t, env)

			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "expected ProtocolError, got %v", err)
			assert.NotEmpty(t, perr.Reason)
		})
	}
}

func TestEncodeConnect(t *testing.T) {
	frame, err := EncodeConnect(models.Identity{GameID: "g1", PlayerID: "p1"})
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(frame, &got))
	assert.Equal(t, map[string]string{"type": "connect", "game_id": "g1", "player_id": "p1"}, got)

	_, err = EncodeConnect(models.Identity{GameID: "g1"})
	assert.ErrorIs(t, err, models.ErrInvalidIdentity)
}
