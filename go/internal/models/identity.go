package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentity is returned when a session identity is missing a field
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is the {game_id, player_id} pair persisted so a client can resume a session
type Identity struct {
	GameID   string `json:"game_id"`
	PlayerID string `json:"player_id"`
}

// Validate checks both halves of the identity are present
func (i Identity) Validate() error {
	if strings.TrimSpace(i.GameID) == "" {
		return fmt.Errorf("%w: game_id is required", ErrInvalidIdentity)
	}
	if strings.TrimSpace(i.PlayerID) == "" {
		return fmt.Errorf("%w: player_id is required", ErrInvalidIdentity)
	}
	return nil
}
