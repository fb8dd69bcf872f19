package models

// Player represents one participant in a game
type Player struct {
	PlayerID string             `json:"player_id"`
	JoinKey  string             `json:"join_key,omitempty"`
	Name     string             `json:"name"`
	Level    int                `json:"level"`
	Score    map[string]float64 `json:"score"` // level key -> elapsed seconds, completed levels only
}

// Clone returns a deep copy of the player
func (p *Player) Clone() *Player {
	if p == nil {
		return nil
	}
	out := *p
	if p.Score != nil {
		out.Score = make(map[string]float64, len(p.Score))
		for level, seconds := range p.Score {
			out.Score[level] = seconds
		}
	}
	return &out
}

// CompletedLevel reports whether the player has a score entry for the level.
func (p *Player) CompletedLevel(level int) bool {
	if p == nil || p.Score == nil {
		return false
	}
	_, ok := p.Score[LevelKey(level)]
	return ok
}
