package statusapi

import (
	"github.com/mcdev12/codeheist/go/internal/game/session"
	"github.com/mcdev12/codeheist/go/internal/game/timer"
	"github.com/mcdev12/codeheist/go/internal/models"
)

// PlayerView is the body of GET /state for a player session
type PlayerView struct {
	Game       *models.Game     `json:"game"`
	Player     *models.Player   `json:"player"`
	Version    uint64           `json:"version"`
	Timer      timer.Reading    `json:"timer"`
	TimerText  string           `json:"timer_text"`
	TotalScore float64          `json:"total_score"`
	TotalText  string           `json:"total_text"`
	Transcript []models.Message `json:"transcript"`
	Streaming  bool             `json:"streaming"`
	ChatError  string           `json:"chat_error,omitempty"`
}

// AdminView is the body of GET /state for an admin session
type AdminView struct {
	Games []*models.Game `json:"games"`
}

type playerSource struct {
	s *session.PlayerSession
}

// PlayerSource reports on a player session
func PlayerSource(s *session.PlayerSession) Source {
	return playerSource{s: s}
}

func (p playerSource) Status() session.Status { return p.s.Status() }

func (p playerSource) View() any {
	agg := p.s.Snapshot()
	reading := p.s.Reading()
	total := timer.TotalScore(agg.Player)

	view := PlayerView{
		Game:       agg.Game,
		Player:     agg.Player,
		Version:    agg.Version,
		Timer:      reading,
		TimerText:  reading.String(),
		TotalScore: total,
		TotalText:  timer.FormatSeconds(total),
		Transcript: p.s.Transcript(),
		Streaming:  p.s.Streaming(),
	}
	if err := p.s.ChatError(); err != nil {
		view.ChatError = err.Error()
	}
	return view
}

type adminSource struct {
	s *session.AdminSession
}

// AdminSource reports on an admin session
func AdminSource(s *session.AdminSession) Source {
	return adminSource{s: s}
}

func (a adminSource) Status() session.Status { return a.s.Status() }

func (a adminSource) View() any {
	return AdminView{Games: a.s.Games()}
}
