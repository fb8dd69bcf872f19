package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	FlushTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "heist.events",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		FlushTimeout:  2 * time.Second,
	}
}

// msgConn is the part of *nats.Conn the publisher uses
type msgConn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// Message is the JSON body of every relayed envelope
type Message struct {
	Type       events.Type   `json:"type"`
	Action     events.Action `json:"action,omitempty"`
	GameKey    string        `json:"game_key,omitempty"`
	ReceivedAt time.Time     `json:"received_at"`
	Payload    any           `json:"payload"`
}

// Publisher republishes decoded envelopes on NATS subjects of the form
// <prefix>.<game_key>.<type>.<action>
type Publisher struct {
	conn      msgConn
	config    Config
	now       func() time.Time
	published atomic.Uint64
}

// Connect dials NATS and returns a publisher on the connection
func Connect(cfg Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("codeheist-relay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Error().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Str("prefix", cfg.SubjectPrefix).Msg("Relay connected")
	return newPublisher(nc, cfg), nil
}

func newPublisher(conn msgConn, cfg Config) *Publisher {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	return &Publisher{conn: conn, config: cfg, now: time.Now}
}

// Publish sends one envelope
func (p *Publisher) Publish(env events.Envelope) error {
	msg := Message{
		Type:       env.Type(),
		Action:     env.Action(),
		GameKey:    gameKey(env),
		ReceivedAt: p.now().UTC(),
		Payload:    payloadOf(env),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := Subject(p.config.SubjectPrefix, env)
	eventID := uuid.NewString()
	err = p.conn.PublishMsg(&nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type":   []string{string(msg.Type)},
			"Event-Action": []string{string(msg.Action)},
			"Game-Key":     []string{msg.GameKey},
			"Event-ID":     []string{eventID},
		},
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	p.published.Add(1)
	log.Debug().
		Str("subject", subject).
		Str("event_id", eventID).
		Msg("Relayed envelope")
	return nil
}

// Published returns how many envelopes were handed to NATS
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Close flushes pending messages and drains the connection
func (p *Publisher) Close() error {
	if p.config.FlushTimeout > 0 {
		if err := p.conn.FlushTimeout(p.config.FlushTimeout); err != nil {
			log.Warn().Err(err).Msg("Relay flush failed")
		}
	}
	return p.conn.Drain()
}

// Subject builds the subject an envelope is published on. Missing parts
// become "_" so every subject has the same number of tokens.
func Subject(prefix string, env events.Envelope) string {
	return strings.Join([]string{
		prefix,
		token(gameKey(env)),
		token(string(env.Type())),
		token(string(env.Action())),
	}, ".")
}

func gameKey(env events.Envelope) string {
	scoped, ok := env.(events.GameScoped)
	if !ok {
		return ""
	}
	if c, ok := env.(events.Connect); ok && c.Game == nil {
		return ""
	}
	return scoped.GameKey()
}

// token makes s safe to use as a single subject token
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

type levelStartedPayload struct {
	Level     string    `json:"level"`
	StartedAt time.Time `json:"started_at"`
}

type playerPayload struct {
	PlayerID string         `json:"player_id,omitempty"`
	Player   *models.Player `json:"player,omitempty"`
}

type connectPayload struct {
	Player *models.Player `json:"player"`
	Game   *models.Game   `json:"game"`
}

type errorPayload struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code,omitempty"`
}

func payloadOf(env events.Envelope) any {
	switch e := env.(type) {
	case events.Connect:
		return connectPayload{Player: e.Player, Game: e.Game}
	case events.LevelStarted:
		return levelStartedPayload{Level: e.Level, StartedAt: e.StartedAt}
	case events.PlayerJoined:
		return playerPayload{Player: e.Player}
	case events.LevelCompleted:
		return playerPayload{PlayerID: e.PlayerID}
	case events.ServerError:
		return errorPayload{Error: e.Message, StatusCode: e.StatusCode}
	default:
		return struct{}{}
	}
}
