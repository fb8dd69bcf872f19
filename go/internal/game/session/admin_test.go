package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/codeheist/go/clients"
	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/game/gateway"
	"github.com/mcdev12/codeheist/go/internal/heisttest"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRelay struct {
	mu    sync.Mutex
	seen  []events.Envelope
	fails bool
}

func (r *recordingRelay) Publish(env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env)
	if r.fails {
		return errors.New("bus unavailable")
	}
	return nil
}

func (r *recordingRelay) Seen() []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Envelope(nil), r.seen...)
}

func (h *harness) admin(mutate func(*AdminConfig)) *AdminSession {
	h.t.Helper()
	_, err := h.client.AdminLogin(context.Background(), heisttest.AdminPassword)
	require.NoError(h.t, err)

	cfg := AdminConfig{
		Conn:   h.feed(gateway.RoleAdmin),
		Client: h.client,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := NewAdminSession(cfg)
	h.t.Cleanup(s.Close)
	return s
}

func TestAdminBoardFollowsFeed(t *testing.T) {
	h := newHarness(t)
	relay := &recordingRelay{}
	s := h.admin(func(cfg *AdminConfig) { cfg.Relay = relay })
	result := start(t, s)

	require.Eventually(t, func() bool { return s.Status().Connection == gateway.StateOpen.String() }, waitFor, poll)
	require.Len(t, s.Games(), 1)
	assert.Equal(t, gameKey, s.Games()[0].JoinKey)

	require.NoError(t, s.StartLevel(context.Background(), gameKey, 1))
	require.Eventually(t, func() bool { return s.Game(gameKey).LevelStarted(1) }, waitFor, poll)

	id := h.join("Alice")
	player := h.feed(gateway.RolePlayer)
	t.Cleanup(player.Close)
	require.NoError(t, player.Open(context.Background(), &id))
	require.Eventually(t, func() bool { return s.Game(gameKey).HasPlayer(id.PlayerID) }, waitFor, poll)

	require.NoError(t, s.Deactivate(context.Background(), gameKey))
	require.Eventually(t, func() bool { return s.Game(gameKey).Status == models.GameStatusInactive }, waitFor, poll)

	h.srv.DeleteGame(gameKey)
	require.Eventually(t, func() bool { return s.Game(gameKey) == nil }, waitFor, poll)

	s.Close()
	assert.NoError(t, waitResult(t, result))

	var types []events.Action
	for _, env := range relay.Seen() {
		types = append(types, env.Action())
	}
	assert.Equal(t, []events.Action{events.ActionStart, events.ActionJoin, events.ActionDeactivate, events.ActionDelete}, types)
}

func TestAdminCreateGameRefreshesBoard(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var sizes []int
	s := h.admin(func(cfg *AdminConfig) {
		cfg.Callbacks.OnBoardChange = func(games []*models.Game) {
			mu.Lock()
			sizes = append(sizes, len(games))
			mu.Unlock()
		}
	})
	start(t, s)
	require.Eventually(t, func() bool { return len(s.Games()) == 1 }, waitFor, poll)

	created, err := s.CreateGame(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Game(created.JoinKey) != nil }, waitFor, poll)
	assert.Len(t, s.Games(), 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, sizes[0])
	assert.Equal(t, 2, sizes[len(sizes)-1])
}

func TestAdminRelayFailureDoesNotStopSession(t *testing.T) {
	h := newHarness(t)
	relay := &recordingRelay{fails: true}
	s := h.admin(func(cfg *AdminConfig) { cfg.Relay = relay })
	start(t, s)
	require.Eventually(t, func() bool { return s.Status().Connection == gateway.StateOpen.String() }, waitFor, poll)

	h.srv.StartLevel(gameKey, 2, time.Now())
	require.Eventually(t, func() bool { return s.Game(gameKey).LevelStarted(2) }, waitFor, poll)
	assert.Len(t, relay.Seen(), 1)
}

func TestAdminRefreshWhileIdle(t *testing.T) {
	h := newHarness(t)
	s := h.admin(nil)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Len(t, s.Games(), 1)
	assert.False(t, s.Status().Running)
}

func TestAdminRejectedTokenIsForgotten(t *testing.T) {
	h := newHarness(t)
	forget := &forgetter{}
	s := h.admin(func(cfg *AdminConfig) {
		client := clients.NewHeistClient(h.srv.URL)
		client.SetAccessToken("not-a-real-token")
		cfg.Client = client
		cfg.ForgetToken = forget.Forget
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, clients.IsAuthError(err), "got %v", err)
	assert.Equal(t, 1, forget.Calls())
	assert.Empty(t, s.Games())
}

func TestAdminActionsWithoutLogin(t *testing.T) {
	h := newHarness(t)
	forget := &forgetter{}
	s := NewAdminSession(AdminConfig{
		Conn:        h.feed(gateway.RoleAdmin),
		Client:      clients.NewHeistClient(h.srv.URL),
		ForgetToken: forget.Forget,
	})

	err := s.StartLevel(context.Background(), gameKey, 1)
	assert.True(t, clients.IsAuthError(err), "got %v", err)
	assert.False(t, h.srv.Game(gameKey).LevelStarted(1))
	assert.Equal(t, 1, forget.Calls())
}
