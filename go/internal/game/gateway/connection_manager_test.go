package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/codeheist/go/clients"
	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/heisttest"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func joinPlayer(t *testing.T, srv *heisttest.Server, name string) models.Identity {
	t.Helper()
	id, err := clients.NewHeistClient(srv.URL).JoinGame(context.Background(), name, "ABCXY")
	require.NoError(t, err)
	return id
}

func socketURL(t *testing.T, srv *heisttest.Server, role Role) string {
	t.Helper()
	u, err := clients.NewHeistClient(srv.URL).WebSocketURL(role.Path())
	require.NoError(t, err)
	return u
}

func next(t *testing.T, cm *ConnectionManager) events.Envelope {
	t.Helper()
	select {
	case env, ok := <-cm.Messages():
		require.True(t, ok, "feed closed early: %v", cm.Err())
		return env
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func waitClosed(t *testing.T, cm *ConnectionManager) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case _, ok := <-cm.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("feed never closed")
		}
	}
}

func TestPlayerWithoutIdentityStaysIdle(t *testing.T) {
	cm := NewConnectionManager(RolePlayer, "ws://127.0.0.1:1/api/ws/player")
	defer cm.Close()

	assert.ErrorIs(t, cm.Open(context.Background(), nil), ErrNoSession)
	assert.Equal(t, StateIdle, cm.State())

	err := cm.Open(context.Background(), &models.Identity{GameID: "ABCXY"})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	assert.Equal(t, StateIdle, cm.State())
}

func TestPlayerOpenSendsHandshakeAndReceivesSnapshot(t *testing.T) {
	srv := heisttest.New(t)
	srv.AddGame("ABCXY", 3)
	id := joinPlayer(t, srv, "Alice")

	cm := NewConnectionManager(RolePlayer, socketURL(t, srv, RolePlayer))
	defer cm.Close()

	require.NoError(t, cm.Open(context.Background(), &id))
	assert.Equal(t, StateOpen, cm.State())

	env := next(t, cm)
	connect, ok := env.(events.Connect)
	require.True(t, ok, "first envelope should be connect, got %T", env)
	assert.Equal(t, id.PlayerID, connect.Player.PlayerID)
	assert.Equal(t, "ABCXY", connect.Game.JoinKey)

	assert.Equal(t, []events.ConnectRequest{{Type: events.TypeConnect, GameID: "ABCXY", PlayerID: id.PlayerID}}, srv.Handshakes())
	assert.ErrorIs(t, cm.Open(context.Background(), &id), ErrAlreadyOpened)
}

func TestAdminReceivesPushedFramesInOrder(t *testing.T) {
	srv := heisttest.New(t)
	srv.AddGame("ABCXY", 3)

	cm := NewConnectionManager(RoleAdmin, socketURL(t, srv, RoleAdmin))
	defer cm.Close()
	require.NoError(t, cm.Open(context.Background(), nil))
	<-srv.Connected()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv.StartLevel("ABCXY", 1, start)
	srv.BroadcastRaw([]byte(`{"type":"mystery"}`))
	srv.BroadcastRaw([]byte(`not json`))
	srv.DeactivateGame("ABCXY")
	srv.DeleteGame("ABCXY")

	assert.Equal(t, events.LevelStarted{Key: "ABCXY", Level: "1", StartedAt: start}, next(t, cm))
	assert.Equal(t, events.GameDeactivated{Key: "ABCXY"}, next(t, cm))
	assert.Equal(t, events.GameDeleted{Key: "ABCXY"}, next(t, cm))
	assert.Empty(t, srv.Handshakes())
}

func TestCloseIsIdempotentAndEndsFeed(t *testing.T) {
	srv := heisttest.New(t)
	cm := NewConnectionManager(RoleAdmin, socketURL(t, srv, RoleAdmin))
	require.NoError(t, cm.Open(context.Background(), nil))

	cm.Close()
	cm.Close()
	assert.Equal(t, StateClosed, cm.State())
	assert.NoError(t, cm.Err())

	_, ok := <-cm.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, cm.Open(context.Background(), nil), ErrClosed)
}

func TestCloseBeforeOpen(t *testing.T) {
	cm := NewConnectionManager(RoleAdmin, "ws://127.0.0.1:1/api/ws/admin")
	cm.Close()
	assert.Equal(t, StateClosed, cm.State())
	_, ok := <-cm.Messages()
	assert.False(t, ok)
}

func TestDropWithoutRetryPolicyEndsSession(t *testing.T) {
	srv := heisttest.New(t)
	cm := NewConnectionManager(RoleAdmin, socketURL(t, srv, RoleAdmin))
	defer cm.Close()
	require.NoError(t, cm.Open(context.Background(), nil))
	<-srv.Connected()

	srv.DropConnections()
	waitClosed(t, cm)

	assert.Equal(t, StateClosed, cm.State())
	var ce *ConnectionError
	require.True(t, errors.As(cm.Err(), &ce), "got %v", cm.Err())
	assert.Equal(t, RoleAdmin, ce.Role)
	assert.Equal(t, 0, cm.Reconnects())
}

func TestDialFailureClosesFeed(t *testing.T) {
	cm := NewConnectionManager(RoleAdmin, "ws://127.0.0.1:1/api/ws/admin")
	err := cm.Open(context.Background(), nil)

	var ce *ConnectionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, StateClosed, cm.State())
	waitClosed(t, cm)
}

func TestReconnectReissuesHandshake(t *testing.T) {
	srv := heisttest.New(t)
	srv.AddGame("ABCXY", 3)
	srv.SilenceJoinBroadcasts()
	id := joinPlayer(t, srv, "Alice")

	cm := NewConnectionManager(RolePlayer, socketURL(t, srv, RolePlayer),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, Multiplier: 2}))
	defer cm.Close()

	require.NoError(t, cm.Open(context.Background(), &id))
	require.IsType(t, events.Connect{}, next(t, cm))
	<-srv.Connected()

	srv.DropConnections()

	require.IsType(t, events.Connect{}, next(t, cm), "resync snapshot after reconnect")
	assert.Equal(t, StateOpen, cm.State())
	assert.Equal(t, 1, cm.Reconnects())
	assert.Len(t, srv.Handshakes(), 2)
}

func TestReconnectWaitsForBackoff(t *testing.T) {
	srv := heisttest.New(t)
	clock := clockwork.NewFakeClock()
	config := DefaultConnectionConfig()
	config.PingInterval = 0

	cm := NewConnectionManager(RoleAdmin, socketURL(t, srv, RoleAdmin),
		WithConfig(config),
		WithClock(clock),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Second, Multiplier: 2}))
	defer cm.Close()

	require.NoError(t, cm.Open(context.Background(), nil))
	<-srv.Connected()
	srv.DropConnections()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, StateConnecting, cm.State())
	assert.Equal(t, 0, cm.Reconnects())

	clock.Advance(time.Second)
	select {
	case <-srv.Connected():
	case <-time.After(waitFor):
		t.Fatal("no reconnect after backoff elapsed")
	}
	require.Eventually(t, func() bool { return cm.Reconnects() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateOpen, cm.State())
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	srv := heisttest.New(t)
	url := socketURL(t, srv, RoleAdmin)

	cm := NewConnectionManager(RoleAdmin, url,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, InitialBackoff: 5 * time.Millisecond}))
	defer cm.Close()
	require.NoError(t, cm.Open(context.Background(), nil))
	<-srv.Connected()

	srv.Close()
	waitClosed(t, cm)

	var ce *ConnectionError
	require.True(t, errors.As(cm.Err(), &ce))
	assert.Equal(t, 2, ce.Attempts)
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(5))
	assert.Equal(t, time.Second, p.Backoff(60))

	flat := RetryPolicy{MaxAttempts: 3, InitialBackoff: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, flat.Backoff(3))

	assert.False(t, NoRetry().Enabled())
	assert.True(t, DefaultRetryPolicy().Enabled())
}
