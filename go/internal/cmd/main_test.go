package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/codeheist/go/internal/heisttest"
	"github.com/mcdev12/codeheist/go/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gameKey = "ABCXY"
	waitFor = 5 * time.Second
	poll    = 10 * time.Millisecond
)

// syncBuffer is read by the test while commands are still writing
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type cli struct {
	t     *testing.T
	srv   *heisttest.Server
	state string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	srv := heisttest.New(t)
	srv.AddGame(gameKey, 3)
	return &cli{
		t:     t,
		srv:   srv,
		state: filepath.Join(t.TempDir(), "state.db"),
	}
}

func (c *cli) execute(ctx context.Context, stdin io.Reader, out io.Writer, args ...string) error {
	a := newApp(stdin)
	root := newRootCmd(a)
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--server-url", c.srv.URL, "--state-path", c.state}, args...))
	err := root.ExecuteContext(ctx)
	a.close()
	return err
}

func (c *cli) run(stdin string, args ...string) (string, error) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	var out syncBuffer
	err := c.execute(ctx, strings.NewReader(stdin), &out, args...)
	return out.String(), err
}

func (c *cli) must(args ...string) string {
	c.t.Helper()
	out, err := c.run("", args...)
	require.NoError(c.t, err)
	return out
}

func (c *cli) login() {
	c.t.Helper()
	c.must("admin", "login", "--password", heisttest.AdminPassword)
}

func TestJoinAndLeave(t *testing.T) {
	c := newCLI(t)

	out := c.must("join", "Alice", gameKey)
	assert.Contains(t, out, "Joined game ABCXY as Alice.")
	assert.Len(t, c.srv.Game(gameKey).Players, 1)

	store, err := identity.Open(c.state)
	require.NoError(t, err)
	id, err := store.LoadIdentity(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NotNil(t, id)
	assert.Equal(t, gameKey, id.GameID)

	assert.Contains(t, c.must("leave"), "Session forgotten.")

	_, err = c.run("", "play")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heist join")
}

func TestJoinUnknownGame(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("", "join", "Alice", "NOPE1")
	assert.Error(t, err)
}

func TestPlayHelpAndQuit(t *testing.T) {
	c := newCLI(t)
	c.must("join", "Alice", gameKey)

	out, err := c.run("/help\n/quit\n", "play")
	require.NoError(t, err)
	assert.Contains(t, out, "Connected to game ABCXY.")
	assert.Contains(t, out, "/guess CODE")

	// quitting keeps the session for later
	out, err = c.run("/quit\n", "play")
	require.NoError(t, err)
	assert.Contains(t, out, "Connected to game ABCXY.")
}

func TestPlayEndsWhenGameIsDeactivated(t *testing.T) {
	c := newCLI(t)
	c.must("join", "Alice", gameKey)

	stdin, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })

	// outlives the wait below so only the game ending can stop play
	ctx, cancel := context.WithTimeout(context.Background(), 3*waitFor)
	defer cancel()
	var out syncBuffer
	result := make(chan error, 1)
	go func() { result <- c.execute(ctx, stdin, &out, "play") }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "You are on level 1.")
	}, waitFor, poll)
	c.srv.DeactivateGame(gameKey)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("play did not stop")
	}
	assert.Contains(t, out.String(), "The game has ended.")

	_, err := c.run("", "play")
	require.Error(t, err, "the ended game is forgotten")
}

func TestPlayReportsLostConnection(t *testing.T) {
	c := newCLI(t)
	c.must("join", "Alice", gameKey)

	stdin, stdinW := io.Pipe()
	t.Cleanup(func() { stdinW.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*waitFor)
	defer cancel()
	var out syncBuffer
	result := make(chan error, 1)
	go func() { result <- c.execute(ctx, stdin, &out, "play") }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "You are on level 1.")
	}, waitFor, poll)
	c.srv.DropConnections()

	select {
	case err := <-result:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lost connection to the game server")
	case <-time.After(waitFor):
		t.Fatal("play did not stop")
	}
}

func TestAdminCommandsNeedLogin(t *testing.T) {
	c := newCLI(t)
	for _, args := range [][]string{
		{"admin", "games"},
		{"admin", "create"},
		{"admin", "players", gameKey},
		{"admin", "start", gameKey, "1"},
		{"admin", "deactivate", gameKey},
		{"admin", "watch"},
	} {
		_, err := c.run("", args...)
		assert.ErrorIs(t, err, errNotLoggedIn, strings.Join(args, " "))
	}
}

func TestAdminLoginFromPrompt(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(heisttest.AdminPassword+"\n", "admin", "login")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in.")

	_, err = c.run("wrong\n", "admin", "login")
	assert.Error(t, err)
}

func TestAdminManagesGames(t *testing.T) {
	c := newCLI(t)
	c.login()

	out := c.must("admin", "create")
	require.True(t, strings.HasPrefix(out, "Created game "), out)
	created := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(out), "Created game "), ".")
	require.NotEmpty(t, created)

	out = c.must("admin", "games")
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, gameKey)
	assert.Contains(t, out, created)

	assert.Contains(t, c.must("admin", "players", gameKey), "No players yet.")
	c.must("join", "Bob", gameKey)
	out = c.must("admin", "players", gameKey)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "Bob")

	assert.Contains(t, c.must("admin", "start", gameKey, "1"), "Started level 1 of game ABCXY.")
	assert.True(t, c.srv.Game(gameKey).LevelStarted(1))

	_, err := c.run("", "admin", "start", gameKey, "one")
	assert.Error(t, err)

	assert.Contains(t, c.must("admin", "deactivate", gameKey), "Deactivated game ABCXY.")
	assert.Contains(t, c.must("admin", "games"), "inactive")
}

func TestRejectedTokenIsForgotten(t *testing.T) {
	c := newCLI(t)

	store, err := identity.Open(c.state)
	require.NoError(t, err)
	require.NoError(t, store.SaveAdminToken(context.Background(), "not-a-real-token"))
	require.NoError(t, store.Close())

	_, err = c.run("", "admin", "games")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heist admin login")

	_, err = c.run("", "admin", "games")
	assert.ErrorIs(t, err, errNotLoggedIn)
}

func TestAdminWatchPrintsBoard(t *testing.T) {
	c := newCLI(t)
	c.login()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out syncBuffer
	result := make(chan error, 1)
	go func() { result <- c.execute(ctx, strings.NewReader(""), &out, "admin", "watch") }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), gameKey) }, waitFor, poll)

	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("watch did not stop")
	}
}

func TestShare(t *testing.T) {
	c := newCLI(t)

	out := c.must("admin", "share", gameKey, "--url", "https://heist.example/join/")
	assert.Contains(t, out, "Game key: ABCXY")
	assert.Greater(t, strings.Count(out, "\n"), 10)
}

func TestSettingsPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "heist.yaml")
	require.NoError(t, os.WriteFile(file, []byte("retry:\n  max_attempts: 1\n  initial_backoff: 1s\n"), 0o600))

	t.Setenv("HEIST_CONFIG", file)
	t.Setenv("HEIST_RETRY_MAX_ATTEMPTS", "4")
	t.Setenv("HEIST_RETRIES", "9")
	t.Setenv("HEIST_STATE_PATH", filepath.Join(dir, "env.db"))

	flagPath := filepath.Join(dir, "flag.db")
	a := newApp(strings.NewReader(""))
	root := newRootCmd(a)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--state-path", flagPath, "leave"})
	require.NoError(t, root.Execute())
	a.close()

	assert.Equal(t, flagPath, a.cfg.State.Path, "flag beats env")
	assert.Equal(t, 4, a.cfg.Retry.MaxAttempts, "env beats file")
	assert.Equal(t, time.Second, a.cfg.Retry.InitialBackoff, "file named by HEIST_CONFIG")
}
