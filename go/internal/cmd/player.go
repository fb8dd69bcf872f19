package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mcdev12/codeheist/go/clients"
	"github.com/mcdev12/codeheist/go/internal/game/chat"
	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/game/gateway"
	"github.com/mcdev12/codeheist/go/internal/game/session"
	"github.com/mcdev12/codeheist/go/internal/game/store"
	"github.com/mcdev12/codeheist/go/internal/game/timer"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/mcdev12/codeheist/go/internal/statusapi"
	"github.com/spf13/cobra"
)

const playHelp = `Type a message to ask the assistant for a hint.
  /guess CODE  submit the code for your current level
  /time        show how long the current level has been running
  /score       show your total time so far
  /leave       leave the game and forget this session
  /quit        stop playing; "heist play" resumes later`

func newJoinCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "join NAME GAME_KEY",
		Short: "Join a game and remember the session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := a.client.JoinGame(ctx, args[0], args[1])
			if err != nil {
				var ve *clients.ValidationError
				if errors.As(err, &ve) {
					return fmt.Errorf("%s: %s", ve.Field, ve.Message)
				}
				return err
			}
			if err := a.store.SaveIdentity(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Joined game %s as %s. Run \"heist play\" to start.\n", id.GameID, args[0])
			return nil
		},
	}
}

func newLeaveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "leave",
		Short: "Forget the remembered game session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.store.ClearIdentity(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Session forgotten.")
			return nil
		},
	}
}

func newPlayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "play",
		Short: "Play the remembered game",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.play(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

// console serialises writes from the session callbacks and the input loop
type console struct {
	mu  sync.Mutex
	out io.Writer

	replyID    int
	replyShown int
	replyDone  bool
	started    map[int]bool
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// transcript prints only what is new in the assistant's latest reply
func (c *console) transcript(msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Author != models.AuthorAssistant {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if last.ID != c.replyID {
		c.replyID, c.replyShown, c.replyDone = last.ID, 0, false
		fmt.Fprint(c.out, "assistant: ")
	}
	if c.replyDone {
		return
	}
	if len(last.Text) > c.replyShown {
		fmt.Fprint(c.out, last.Text[c.replyShown:])
		c.replyShown = len(last.Text)
	}
	if last.Complete {
		fmt.Fprintln(c.out)
		c.replyDone = true
	}
}

// levelStarts announces the player's level once it has been started
func (c *console) levelStarts(agg store.Aggregates) {
	if agg.Game == nil || agg.Player == nil {
		return
	}
	level := agg.Player.Level
	if !agg.Game.LevelStarted(level) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started[level] {
		return
	}
	c.started[level] = true
	fmt.Fprintf(c.out, "Level %d has started. Good luck!\n", level)
}

func (a *app) play(ctx context.Context, out io.Writer) error {
	id, err := a.store.LoadIdentity(ctx)
	if err != nil {
		return err
	}
	if id == nil {
		return errors.New("no game session; run \"heist join NAME GAME_KEY\" first")
	}
	conn, err := a.connection(gateway.RolePlayer)
	if err != nil {
		return err
	}

	con := &console{out: out, started: make(map[int]bool)}
	s := session.NewPlayerSession(session.PlayerConfig{
		Identity:     id,
		Conn:         conn,
		Client:       a.client,
		TickInterval: a.cfg.Timer.Interval,
		ChatTimeout:  a.cfg.Chat.Timeout,
		Forget: func() error {
			return a.store.ClearIdentity(context.Background())
		},
		Callbacks: session.Callbacks{
			OnStateChange: con.levelStarts,
			OnLevelChanged: func(level int) {
				con.printf("You are on level %d.\n", level)
			},
			OnTranscript: con.transcript,
			OnServerError: func(e events.ServerError) {
				con.printf("Server error: %s\n", e.Message)
			},
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	waitStatus := a.serveStatus(runCtx, statusapi.PlayerSource(s))
	defer waitStatus()

	result := make(chan error, 1)
	go func() { result <- s.Run(runCtx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runCtx.Done():
				return
			}
		}
	}()

	con.printf("Connected to game %s. Type /help for commands.\n", id.GameID)
	for {
		select {
		case err := <-result:
			return a.describeEnd(con, err)

		case line, ok := <-lines:
			if !ok {
				s.Close()
				return a.describeEnd(con, <-result)
			}
			done, err := a.handleLine(ctx, con, s, strings.TrimSpace(line))
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handleLine runs one line of input; done reports that the player stopped
func (a *app) handleLine(ctx context.Context, con *console, s *session.PlayerSession, line string) (bool, error) {
	command, arg, _ := strings.Cut(line, " ")
	switch command {
	case "":
		return false, nil

	case "/help":
		con.printf("%s\n", playHelp)

	case "/guess":
		correct, err := s.GuessCode(ctx, strings.TrimSpace(arg))
		switch {
		case err != nil:
			con.printf("Guess failed: %v\n", err)
		case correct:
			con.printf("Correct! Waiting for the next level.\n")
		default:
			con.printf("Wrong code, keep trying.\n")
		}

	case "/time":
		reading := s.Reading()
		if !reading.Started {
			con.printf("Level %d has not started yet.\n", reading.Level)
		} else {
			con.printf("Level %d: %s\n", reading.Level, reading)
		}

	case "/score":
		con.printf("Total time: %s\n", timer.FormatSeconds(timer.TotalScore(s.Snapshot().Player)))

	case "/leave":
		if err := s.Leave(); err != nil {
			return true, err
		}
		con.printf("You left the game.\n")
		return true, nil

	case "/quit":
		s.Close()
		return true, nil

	default:
		err := s.SendChat(line)
		switch {
		case errors.Is(err, chat.ErrStreamInProgress):
			con.printf("Wait for the current reply to finish.\n")
		case err != nil:
			con.printf("Chat unavailable: %v\n", err)
		}
	}
	return false, nil
}

func (a *app) describeEnd(con *console, err error) error {
	var ce *gateway.ConnectionError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrGameEnded):
		con.printf("The game has ended.\n")
		return nil
	case errors.Is(err, gateway.ErrNoSession):
		return errors.New("no game session; run \"heist join NAME GAME_KEY\" first")
	case errors.As(err, &ce):
		return fmt.Errorf("lost connection to the game server: %w", err)
	default:
		return err
	}
}
