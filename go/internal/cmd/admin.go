package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mcdev12/codeheist/go/clients"
	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/game/gateway"
	"github.com/mcdev12/codeheist/go/internal/game/relay"
	"github.com/mcdev12/codeheist/go/internal/game/session"
	"github.com/mcdev12/codeheist/go/internal/game/timer"
	"github.com/mcdev12/codeheist/go/internal/models"
	"github.com/mcdev12/codeheist/go/internal/statusapi"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

const adminPasswordEnv = "HEIST_ADMIN_PASSWORD"

func newAdminCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Create and run games",
	}
	cmd.AddCommand(
		newLoginCmd(a),
		newGamesCmd(a),
		newCreateCmd(a),
		newPlayersCmd(a),
		newStartCmd(a),
		newDeactivateCmd(a),
		newWatchCmd(a),
		newShareCmd(a),
	)
	return cmd
}

func newLoginCmd(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in as the game administrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if password == "" {
				password = os.Getenv(adminPasswordEnv)
			}
			if password == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Password: ")
				line, err := readLine(a.stdin)
				if err != nil {
					return err
				}
				password = line
			}

			token, err := a.client.AdminLogin(ctx, password)
			if err != nil {
				return err
			}
			if err := a.store.SaveAdminToken(ctx, token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged in.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "admin password (env: "+adminPasswordEnv+")")
	return cmd
}

func readLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.New("no password given")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func newGamesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "games",
		Short: "List every game on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.authorize(ctx); err != nil {
				return err
			}
			games, err := a.client.ListGames(ctx)
			if err != nil {
				return a.checkAuth(ctx, err)
			}
			board := make([]*models.Game, 0, len(games))
			for i := range games {
				board = append(board, &games[i])
			}
			sort.Slice(board, func(i, j int) bool { return board[i].JoinKey < board[j].JoinKey })
			return printBoard(cmd.OutOrStdout(), board)
		},
	}
}

// printBoard writes one row per game
func printBoard(out io.Writer, games []*models.Game) error {
	if len(games) == 0 {
		_, err := fmt.Fprintln(out, "No games.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATUS\tPLAYERS\tSTARTED\tCREATED")
	for _, g := range games {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			g.JoinKey, g.Status, len(g.Players), startedLevels(g), g.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// startedLevels lists the started levels of g in order, or "-"
func startedLevels(g *models.Game) string {
	var started []int
	for key, state := range g.Levels {
		level, err := strconv.Atoi(key)
		if err != nil || !state.Started {
			continue
		}
		started = append(started, level)
	}
	if len(started) == 0 {
		return "-"
	}
	sort.Ints(started)
	parts := make([]string, len(started))
	for i, level := range started {
		parts[i] = strconv.Itoa(level)
	}
	return strings.Join(parts, ",")
}

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new game",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.authorize(ctx); err != nil {
				return err
			}
			created, err := a.client.CreateGame(ctx)
			if err != nil {
				return a.checkAuth(ctx, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created game %s.\n", created.JoinKey)
			return nil
		},
	}
}

func newPlayersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "players GAME_KEY",
		Short: "List the players of a game with their progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.authorize(ctx); err != nil {
				return err
			}
			players, err := a.client.ListPlayers(ctx, args[0])
			if err != nil {
				return a.checkAuth(ctx, err)
			}
			if len(players) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No players yet.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tLEVEL\tTOTAL")
			for i := range players {
				p := &players[i]
				fmt.Fprintf(w, "%s\t%d\t%s\n", p.Name, p.Level, timer.FormatSeconds(timer.TotalScore(p)))
			}
			return w.Flush()
		},
	}
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start GAME_KEY LEVEL",
		Short: "Start a level for every player of a game",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			level, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("level must be a number: %q", args[1])
			}
			if err := a.authorize(ctx); err != nil {
				return err
			}
			if err := a.client.StartLevel(ctx, args[0], level); err != nil {
				return a.checkAuth(ctx, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started level %d of game %s.\n", level, args[0])
			return nil
		},
	}
}

func newDeactivateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate GAME_KEY",
		Short: "Stop a game from accepting play",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.authorize(ctx); err != nil {
				return err
			}
			if err := a.client.DeactivateGame(ctx, args[0]); err != nil {
				return a.checkAuth(ctx, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deactivated game %s.\n", args[0])
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow every game live until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.watch(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (a *app) watch(ctx context.Context, out io.Writer) error {
	if err := a.authorize(ctx); err != nil {
		return err
	}
	conn, err := a.connection(gateway.RoleAdmin)
	if err != nil {
		return err
	}

	cfg := session.AdminConfig{
		Conn:   conn,
		Client: a.client,
		ForgetToken: func() error {
			return a.store.ClearAdminToken(context.Background())
		},
	}
	if a.cfg.Relay.URL != "" {
		pub, err := relay.Connect(a.cfg.RelayConfig())
		if err != nil {
			return err
		}
		defer pub.Close()
		cfg.Relay = pub
	}

	con := &console{out: out}
	cfg.Callbacks = session.AdminCallbacks{
		OnBoardChange: func(games []*models.Game) {
			con.mu.Lock()
			defer con.mu.Unlock()
			fmt.Fprintf(out, "\n%s\n", time.Now().Format(time.TimeOnly))
			if err := printBoard(out, games); err != nil {
				log.Error().Err(err).Msg("failed to print board")
			}
		},
		OnServerError: func(e events.ServerError) {
			con.printf("Server error: %s\n", e.Message)
		},
	}
	s := session.NewAdminSession(cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	waitStatus := a.serveStatus(runCtx, statusapi.AdminSource(s))
	defer waitStatus()

	err = s.Run(runCtx)
	switch {
	case ctx.Err() != nil:
		return nil
	case clients.IsAuthError(err):
		return fmt.Errorf("%w; run `heist admin login` again", err)
	default:
		return err
	}
}

func newShareCmd(a *app) *cobra.Command {
	var joinURL string
	cmd := &cobra.Command{
		Use:   "share GAME_KEY",
		Short: "Print a QR code players can scan to join a game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := args[0]
			if joinURL != "" {
				content = strings.TrimRight(joinURL, "/") + "/" + args[0]
			}
			code, err := qrcode.New(content, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("encode %q: %w", content, err)
			}
			fmt.Fprint(cmd.OutOrStdout(), code.ToSmallString(false))
			fmt.Fprintf(cmd.OutOrStdout(), "Game key: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&joinURL, "url", "", "join page the game key is appended to")
	return cmd
}
