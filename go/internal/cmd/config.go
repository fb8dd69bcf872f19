package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mcdev12/codeheist/go/clients"
	"github.com/mcdev12/codeheist/go/internal/config"
	"github.com/mcdev12/codeheist/go/internal/game/gateway"
	"github.com/mcdev12/codeheist/go/internal/identity"
	"github.com/mcdev12/codeheist/go/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var errNotLoggedIn = errors.New("not logged in; run `heist admin login` first")

// globalFlags override the loaded configuration when set
type globalFlags struct {
	configPath string
	serverURL  string
	statePath  string
	logLevel   string
	logFormat  string
	statusAddr string
	retries    int
	relayURL   string
}

// app carries what every command shares once the root command has run
type app struct {
	stdin  io.Reader
	flags  globalFlags
	cfg    *config.Config
	store  *identity.Store
	client *clients.HeistClient
	logs   io.Closer
	viper  *viper.Viper
}

func newApp(stdin io.Reader) *app {
	return &app{stdin: stdin}
}

// newRootCmd builds the heist command tree. Settings resolve as flag, then
// HEIST_* environment, then config file, then defaults. config.Load owns the
// environment; viper binds the flags and HEIST_CONFIG, which picks the file.
func newRootCmd(a *app) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("HEIST")
	_ = v.BindEnv("config")
	a.viper = v

	cmd := &cobra.Command{
		Use:           "heist",
		Short:         "Play or run Code Heist games from the terminal.",
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	fs := cmd.PersistentFlags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&a.flags.configPath, "config", "c", "", "path to a YAML config file (env: HEIST_CONFIG)")
	fs.StringVarP(&a.flags.serverURL, "server-url", "s", "", "game server base URL (env: HEIST_SERVER_URL)")
	fs.StringVar(&a.flags.statePath, "state-path", "", "where the session is remembered (env: HEIST_STATE_PATH)")
	fs.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error (env: HEIST_LOG_LEVEL)")
	fs.StringVar(&a.flags.logFormat, "log-format", "", "console or json (env: HEIST_LOG_FORMAT)")
	fs.StringVar(&a.flags.statusAddr, "status-addr", "", "serve the read-only status API on this address (env: HEIST_STATUS_ADDR)")
	fs.IntVar(&a.flags.retries, "retries", 0, "reconnect attempts after the connection drops, 0 to give up at once (env: HEIST_RETRY_MAX_ATTEMPTS)")
	fs.StringVar(&a.flags.relayURL, "relay-url", "", "NATS URL that admin watch republishes events to (env: HEIST_RELAY_URL)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})

	cmd.AddCommand(
		newJoinCmd(a),
		newPlayCmd(a),
		newLeaveCmd(a),
		newAdminCmd(a),
	)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetVersionTemplate("heist v{{.Version}}\n")
	return cmd
}

// setup loads configuration, points logging at stderr and opens the state store
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.viper.GetString("config"))
	if err != nil {
		return err
	}

	fs := cmd.Flags()
	if fs.Changed("server-url") {
		cfg.Server.BaseURL = a.flags.serverURL
	}
	if fs.Changed("state-path") {
		cfg.State.Path = a.flags.statePath
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = a.flags.logFormat
	}
	if fs.Changed("status-addr") {
		cfg.Status.Addr = a.flags.statusAddr
	}
	if fs.Changed("retries") {
		cfg.Retry.MaxAttempts = a.flags.retries
		if cfg.Retry.InitialBackoff <= 0 {
			cfg.Retry.InitialBackoff = gateway.DefaultRetryPolicy().InitialBackoff
			cfg.Retry.MaxBackoff = gateway.DefaultRetryPolicy().MaxBackoff
		}
	}
	if fs.Changed("relay-url") {
		cfg.Relay.URL = a.flags.relayURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logs, err := logging.Setup(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.logs = logs

	store, err := identity.Open(cfg.State.Path)
	if err != nil {
		return err
	}
	a.store = store

	a.cfg = cfg
	a.client = clients.NewHeistClient(cfg.Server.BaseURL)
	a.client.SetTimeout(cfg.Server.Timeout)

	log.Debug().
		Str("server", cfg.Server.BaseURL).
		Str("state", cfg.State.Path).
		Msg("Configuration loaded")
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close state store")
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// connection builds a connection manager for role from the loaded configuration
func (a *app) connection(role gateway.Role) (*gateway.ConnectionManager, error) {
	url, err := a.client.WebSocketURL(role.Path())
	if err != nil {
		return nil, err
	}
	return gateway.NewConnectionManager(role, url,
		gateway.WithConfig(a.cfg.ConnectionConfig()),
		gateway.WithRetryPolicy(a.cfg.RetryPolicy()),
	), nil
}

// authorize installs the saved admin token on the client
func (a *app) authorize(ctx context.Context) error {
	token, err := a.store.LoadAdminToken(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return errNotLoggedIn
	}
	a.client.SetAccessToken(token)
	return nil
}

// checkAuth forgets the saved token when the server rejected it
func (a *app) checkAuth(ctx context.Context, err error) error {
	if err == nil || !clients.IsAuthError(err) {
		return err
	}
	if cerr := a.store.ClearAdminToken(ctx); cerr != nil {
		log.Error().Err(cerr).Msg("failed to clear access token")
	}
	return fmt.Errorf("%w; run `heist admin login` again", err)
}
