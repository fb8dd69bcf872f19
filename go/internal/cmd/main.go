package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcdev12/codeheist/go/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const releaseVersion = "0.1.0"

func main() {
	// Load .env file if it exists
	config.LoadDotEnv()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(os.Stdin)
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		log.Error().Err(err).Msg("heist failed")
		os.Exit(1)
	}
}
