package main

import (
	"context"
	"sync"

	"github.com/mcdev12/codeheist/go/internal/statusapi"
	"github.com/rs/zerolog/log"
)

// serveStatus starts the status API when an address is configured. The
// returned wait blocks until the server has shut down after ctx ends.
func (a *app) serveStatus(ctx context.Context, source statusapi.Source) (wait func()) {
	if a.cfg.Status.Addr == "" {
		return func() {}
	}

	server := statusapi.New(a.cfg.Status.Addr, source, releaseVersion)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(ctx); err != nil {
			log.Error().Err(err).Str("addr", a.cfg.Status.Addr).Msg("Status API failed")
		}
	}()
	return wg.Wait
}
