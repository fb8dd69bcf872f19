// Package statusapi serves a small read-only HTTP view of a running session
// so another local process (a browser UI, a script) can follow the game.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/mcdev12/codeheist/go/internal/game/session"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const serviceName = "codeheist-client"

// Source is what the API reports on; see PlayerSource and AdminSource
type Source interface {
	Status() session.Status
	View() any
}

// Info is the body of GET /info
type Info struct {
	Service string `json:"service"`
	Version string `json:"version"`
	session.Status
}

type Server struct {
	source  Source
	version string
	server  *http.Server
}

func New(addr string, source Source, version string) *Server {
	s := &Server{source: source, version: version}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the routes wrapped in CORS and h2c
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /state", s.handleState)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// Serve accepts connections on ln until ctx is done, then shuts down
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("Status API listening")
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Status API shutdown failed")
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, Info{
		Service: serviceName,
		Version: s.version,
		Status:  s.source.Status(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.source.View())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode status response")
	}
}
