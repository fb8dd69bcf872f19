// Package heisttest runs an in-process game server for end-to-end tests. It
// speaks the same REST, chat-stream and websocket protocol as the real server
// and lets tests push frames, drop sockets and script chat replies.
package heisttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/codeheist/go/clients"
	"github.com/mcdev12/codeheist/go/internal/game/events"
	"github.com/mcdev12/codeheist/go/internal/models"
)

const (
	// AdminPassword is accepted by the fake admin login
	AdminPassword = "letmein"
	// DefaultCode is the answer to every level unless SetCode overrides it
	DefaultCode = "COCOCOCO"

	signingKey = "heisttest-signing-key"
)

type peer struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	playerID string
	gameKey  string
}

func (p *peer) write(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

// Server is a fake game server
type Server struct {
	*httptest.Server

	// Now stamps level starts and guesses; tests may replace it before use
	Now func() time.Time

	upgrader websocket.Upgrader

	mu           sync.Mutex
	games        map[string]*models.Game
	codes        map[string]string
	players      []*peer
	admins       []*peer
	handshakes   []events.ConnectRequest
	chatChunks   []string
	chatDelay    time.Duration
	chatRequests []clients.ChatRequest
	silentJoin   bool
	connected    chan struct{}
}

// New starts a fake server that shuts down with the test
func New(tb testing.TB) *Server {
	tb.Helper()
	s := &Server{
		Now:       time.Now,
		games:     make(map[string]*models.Game),
		codes:     make(map[string]string),
		connected: make(chan struct{}, 64),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.Server = httptest.NewServer(s.routes())
	tb.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/game/join", s.handleJoin)
		r.Get("/game", s.handleRefresh)
		r.Post("/game/guess", s.handleGuess)
		r.Post("/stream_chat/", s.handleChat)
		r.Post("/admin/login", s.handleLogin)
		r.Get("/ws/player", s.handlePlayerSocket)
		r.Get("/ws/admin", s.handleAdminSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/admin", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{"message": "You are authenticated"})
			})
			r.Get("/admin/games", s.handleListGames)
			r.Post("/admin/games", s.handleCreateGame)
			r.Get("/admin/games/{key}/players", s.handleListPlayers)
			r.Post("/admin/game/start", s.handleStart)
			r.Post("/admin/game/deactivate", s.handleDeactivate)
		})
	})
	return r
}

// Close drops every socket and stops the listener
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

// AddGame registers an active game with the given number of unstarted levels
func (s *Server) AddGame(joinKey string, levels int) *models.Game {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := &models.Game{
		JoinKey:   joinKey,
		Status:    models.GameStatusActive,
		CreatedAt: s.Now().UTC(),
		Players:   make(map[string]*models.Player),
		Levels:    make(map[string]models.LevelState, levels),
	}
	for i := 1; i <= levels; i++ {
		g.Levels[models.LevelKey(i)] = models.LevelState{}
	}
	s.games[joinKey] = g
	return g.Clone()
}

// Game returns a copy of a game as the server sees it
func (s *Server) Game(joinKey string) *models.Game {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.games[joinKey].Clone()
}

// SetCode sets the answer for one level of a game
func (s *Server) SetCode(joinKey string, level int, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[joinKey+"/"+models.LevelKey(level)] = code
}

// SetChatReply scripts the chunks the next chat requests stream back
func (s *Server) SetChatReply(delay time.Duration, chunks ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatChunks = chunks
	s.chatDelay = delay
}

// ChatRequests returns every chat request received so far
func (s *Server) ChatRequests() []clients.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]clients.ChatRequest(nil), s.chatRequests...)
}

// SilenceJoinBroadcasts stops the server from announcing a player on connect
func (s *Server) SilenceJoinBroadcasts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silentJoin = true
}

// Handshakes returns every connect frame players have sent
func (s *Server) Handshakes() []events.ConnectRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.ConnectRequest(nil), s.handshakes...)
}

// Connected fires once per accepted socket, after the handshake reply for players
func (s *Server) Connected() <-chan struct{} {
	return s.connected
}

// Broadcast sends a frame to every player and admin socket
func (s *Server) Broadcast(frame any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		panic(fmt.Sprintf("heisttest: marshal frame: %v", err))
	}
	s.BroadcastRaw(raw)
}

// BroadcastRaw sends raw bytes to every socket
func (s *Server) BroadcastRaw(raw []byte) {
	s.mu.Lock()
	targets := append(append([]*peer(nil), s.players...), s.admins...)
	s.mu.Unlock()

	for _, p := range targets {
		_ = p.write(raw)
	}
}

// DropConnections closes every socket without a close handshake
func (s *Server) DropConnections() {
	s.mu.Lock()
	targets := append(append([]*peer(nil), s.players...), s.admins...)
	s.players = nil
	s.admins = nil
	s.mu.Unlock()

	for _, p := range targets {
		p.conn.Close()
	}
}

// PlayerSockets returns how many player sockets are live
func (s *Server) PlayerSockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

// StartLevel starts a level as an admin would, and announces it
func (s *Server) StartLevel(joinKey string, level int, at time.Time) {
	s.mu.Lock()
	g, ok := s.games[joinKey]
	if ok {
		started := at.UTC()
		g.Levels[models.LevelKey(level)] = models.LevelState{Started: true, StartedAt: &started}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.Broadcast(map[string]any{
		"type":       "game_update",
		"action":     "start",
		"game_key":   joinKey,
		"level":      models.LevelKey(level),
		"started_at": at.UTC().Format(time.RFC3339Nano),
	})
}

// DeleteGame removes a game and announces it
func (s *Server) DeleteGame(joinKey string) {
	s.mu.Lock()
	delete(s.games, joinKey)
	s.mu.Unlock()

	s.Broadcast(map[string]any{"type": "game_update", "action": "delete", "game_key": joinKey})
}

// DeactivateGame marks a game inactive and announces it
func (s *Server) DeactivateGame(joinKey string) {
	s.mu.Lock()
	if g, ok := s.games[joinKey]; ok {
		g.Status = models.GameStatusInactive
	}
	s.mu.Unlock()

	s.Broadcast(map[string]any{"type": "game_update", "action": "deactivate", "game_key": joinKey})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerName string `json:"player_name"`
		GameKey    string `json:"game_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	g, ok := s.games[req.GameKey]
	if !ok {
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, "Game not found")
		return
	}
	for _, p := range g.Players {
		if strings.EqualFold(p.Name, req.PlayerName) {
			s.mu.Unlock()
			writeDetail(w, http.StatusBadRequest, "Player already exists")
			return
		}
	}
	player := &models.Player{
		PlayerID: uuid.NewString(),
		JoinKey:  g.JoinKey,
		Name:     req.PlayerName,
		Level:    1,
		Score:    map[string]float64{},
	}
	g.Players[player.PlayerID] = player
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, models.Identity{GameID: g.JoinKey, PlayerID: player.PlayerID})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("game_key")
	playerID := r.URL.Query().Get("player_id")

	s.mu.Lock()
	g, ok := s.games[key]
	var snap models.Snapshot
	if ok && g.HasPlayer(playerID) {
		snap = models.Snapshot{Player: g.Players[playerID].Clone(), Game: g.Clone()}
	}
	s.mu.Unlock()

	if snap.Game == nil {
		writeDetail(w, http.StatusNotFound, "Player not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGuess(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID string `json:"player_id"`
		Guess    string `json:"guess"`
		GameKey  string `json:"game_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	g, ok := s.games[req.GameKey]
	if !ok || !g.HasPlayer(req.PlayerID) {
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, "Player not found")
		return
	}
	player := g.Players[req.PlayerID]
	level := models.LevelKey(player.Level)
	state := g.Levels[level]
	if !state.Started || state.StartedAt == nil {
		s.mu.Unlock()
		writeDetail(w, http.StatusBadRequest, "Level has not started")
		return
	}
	code, ok := s.codes[req.GameKey+"/"+level]
	if !ok {
		code = DefaultCode
	}
	correct := req.Guess == code
	if correct {
		player.Score[level] = s.Now().Sub(*state.StartedAt).Seconds()
		player.Level++
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"correct": correct})
	if correct {
		s.Broadcast(map[string]any{
			"type":      "player_update",
			"action":    "level_complete",
			"game_key":  req.GameKey,
			"player_id": req.PlayerID,
		})
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req clients.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	s.chatRequests = append(s.chatRequests, req)
	chunks := append([]string(nil), s.chatChunks...)
	delay := s.chatDelay
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, chunk := range chunks {
		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password != AdminPassword {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(48 * time.Hour)),
	})
	signed, err := token.SignedString([]byte(signingKey))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": signed, "token_type": "bearer"})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return []byte(signingKey), nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListGames(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	games := make([]*models.Game, 0, len(s.games))
	for _, g := range s.games {
		games = append(games, g.Clone())
	}
	s.mu.Unlock()

	sort.Slice(games, func(i, j int) bool { return games[i].JoinKey < games[j].JoinKey })
	writeJSON(w, http.StatusOK, games)
}

func (s *Server) handleCreateGame(w http.ResponseWriter, _ *http.Request) {
	key := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:5])
	g := s.AddGame(key, 3)
	writeJSON(w, http.StatusOK, clients.CreatedGame{GameID: g.JoinKey, JoinKey: g.JoinKey})
}

func (s *Server) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	s.mu.Lock()
	g, ok := s.games[key]
	var players []models.Player
	if ok {
		for _, p := range g.Players {
			players = append(players, *p.Clone())
		}
	}
	s.mu.Unlock()

	if !ok {
		writeDetail(w, http.StatusNotFound, "Game not found")
		return
	}
	sort.Slice(players, func(i, j int) bool { return players[i].Name < players[j].Name })
	writeJSON(w, http.StatusOK, players)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GameKey string `json:"game_key"`
		Level   string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	var level int
	if _, err := fmt.Sscanf(req.Level, "%d", &level); err != nil || s.Game(req.GameKey) == nil {
		writeDetail(w, http.StatusNotFound, "Game not found")
		return
	}
	s.StartLevel(req.GameKey, level, s.Now())
	writeJSON(w, http.StatusOK, map[string]string{"message": "Level started"})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GameKey string `json:"game_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || s.Game(req.GameKey) == nil {
		writeDetail(w, http.StatusNotFound, "Game not found")
		return
	}
	s.DeactivateGame(req.GameKey)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Game deactivated"})
}

func (s *Server) handlePlayerSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}

	for {
		var req events.ConnectRequest
		if err := conn.ReadJSON(&req); err != nil {
			s.removePeer(p)
			conn.Close()
			return
		}

		s.mu.Lock()
		s.handshakes = append(s.handshakes, req)
		g, ok := s.games[req.GameID]
		var snap models.Snapshot
		if ok && g.HasPlayer(req.PlayerID) {
			snap = models.Snapshot{Player: g.Players[req.PlayerID].Clone(), Game: g.Clone()}
		}
		silent := s.silentJoin
		s.mu.Unlock()

		if snap.Game == nil {
			_ = p.write(mustJSON(map[string]any{"type": "error", "error": "Player not found", "status_code": 404}))
			conn.Close()
			return
		}

		p.playerID = req.PlayerID
		p.gameKey = req.GameID
		if err := p.write(mustJSON(map[string]any{"type": "connect", "player": snap.Player, "game": snap.Game})); err != nil {
			conn.Close()
			return
		}

		s.mu.Lock()
		s.players = append(s.players, p)
		s.mu.Unlock()
		s.signalConnected()

		if !silent {
			s.Broadcast(map[string]any{
				"type":     "player_update",
				"action":   "join",
				"game_key": req.GameID,
				"player":   snap.Player,
			})
		}
	}
}

func (s *Server) handleAdminSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}

	s.mu.Lock()
	s.admins = append(s.admins, p)
	s.mu.Unlock()
	s.signalConnected()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.removePeer(p)
			conn.Close()
			return
		}
	}
}

func (s *Server) signalConnected() {
	select {
	case s.connected <- struct{}{}:
	default:
	}
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players = without(s.players, p)
	s.admins = without(s.admins, p)
}

func without(peers []*peer, p *peer) []*peer {
	out := peers[:0]
	for _, q := range peers {
		if q != p {
			out = append(out, q)
		}
	}
	return out
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("heisttest: marshal: %v", err))
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
