package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mcdev12/codeheist/go/internal/models"
)

// HeistClient wraps the game server's request/response endpoints
type HeistClient struct {
	*BaseClient

	now     func() time.Time
	tokenMu sync.RWMutex
	token   string
}

func NewHeistClient(baseURL string) *HeistClient {
	return &HeistClient{
		BaseClient: NewBaseClient(baseURL),
		now:        time.Now,
	}
}

// CreatedGame is returned when an admin creates a game
type CreatedGame struct {
	GameID  string `json:"game_id"`
	JoinKey string `json:"join_key"`
}

type joinRequest struct {
	PlayerName string `json:"player_name"`
	GameKey    string `json:"game_key"`
}

type guessRequest struct {
	PlayerID string `json:"player_id"`
	Guess    string `json:"guess"`
	GameKey  string `json:"game_key"`
}

type guessResponse struct {
	Correct bool `json:"correct"`
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type startRequest struct {
	GameKey string `json:"game_key"`
	Level   string `json:"level"`
}

type gameKeyRequest struct {
	GameKey string `json:"game_key"`
}

// JoinGame registers a player under a join key and returns the session identity
func (c *HeistClient) JoinGame(ctx context.Context, name, joinKey string) (models.Identity, error) {
	name = strings.TrimSpace(name)
	joinKey = strings.TrimSpace(joinKey)
	if name == "" {
		return models.Identity{}, &ValidationError{Field: "player_name", Message: "name is required"}
	}
	if joinKey == "" {
		return models.Identity{}, &ValidationError{Field: "game_key", Message: "join key is required"}
	}

	var identity models.Identity
	err := c.Post(ctx, "/api/game/join", joinRequest{PlayerName: name, GameKey: joinKey}, &identity)
	if err != nil {
		field := "player_name"
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
			field = "game_key"
		}
		return models.Identity{}, fmt.Errorf("failed to join game: %w", asValidation(err, field))
	}
	if err := identity.Validate(); err != nil {
		return models.Identity{}, fmt.Errorf("join response: %w", err)
	}
	return identity, nil
}

// RefreshGame fetches the authoritative {player, game} pair for a session
func (c *HeistClient) RefreshGame(ctx context.Context, identity models.Identity) (*models.Snapshot, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("game_key", identity.GameID)
	q.Set("player_id", identity.PlayerID)

	var snap models.Snapshot
	if err := c.Get(ctx, "/api/game?"+q.Encode(), &snap); err != nil {
		return nil, fmt.Errorf("failed to refresh game: %w", asValidation(err, "game_key"))
	}
	if snap.Game == nil || snap.Player == nil {
		return nil, fmt.Errorf("failed to refresh game: incomplete snapshot")
	}
	return &snap, nil
}

// GuessCode submits a code guess for the player's current level
func (c *HeistClient) GuessCode(ctx context.Context, identity models.Identity, guess string) (bool, error) {
	if err := identity.Validate(); err != nil {
		return false, err
	}
	guess = strings.TrimSpace(guess)
	if guess == "" {
		return false, &ValidationError{Field: "guess", Message: "guess is required"}
	}

	var resp guessResponse
	req := guessRequest{PlayerID: identity.PlayerID, Guess: guess, GameKey: identity.GameID}
	if err := c.Post(ctx, "/api/game/guess", req, &resp); err != nil {
		return false, fmt.Errorf("failed to submit guess: %w", asValidation(err, "guess"))
	}
	return resp.Correct, nil
}

// SetAccessToken installs the admin bearer token; empty clears it
func (c *HeistClient) SetAccessToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()

	if token == "" {
		c.DeleteHeader("Authorization")
		return
	}
	c.SetHeader("Authorization", "Bearer "+token)
}

func (c *HeistClient) AccessToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// authorize fails fast when there is no usable token
func (c *HeistClient) authorize() error {
	token := c.AccessToken()
	if token == "" {
		return &AuthError{Reason: "not logged in"}
	}
	expired, err := TokenExpired(token, c.now())
	if err != nil {
		// Opaque tokens are left for the server to judge
		return nil
	}
	if expired {
		return &AuthError{Reason: "token expired"}
	}
	return nil
}

// AdminLogin exchanges the admin password for a bearer token and installs it
func (c *HeistClient) AdminLogin(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", &ValidationError{Field: "password", Message: "password is required"}
	}

	var resp loginResponse
	if err := c.Post(ctx, "/api/admin/login", loginRequest{Password: password}, &resp); err != nil {
		return "", fmt.Errorf("admin login: %w", asAuth(err))
	}
	if resp.AccessToken == "" {
		return "", &AuthError{Reason: "empty access token"}
	}
	c.SetAccessToken(resp.AccessToken)
	return resp.AccessToken, nil
}

// VerifyAdmin checks the installed token against the protected endpoint
func (c *HeistClient) VerifyAdmin(ctx context.Context) error {
	if err := c.authorize(); err != nil {
		return err
	}
	if err := c.Get(ctx, "/api/admin", nil); err != nil {
		return fmt.Errorf("verify admin: %w", asAuth(err))
	}
	return nil
}

// ListGames returns every game on the server
func (c *HeistClient) ListGames(ctx context.Context) ([]models.Game, error) {
	if err := c.authorize(); err != nil {
		return nil, err
	}
	var games []models.Game
	if err := c.Get(ctx, "/api/admin/games", &games); err != nil {
		return nil, fmt.Errorf("list games: %w", asAuth(err))
	}
	return games, nil
}

// CreateGame asks the server for a fresh game
func (c *HeistClient) CreateGame(ctx context.Context) (CreatedGame, error) {
	if err := c.authorize(); err != nil {
		return CreatedGame{}, err
	}
	var created CreatedGame
	if err := c.Post(ctx, "/api/admin/games", nil, &created); err != nil {
		return CreatedGame{}, fmt.Errorf("create game: %w", asAuth(err))
	}
	return created, nil
}

// ListPlayers returns the players of one game
func (c *HeistClient) ListPlayers(ctx context.Context, joinKey string) ([]models.Player, error) {
	if err := c.authorize(); err != nil {
		return nil, err
	}
	var players []models.Player
	endpoint := "/api/admin/games/" + url.PathEscape(joinKey) + "/players"
	if err := c.Get(ctx, endpoint, &players); err != nil {
		return nil, fmt.Errorf("list players: %w", asValidation(asAuth(err), "game_key"))
	}
	return players, nil
}

// StartLevel starts a level for every player of a game
func (c *HeistClient) StartLevel(ctx context.Context, joinKey string, level int) error {
	if err := c.authorize(); err != nil {
		return err
	}
	if level < 1 {
		return &ValidationError{Field: "level", Message: "level must be positive"}
	}
	req := startRequest{GameKey: joinKey, Level: models.LevelKey(level)}
	if err := c.Post(ctx, "/api/admin/game/start", req, nil); err != nil {
		return fmt.Errorf("start level: %w", asValidation(asAuth(err), "game_key"))
	}
	return nil
}

// DeactivateGame stops a game from accepting play
func (c *HeistClient) DeactivateGame(ctx context.Context, joinKey string) error {
	if err := c.authorize(); err != nil {
		return err
	}
	if err := c.Post(ctx, "/api/admin/game/deactivate", gameKeyRequest{GameKey: joinKey}, nil); err != nil {
		return fmt.Errorf("deactivate game: %w", asValidation(asAuth(err), "game_key"))
	}
	return nil
}
