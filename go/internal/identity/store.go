// Package identity persists what lets a client resume after a restart: the
// player's {game_id, player_id} and the admin access token.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcdev12/codeheist/go/internal/models"
	"go.etcd.io/bbolt"
)

const (
	sessionBucket = "session"

	identityKey = "identity"
	tokenKey    = "access_token"
)

// ErrNotConfigured is returned by a nil or closed store
var ErrNotConfigured = errors.New("identity store is not configured")

// Store is a bbolt-backed key/value store for session credentials
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the store at path
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file location
func (s *Store) Path() string {
	if s == nil || s.db == nil {
		return ""
	}
	return s.db.Path()
}

// SaveIdentity stores the player's identity, replacing any previous one
func (s *Store) SaveIdentity(ctx context.Context, id models.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	return s.put(ctx, identityKey, payload)
}

// LoadIdentity returns the saved identity, or nil when there is none
func (s *Store) LoadIdentity(ctx context.Context) (*models.Identity, error) {
	payload, err := s.get(ctx, identityKey)
	if err != nil || payload == nil {
		return nil, err
	}

	var id models.Identity
	if err := json.Unmarshal(payload, &id); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return &id, nil
}

// ClearIdentity forgets the saved identity
func (s *Store) ClearIdentity(ctx context.Context) error {
	return s.delete(ctx, identityKey)
}

// SaveAdminToken stores the admin bearer token
func (s *Store) SaveAdminToken(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("access token is required")
	}
	return s.put(ctx, tokenKey, []byte(token))
}

// LoadAdminToken returns the saved token, or "" when there is none
func (s *Store) LoadAdminToken(ctx context.Context) (string, error) {
	payload, err := s.get(ctx, tokenKey)
	return string(payload), err
}

// ClearAdminToken forgets the saved token
func (s *Store) ClearAdminToken(ctx context.Context) error {
	return s.delete(ctx, tokenKey)
}

func (s *Store) put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Put([]byte(key), value)
	})
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}

	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		// values are only valid inside the transaction
		if v := tx.Bucket([]byte(sessionBucket)).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *Store) delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Delete([]byte(key))
	})
}
