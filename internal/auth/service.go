// Package auth verifies Fictures API keys against the database.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fictures/api/internal/store"
	"fictures/api/internal/util"
)

// Keys look like fk_<40 hex chars>. The first PrefixLength characters are
// stored in clear for lookup; the full key only ever exists as a bcrypt hash.
const (
	keyPrefix      = "fk_"
	keyRandomBytes = 20

	// PrefixLength is how much of the key is used for database lookup.
	PrefixLength = 16
)

// Scopes an API key can carry.
const (
	ScopeStoriesRead  = "stories:read"
	ScopeStoriesWrite = "stories:write"
	ScopeAdminAll     = "admin:all"
)

// ErrInvalidKey covers every verification failure. Callers get no hint
// about which part of the check failed.
var ErrInvalidKey = errors.New("invalid or expired api key")

// Principal identifies the caller behind a verified API key.
type Principal struct {
	UserID string
	KeyID  string
	Email  string
	Name   string
	Scopes []string
}

// HasScope reports whether the principal holds a scope. admin:all grants
// everything and stories:write implies stories:read.
func (p Principal) HasScope(required string) bool {
	for _, scope := range p.Scopes {
		if scope == required || scope == ScopeAdminAll {
			return true
		}
		if required == ScopeStoriesRead && scope == ScopeStoriesWrite {
			return true
		}
	}
	return false
}

// KeyStore defines the storage interface for API key auth.
type KeyStore interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]store.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, keyID string) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CreateAPIKey(ctx context.Context, key store.APIKey) error
}

// Service verifies and mints API keys.
type Service struct {
	store KeyStore
	log   *zap.Logger
}

// NewService creates an auth service.
func NewService(keyStore KeyStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: keyStore, log: logger.Named("auth")}
}

// VerifyKey checks an API key and returns the principal behind it. The
// prefix narrows the candidate set, then the full key is compared against
// each candidate's bcrypt hash.
func (s *Service) VerifyKey(ctx context.Context, apiKey string) (Principal, error) {
	if len(apiKey) < PrefixLength {
		return Principal{}, ErrInvalidKey
	}

	candidates, err := s.store.GetAPIKeysByPrefix(ctx, apiKey[:PrefixLength])
	if err != nil {
		return Principal{}, fmt.Errorf("lookup api keys: %w", err)
	}

	var matched *store.APIKey
	for i := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidates[i].KeyHash), []byte(apiKey)) == nil {
			matched = &candidates[i]
			break
		}
	}
	if matched == nil {
		return Principal{}, ErrInvalidKey
	}

	if matched.ExpiresAt != nil && matched.ExpiresAt.Before(time.Now()) {
		s.log.Warn("api key expired", zap.String("key_id", matched.ID))
		return Principal{}, ErrInvalidKey
	}

	user, err := s.store.GetUserByID(ctx, matched.UserID)
	if err != nil {
		s.log.Error("user missing for api key", zap.String("key_id", matched.ID), zap.Error(err))
		return Principal{}, ErrInvalidKey
	}

	// Best effort; a failed timestamp update must not fail the request.
	if err := s.store.UpdateAPIKeyLastUsed(ctx, matched.ID); err != nil {
		s.log.Warn("update key last used", zap.String("key_id", matched.ID), zap.Error(err))
	}

	return Principal{
		UserID: user.ID,
		KeyID:  matched.ID,
		Email:  user.Email,
		Name:   user.Name,
		Scopes: matched.Scopes,
	}, nil
}

// GenerateKey mints a new API key for a user and stores its hash. The raw
// key is returned exactly once and cannot be recovered afterwards.
func (s *Service) GenerateKey(ctx context.Context, userID, name string, scopes []string, expiresAt *time.Time) (string, store.APIKey, error) {
	for _, scope := range scopes {
		if !validScope(scope) {
			return "", store.APIKey{}, fmt.Errorf("unknown scope %q", scope)
		}
	}

	raw, err := newRawKey()
	if err != nil {
		return "", store.APIKey{}, fmt.Errorf("generate key: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", store.APIKey{}, fmt.Errorf("hash key: %w", err)
	}

	key := store.APIKey{
		ID:        util.NewID("key"),
		UserID:    userID,
		Name:      name,
		KeyPrefix: raw[:PrefixLength],
		KeyHash:   string(hash),
		Scopes:    scopes,
		IsActive:  true,
		ExpiresAt: expiresAt,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return "", store.APIKey{}, fmt.Errorf("store api key: %w", err)
	}
	return raw, key, nil
}

func validScope(scope string) bool {
	switch scope {
	case ScopeStoriesRead, ScopeStoriesWrite, ScopeAdminAll:
		return true
	}
	return false
}

func newRawKey() (string, error) {
	b := make([]byte, keyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return keyPrefix + hex.EncodeToString(b), nil
}
