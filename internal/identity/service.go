// Package identity implements passwordless sign-in: emailed magic links and
// external OAuth providers. Neither flow blocks on the out-of-band step; a
// session is only established once the link or authorization code comes back.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"juday/api/internal/auth"
	"juday/api/internal/store"
)

var (
	ErrInvalidEmail = errors.New("a valid email address is required")
	ErrInvalidLink  = errors.New("invalid or expired sign-in link")
)

// UserStore defines the storage interface for sign-in.
type UserStore interface {
	EnsureUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateLoginToken(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	ConsumeLoginToken(ctx context.Context, tokenHash string) (string, error)
}

// Service issues and redeems magic-link tokens.
type Service struct {
	store   UserStore
	baseURL string
	linkTTL time.Duration
}

// NewService builds the magic-link issuer. linkTTL comes straight from
// config; it is not defaulted here.
func NewService(store UserStore, baseURL string, linkTTL time.Duration) *Service {
	return &Service{
		store:   store,
		baseURL: baseURL,
		linkTTL: linkTTL,
	}
}

// MagicLink is an issued sign-in link, returned to the email layer.
type MagicLink struct {
	Email     string
	Token     string
	SignInURL string
	ExpiresAt time.Time
}

// RequestLink provisions the user on first contact and mints a single-use
// sign-in token. The raw token goes into the email; only its hash is stored.
func (s *Service) RequestLink(ctx context.Context, email string) (MagicLink, error) {
	if !validEmail(email) {
		return MagicLink{}, ErrInvalidEmail
	}

	user, err := s.store.EnsureUserByEmail(ctx, email)
	if err != nil {
		return MagicLink{}, fmt.Errorf("ensure user: %w", err)
	}

	token, err := generateToken()
	if err != nil {
		return MagicLink{}, fmt.Errorf("generate sign-in token: %w", err)
	}

	expiresAt := time.Now().Add(s.linkTTL)
	if err := s.store.CreateLoginToken(ctx, auth.HashToken(token), user.ID, expiresAt); err != nil {
		return MagicLink{}, fmt.Errorf("store sign-in token: %w", err)
	}

	return MagicLink{
		Email:     user.Email,
		Token:     token,
		SignInURL: s.baseURL + "/auth/callback?token=" + url.QueryEscape(token),
		ExpiresAt: expiresAt,
	}, nil
}

// Redeem consumes a sign-in token and returns the user it belongs to. A token
// redeems at most once; expired, unknown, and reused tokens all map to
// ErrInvalidLink so the response does not leak which case occurred.
func (s *Service) Redeem(ctx context.Context, token string) (store.User, error) {
	if token == "" {
		return store.User{}, ErrInvalidLink
	}

	userID, err := s.store.ConsumeLoginToken(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrInvalidLink
		}
		return store.User{}, fmt.Errorf("consume sign-in token: %w", err)
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.User{}, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	at := -1
	for i, r := range email {
		if r == '@' {
			if at >= 0 {
				return false
			}
			at = i
		}
	}
	return at > 0 && at < len(email)-1
}
