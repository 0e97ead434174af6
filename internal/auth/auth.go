// Package auth issues and resolves session tokens. It does not manage
// identities: users are provisioned out of band and a token only maps back
// to a user id.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/c-pro/geche"
)

const DefaultTokenExpiry = 24 * time.Hour

const tokenRandomBytes = 16

var ErrInvalidToken = errors.New("invalid or expired token")

type Config struct {
	// Secret is base64; it keys the token signature.
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// Service maps live tokens to user ids. Tokens are random, HMAC-signed so
// a forged one is rejected before the cache lookup, and expire with the
// TTL cache rather than an explicit sweep.
type Service struct {
	Config
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func New(ctx context.Context, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:     config,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Issue creates a token bound to userID, valid for the configured expiry.
func (s *Service) Issue(userID string) (string, error) {
	raw := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(append(raw, s.sign(raw)...))
	s.liveTokens.Set(token, userID)
	return token, nil
}

// Resolve returns the user id a token was issued to.
func (s *Service) Resolve(token string) (string, error) {
	if !s.verify(token) {
		return "", ErrInvalidToken
	}

	userID, err := s.liveTokens.Get(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// Revoke drops a live token. Unknown tokens are not an error.
func (s *Service) Revoke(token string) {
	_ = s.liveTokens.Del(token)
}

// ExpiresAt reports when a token issued now would stop being valid.
func (s *Service) ExpiresAt() time.Time {
	return s.now().Add(s.TokenExpiry)
}

func (s *Service) sign(raw []byte) []byte {
	h := hmac.New(sha512.New512_256, s.secretBytes)
	h.Write(raw)
	return h.Sum(nil)
}

func (s *Service) verify(token string) bool {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(decoded) <= tokenRandomBytes {
		return false
	}
	raw, sig := decoded[:tokenRandomBytes], decoded[tokenRandomBytes:]
	return hmac.Equal(sig, s.sign(raw))
}
