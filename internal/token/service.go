// Package token issues and validates the gateway's signed session tokens (HS256 JWT).
// Tokens are self-contained: nothing is stored server-side and nothing is revoked.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/sqlchat-gateway/internal/errs"
	"github.com/and161185/sqlchat-gateway/internal/model"
)

// DefaultTTL is the session lifetime used when none is configured.
const DefaultTTL = 480 * time.Minute

// Claims is the token payload.
type Claims struct {
	Type  string `json:"type"`
	Class string `json:"cls"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Service signs and verifies tokens with a single shared secret.
type Service struct {
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs a token service. ttl <= 0 falls back to DefaultTTL.
func NewService(signKey []byte, ttl time.Duration, opts ...Option) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Service{signKey: signKey, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TTL reports the configured session lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue creates a signed token for the user with issued-at now and expiry now+ttl.
func (s *Service) Issue(userID int64, role, email string) (model.Tokens, error) {
	if len(s.signKey) == 0 {
		return model.Tokens{}, errors.New("token: empty signing key")
	}
	now := s.now()
	c := Claims{
		Type:  role,
		Class: model.ClassOfRole(role).String(),
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.signKey)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("sign token: %w", err)
	}
	return model.Tokens{AccessToken: signed, ExpiresAt: c.ExpiresAt.Time}, nil
}

// Validate verifies signature and expiry and returns the asserted identity.
// Every failure is reported as errs.ErrTokenInvalid.
func (s *Service) Validate(tokenString string) (model.Identity, error) {
	var c Claims
	parsed, err := jwt.ParseWithClaims(tokenString, &c, func(*jwt.Token) (any, error) {
		return s.signKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return model.Identity{}, fmt.Errorf("%w: %v", errs.ErrTokenInvalid, err)
	}

	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: bad subject", errs.ErrTokenInvalid)
	}
	class, err := model.ParseAccountClass(c.Class)
	if err != nil || c.Class == "" {
		return model.Identity{}, fmt.Errorf("%w: bad class", errs.ErrTokenInvalid)
	}

	ident := model.Identity{
		UserID:    id,
		Role:      c.Type,
		Class:     class,
		Email:     c.Email,
		ExpiresAt: c.ExpiresAt.Time,
	}
	if c.IssuedAt != nil {
		ident.IssuedAt = c.IssuedAt.Time
	}
	return ident, nil
}
