// Package service contains the application service behind the gateway's auth endpoints.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/sqlchat-gateway/internal/errs"
	"github.com/and161185/sqlchat-gateway/internal/limiter"
	"github.com/and161185/sqlchat-gateway/internal/model"
	"github.com/and161185/sqlchat-gateway/internal/permission"
)

// Authenticator resolves presented credentials into a user.
type Authenticator interface {
	Authenticate(ctx context.Context, login, secret string, class model.AccountClass) (*model.User, error)
}

// TokenService issues and validates session tokens.
type TokenService interface {
	Issue(userID int64, role, email string) (model.Tokens, error)
	Validate(token string) (model.Identity, error)
}

// AuthService defines login and identity operations.
type AuthService interface {
	// Login authenticates the account and issues a session token.
	Login(ctx context.Context, login, password string, class model.AccountClass, client ClientInfo) (LoginResult, error)
	// WhoAmI validates the token and returns the identity with freshly resolved permissions.
	WhoAmI(token string) (model.Identity, model.PermissionSet, error)
}

// ClientInfo describes the caller of a login, for throttling and the sign-in log.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// LoginResult is everything a successful login returns to the client.
type LoginResult struct {
	Tokens      model.Tokens
	User        model.User
	Permissions model.PermissionSet
}

type AuthServiceImpl struct {
	creds  Authenticator
	tokens TokenService
	lim    limiter.Limiter
	log    *zap.Logger
}

var _ AuthService = (*AuthServiceImpl)(nil)

// NewAuthService constructs AuthService with required dependencies. A nil limiter disables throttling.
func NewAuthService(creds Authenticator, tokens TokenService, lim limiter.Limiter, log *zap.Logger) *AuthServiceImpl {
	if lim == nil {
		lim = limiter.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthServiceImpl{creds: creds, tokens: tokens, lim: lim, log: log}
}

// Login authenticates with rate limiting by (class, login, ip). Unknown login, wrong
// secret and disabled account all surface as errs.ErrUnauthorized.
func (s *AuthServiceImpl) Login(ctx context.Context, login, password string, class model.AccountClass, client ClientInfo) (LoginResult, error) {
	key := limiter.Key(class.String(), login)
	ipHash := limiter.HashIP(client.IP)

	allowed, retry, err := s.lim.Allow(ctx, key, ipHash)
	if err != nil {
		// fail open: the credential check still decides
		s.log.Warn("limiter unavailable", zap.Error(err))
		allowed = true
	}
	if !allowed {
		s.log.Info("login throttled", zap.String("login", login), zap.Duration("retry_after", retry))
		return LoginResult{}, errs.ErrRateLimited
	}

	u, err := s.creds.Authenticate(ctx, login, password, class)
	if err != nil {
		if blocked, _, ferr := s.lim.Failure(ctx, key, ipHash); ferr != nil {
			s.log.Warn("limiter failure not recorded", zap.Error(ferr))
		} else if blocked {
			return LoginResult{}, errs.ErrRateLimited
		}
		if errors.Is(err, errs.ErrUnauthorized) {
			return LoginResult{}, err
		}
		// anything unexpected from the store is still an auth failure to the caller
		s.log.Warn("authenticate failed", zap.Error(err))
		return LoginResult{}, errs.ErrUnauthorized
	}

	// best-effort reset
	if err := s.lim.Success(ctx, key, ipHash); err != nil {
		s.log.Warn("limiter reset failed", zap.Error(err))
	}

	tok, err := s.tokens.Issue(u.ID, u.Role, u.TokenEmail())
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue token: %w", err)
	}

	s.log.Info("sign-in",
		zap.Int64("user_id", u.ID),
		zap.Stringer("class", u.Class),
		zap.String("role", u.Role),
		zap.String("ip", client.IP),
		zap.String("user_agent", client.UserAgent),
	)
	return LoginResult{Tokens: tok, User: *u, Permissions: permission.Resolve(u.Role)}, nil
}

// WhoAmI returns the identity asserted by token or errs.ErrTokenInvalid.
func (s *AuthServiceImpl) WhoAmI(token string) (model.Identity, model.PermissionSet, error) {
	id, err := s.tokens.Validate(token)
	if err != nil {
		return model.Identity{}, model.PermissionSet{}, err
	}
	return id, permission.Resolve(id.Role), nil
}
