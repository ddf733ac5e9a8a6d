// Package credentials resolves a login attempt into a domain user.
// It is the only place that looks at presented secrets.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/sqlchat-gateway/internal/crypto"
	"github.com/and161185/sqlchat-gateway/internal/errs"
	"github.com/and161185/sqlchat-gateway/internal/model"
	"github.com/and161185/sqlchat-gateway/internal/repository"
)

// DevPasswords is a per-class list of placeholder secrets accepted for any existing
// account. Development only; empty lists disable the bypass.
type DevPasswords struct {
	Admin []string
	User  []string
}

func (d DevPasswords) allows(class model.AccountClass, secret string) bool {
	switch class {
	case model.AccountAdmin:
		return slices.Contains(d.Admin, secret)
	case model.AccountUser:
		return slices.Contains(d.User, secret)
	default:
		return false
	}
}

// Store authenticates logins against the account repository.
type Store struct {
	accounts      repository.AccountRepository
	lookupTimeout time.Duration
	dev           DevPasswords
	log           *zap.Logger
}

// NewStore constructs a credential store. lookupTimeout <= 0 means no extra bound.
func NewStore(accounts repository.AccountRepository, lookupTimeout time.Duration, dev DevPasswords, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{accounts: accounts, lookupTimeout: lookupTimeout, dev: dev, log: log}
}

// Authenticate returns the user for (login, secret, class) or errs.ErrUnauthorized.
// The reason for a failure is logged, never returned.
func (s *Store) Authenticate(ctx context.Context, login, secret string, class model.AccountClass) (*model.User, error) {
	if login == "" || secret == "" {
		return nil, errs.ErrUnauthorized
	}
	if s.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lookupTimeout)
		defer cancel()
	}

	u, err := s.lookup(ctx, login, class)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			s.log.Info("login rejected", zap.String("login", login), zap.Stringer("class", class), zap.Error(err))
		} else {
			s.log.Warn("login lookup failed", zap.String("login", login), zap.Stringer("class", class), zap.Error(err))
		}
		return nil, errs.ErrUnauthorized
	}

	if pkgcrypto.VerifyStoredCredential(secret, u.StoredCredential) {
		return u, nil
	}
	if s.dev.allows(class, secret) {
		s.log.Warn("login accepted via development password list", zap.String("login", login), zap.Stringer("class", class))
		return u, nil
	}
	s.log.Info("login rejected", zap.String("login", login), zap.Stringer("class", class), zap.String("reason", "credential mismatch"))
	return nil, errs.ErrUnauthorized
}

func (s *Store) lookup(ctx context.Context, login string, class model.AccountClass) (*model.User, error) {
	switch class {
	case model.AccountAdmin:
		a, err := s.accounts.GetAdminByEmail(ctx, login)
		if err != nil {
			return nil, err
		}
		if !a.Enabled {
			return nil, fmt.Errorf("admin %d disabled: %w", a.ID, errs.ErrNotFound)
		}
		return &model.User{
			ID:               a.ID,
			Email:            deref(a.Email),
			Role:             model.AdminRole(a.RoleID),
			Class:            model.AccountAdmin,
			StoredCredential: a.EncryptedPassword,
		}, nil
	case model.AccountUser:
		r, err := s.accounts.GetUserByUsername(ctx, login)
		if err != nil {
			return nil, err
		}
		name := deref(r.Username)
		return &model.User{
			ID:               r.ID,
			Email:            name,
			Username:         name,
			FirstName:        deref(r.FirstName),
			LastName:         deref(r.LastName),
			Role:             model.UserRole,
			Class:            model.AccountUser,
			StoredCredential: r.EncryptedPassword,
		}, nil
	default:
		return nil, fmt.Errorf("account class %v: %w", class, errs.ErrNotFound)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
