// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/sqlchat-gateway/internal/model"
)

// AccountRepository provides read access to the admins and users tables.
// Both tables are owned by the application in front of which the gateway runs.
type AccountRepository interface {
	// GetAdminByEmail loads an admin row by email. Disabled admins are returned too.
	GetAdminByEmail(ctx context.Context, email string) (*model.AdminRecord, error)
	// GetUserByUsername loads a regular user row by login name.
	GetUserByUsername(ctx context.Context, username string) (*model.UserRecord, error)
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying connections.
	Close()
}
