// Package model defines domain entities used by services, repositories and transports.
package model

import (
	"fmt"
	"strings"
	"time"
)

// AccountClass is the closed set of account kinds a login can claim.
type AccountClass int

const (
	// AccountUser is a regular account from the users table.
	AccountUser AccountClass = iota
	// AccountAdmin is an administrative account from the admins table.
	AccountAdmin
)

// adminRolePrefix tags every role issued to an admin account (admin_role_<role_id>).
const adminRolePrefix = "admin"

// UserRole is the role issued to regular accounts.
const UserRole = "user"

func (c AccountClass) String() string {
	switch c {
	case AccountAdmin:
		return "admin"
	case AccountUser:
		return "user"
	default:
		return fmt.Sprintf("AccountClass(%d)", int(c))
	}
}

// ParseAccountClass converts the wire value into an AccountClass. Empty means user.
func ParseAccountClass(s string) (AccountClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "user":
		return AccountUser, nil
	case "admin":
		return AccountAdmin, nil
	default:
		return 0, fmt.Errorf("unknown account class %q", s)
	}
}

// ClassOfRole maps a role tag to its account class.
func ClassOfRole(role string) AccountClass {
	if strings.HasPrefix(role, adminRolePrefix) {
		return AccountAdmin
	}
	return AccountUser
}

// AdminRole builds the role tag for an admin with the given role id.
func AdminRole(roleID int64) string {
	return fmt.Sprintf("admin_role_%d", roleID)
}

// AdminRecord is a row of the admins table.
type AdminRecord struct {
	ID                int64
	Email             *string
	EncryptedPassword string
	RoleID            int64
	Enabled           bool
}

// UserRecord is a row of the users table.
type UserRecord struct {
	ID                int64
	Username          *string
	EncryptedPassword string
	FirstName         *string
	LastName          *string
}

// User is the identity resolved from the credential store for a single login.
type User struct {
	ID               int64
	Email            string
	Username         string
	FirstName        string
	LastName         string
	Role             string
	Class            AccountClass
	StoredCredential string // opaque marker, never serialized
}

// DisplayName joins first and last names.
func (u User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// TokenEmail is the email claim embedded in tokens: email, or the login name when absent.
func (u User) TokenEmail() string {
	if u.Email != "" {
		return u.Email
	}
	return u.Username
}

// Identity is what a validated token asserts.
type Identity struct {
	UserID    int64
	Role      string
	Class     AccountClass
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// PermissionSet is a role-derived capability listing for display purposes.
type PermissionSet struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Enabled     *bool    `json:"is_enabled,omitempty"`
	Status      string   `json:"status,omitempty"`
}

// Tokens collects an issued access token and its expiry.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time
}

// ChatRequest is a message to forward to the upstream agent.
type ChatRequest struct {
	Message        string
	ConversationID string
}
