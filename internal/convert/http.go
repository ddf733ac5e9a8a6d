// Package convert maps domain values to the JSON bodies of the HTTP API.
package convert

import (
	"time"

	"github.com/and161185/sqlchat-gateway/internal/model"
)

// LoginRequest is the body of POST /api/auth/login. UserType is the legacy name of AccountClass.
type LoginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	AccountClass string `json:"account_class"`
	UserType     string `json:"user_type"`
}

// Class returns the claimed account class, defaulting to user.
func (r LoginRequest) Class() (model.AccountClass, error) {
	if r.AccountClass != "" {
		return model.ParseAccountClass(r.AccountClass)
	}
	return model.ParseAccountClass(r.UserType)
}

// LoginResponse is returned on successful login.
type LoginResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        UserSummary `json:"user"`
}

// UserSummary describes the signed-in account.
type UserSummary struct {
	ID          int64               `json:"id"`
	Email       string              `json:"email"`
	Username    string              `json:"username"`
	Name        string              `json:"name"`
	Role        string              `json:"role"`
	Permissions []string            `json:"permissions"`
	Details     model.PermissionSet `json:"details"`
}

// ToLoginResponse builds the login body.
func ToLoginResponse(tok model.Tokens, u model.User, perms model.PermissionSet) LoginResponse {
	username := u.Username
	if username == "" {
		username = u.Email
	}
	name := u.DisplayName()
	if name == "" {
		name = username
	}
	return LoginResponse{
		AccessToken: tok.AccessToken,
		TokenType:   "bearer",
		ExpiresAt:   tok.ExpiresAt.UTC(),
		User: UserSummary{
			ID:          u.ID,
			Email:       u.Email,
			Username:    username,
			Name:        name,
			Role:        u.Role,
			Permissions: nonNil(perms.Permissions),
			Details:     perms,
		},
	}
}

// WhoAmIResponse is the body of GET /api/auth/me.
type WhoAmIResponse struct {
	ID          int64    `json:"id"`
	Email       string   `json:"email"`
	Type        string   `json:"type"`
	Permissions []string `json:"permissions"`
}

// ToWhoAmIResponse builds the whoami body.
func ToWhoAmIResponse(id model.Identity, perms model.PermissionSet) WhoAmIResponse {
	return WhoAmIResponse{
		ID:          id.UserID,
		Email:       id.Email,
		Type:        id.Role,
		Permissions: nonNil(perms.Permissions),
	}
}

// ChatRequest is the body of both chat endpoints.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ToModelChat converts the chat body. conversationID must already be resolved.
func ToModelChat(in ChatRequest, conversationID string) model.ChatRequest {
	return model.ChatRequest{Message: in.Message, ConversationID: conversationID}
}

// ErrorResponse is the body of every gateway-generated error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StreamError is the synthetic terminal SSE event sent when the upstream stream fails.
type StreamError struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Upstream  string    `json:"upstream"`
	Timestamp time.Time `json:"timestamp"`
}

// ToHealthResponse builds the health body. The gateway itself is always healthy if it answers.
func ToHealthResponse(upstreamOK bool, now time.Time) HealthResponse {
	up := "disconnected"
	if upstreamOK {
		up = "connected"
	}
	return HealthResponse{Status: "healthy", Upstream: up, Timestamp: now.UTC()}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}
