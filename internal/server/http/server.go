// Package httpserver exposes the gateway's HTTP API: login, whoami and the two chat relays.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/sqlchat-gateway/internal/convert"
	"github.com/and161185/sqlchat-gateway/internal/errs"
	"github.com/and161185/sqlchat-gateway/internal/model"
	"github.com/and161185/sqlchat-gateway/internal/service"
	"github.com/and161185/sqlchat-gateway/internal/upstream"
)

// HeaderConversationID carries the conversation id used for a chat call back to the client.
const HeaderConversationID = "X-Conversation-Id"

const (
	msgInvalidToken = "invalid token"
	msgBadLogin     = "invalid credentials or account disabled"
	maxBodyBytes    = 1 << 20
)

// Forwarder relays chat requests to the upstream agent.
type Forwarder interface {
	Stream(ctx context.Context, id model.Identity, req model.ChatRequest, emit func([]byte) error) error
	Poll(ctx context.Context, id model.Identity, req model.ChatRequest) (*upstream.PollResult, error)
	Healthy(ctx context.Context) bool
}

// Options tune the HTTP surface.
type Options struct {
	AllowedOrigins []string
	// TrustProxy takes the client address from the first X-Forwarded-For hop.
	TrustProxy bool
}

// Server wires services into HTTP handlers.
type Server struct {
	auth   service.AuthService
	tokens TokenValidator
	fwd    Forwarder
	opts   Options
	log    *zap.Logger
	now    func() time.Time
}

// New constructs the HTTP API.
func New(auth service.AuthService, tokens TokenValidator, fwd Forwarder, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, tokens: tokens, fwd: fwd, opts: opts, log: log, now: time.Now}
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.root)
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/me", s.me)
	mux.Handle("POST "+upstream.PathStream, RequireAuth(s.tokens, http.HandlerFunc(s.chatStream)))
	mux.Handle("POST "+upstream.PathPoll, RequireAuth(s.tokens, http.HandlerFunc(s.chatPoll)))

	var h http.Handler = mux
	h = CORS(s.opts.AllowedOrigins, h)
	h = RecoverHTTP(s.log, h)
	h = LoggingHTTP(s.log, h)
	return h
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "SQL chat authentication gateway"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, convert.ToHealthResponse(s.fwd.Healthy(r.Context()), s.now()))
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req convert.LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	class, err := req.Class()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusUnauthorized, msgBadLogin)
		return
	}

	res, err := s.auth.Login(r.Context(), req.Email, req.Password, class, service.ClientInfo{
		IP:        s.clientIP(r),
		UserAgent: r.UserAgent(),
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, convert.ToLoginResponse(res.Tokens, res.User, res.Permissions))
	case errors.Is(err, errs.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
	case errors.Is(err, errs.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, msgBadLogin)
	default:
		s.log.Error("login", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	raw, err := bearerToken(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, msgInvalidToken)
		return
	}
	id, perms, err := s.auth.WhoAmI(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, msgInvalidToken)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToWhoAmIResponse(id, perms))
}

// chatRequest decodes the chat body and resolves the conversation id.
func (s *Server) chatRequest(w http.ResponseWriter, r *http.Request) (model.Identity, model.ChatRequest, bool) {
	id, ok := IdentityFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, msgInvalidToken)
		return model.Identity{}, model.ChatRequest{}, false
	}
	var in convert.ChatRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return model.Identity{}, model.ChatRequest{}, false
	}
	if strings.TrimSpace(in.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return model.Identity{}, model.ChatRequest{}, false
	}
	conv, err := upstream.ConversationID(id.UserID, in.ConversationID)
	if err != nil {
		s.log.Error("conversation id", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return model.Identity{}, model.ChatRequest{}, false
	}
	w.Header().Set(HeaderConversationID, conv)
	return id, convert.ToModelChat(in, conv), true
}

func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.chatRequest(w, r)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.log.Error("streaming unsupported", zap.Error(err))
		return
	}

	err := s.fwd.Stream(r.Context(), id, req, func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err == nil {
		return
	}
	if r.Context().Err() != nil {
		s.log.Debug("client left stream", zap.String("conversation_id", req.ConversationID))
		return
	}

	s.log.Warn("upstream stream failed", zap.String("conversation_id", req.ConversationID), zap.Error(err))
	ev, _ := json.Marshal(convert.StreamError{Type: "error", Content: streamErrorText(err)})
	if _, werr := fmt.Fprintf(w, "data: %s\n\n", ev); werr == nil {
		_ = rc.Flush()
	}
}

func streamErrorText(err error) string {
	var rej *errs.UpstreamRejectedError
	switch {
	case errors.As(err, &rej):
		return fmt.Sprintf("upstream returned status %d", rej.Status)
	case errors.Is(err, errs.ErrUpstreamTimeout):
		return "upstream timeout"
	default:
		return "upstream connection lost"
	}
}

func (s *Server) chatPoll(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.chatRequest(w, r)
	if !ok {
		return
	}
	res, err := s.fwd.Poll(r.Context(), id, req)
	if err != nil {
		var rej *errs.UpstreamRejectedError
		switch {
		case errors.As(err, &rej):
			ct := rej.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			w.Header().Set("Content-Type", ct)
			w.WriteHeader(rej.Status)
			_, _ = w.Write(rej.Body)
		case errors.Is(err, errs.ErrUpstreamTimeout):
			writeError(w, http.StatusGatewayTimeout, "gateway timeout")
		case errors.Is(err, errs.ErrUpstreamUnreachable):
			s.log.Warn("upstream poll failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, "upstream unreachable")
		case r.Context().Err() != nil:
			// client is gone
		default:
			s.log.Error("poll", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	ct := res.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

func (s *Server) clientIP(r *http.Request) string {
	if s.opts.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, convert.ErrorResponse{Error: msg})
}
