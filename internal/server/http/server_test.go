package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/sqlchat-gateway/internal/credentials"
	"github.com/and161185/sqlchat-gateway/internal/errs"
	"github.com/and161185/sqlchat-gateway/internal/model"
	"github.com/and161185/sqlchat-gateway/internal/repository"
	"github.com/and161185/sqlchat-gateway/internal/service"
	"github.com/and161185/sqlchat-gateway/internal/token"
	"github.com/and161185/sqlchat-gateway/internal/upstream"
)

type fakeAccounts struct {
	admins map[string]*model.AdminRecord
	users  map[string]*model.UserRecord
}

var _ repository.AccountRepository = (*fakeAccounts)(nil)

func (f *fakeAccounts) GetAdminByEmail(_ context.Context, email string) (*model.AdminRecord, error) {
	a, ok := f.admins[email]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeAccounts) GetUserByUsername(_ context.Context, username string) (*model.UserRecord, error) {
	u, ok := f.users[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (f *fakeAccounts) Ping(context.Context) error { return nil }
func (f *fakeAccounts) Close()                     {}

func sp(s string) *string { return &s }

type env struct {
	gw     *httptest.Server
	tokens *token.Service
	hits   *atomic.Int32
}

// newEnv starts the gateway in front of an upstream served by up.
func newEnv(t *testing.T, up http.HandlerFunc, mod func(*upstream.Options)) *env {
	t.Helper()
	var hits atomic.Int32
	upSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != upstream.PathHealth {
			hits.Add(1)
		}
		up(w, r)
	}))
	t.Cleanup(upSrv.Close)

	log := zaptest.NewLogger(t)
	accounts := &fakeAccounts{
		admins: map[string]*model.AdminRecord{
			"admin@example.com": {ID: 1, Email: sp("admin@example.com"), EncryptedPassword: "admin123", RoleID: 1, Enabled: true},
			"off@example.com":   {ID: 2, Email: sp("off@example.com"), EncryptedPassword: "admin123", RoleID: 1, Enabled: false},
		},
		users: map[string]*model.UserRecord{
			"alice": {ID: 42, Username: sp("alice"), EncryptedPassword: "wonder", FirstName: sp("Alice")},
		},
	}
	tokens := token.NewService([]byte("test-secret"), time.Hour)
	auth := service.NewAuthService(credentials.NewStore(accounts, time.Second, credentials.DevPasswords{}, log), tokens, nil, log)

	o := upstream.Options{
		BaseURL:           upSrv.URL,
		PollTimeout:       time.Second,
		StreamIdleTimeout: time.Second,
		StreamMaxDuration: 5 * time.Second,
		HealthTimeout:     200 * time.Millisecond,
	}
	if mod != nil {
		mod(&o)
	}
	fwd := upstream.New(o, log)

	gw := httptest.NewServer(New(auth, tokens, fwd, Options{AllowedOrigins: []string{"http://localhost:3000"}}, log).Handler())
	t.Cleanup(gw.Close)
	return &env{gw: gw, tokens: tokens, hits: &hits}
}

func (e *env) do(t *testing.T, method, path, tok, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.gw.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := e.gw.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func (e *env) login(t *testing.T, email, password, class string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/auth/login", "",
		`{"email":"`+email+`","password":"`+password+`","account_class":"`+class+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.AccessToken
}

func noUpstream(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == upstream.PathHealth {
			return
		}
		t.Errorf("unexpected upstream call %s", r.URL.Path)
	}
}

func TestLogin_AdminScenario(t *testing.T) {
	t.Parallel()
	e := newEnv(t, noUpstream(t), nil)

	resp := e.do(t, http.MethodPost, "/api/auth/login", "",
		`{"email":"admin@example.com","password":"admin123","account_class":"admin"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		User        struct {
			ID          int64    `json:"id"`
			Role        string   `json:"role"`
			Permissions []string `json:"permissions"`
		} `json:"user"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "bearer", out.TokenType)
	require.Equal(t, int64(1), out.User.ID)
	require.Equal(t, "admin_role_1", out.User.Role)
	require.Contains(t, out.User.Permissions, "full_access")

	id, err := e.tokens.Validate(out.AccessToken)
	require.NoError(t, err)
	require.Equal(t, int64(1), id.UserID)
	require.Equal(t, "admin_role_1", id.Role)
}

func TestLogin_Failures(t *testing.T) {
	t.Parallel()
	e := newEnv(t, noUpstream(t), nil)

	bad := []string{
		`{"email":"admin@example.com","password":"nope","account_class":"admin"}`,
		`{"email":"ghost@example.com","password":"admin123","account_class":"admin"}`,
		`{"email":"off@example.com","password":"admin123","account_class":"admin"}`,
		`{"email":"admin@example.com","password":"admin123"}`,
		`{"email":"","password":""}`,
	}
	var bodies []string
	for _, b := range bad {
		resp := e.do(t, http.MethodPost, "/api/auth/login", "", b)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, b)
		body := readBody(t, resp)
		require.NotContains(t, body, "access_token")
		bodies = append(bodies, body)
	}
	// unknown login, wrong secret and disabled account look identical
	for _, b := range bodies[1:] {
		require.Equal(t, bodies[0], b)
	}

	resp := e.do(t, http.MethodPost, "/api/auth/login", "", `{"email":`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"a","password":"b","account_class":"root"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogin_UserTypeAlias(t *testing.T) {
	t.Parallel()
	e := newEnv(t, noUpstream(t), nil)

	resp := e.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"alice","password":"wonder","user_type":"user"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMe(t *testing.T) {
	t.Parallel()
	e := newEnv(t, noUpstream(t), nil)
	tok := e.login(t, "alice", "wonder", "user")

	resp := e.do(t, http.MethodGet, "/api/auth/me", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"id":42,"email":"alice","type":"user","permissions":["query_data","view_own_history"]}`, readBody(t, resp))

	resp = e.do(t, http.MethodGet, "/api/auth/me", "", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/auth/me", tok+"x", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatPoll_ExpiredTokenNeverReachesUpstream(t *testing.T) {
	t.Parallel()
	e := newEnv(t, noUpstream(t), nil)

	past := token.NewService([]byte("test-secret"), time.Minute,
		token.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }))
	expired, err := past.Issue(42, model.UserRole, "alice")
	require.NoError(t, err)

	resp := e.do(t, http.MethodPost, upstream.PathPoll, expired.AccessToken, `{"message":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.JSONEq(t, `{"error":"invalid token"}`, readBody(t, resp))

	resp = e.do(t, http.MethodPost, upstream.PathStream, "", `{"message":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.Zero(t, e.hits.Load())
}

func TestChatPoll_Relay(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie("vanna_email")
		if err != nil || ck.Value != "alice" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"conversation_id": in["conversation_id"], "text": "42"})
	}, nil)
	tok := e.login(t, "alice", "wonder", "user")

	resp := e.do(t, http.MethodPost, upstream.PathPoll, tok, `{"message":"count orders"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := resp.Header.Get(HeaderConversationID)
	require.True(t, strings.HasPrefix(conv, "42_"), conv)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, conv, out["conversation_id"])

	resp = e.do(t, http.MethodPost, upstream.PathPoll, tok, `{"message":"again","conversation_id":"keep"}`)
	require.Equal(t, "keep", resp.Header.Get(HeaderConversationID))

	resp = e.do(t, http.MethodPost, upstream.PathPoll, tok, `{"message":"  "}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatPoll_Timeout(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == upstream.PathPoll {
			<-r.Context().Done()
		}
	}, func(o *upstream.Options) { o.PollTimeout = 50 * time.Millisecond })
	tok := e.login(t, "alice", "wonder", "user")

	resp := e.do(t, http.MethodPost, upstream.PathPoll, tok, `{"message":"slow"}`)
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "gateway timeout")
}

func TestChatPoll_Unreachable(t *testing.T) {
	t.Parallel()
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	e := newEnv(t, noUpstream(t), func(o *upstream.Options) { o.BaseURL = deadURL })
	tok := e.login(t, "alice", "wonder", "user")

	resp := e.do(t, http.MethodPost, upstream.PathPoll, tok, `{"message":"hi"}`)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestChatPoll_RejectedPassThrough(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":"message too long"}`)
	}, nil)
	tok := e.login(t, "admin@example.com", "admin123", "admin")

	resp := e.do(t, http.MethodPost, upstream.PathPoll, tok, `{"message":"hi"}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.JSONEq(t, `{"detail":"message too long"}`, readBody(t, resp))
}

func TestChatStream_Relay(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		ck, _ := r.Cookie("vanna_email")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"who\":\""+ck.Value+"\"}\n\n")
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}, nil)
	tok := e.login(t, "admin@example.com", "admin123", "admin")

	resp := e.do(t, http.MethodPost, upstream.PathStream, tok, `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "data: {\"who\":\"admin@example.com\"}\n\ndata: [DONE]\n\n", readBody(t, resp))
}

func TestChatStream_DropAfterTwoChunks(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"n\":1}\n\n")
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, "data: {\"n\":2}\n\n")
		w.(http.Flusher).Flush()
		if conn, _, err := http.NewResponseController(w).Hijack(); err == nil {
			_ = conn.Close()
		}
	}, nil)
	tok := e.login(t, "alice", "wonder", "user")

	resp := e.do(t, http.MethodPost, upstream.PathStream, tok, `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t,
		"data: {\"n\":1}\n\n"+
			"data: {\"n\":2}\n\n"+
			"data: {\"type\":\"error\",\"content\":\"upstream connection lost\"}\n\n",
		readBody(t, resp))
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}, nil)

	resp := e.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "healthy", out["status"])
	require.Equal(t, "connected", out["upstream"])
	require.NotEmpty(t, out["timestamp"])

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	e = newEnv(t, noUpstream(t), func(o *upstream.Options) { o.BaseURL = deadURL })
	resp = e.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), `"upstream":"disconnected"`)
}

func TestRoot(t *testing.T) {
	t.Parallel()
	e := newEnv(t, noUpstream(t), nil)

	resp := e.do(t, http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"message":"SQL chat authentication gateway"}`, readBody(t, resp))

	resp = e.do(t, http.MethodGet, "/nope", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
