package httpserver

import (
	"errors"
	"net/http"
	"runtime/debug"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/sqlchat-gateway/internal/model"
)

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(token string) (model.Identity, error)
}

// RequireAuth rejects requests without a valid bearer token before next runs.
func RequireAuth(tokens TokenValidator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, msgInvalidToken)
			return
		}
		id, err := tokens.Validate(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, msgInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// CORS answers preflight requests and sets CORS headers for allowed origins.
// An origin list containing "*" allows any origin.
func CORS(allowed []string, next http.Handler) http.Handler {
	allowAll := slices.Contains(allowed, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || slices.Contains(allowed, origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Expose-Headers", HeaderConversationID)
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush on the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// LoggingHTTP logs one line per request.
func LoggingHTTP(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		// metadata only, never bodies or tokens
		log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", r.RemoteAddr),
		)
	})
}

// RecoverHTTP converts handler panics into 500 responses.
func RecoverHTTP(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				if err, ok := rv.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rv)
				}
				log.Error("panic",
					zap.Any("reason", rv),
					zap.ByteString("stack", debug.Stack()),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
