package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"nvcstack.local/facilitator/internal/auth"
)

type userHandler func(w http.ResponseWriter, r *http.Request, user string)

// authenticated resolves the user and hands it to next.
func (s *server) authenticated(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.Verifier.Authenticate(r)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthenticated) {
				s.Logger.Error().Err(err).Msg("authentication failed")
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="nvc"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error:   http.StatusText(http.StatusUnauthorized),
				Code:    "unauthenticated",
				Message: err.Error(),
			})
			return
		}
		next(w, r.WithContext(auth.WithUser(r.Context(), user)), user)
	})
}

// protected authenticates and applies the per-user rate limit.
func (s *server) protected(next userHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user string) {
		if s.Limiter != nil {
			if err := s.Limiter.Allow(user); err != nil {
				writeError(w, err)
				return
			}
		}
		next(w, r, user)
	})
}

func (s *server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *server) cors(next http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(s.CORSOrigins))
	for _, o := range s.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			h := w.Header()
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, "+auth.UserHeader)
			h.Set("Access-Control-Expose-Headers", "Retry-After, "+ReplayHeader)
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		ev := s.Logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = s.Logger.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Msg("http request")
	})
}

func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.Logger.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorBody{
					Error:   http.StatusText(http.StatusInternalServerError),
					Code:    "internal_error",
					Message: "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
