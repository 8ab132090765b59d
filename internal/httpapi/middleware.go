package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/city-dispatch/internal/auth"
	"github.com/example/city-dispatch/internal/observability"
)

type contextKey string

const (
	requestIDKey contextKey = "request-id"
	identityKey  contextKey = "identity"
)

func (s *Server) registerMiddleware() {
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.observabilityMiddleware)
	s.router.Use(s.authenticateMiddleware)
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", requestIDFromContext(r.Context()),
				)
				s.respond(w, http.StatusInternalServerError, errorBody{Error: kindInternal, Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := routeTemplate(r)
		elapsed := time.Since(start)
		status := strconv.Itoa(rw.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		s.logger.Info("http_request",
			"method", r.Method,
			"route", route,
			"status", rw.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_ip", remoteIP(r),
			"request_id", requestIDFromContext(r.Context()),
		)
	})
}

// authenticateMiddleware resolves a bearer token into an identity when one
// is presented. Requests without credentials pass through anonymously;
// per-route guards decide whether that is acceptable.
func (s *Server) authenticateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			s.respond(w, http.StatusUnauthorized, errorBody{Error: kindUnauthenticated, Message: "invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

// authedHandler is a handler that only runs with a verified identity.
type authedHandler func(http.ResponseWriter, *http.Request, auth.Identity)

func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := identityFrom(r.Context())
		if !ok {
			s.respond(w, http.StatusUnauthorized, errorBody{Error: kindUnauthenticated, Message: "authentication required"})
			return
		}
		next(w, r, identity)
	}
}

func (s *Server) requireRole(role string, next authedHandler) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
		if !identity.HasRole(role) {
			s.respond(w, http.StatusForbidden, errorBody{Error: kindAuthorization, Message: "insufficient role"})
			return
		}
		next(w, r, identity)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func identityFrom(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(auth.Identity)
	return identity, ok
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Hijack keeps WebSocket upgrades working behind the status wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
