package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cuemby/nebula/pkg/apierror"
	"github.com/cuemby/nebula/pkg/log"
	"github.com/cuemby/nebula/pkg/metrics"
)

type requestIDKey struct{}

// RequestIDFromContext returns the per-request correlation ID, or "" if
// none was set (should not happen on a request that went through
// RequestID).
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// RequestID injects a correlation ID into the request context and
// response header, generating one if the caller didn't supply one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// statusWriter captures the status code a handler wrote so Logger/Metrics
// can report it after the fact.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs every request's method, path, status, and duration.
func RequestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("gateway")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("http request")
	})
}

// RequestMetrics records request count and duration by route pattern
// (not raw path, so high-cardinality path params don't blow up label
// cardinality) to nebula_gateway_requests_total/_duration_seconds.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		metrics.GatewayRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		metrics.GatewayRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Recoverer turns a panicking handler into a 500 instead of crashing the
// process, logging the panic value for diagnosis.
func Recoverer(next http.Handler) http.Handler {
	logger := log.WithComponent("gateway")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("recovered from panic")
				writeError(w, apierror.New(apierror.KindInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Authenticate resolves the bearer token on every request under its
// scope into an Identity in the request context. It does not itself
// reject unauthenticated requests — RequireRole does, so routes that
// want to allow anonymous access can skip RequireRole while still
// seeing an Identity when one is present (e.g. for audit attribution).
func Authenticate(auth *TokenAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := auth.Authenticate(token)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextWithIdentity(r.Context(), id)))
		})
	}
}

// ipRateLimiter enforces a per-client-IP token bucket, generalizing the
// teacher's ingress per-IP limiter map to gate the whole gateway instead
// of a single route.
type ipRateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newIPRateLimiter builds a limiter and starts its hourly cleanup job.
func newIPRateLimiter(rps float64, burst int) *ipRateLimiter {
	l := &ipRateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
	l.startCleanup()
	return l
}

func (l *ipRateLimiter) allow(clientIP string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[clientIP]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[clientIP] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// startCleanup drops the whole map once it grows unreasonably large,
// rather than tracking last-seen per entry.
func (l *ipRateLimiter) startCleanup() {
	ticker := time.NewTicker(time.Hour)
	go func() {
		for range ticker.C {
			l.mu.Lock()
			if len(l.limiters) > 10000 {
				l.limiters = make(map[string]*rate.Limiter)
			}
			l.mu.Unlock()
		}
	}()
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if parts := strings.Split(xff, ","); len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit rejects requests once a client IP exceeds rps with the given
// burst, returning 429 with a Retry-After hint.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := newIPRateLimiter(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientIP(r)) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, apierror.Body{Error: apierror.BodyError{
					Type:    "rate_limit_error",
					Message: "rate limit exceeded",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole rejects requests whose authenticated identity's role
// doesn't meet the minimum required, returning 401 for a missing token
// and 403 for an insufficient one.
func RequireRole(minRole Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				writeError(w, apierror.New(apierror.KindUnauthorized, "missing or invalid bearer token"))
				return
			}
			if !id.Role.atLeast(minRole) {
				writeError(w, apierror.New(apierror.KindForbidden, "insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
