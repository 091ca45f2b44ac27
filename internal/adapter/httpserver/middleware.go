package httpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quizdom-app/backend/internal/adapter/httpserver/auth"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/service/ratelimiter"
	"github.com/quizdom-app/backend/pkg/textx"
)

// Recoverer converts panics into enveloped 500s so a broken handler
// never tears down the connection without a response.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.LoggerFromContext(r.Context()).Error("panic recovered",
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())))
				writeFail(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestID assigns a ULID to each request, echoes it in X-Request-ID,
// and binds a request-scoped logger to the context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = ulid.Make().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := observability.ContextWithRequestID(r.Context(), id)
		lg := slog.Default().With(slog.String("request_id", id))
		next.ServeHTTP(w, r.WithContext(observability.ContextWithLogger(ctx, lg)))
	})
}

// TimeoutMiddleware bounds handler work with a context deadline.
func TimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TraceMiddleware starts a span per request.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr := otel.Tracer("http.server")
		ctx, span := tr.Start(r.Context(), r.Method+" "+r.URL.Path)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecurityHeaders sets conservative browser-facing headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}

// AccessLog emits one line per request, level keyed by status class.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		lg := observability.LoggerFromContext(r.Context())
		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int("bytes", sw.bytes),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote", clientIP(r)),
		}
		switch {
		case sw.status >= 500:
			lg.Error("http request", attrs...)
		case sw.status >= 400:
			lg.Warn("http request", attrs...)
		default:
			lg.Info("http request", attrs...)
		}
	})
}

// BodyLimit caps request bodies. Oversized uploads surface as 413 both
// here and in the multipart handlers.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// SanitizeBody cleans JSON request bodies before any handler parses
// them: NUL bytes reject the request outright, script tags are
// stripped and unicode is NFC-normalized in place. Binary bodies
// (multipart uploads) pass through untouched.
func SanitizeBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if r.Body == nil || r.ContentLength == 0 || !strings.Contains(ct, "json") {
			next.ServeHTTP(w, r)
			return
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeFail(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeFail(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		if bytes.IndexByte(raw, 0) >= 0 {
			writeFail(w, http.StatusBadRequest, "request body contains null bytes")
			return
		}
		cleaned := textx.CleanUserInput(string(raw))
		r.Body = io.NopCloser(strings.NewReader(cleaned))
		r.ContentLength = int64(len(cleaned))
		next.ServeHTTP(w, r)
	})
}

// RequireAuth verifies the bearer token and stores the claims on the
// context. Everything behind it can assume auth.FromContext succeeds.
func RequireAuth(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.TokenFromRequest(r)
			if !ok {
				writeFail(w, http.StatusUnauthorized, "authentication required")
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				writeFail(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			ctx := auth.WithClaims(r.Context(), claims)
			lg := observability.LoggerFromContext(ctx).With(slog.String("user_id", claims.UserID))
			next.ServeHTTP(w, r.WithContext(observability.ContextWithLogger(ctx, lg)))
		})
	}
}

// RequireRole gates a route to the given roles. Mount inside
// RequireAuth.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	allowed := make(map[domain.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.FromContext(r.Context())
			if !ok {
				writeFail(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				writeFail(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FailedOnlyLimit applies the general per-IP budget that counts only
// failed responses, so well-behaved clients polling status endpoints
// never exhaust it.
func FailedOnlyLimit(l *ratelimiter.FailedWindowLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if l.Blocked(key) {
				writeFail(w, http.StatusTooManyRequests, "too many failed requests, try again later")
				return
			}
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			if sw.status >= 400 {
				l.RecordFailure(key)
			}
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// raw peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
