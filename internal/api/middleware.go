package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-db/kestrel/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Context keys for caller and trace propagation.
type contextKey string

const (
	// CallerKey is the context key for the resolved caller.
	CallerKey contextKey = "caller"

	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "requestID"

	// UserHeader carries the authenticated principal, set by the outer
	// protocol server.
	UserHeader = "X-Kestrel-User"

	// AttrHeaderPrefix marks caller attribute headers
	// (X-Kestrel-Attr-Department: finance).
	AttrHeaderPrefix = "X-Kestrel-Attr-"

	// RequestIDHeader is the HTTP header for request ID.
	RequestIDHeader = "X-Request-ID"

	// actorKey carries the shared holder the logging middleware reads
	// after the handler chain finishes.
	actorKey contextKey = "actor"
)

// actorHolder lets CallerMiddleware report the resolved principal to
// LoggingMiddleware, which runs earlier in the chain and so never sees
// the derived request context.
type actorHolder struct {
	user string
}

var tracer = otel.Tracer("kestrel-api")

// CallerMiddleware resolves the caller identity from request headers.
// Requests without a user header are rejected; the security layer
// needs a principal to evaluate.
func CallerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			http.Error(w, `{"error":"X-Kestrel-User header is required"}`, http.StatusBadRequest)
			return
		}

		if holder, ok := r.Context().Value(actorKey).(*actorHolder); ok {
			holder.user = user
		}

		caller := domain.Caller{User: user, IP: clientIP(r)}
		for name, values := range r.Header {
			if strings.HasPrefix(name, AttrHeaderPrefix) && len(values) > 0 {
				if caller.Attributes == nil {
					caller.Attributes = map[string]string{}
				}
				attr := strings.ToLower(strings.TrimPrefix(name, AttrHeaderPrefix))
				caller.Attributes[attr] = values[0]
			}
		}

		ctx := context.WithValue(r.Context(), CallerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TracingMiddleware creates OpenTelemetry spans and assigns request
// ids.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs requests with structured logging.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		holder := &actorHolder{}
		ctx := context.WithValue(r.Context(), actorKey, holder)
		next.ServeHTTP(rw, r.WithContext(ctx))

		requestID, _ := r.Context().Value(RequestIDKey).(string)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"actor", holder.user,
			"request_id", requestID,
		)
	})
}

// RecoverMiddleware recovers from panics and returns 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
				)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// GetCaller extracts the resolved caller from context.
func GetCaller(ctx context.Context) domain.Caller {
	if c, ok := ctx.Value(CallerKey).(domain.Caller); ok {
		return c
	}
	return domain.Caller{}
}
