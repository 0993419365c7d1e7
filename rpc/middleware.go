package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"escrowengine/observability/logging"
)

// HeaderRequestID carries the request identifier echoed on every response.
const HeaderRequestID = "X-Request-Id"

type requestIDKey struct{}

// RequestIDFromContext returns the identifier assigned to the request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// observe records per-route metrics and a debug access log line. The chi
// route pattern is used as the label so path parameters do not explode
// cardinality.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := r.Method + " " + routePattern(r)
		duration := time.Since(start)
		s.metrics.Observe(route, recorder.status, duration)
		s.logger.Debug("rpc request",
			slog.String("route", route),
			slog.Int("status", recorder.status),
			slog.Duration("duration", duration),
			slog.String("requestId", RequestIDFromContext(r.Context())))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(rateLimitKey(r)) {
			s.metrics.RecordThrottle("rate_limit")
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	s.metrics.RecordThrottle("bad_signature")
	s.logger.Debug("rpc authentication failed",
		slog.String("requestId", RequestIDFromContext(r.Context())),
		logging.MaskField("signature", r.Header.Get(HeaderSignature)),
		slog.Any("error", err))
	switch err {
	case errBodyTooLarge:
		writeError(w, r, http.StatusRequestEntityTooLarge, "unauthenticated", err.Error())
	case errNonceBacklog:
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", err.Error())
	default:
		writeError(w, r, http.StatusUnauthorized, "unauthenticated", err.Error())
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
