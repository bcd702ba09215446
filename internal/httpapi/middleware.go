package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/admission"
	"github.com/mirrorkv/mirrorkv/internal/apperr"
	"github.com/mirrorkv/mirrorkv/internal/metrics"
	"github.com/mirrorkv/mirrorkv/internal/model"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the per-request caller context: who is calling, from
// which device, with which key. It travels as an immutable context
// value; there are no request-scoped globals.
type Identity struct {
	UserID     string
	InstanceID string
	IP         string
	Key        *model.APIKey
}

// IdentityFrom returns the request identity set by the admission
// middleware, or a zero value when unauthenticated routes are involved.
func IdentityFrom(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey).(Identity); ok {
		return id
	}
	return Identity{}
}

// clientIP prefers the RealIP middleware's result and strips any port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// originOf returns the Origin header, falling back to Referer.
func originOf(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	return r.Header.Get("Referer")
}

// isHTTPS detects TLS directly or via a terminating proxy.
func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// statusWriter captures the response status for the metrics interceptor.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AdmissionMiddleware gates every request on an API key: credential
// extraction, restriction checks, quota, and usage recording happen
// before the handler; response time and failures are fed back into the
// key's counters afterwards.
func AdmissionMiddleware(gate *admission.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID := r.Header.Get("X-User-Id")
			if userID == "" {
				userID = r.URL.Query().Get("userId")
			}
			instanceID := r.Header.Get("X-Instance-Id")
			if instanceID == "" {
				instanceID = r.URL.Query().Get("instanceId")
			}
			ip := clientIP(r)

			key, err := gate.Admit(ctx, admission.Request{
				Secret:     gate.ExtractSecret(r),
				Method:     r.Method,
				IsHTTPS:    isHTTPS(r),
				UserAgent:  r.UserAgent(),
				Origin:     originOf(r),
				IP:         ip,
				StorageKey: chi.URLParam(r, "key"),
				UserID:     userID,
			})
			if err != nil {
				metrics.AdmissionRejections.WithLabelValues(string(apperr.KindOf(err))).Inc()
				writeAppError(w, r, err)
				return
			}

			identity := Identity{UserID: userID, InstanceID: instanceID, IP: ip, Key: key}
			ctx = context.WithValue(ctx, identityKey, identity)

			logger := log.Ctx(ctx).With().
				Str("userId", userID).
				Str("instanceId", instanceID).
				Logger()
			ctx = logger.WithContext(ctx)

			// Websocket upgrades need the raw ResponseWriter (Hijacker);
			// their lifetime also makes response-time averages meaningless.
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r.WithContext(ctx))
			elapsed := time.Since(start).Milliseconds()

			// Feed the outcome back into the key's counters on a
			// detached context: the request may already be done.
			bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if sw.status >= 400 {
				reason := http.StatusText(sw.status) + " " + r.Method + " " + r.URL.Path
				if err := gate.Keys.RecordFailure(bg, key.ID, reason); err != nil {
					logger.Error().Err(err).Msg("failed to record key failure")
				}
				return
			}
			if err := gate.Keys.RecordResponseTime(bg, key.ID, elapsed); err != nil {
				logger.Error().Err(err).Msg("failed to record response time")
			}
		})
	}
}

// RequestLogger emits one structured line per request, correlated by
// the chi request id.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())

		logger := log.With().Str("requestId", reqID).Logger()
		ctx := logger.WithContext(r.Context())

		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
