package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/example/market-infra/internal/auth"
	"github.com/example/market-infra/internal/security"
	"github.com/example/market-infra/pkg/audit"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func RequestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			l.Info("http_request",
				"cid", security.CorrelationIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// Auditor seals request records into the tamper-evident trail.
type Auditor interface {
	Append(actor, action, reference, correlationID string) *audit.Record
}

// AuditMiddleware records every mutating request. Reads are left to the
// request log; the trail covers actions that move money or state.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			actor := "anonymous"
			if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
				actor = ai.ClientID
			}
			a.Append(actor, r.Method+" "+r.URL.Path, strconv.Itoa(sw.status), security.CorrelationIDFromContext(r.Context()))
		})
	}
}
