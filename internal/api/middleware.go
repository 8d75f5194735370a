// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellwerk/railwatch/internal/auth"
	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/model"
	"github.com/stellwerk/railwatch/internal/ratelimit"
)

const correlationHeader = "X-Correlation-ID"

// withCorrelation stamps every request with a correlation id, taken from
// the inbound header when present.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithCorrelationID(r.Context(), id)))
	})
}

// withRequestLog logs completed requests on the api component.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(started)).
			Msg("request")
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

// withAuth resolves the bearer token to a controller and attaches it to
// the request context. Requests without a valid token are rejected before
// any handler runs.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.audit.AuthFailure(r.Context(), r.URL.Path, "missing bearer token")
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHENTICATED", Error: "bearer token required"})
			return
		}
		ctrl, err := s.store.ControllerByToken(r.Context(), token)
		if err != nil {
			if model.IsCode(err, model.CodeNotFound) || model.IsCode(err, model.CodeForbidden) {
				s.audit.AuthFailure(r.Context(), r.URL.Path, "unknown or inactive token")
				writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHENTICATED", Error: "invalid token"})
				return
			}
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithController(r.Context(), ctrl)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// withIngestLimit applies the in-process per-source intake limiter.
func (s *Server) withIngestLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ingestLimiter.Allow(ratelimit.ClientIP(r)) {
			writeError(w, r, model.New(model.CodeOverloaded, "position intake over budget"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
