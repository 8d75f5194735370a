// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/model"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryAfter    int    `json:"retry_after_seconds,omitempty"`
}

// statusFor maps the fault taxonomy onto HTTP statuses.
func statusFor(code model.Code) int {
	switch code {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeStale, model.CodePrecondition:
		return http.StatusConflict
	case model.CodeForbidden:
		return http.StatusForbidden
	case model.CodeRateLimited:
		return http.StatusTooManyRequests
	case model.CodeTransient, model.CodeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a fault. Internal failures hide their message behind
// the correlation id; everything else surfaces verbatim.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.CodeOf(err)
	status := statusFor(code)
	body := errorBody{Code: string(code), Error: err.Error()}

	if code == model.CodeInternal {
		body.CorrelationID = log.CorrelationIDFromContext(r.Context())
		body.Error = "internal error"
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).
			Str("path", r.URL.Path).Msg("request failed")
	}

	var fault *model.Fault
	if errors.As(err, &fault) && fault.RetryAfter > 0 {
		secs := int(fault.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	writeJSON(w, status, body)
}

// decodeBody strictly decodes a JSON request body.
func decodeBody(r *http.Request, dest any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return model.Wrap(model.CodeValidation, err, "invalid request body")
	}
	return nil
}

// pathID parses a positive numeric path segment.
func pathID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.Newf(model.CodeValidation, "invalid id %q", raw)
	}
	return id, nil
}
