package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/bryan-buckman/bookvore/internal/auth"
	"github.com/bryan-buckman/bookvore/internal/common"
	"github.com/bryan-buckman/bookvore/internal/logging"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var le *auth.LoginError
	if errors.As(err, &le) {
		return http.StatusUnauthorized
	}
	switch {
	case errors.Is(err, common.ErrMissingAPIKey):
		return http.StatusPreconditionFailed
	case errors.Is(err, common.ErrMissingLink),
		errors.Is(err, common.ErrInvalidHost),
		errors.Is(err, common.ErrUnsupportedScheme),
		errors.Is(err, common.ErrMissingCredentials):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrMalformedFeed),
		errors.Is(err, common.ErrInvalidAuthResponse),
		errors.Is(err, common.ErrMissingAccessToken):
		return http.StatusBadGateway
	case errors.Is(err, common.ErrStorageUnavailable):
		return http.StatusInsufficientStorage
	}
	if _, ok := common.AsHTTPError(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError sends err's message verbatim with its mapped status.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("encode response", zap.Error(err))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}
