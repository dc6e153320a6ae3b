package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/scan-orchestrator/internal/errors"
	"github.com/scan-orchestrator/internal/logging"
	"github.com/scan-orchestrator/internal/types"
)

// maxBodyBytes caps request bodies. Queue requests are a few fields.
const maxBodyBytes = 64 << 10

// Error codes produced by the HTTP layer itself
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUnauthorized      = apperrors.CodeUnauthorized
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     types.ServiceError `json:"error"`
	RequestID string             `json:"requestId,omitempty"`
}

// respondError sends an error response tagged with the request id.
func respondError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
		RequestID: requestIDFromContext(r.Context()),
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.GetGlobalLogger().WithError(err).Warn("Failed to write response body")
	}
}

// parseJSONBody decodes exactly one JSON object with known fields only.
func parseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("request body must hold a single JSON object")
	}
	return nil
}

// respondServiceError maps an engine error onto its HTTP status and code.
// Internal details of 5xx errors are logged, not returned.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	logger := logging.FromContext(r.Context())

	if apperrors.IsUserError(catErr) {
		logger.WithError(err).Debug("Request rejected")
		respondJSON(w, catErr.StatusCode, ErrorResponse{
			Error:     *catErr.ToServiceError(),
			RequestID: requestIDFromContext(r.Context()),
		})
		return
	}

	if apperrors.IsSystemError(catErr) {
		logger.WithError(err).Error("Request failed")
	}
	message := catErr.Message
	if catErr.Code == apperrors.CodeInternalError {
		message = "An internal error occurred"
	}
	respondError(w, r, catErr.StatusCode, catErr.Code, message, nil)
}
