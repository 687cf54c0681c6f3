package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	engerrors "github.com/rcourtman/entitlementd/internal/errors"
	"github.com/rcourtman/entitlementd/internal/logging"
	"github.com/rcourtman/entitlementd/internal/metrics"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// APIError represents a structured API error response.
type APIError struct {
	ErrorMessage string            `json:"error"`
	Code         string            `json:"code,omitempty"`
	StatusCode   int               `json:"status_code"`
	Timestamp    int64             `json:"timestamp"`
	RequestID    string            `json:"request_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.ErrorMessage
}

// Error codes carried in APIError.Code. Clients map them back to sentinel
// errors.
const (
	CodeNotFound             = "not_found"
	CodeNoValidEntitlement   = "no_valid_entitlement"
	CodeConflict             = "conflict"
	CodeDuplicateTransaction = "duplicate_transaction"
	CodeAlreadyRevoked       = "already_revoked"
	CodeGraceState           = "grace_state"
	CodeInvalidInput         = "invalid_input"
	CodeFraudBlocked         = "fraud_blocked"
	CodeOfflineExpired       = "offline_expired"
	CodeUnavailable          = "unavailable"
	CodeInternal             = "internal_error"
)

// ErrorHandler assigns request IDs, recovers panics and records request
// metrics. pattern resolves the mux route label for a request.
func ErrorHandler(next http.Handler, pattern func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		incomingID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		ctxWithID, requestID := logging.WithRequestID(r.Context(), incomingID)
		r = r.WithContext(ctxWithID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set(RequestIDHeader, requestID)

		start := time.Now()
		route := ""
		if pattern != nil {
			route = pattern(r)
		}
		method := r.Method

		defer func() {
			metrics.GetEngineMetrics().RecordAPIRequest(method, route, rw.StatusCode(), time.Since(start))
		}()

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")

				writeErrorResponse(rw, http.StatusInternalServerError, CodeInternal,
					"An unexpected error occurred", nil)
			}
		}()

		next.ServeHTTP(rw, r)

		if rw.statusCode >= 500 {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", rw.statusCode).
				Str("request_id", requestID).
				Msg("Request failed")
		}
	})
}

// writeErrorResponse writes a consistent error response.
func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
		RequestID:    w.Header().Get(RequestIDHeader),
		Details:      details,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeError maps an engine error onto a status code and error code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Internal error handling request")
		message = "An unexpected error occurred"
	}
	writeErrorResponse(w, status, code, message, nil)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, engerrors.ErrInvalidInput), errors.Is(err, engerrors.ErrInvalidEntitlement):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, engerrors.ErrNoValidEntitlement):
		return http.StatusNotFound, CodeNoValidEntitlement
	case errors.Is(err, engerrors.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, engerrors.ErrDuplicateTransaction):
		return http.StatusConflict, CodeDuplicateTransaction
	case errors.Is(err, engerrors.ErrEntitlementAlreadyRevoked):
		return http.StatusConflict, CodeAlreadyRevoked
	case errors.Is(err, engerrors.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, engerrors.ErrFraudBlocked):
		return http.StatusForbidden, CodeFraudBlocked
	case errors.Is(err, engerrors.ErrOfflineGracePeriodExpired):
		return http.StatusServiceUnavailable, CodeOfflineExpired
	case engerrors.ClassOf(err) == engerrors.ClassMisuse:
		return http.StatusConflict, CodeGraceState
	case engerrors.IsRetryableError(err):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeJSON writes data with the given status.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		writeErrorResponse(w, http.StatusInternalServerError, CodeInternal, "Failed to encode response", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(jsonData)
}

// responseWriter wraps http.ResponseWriter to capture status codes.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) StatusCode() int {
	if rw == nil {
		return http.StatusInternalServerError
	}
	return rw.statusCode
}
