// Package handlers provides HTTP request handlers for the portsweep API.
// This file contains the helpers shared by all handlers.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/anstrom/portsweep/internal/api/middleware"
	"github.com/anstrom/portsweep/internal/errors"
	"github.com/anstrom/portsweep/internal/metrics"
)

const defaultMaxRequestSize = 1 << 20

// PaginationParams holds pagination parameters.
type PaginationParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Offset   int `json:"offset"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Message   string           `json:"message"`
	Code      errors.ErrorCode `json:"code,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	RequestID string           `json:"request_id,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func getRequestID(r *http.Request) string {
	return middleware.GetRequestID(r)
}

// getQueryParamInt extracts integer query parameter with default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	if value := r.URL.Query().Get(key); value != "" {
		return strconv.Atoi(value)
	}
	return defaultValue, nil
}

// extractIDFromPath returns the {id} route variable.
func extractIDFromPath(r *http.Request) (string, error) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		return "", errors.NewScanError(errors.CodeValidation, "id not provided")
	}
	return id, nil
}

// getPaginationParams extracts pagination parameters from request.
func getPaginationParams(r *http.Request) (PaginationParams, error) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 500
	)

	page, err := getQueryParamInt(r, "page", defaultPage)
	if err != nil {
		return PaginationParams{}, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("invalid page parameter: %v", err))
	}
	pageSize, err := getQueryParamInt(r, "page_size", defaultPageSize)
	if err != nil {
		return PaginationParams{}, errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("invalid page_size parameter: %v", err))
	}

	if page < 1 {
		page = defaultPage
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return PaginationParams{
		Page:     page,
		PageSize: pageSize,
		Offset:   (page - 1) * pageSize,
	}, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response",
			"request_id", getRequestID(r),
			"error", err)
	}
}

// statusForError maps an error code to an HTTP status.
func statusForError(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeValidation, errors.CodeTargetInvalid, errors.CodeConfiguration:
		return http.StatusBadRequest
	case errors.CodeResolution:
		return http.StatusUnprocessableEntity
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeConflict, errors.CodeScanInProgress:
		return http.StatusConflict
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodeServiceUnavailable, errors.CodeDatabaseConnection:
		return http.StatusServiceUnavailable
	case errors.CodeTimeout, errors.CodeDatabaseTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes an error response. A zero statusCode derives the status
// from the error code.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	if statusCode == 0 {
		statusCode = statusForError(err)
	}

	message := err.Error()
	code := errors.GetCode(err)
	if statusCode >= http.StatusInternalServerError && code == errors.CodeUnknown {
		message = "internal server error"
	}

	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   message,
		Timestamp: time.Now().UTC(),
		RequestID: getRequestID(r),
	}
	if code != errors.CodeUnknown {
		response.Code = code
	}

	writeJSON(w, r, statusCode, response)
}

// parseJSON decodes a size-limited request body into dest.
func parseJSON(w http.ResponseWriter, r *http.Request, dest interface{}, maxSize int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.NewScanError(errors.CodeValidation, "request body is empty")
	}
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.NewScanError(errors.CodeValidation,
				fmt.Sprintf("request body too large (max %d bytes)", maxSize))
		}
		return errors.WrapScanError(errors.CodeValidation, "invalid JSON", err)
	}
	return nil
}

// validationError turns validator output into a validation error naming the
// first failing field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("field %s failed %q validation", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return errors.WrapScanError(errors.CodeValidation, "invalid request", err)
}

func recordMetric(registry metrics.MetricsRegistry, name string, labels metrics.Labels) {
	if registry != nil {
		registry.Counter(name, labels)
	}
}
