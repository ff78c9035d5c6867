// Package errors provides structured error handling for portsweep operations.
// It defines error codes, the scan error taxonomy (resolution, probe and
// cancellation errors) and helpers for classifying errors by code.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Scan lifecycle errors.
	CodeResolution      ErrorCode = "RESOLUTION_FAILED"
	CodeProbeFailed     ErrorCode = "PROBE_FAILED"
	CodeTargetInvalid   ErrorCode = "TARGET_INVALID"
	CodeScanFailed      ErrorCode = "SCAN_FAILED"
	CodeScanInProgress  ErrorCode = "SCAN_IN_PROGRESS"
	CodeDuplicateResult ErrorCode = "DUPLICATE_RESULT"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"

	// Service errors.
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
)

// coder is implemented by every error type in this package.
type coder interface {
	error
	ErrorCode() ErrorCode
}

// ScanError represents an error that occurred during scanning operations.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *ScanError) ErrorCode() ErrorCode {
	return e.Code
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// ResolutionError is returned when a scan target cannot be turned into an
// address. It aborts the scan before any probe runs and is never retried.
type ResolutionError struct {
	Host  string
	Cause error
}

// NewResolutionError creates a resolution error for host.
func NewResolutionError(host string, cause error) *ResolutionError {
	return &ResolutionError{Host: host, Cause: cause}
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] cannot resolve %q: %v", CodeResolution, e.Host, e.Cause)
	}
	return fmt.Sprintf("[%s] cannot resolve %q", CodeResolution, e.Host)
}

// Unwrap returns the underlying error.
func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns CodeResolution.
func (e *ResolutionError) ErrorCode() ErrorCode {
	return CodeResolution
}

// ProbeError describes a single port probe that failed for a reason other
// than refusal or timeout. It is recorded in the scan summary, never raised.
type ProbeError struct {
	Address string
	Port    uint16
	Cause   error
}

// NewProbeError creates a probe error.
func NewProbeError(address string, port uint16, cause error) *ProbeError {
	return &ProbeError{Address: address, Port: port, Cause: cause}
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	return fmt.Sprintf("[%s] probe %s port %d: %v", CodeProbeFailed, e.Address, e.Port, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ProbeError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns CodeProbeFailed.
func (e *ProbeError) ErrorCode() ErrorCode {
	return CodeProbeFailed
}

// CancellationError reports that a scan was stopped at the caller's request.
// The scan still produces a partial summary.
type CancellationError struct {
	ScanID    string
	Completed int
	Total     int
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("[%s] scan %s cancelled after %d of %d ports", CodeCanceled, e.ScanID, e.Completed, e.Total)
}

// ErrorCode returns CodeCanceled.
func (e *CancellationError) ErrorCode() ErrorCode {
	return CodeCanceled
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *DatabaseError) ErrorCode() ErrorCode {
	return e.Code
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// WithOperation records which store operation failed.
func (e *DatabaseError) WithOperation(op string) *DatabaseError {
	e.Operation = op
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{Code: code, Message: message}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{Code: code, Message: message, Cause: err}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *ConfigError) ErrorCode() ErrorCode {
	return e.Code
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// GetCode extracts the error code from the first coded error in err's chain.
func GetCode(err error) ErrorCode {
	var c coder
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable determines if an error indicates a retryable condition.
// Resolution failures are not retryable.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeDatabaseTimeout, CodeDatabaseConnection, CodeServiceUnavailable:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeResolution, CodeConfiguration, CodeDatabaseMigration:
		return true
	default:
		return false
	}
}

// IsFailure reports whether err means the operation failed. A cancelled scan
// is not a failure.
func IsFailure(err error) bool {
	if err == nil {
		return false
	}
	var ce *CancellationError
	return !stderrors.As(err, &ce)
}

// Common error creation functions

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target string) *ScanError {
	return NewScanErrorWithTarget(CodeTargetInvalid, "Invalid target specification", target)
}

// ErrScanInProgress is returned when a summary is requested before the scan ended.
func ErrScanInProgress(scanID string) *ScanError {
	return NewScanError(CodeScanInProgress, "Scan has not finished").WithContext("scan_id", scanID)
}

// ErrScanNotFound is returned for unknown scan IDs.
func ErrScanNotFound(scanID string) *ScanError {
	return NewScanError(CodeNotFound, "Scan not found").WithContext("scan_id", scanID)
}

// ErrDuplicateResult reports a second result for a port that was already recorded.
func ErrDuplicateResult(port uint16) *ScanError {
	return NewScanError(CodeDuplicateResult, fmt.Sprintf("Duplicate result for port %d", port)).
		WithContext("port", port)
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "Failed to connect to database", err)
}

// ErrDatabaseQuery creates an error for database query failures.
func ErrDatabaseQuery(query string, err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseQuery, "Database query failed", err).WithQuery(query)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
