package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/scan-orchestrator/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents AI provider errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryBilling represents credit ledger errors
	CategoryBilling ErrorCategory = "billing"
	// CategoryQueue represents queue engine errors
	CategoryQueue ErrorCategory = "queue"
)

// Error codes
const (
	CodeClaimConflict              = "CLAIM_CONFLICT"
	CodeStuckJob                   = "STUCK_JOB"
	CodeProviderError              = "PROVIDER_ERROR"
	CodeEvaluationParseError       = "EVALUATION_PARSE_ERROR"
	CodeInsufficientCredits        = "INSUFFICIENT_CREDITS"
	CodeReservationCreationFailure = "RESERVATION_CREATION_FAILURE"
	CodeScanCreationFailure        = "SCAN_CREATION_FAILURE"
	CodePartialChunkFailure        = "PARTIAL_CHUNK_FAILURE"
	CodeAlreadyQueued              = "ALREADY_QUEUED"
	CodeInvalidTransition          = "INVALID_TRANSITION"
	CodeNotFound                   = "NOT_FOUND"
	CodeUnauthorized               = "UNAUTHORIZED"
	CodeInvalidParameter           = "INVALID_PARAMETER"
	CodeInternalError              = "INTERNAL_ERROR"
	CodeDatabaseError              = "DATABASE_ERROR"
	CodeServiceUnavailable         = "SERVICE_UNAVAILABLE"
)

// Sentinels for engine-internal control flow. CategorizedErrors built by the
// constructors below match them through errors.Is.
var (
	ErrClaimConflict       = stderrors.New("claim conflict")
	ErrNotFound            = stderrors.New("not found")
	ErrAlreadyQueued       = stderrors.New("already queued")
	ErrInvalidTransition   = stderrors.New("invalid status transition")
	ErrInsufficientCredits = stderrors.New("insufficient credits")
	ErrReservationSettled  = stderrors.New("reservation already settled")
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
	sentinel   error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel the error was built for
func (e *CategorizedError) Is(target error) bool {
	return e.sentinel != nil && e.sentinel == target
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Queue errors

// NewClaimConflictError is returned when another worker won the row
func NewClaimConflictError(queueID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryQueue,
		StatusCode: http.StatusConflict,
		Code:       CodeClaimConflict,
		Message:    fmt.Sprintf("queue item %s was claimed by another worker", queueID),
		Details:    map[string]interface{}{"queueId": queueID},
		sentinel:   ErrClaimConflict,
	}
}

// NewStuckJobError describes why the sweep force-failed an item
func NewStuckJobError(queueID, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryQueue,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeStuckJob,
		Message:    reason,
		Details:    map[string]interface{}{"queueId": queueID},
	}
}

// NewAlreadyQueuedError is returned when a project already has an active item
func NewAlreadyQueuedError(projectID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeAlreadyQueued,
		Message:    fmt.Sprintf("project %s already has an active scan", projectID),
		Details:    map[string]interface{}{"projectId": projectID},
		sentinel:   ErrAlreadyQueued,
	}
}

// NewInvalidTransitionError is returned for transitions outside the state machine
func NewInvalidTransitionError(queueID string, from, to types.QueueStatus) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeInvalidTransition,
		Message:    fmt.Sprintf("cannot move queue item from %s to %s", from, to),
		Details: map[string]interface{}{
			"queueId": queueID,
			"from":    from,
			"to":      to,
		},
		sentinel: ErrInvalidTransition,
	}
}

// Billing errors

// NewInsufficientCreditsError is returned when the balance cannot cover a reservation
func NewInsufficientCreditsError(userID string, requiredCents int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryBilling,
		StatusCode: http.StatusPaymentRequired,
		Code:       CodeInsufficientCredits,
		Message:    fmt.Sprintf("insufficient credits: %d cents required", requiredCents),
		Details: map[string]interface{}{
			"userId":        userID,
			"requiredCents": requiredCents,
		},
		sentinel: ErrInsufficientCredits,
	}
}

// NewReservationCreationError wraps a ledger failure before any scan exists
func NewReservationCreationError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryBilling,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeReservationCreationFailure,
		Message:    "could not create credit reservation",
		Cause:      cause,
	}
}

// NewScanCreationError wraps a failure to create the scan record
func NewScanCreationError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeScanCreationFailure,
		Message:    "could not create scan",
		Cause:      cause,
	}
}

// Execution errors

// NewProviderError creates an AI provider error
func NewProviderError(modelID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderError,
		Message:    fmt.Sprintf("provider call failed for model %s", modelID),
		Cause:      cause,
		Details:    map[string]interface{}{"modelId": modelID},
	}
}

// NewEvaluationParseError is recorded when evaluation output is unusable
func NewEvaluationParseError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeEvaluationParseError,
		Message:    "evaluation output could not be parsed",
		Cause:      cause,
	}
}

// NewPartialChunkFailureError is returned when a chunk failed after its retry
func NewPartialChunkFailureError(chunkIndex, operations int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodePartialChunkFailure,
		Message:    fmt.Sprintf("chunk %d failed, %d operations marked failed", chunkIndex, operations),
		Cause:      cause,
		Details: map[string]interface{}{
			"chunk":      chunkIndex,
			"operations": operations,
		},
	}
}

// User input errors (4xx)

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
		sentinel: ErrNotFound,
	}
}

// System errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Cause:      cause,
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	switch {
	case stderrors.Is(err, ErrNotFound):
		return NewNotFoundError("resource", "")
	case stderrors.Is(err, ErrClaimConflict):
		return NewClaimConflictError("")
	case stderrors.Is(err, ErrInsufficientCredits):
		return NewInsufficientCreditsError("", 0)
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth retrying at chunk level
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout ||
			catErr.Code == CodeInternalError
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}
