package api

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed classification of service call failures. Every
// non-success outcome of a WorkerService operation maps to exactly one kind;
// callers branch on the kind, never on messages.
type ErrorKind string

const (
	KindThrottled      ErrorKind = "Throttled"
	KindInternalServer ErrorKind = "InternalServerError"
	KindAccessDenied   ErrorKind = "AccessDenied"
	KindValidation     ErrorKind = "ValidationError"
	KindNotFound       ErrorKind = "NotFound"
	KindConflict       ErrorKind = "Conflict"
)

// ConflictReason refines KindConflict errors.
type ConflictReason string

const (
	ConflictStatusConflict         ConflictReason = "STATUS_CONFLICT"
	ConflictConcurrentModification ConflictReason = "CONCURRENT_MODIFICATION"
	ConflictResourceAlreadyExists  ConflictReason = "RESOURCE_ALREADY_EXISTS"
	ConflictCreateInProgress       ConflictReason = "CREATE_IN_PROGRESS"
)

// ErrCodeMaxPayloadSizeExceeded is the per-entity BatchGetJobEntity error code
// telling the worker to refetch that entity alone.
const ErrCodeMaxPayloadSizeExceeded = "MaxPayloadSizeExceeded"

// RequestError is the error type every WorkerService implementation returns.
// Reason, ResourceID, and Context are populated for KindConflict only.
// RetryAfter carries the service's retry hint when one was given.
type RequestError struct {
	Operation  string
	Kind       ErrorKind
	Message    string
	Reason     ConflictReason
	ResourceID string
	Context    map[string]string
	RetryAfter time.Duration
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.Kind == KindConflict && e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s on %s): %s", e.Operation, e.Kind, e.Reason, e.ResourceID, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Operation, e.Kind, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient by taxonomy alone.
// Conflict retryability is operation specific and decided by callers.
func (e *RequestError) Retryable() bool {
	return e.Kind == KindThrottled || e.Kind == KindInternalServer
}

// ConflictStatus returns the service-reported status of the conflicting
// resource, empty when absent.
func (e *RequestError) ConflictStatus() string {
	if e.Context == nil {
		return ""
	}
	return e.Context["status"]
}

// AsRequestError unwraps err into a *RequestError if there is one.
func AsRequestError(err error) (*RequestError, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsKind reports whether err is a RequestError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	re, ok := AsRequestError(err)
	return ok && re.Kind == kind
}

// IsThrottled reports whether err is a throttling failure.
func IsThrottled(err error) bool {
	return IsKind(err, KindThrottled)
}

// IsRetryable reports whether err is a transient service failure.
func IsRetryable(err error) bool {
	re, ok := AsRequestError(err)
	return ok && re.Retryable()
}

// IsNotFound reports whether err is a NotFound failure.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsConflict reports whether err is a Conflict with the given reason against
// the given resource. An empty resourceID matches any resource.
func IsConflict(err error, reason ConflictReason, resourceID string) bool {
	re, ok := AsRequestError(err)
	if !ok || re.Kind != KindConflict || re.Reason != reason {
		return false
	}
	return resourceID == "" || re.ResourceID == resourceID
}
