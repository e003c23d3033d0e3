// Package errors provides the structured error system for the FastDFS client with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for client operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Protocol Errors
	ErrCodeInvalidHeader       ErrorCode = "INVALID_HEADER"
	ErrCodeUnexpectedCommand   ErrorCode = "UNEXPECTED_COMMAND"
	ErrCodeServerStatus        ErrorCode = "SERVER_STATUS"
	ErrCodeBodyLengthMismatch  ErrorCode = "BODY_LENGTH_MISMATCH"
	ErrCodeInvalidRecordLength ErrorCode = "INVALID_RECORD_LENGTH"
	ErrCodeResponseTooShort    ErrorCode = "RESPONSE_TOO_SHORT"
	ErrCodeInvalidFileInfo     ErrorCode = "INVALID_FILE_INFO"

	// Timeout Errors
	ErrCodeReceiveTimeout ErrorCode = "RECEIVE_TIMEOUT"
	ErrCodeConnectTimeout ErrorCode = "CONNECT_TIMEOUT"

	// Connection Errors
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"
	ErrCodeWriteFailed      ErrorCode = "WRITE_FAILED"
	ErrCodePoolClosed       ErrorCode = "POOL_CLOSED"

	// Validation Errors
	ErrCodeGroupNameTooLong   ErrorCode = "GROUP_NAME_TOO_LONG"
	ErrCodeExtensionTooLong   ErrorCode = "EXTENSION_TOO_LONG"
	ErrCodeInvalidFileID      ErrorCode = "INVALID_FILE_ID"
	ErrCodeInvalidConfig      ErrorCode = "INVALID_CONFIG"
	ErrCodeUnsupportedCharset ErrorCode = "UNSUPPORTED_CHARSET"

	// Topology Errors
	ErrCodeTrackersExhausted ErrorCode = "TRACKERS_EXHAUSTED"
	ErrCodeNoTrackers        ErrorCode = "NO_TRACKERS"

	// Internal Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeSinkFailed    ErrorCode = "SINK_FAILED"
	ErrCodeSourceFailed  ErrorCode = "SOURCE_FAILED"
	ErrCodeCanceled      ErrorCode = "CANCELED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryProtocol   ErrorCategory = "protocol"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryConnection ErrorCategory = "connection"
	CategoryValidation ErrorCategory = "validation"
	CategoryTopology   ErrorCategory = "topology"
	CategoryInternal   ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidHeader:       CategoryProtocol,
	ErrCodeUnexpectedCommand:   CategoryProtocol,
	ErrCodeServerStatus:        CategoryProtocol,
	ErrCodeBodyLengthMismatch:  CategoryProtocol,
	ErrCodeInvalidRecordLength: CategoryProtocol,
	ErrCodeResponseTooShort:    CategoryProtocol,
	ErrCodeInvalidFileInfo:     CategoryProtocol,
	ErrCodeReceiveTimeout:      CategoryTimeout,
	ErrCodeConnectTimeout:      CategoryTimeout,
	ErrCodeConnectionFailed:    CategoryConnection,
	ErrCodeConnectionClosed:    CategoryConnection,
	ErrCodeWriteFailed:         CategoryConnection,
	ErrCodePoolClosed:          CategoryConnection,
	ErrCodeGroupNameTooLong:    CategoryValidation,
	ErrCodeExtensionTooLong:    CategoryValidation,
	ErrCodeInvalidFileID:       CategoryValidation,
	ErrCodeInvalidConfig:       CategoryValidation,
	ErrCodeUnsupportedCharset:  CategoryValidation,
	ErrCodeTrackersExhausted:   CategoryTopology,
	ErrCodeNoTrackers:          CategoryTopology,
}

// FdfsError represents a structured error with context and metadata.
type FdfsError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Retryable marks errors after which another tracker may be tried
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *FdfsError) Error() string {
	var msg string
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		} else {
			msg = fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
		}
	} else {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *FdfsError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *FdfsError) Is(target error) bool {
	if fdfsErr, ok := target.(*FdfsError); ok {
		return e.Code == fdfsErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *FdfsError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}

	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}

	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("RequestID=%s", e.RequestID))
	}

	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}

	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("FdfsError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with default values for its code.
func NewError(code ErrorCode, message string) *FdfsError {
	return &FdfsError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *FdfsError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error with the given code around cause.
func Wrap(cause error, code ErrorCode, message string) *FdfsError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	if category, ok := categories[code]; ok {
		return category
	}
	return CategoryInternal
}

// IsRetryableByDefault reports whether a failure with code may succeed against another tracker.
func IsRetryableByDefault(code ErrorCode) bool {
	switch GetCategory(code) {
	case CategoryConnection, CategoryTimeout:
		return code != ErrCodePoolClosed
	}
	return false
}

// WithContext adds contextual information to an error
func (e *FdfsError) WithContext(key, value string) *FdfsError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *FdfsError) WithDetail(key string, value interface{}) *FdfsError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *FdfsError) WithComponent(component string) *FdfsError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *FdfsError) WithOperation(operation string) *FdfsError {
	e.Operation = operation
	return e
}

// WithRequestID sets the request ID for an error
func (e *FdfsError) WithRequestID(id string) *FdfsError {
	e.RequestID = id
	return e
}

// WithCause sets the underlying cause
func (e *FdfsError) WithCause(cause error) *FdfsError {
	e.Cause = cause
	return e
}

// As returns the first FdfsError in err's chain.
func As(err error) (*FdfsError, bool) {
	var fdfsErr *FdfsError
	if stderrors.As(err, &fdfsErr) {
		return fdfsErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first FdfsError in err's chain.
func CodeOf(err error) ErrorCode {
	if fdfsErr, ok := As(err); ok {
		return fdfsErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &FdfsError{Code: code})
}

func hasCategory(err error, category ErrorCategory) bool {
	fdfsErr, ok := As(err)
	return ok && fdfsErr.Category == category
}

// IsProtocol reports whether err is a protocol-level failure.
func IsProtocol(err error) bool { return hasCategory(err, CategoryProtocol) }

// IsTimeout reports whether err is a receive or connect timeout.
func IsTimeout(err error) bool { return hasCategory(err, CategoryTimeout) }

// IsConnection reports whether err is a socket-level failure.
func IsConnection(err error) bool { return hasCategory(err, CategoryConnection) }

// IsValidation reports whether err was raised before any network call.
func IsValidation(err error) bool { return hasCategory(err, CategoryValidation) }

// IsTopology reports whether err means no tracker could be used.
func IsTopology(err error) bool { return hasCategory(err, CategoryTopology) }

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	fdfsErr, ok := As(err)
	return ok && fdfsErr.Retryable
}

// ServerStatus returns the errno a server reported in a response header.
func ServerStatus(err error) (byte, bool) {
	fdfsErr, ok := As(err)
	if !ok || fdfsErr.Code != ErrCodeServerStatus {
		return 0, false
	}
	status, ok := fdfsErr.Details["status"].(byte)
	return status, ok
}

// FromContext wraps a context cancellation or deadline error.
func FromContext(err error) *FdfsError {
	return Wrap(err, ErrCodeCanceled, "operation canceled")
}

// Annotate fills in the component and operation of the first FdfsError in
// err's chain when they are not already set. Other errors are returned as is.
func Annotate(err error, component, operation string) error {
	if fdfsErr, ok := As(err); ok {
		if fdfsErr.Component == "" {
			fdfsErr.Component = component
		}
		if fdfsErr.Operation == "" {
			fdfsErr.Operation = operation
		}
	}
	return err
}
