// Package errors provides the structured error system for AgentFS with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for AgentFS operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Filesystem Errors
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists   ErrorCode = "ALREADY_EXISTS"
	ErrCodeNotADirectory   ErrorCode = "NOT_A_DIRECTORY"
	ErrCodeIsADirectory    ErrorCode = "IS_A_DIRECTORY"
	ErrCodeNotEmpty        ErrorCode = "NOT_EMPTY"
	ErrCodeInvalidName     ErrorCode = "INVALID_NAME"
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeStaleHandle     ErrorCode = "STALE_HANDLE"
	ErrCodeUnsupported     ErrorCode = "UNSUPPORTED"

	// Permission Errors
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"

	// Concurrency Errors
	ErrCodeLocked ErrorCode = "LOCKED"
	ErrCodeInUse  ErrorCode = "IN_USE"

	// Resource Errors
	ErrCodeOutOfSpace    ErrorCode = "OUT_OF_SPACE"
	ErrCodeResourceLimit ErrorCode = "RESOURCE_LIMIT"

	// Storage Errors
	ErrCodeSpillIO      ErrorCode = "SPILL_IO"
	ErrCodeSpillCorrupt ErrorCode = "SPILL_CORRUPT"

	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Internal System Errors
	ErrCodeShutdown      ErrorCode = "SHUTDOWN"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

var allCodes = []ErrorCode{
	ErrCodeNotFound, ErrCodeAlreadyExists, ErrCodeNotADirectory, ErrCodeIsADirectory,
	ErrCodeNotEmpty, ErrCodeInvalidName, ErrCodeInvalidArgument, ErrCodeStaleHandle,
	ErrCodeUnsupported, ErrCodeAccessDenied, ErrCodeLocked, ErrCodeInUse,
	ErrCodeOutOfSpace, ErrCodeResourceLimit, ErrCodeSpillIO, ErrCodeSpillCorrupt,
	ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad, ErrCodeConfigSave,
	ErrCodeShutdown, ErrCodeInternalError,
}

// AllCodes returns every defined error code. Adapters use it to check that
// their translation tables are total.
func AllCodes() []ErrorCode {
	return slices.Clone(allCodes)
}

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryPermission    ErrorCategory = "permission"
	CategoryConcurrency   ErrorCategory = "concurrency"
	CategoryResource      ErrorCategory = "resource"
	CategoryStorage       ErrorCategory = "storage"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrNotFound        = &AgentFSError{Code: ErrCodeNotFound}
	ErrAlreadyExists   = &AgentFSError{Code: ErrCodeAlreadyExists}
	ErrNotADirectory   = &AgentFSError{Code: ErrCodeNotADirectory}
	ErrIsADirectory    = &AgentFSError{Code: ErrCodeIsADirectory}
	ErrNotEmpty        = &AgentFSError{Code: ErrCodeNotEmpty}
	ErrInvalidName     = &AgentFSError{Code: ErrCodeInvalidName}
	ErrInvalidArgument = &AgentFSError{Code: ErrCodeInvalidArgument}
	ErrStaleHandle     = &AgentFSError{Code: ErrCodeStaleHandle}
	ErrUnsupported     = &AgentFSError{Code: ErrCodeUnsupported}
	ErrAccessDenied    = &AgentFSError{Code: ErrCodeAccessDenied}
	ErrLocked          = &AgentFSError{Code: ErrCodeLocked}
	ErrInUse           = &AgentFSError{Code: ErrCodeInUse}
	ErrOutOfSpace      = &AgentFSError{Code: ErrCodeOutOfSpace}
	ErrResourceLimit   = &AgentFSError{Code: ErrCodeResourceLimit}
	ErrSpillIO         = &AgentFSError{Code: ErrCodeSpillIO}
	ErrSpillCorrupt    = &AgentFSError{Code: ErrCodeSpillCorrupt}
	ErrShutdown        = &AgentFSError{Code: ErrCodeShutdown}
)

// AgentFSError represents a structured error with context and metadata.
type AgentFSError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`

	// Debug information
	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *AgentFSError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *AgentFSError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *AgentFSError) Is(target error) bool {
	if t, ok := target.(*AgentFSError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *AgentFSError) String() string {
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

	return fmt.Sprintf("AgentFSError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *AgentFSError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new AgentFS error with default values.
func NewError(code ErrorCode, message string) *AgentFSError {
	return &AgentFSError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
	}
}

// Newf creates a new AgentFS error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AgentFSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error with the given code whose cause is err.
func Wrap(code ErrorCode, err error, message string) *AgentFSError {
	return NewError(code, message).WithCause(err)
}

// KindOf returns the code of the first AgentFSError in err's chain.
// Foreign errors map to ErrCodeInternalError and nil maps to "".
func KindOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var afsErr *AgentFSError
	if stderrors.As(err, &afsErr) {
		return afsErr.Code
	}
	return ErrCodeInternalError
}

// IsCode reports whether any error in err's chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &AgentFSError{Code: code})
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNotFound, ErrCodeAlreadyExists, ErrCodeNotADirectory, ErrCodeIsADirectory,
		ErrCodeNotEmpty, ErrCodeInvalidName, ErrCodeInvalidArgument, ErrCodeStaleHandle,
		ErrCodeUnsupported:
		return CategoryFilesystem
	case ErrCodeAccessDenied:
		return CategoryPermission
	case ErrCodeLocked, ErrCodeInUse:
		return CategoryConcurrency
	case ErrCodeOutOfSpace, ErrCodeResourceLimit:
		return CategoryResource
	}

	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "SPILL_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeLocked:        true,
		ErrCodeSpillIO:       true,
		ErrCodeInternalError: true,
	}
	return retryableCodes[code]
}

// IsUserFacingByDefault determines if an error should be shown to users.
func IsUserFacingByDefault(code ErrorCode) bool {
	switch GetCategory(code) {
	case CategoryFilesystem, CategoryPermission, CategoryConcurrency, CategoryResource,
		CategoryConfiguration:
		return true
	}
	return false
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *AgentFSError) WithContext(key, value string) *AgentFSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *AgentFSError) WithDetail(key string, value interface{}) *AgentFSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *AgentFSError) WithComponent(component string) *AgentFSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *AgentFSError) WithOperation(operation string) *AgentFSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *AgentFSError) WithCause(cause error) *AgentFSError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *AgentFSError) WithStack() *AgentFSError {
	e.Stack = CaptureStack(2)
	return e
}

// UserFacingMessage returns a simplified message suitable for end users
func (e *AgentFSError) UserFacingMessage() string {
	if !e.UserFacing {
		return "An internal error occurred. Please contact support if this persists."
	}

	messages := map[ErrorCode]string{
		ErrCodeNotFound:        "No such file or directory",
		ErrCodeAlreadyExists:   "File exists",
		ErrCodeNotADirectory:   "Not a directory",
		ErrCodeIsADirectory:    "Is a directory",
		ErrCodeNotEmpty:        "Directory not empty",
		ErrCodeAccessDenied:    "Permission denied",
		ErrCodeLocked:          "Resource temporarily unavailable",
		ErrCodeInUse:           "Resource busy",
		ErrCodeOutOfSpace:      "No space left on device",
		ErrCodeResourceLimit:   "Too many open files or objects",
		ErrCodeInvalidArgument: "Invalid argument",
		ErrCodeInvalidName:     "Invalid file name",
	}

	if msg, exists := messages[e.Code]; exists {
		return msg
	}

	return e.Message
}
