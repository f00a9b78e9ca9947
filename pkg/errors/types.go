package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Driver lifecycle errors
	ErrCodeStartFailed        ErrorCode = "START_FAILED"
	ErrCodeBinaryNotFound     ErrorCode = "BINARY_NOT_FOUND"
	ErrCodePortUnavailable    ErrorCode = "PORT_UNAVAILABLE"
	ErrCodeStartTimeout       ErrorCode = "START_TIMEOUT"
	ErrCodeHealthCheck        ErrorCode = "HEALTH_CHECK_FAILED"
	ErrCodeDriverStopping     ErrorCode = "DRIVER_STOPPING"
	ErrCodeNoHealthyDriver    ErrorCode = "NO_HEALTHY_DRIVER"
	ErrCodeCapabilityMismatch ErrorCode = "CAPABILITY_MISMATCH"
	ErrCodeSessionCreation    ErrorCode = "SESSION_CREATION"
	ErrCodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"

	// Pool errors
	ErrCodePoolExhausted  ErrorCode = "POOL_EXHAUSTED"
	ErrCodeAcquireTimeout ErrorCode = "ACQUIRE_TIMEOUT"

	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Context keys shared by every component so callers can tell which driver or
// session an error concerns.
const (
	KeyFamily    = "family"
	KeySessionID = "session_id"
	KeyEndpoint  = "endpoint"
	KeyPID       = "pid"
)

// Error represents a structured orchestration error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Stack       []Frame
	Retryable   bool
	UserMessage string
	Remediation []string
}

// Frame represents a stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
		Stack:   captureStack(2),
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Context: make(map[string]any),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
		Stack:      captureStack(2),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithFamily tags the error with the browser family it concerns.
func (e *Error) WithFamily(family fmt.Stringer) *Error {
	return e.WithContext(KeyFamily, family.String())
}

// WithSession tags the error with the logical session id it concerns.
func (e *Error) WithSession(sessionID string) *Error {
	if sessionID == "" {
		return e
	}
	return e.WithContext(KeySessionID, sessionID)
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-friendly message returned to users.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// WithRemediation appends actionable remediation tips for the error.
func (e *Error) WithRemediation(tips ...string) *Error {
	if len(tips) == 0 {
		return e
	}
	e.Remediation = append([]string{}, tips...)
	return e
}

// Error implements the error interface. Context keys are rendered sorted so
// the same failure always produces the same text.
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, e.Context[k]))
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is matches another *Error by code, so errors.Is(err, New(code, "")) works
// as a code check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// StackTrace returns a formatted stack trace
func (e *Error) StackTrace() string {
	var sb strings.Builder

	sb.WriteString("Stack trace:\n")
	for i, frame := range e.Stack {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, frame.String()))
		sb.WriteString(fmt.Sprintf("     %s:%d\n", frame.File, frame.Line))
	}

	return sb.String()
}

// String formats a stack frame
func (f Frame) String() string {
	return f.Function
}

func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr

	n := runtime.Callers(skip+1, pcs[:])
	frames := make([]Frame, 0, n)
	iter := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := iter.Next()
		frames = append(frames, Frame{
			Function: fr.Function,
			File:     fr.File,
			Line:     fr.Line,
		})
		if !more {
			break
		}
	}

	return frames
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode checks if an error, or anything it wraps, has a specific error code
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		e, ok := As(err)
		if !ok {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Underlying
	}
	return false
}

// GetCode extracts the outermost error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	e, ok := As(err)
	if !ok {
		return ErrCodeInternal
	}
	return e.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	return e.Retryable
}

// ContextValue returns a context value recorded on the outermost *Error.
func ContextValue(err error, key string) (any, bool) {
	e, ok := As(err)
	if !ok || e.Context == nil {
		return nil, false
	}
	v, ok := e.Context[key]
	return v, ok
}
