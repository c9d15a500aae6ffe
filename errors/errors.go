// Package errors provides the driver's error taxonomy. Every constructor in
// the object factory reports failure through a *DriverError so callers can
// classify it with errors.Is against the sentinels below.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/guileen/pgnd/logger"
)

// Error codes for different types of errors
const (
	ErrCodeUnknown          = "unknown_error"
	ErrCodeAllocation       = "allocation_failure"
	ErrCodeSubsystemInit    = "subsystem_init_failure"
	ErrCodeInvalidSource    = "invalid_source"
	ErrCodeInvalidState     = "invalid_state"
	ErrCodeRegistrySealed   = "registry_sealed"
	ErrCodeDuplicatePlugin  = "duplicate_plugin"
	ErrCodeNotInitialized   = "library_not_initialized"
	ErrCodeIO               = "io_error"
	ErrCodeProtocol         = "protocol_error"
	ErrCodeAuth             = "auth_error"
	ErrCodeServer           = "server_error"
	ErrCodeInvalidOperation = "invalid_operation"
)

// DriverError represents a classified driver failure
type DriverError struct {
	Code    string
	Message string
	Op      string
	Err     error
}

// Error implements the error interface
func (e *DriverError) Error() string {
	msg := e.Message
	if e.Err != nil && e.Err.Error() != msg {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap implements the unwrap interface for error chaining
func (e *DriverError) Unwrap() error {
	return e.Err
}

// Is matches any *DriverError carrying the same code
func (e *DriverError) Is(target error) bool {
	if t, ok := target.(*DriverError); ok {
		return e.Code == t.Code
	}
	return false
}

// Log logs the error with the global logger
func (e *DriverError) Log(ctx context.Context, level slog.Level) {
	fields := []any{
		"error_code", e.Code,
		"operation", e.Op,
		"message", e.Message,
	}
	if e.Err != nil {
		fields = append(fields, "cause", e.Err.Error())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger.WithContext(ctx).Log(ctx, level, "driver error", fields...)
}

// New creates a new DriverError
func New(code, message string) *DriverError {
	return &DriverError{Code: code, Message: message}
}

// Errorf creates a new DriverError with formatted message
func Errorf(code, format string, args ...any) *DriverError {
	return &DriverError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code and operation
func Wrap(err error, code, op string) *DriverError {
	return &DriverError{
		Code:    code,
		Message: err.Error(),
		Op:      op,
		Err:     err,
	}
}

// Wrapf wraps an existing error with formatted context
func Wrapf(err error, code, op, format string, args ...any) *DriverError {
	return &DriverError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Op:      op,
		Err:     err,
	}
}

func NewAllocationError(op, msg string) *DriverError {
	return &DriverError{Code: ErrCodeAllocation, Message: msg, Op: op}
}

func WrapAllocationError(err error, op string) *DriverError {
	return Wrapf(err, ErrCodeAllocation, op, "out of memory")
}

func NewSubsystemInitError(op string, err error) *DriverError {
	return Wrapf(err, ErrCodeSubsystemInit, op, "subsystem initialization failed")
}

func NewInvalidSourceError(op, msg string) *DriverError {
	return &DriverError{Code: ErrCodeInvalidSource, Message: msg, Op: op}
}

func NewInvalidStateError(op, format string, args ...any) *DriverError {
	return &DriverError{Code: ErrCodeInvalidState, Message: fmt.Sprintf(format, args...), Op: op}
}

func NewIOError(op string, err error) *DriverError {
	return Wrap(err, ErrCodeIO, op)
}

func NewProtocolError(op, format string, args ...any) *DriverError {
	return &DriverError{Code: ErrCodeProtocol, Message: fmt.Sprintf(format, args...), Op: op}
}

// Predefined error variables, matched by code through errors.Is
var (
	ErrAllocation       = &DriverError{Code: ErrCodeAllocation, Message: "out of memory"}
	ErrSubsystemInit    = &DriverError{Code: ErrCodeSubsystemInit, Message: "subsystem initialization failed"}
	ErrInvalidSource    = &DriverError{Code: ErrCodeInvalidSource, Message: "invalid source object"}
	ErrInvalidState     = &DriverError{Code: ErrCodeInvalidState, Message: "invalid object state"}
	ErrRegistrySealed   = &DriverError{Code: ErrCodeRegistrySealed, Message: "plugin registry is sealed"}
	ErrDuplicatePlugin  = &DriverError{Code: ErrCodeDuplicatePlugin, Message: "plugin already registered"}
	ErrNotInitialized   = &DriverError{Code: ErrCodeNotInitialized, Message: "library not initialized"}
	ErrIO               = &DriverError{Code: ErrCodeIO, Message: "i/o failure"}
	ErrProtocol         = &DriverError{Code: ErrCodeProtocol, Message: "protocol violation"}
	ErrAuth             = &DriverError{Code: ErrCodeAuth, Message: "authentication failed"}
	ErrServer           = &DriverError{Code: ErrCodeServer, Message: "server reported an error"}
	ErrInvalidOperation = &DriverError{Code: ErrCodeInvalidOperation, Message: "invalid operation"}
)

// Code returns the code of the first DriverError in err's chain
func Code(err error) string {
	var e *DriverError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknown
}

// IsAllocationError checks if an error is an allocation failure
func IsAllocationError(err error) bool {
	return errors.Is(err, ErrAllocation)
}

// IsSubsystemInitError checks if an error is a collaborator init failure
func IsSubsystemInitError(err error) bool {
	return errors.Is(err, ErrSubsystemInit)
}

// IsConstructionFailure reports whether err is one of the three failure
// kinds a constructor can return
func IsConstructionFailure(err error) bool {
	return IsAllocationError(err) || IsSubsystemInitError(err) || errors.Is(err, ErrInvalidSource)
}

// LogWarning logs an error at warning level
func LogWarning(ctx context.Context, err error) {
	var e *DriverError
	if errors.As(err, &e) {
		e.Log(ctx, slog.LevelWarn)
		return
	}
	logger.WarnContext(ctx, "unexpected error", "error", err.Error())
}
