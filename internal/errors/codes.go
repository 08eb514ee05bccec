package errors

import (
	"fmt"
)

// ErrorCode represents internal error codes for storage operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Input / contract errors
	ErrCodeHashConversion ErrorCode = 1000
	ErrCodeSerialization  ErrorCode = 1001

	// Engine errors
	ErrCodeEngine           ErrorCode = 2000
	ErrCodeMissingPartition ErrorCode = 2001
	ErrCodeLockPoisoned     ErrorCode = 2002
	ErrCodeClosed           ErrorCode = 2003
	ErrCodeMemUsageUnknown  ErrorCode = 2004

	// IPC errors
	ErrCodeIpcTransport      ErrorCode = 3000
	ErrCodeIpcTimeout        ErrorCode = 3001
	ErrCodeUnexpectedMessage ErrorCode = 3002
	ErrCodeRemote            ErrorCode = 3003
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// New creates a new StorageError
func New(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

// HashConversion reports a key arriving with the wrong byte width.
func HashConversion(got, want int) *StorageError {
	return New(ErrCodeHashConversion,
		fmt.Sprintf("cannot convert %d-byte slice to a %d-byte entry hash", got, want), nil)
}

// Serialization reports a malformed message or corrupted payload.
func Serialization(message string, cause error) *StorageError {
	return New(ErrCodeSerialization, message, cause)
}

// Engine reports a fault in the underlying storage engine.
func Engine(message string, cause error) *StorageError {
	return New(ErrCodeEngine, message, cause)
}

// MissingPartition reports a logical partition/column absent from the engine.
// Fatal at startup: the store was opened against an incompatible layout.
func MissingPartition(name string) *StorageError {
	return New(ErrCodeMissingPartition, fmt.Sprintf("partition %q is missing", name), nil)
}

// LockPoisoned reports shared state corrupted by a panic in a prior accessor.
// Callers must treat this as fatal and stop serving.
func LockPoisoned(message string) *StorageError {
	return New(ErrCodeLockPoisoned, fmt.Sprintf("storage state poisoned: %s", message), nil)
}

// Closed reports an operation against an already-closed backend.
func Closed(op string) *StorageError {
	return New(ErrCodeClosed, fmt.Sprintf("%s on closed backend", op), nil)
}

// MemUsageUnknown reports an engine that cannot compute its resident
// memory usage without risking inconsistency.
func MemUsageUnknown(engine string) *StorageError {
	return New(ErrCodeMemUsageUnknown,
		fmt.Sprintf("%s engine cannot report memory usage consistently", engine), nil)
}

// IpcTransport reports a connection-level failure talking to the writer.
func IpcTransport(op string, cause error) *StorageError {
	return New(ErrCodeIpcTransport, fmt.Sprintf("ipc transport failure during %s", op), cause)
}

// IpcTimeout reports a call that did not complete within its deadline.
func IpcTimeout(op string, cause error) *StorageError {
	return New(ErrCodeIpcTimeout, fmt.Sprintf("ipc %s timed out", op), cause)
}

// UnexpectedMessage reports a protocol violation on an IPC channel.
func UnexpectedMessage(op, got string) *StorageError {
	return New(ErrCodeUnexpectedMessage,
		fmt.Sprintf("unexpected message %s received during %s", got, op), nil)
}

// Remote wraps an engine-side failure reported through the IPC channel.
// Distinct from transport failures: the request was delivered and answered.
func Remote(op, reason string) *StorageError {
	return New(ErrCodeRemote, fmt.Sprintf("remote %s failed: %s", op, reason), nil)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	_, ok := err.(*StorageError)
	return ok
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if se, ok := err.(*StorageError); ok {
		return se.Code
	}
	return ErrCodeEngine
}
