package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy codes. These appear on the wire in ErrorObject.Code and in
// task status queries.
const (
	CodeValidation       = "validation_error"
	CodeNotFound         = "not_found"
	CodeTimeout          = "timeout"
	CodeCancelled        = "cancelled"
	CodeConnectionLost   = "connection_lost"
	CodeTooManyPending   = "too_many_pending"
	CodeCapacityExceeded = "capacity_exceeded"
	CodeInvalidGraph     = "invalid_graph"
	CodeStorageFailure   = "storage_failure"
	CodeInternal         = "internal"
)

// Sentinel errors for conditions that carry no extra context.
var (
	ErrNotFound       = errors.New("not found")
	ErrTimeout        = errors.New("deadline exceeded")
	ErrCancelled      = errors.New("cancelled")
	ErrConnectionLost = errors.New("connection lost")
	ErrTooManyPending = errors.New("too many pending calls")
)

// ValidationError rejects bad input before any mutation takes place.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CycleError reports a dependency cycle as the ordered list of task ids
// forming it, first node repeated at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// StorageError surfaces a durable read/write failure after retries are
// exhausted.
type StorageError struct {
	Op       string // "load", "save", "delete"
	Document string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Document, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CallError is the client-side form of a wire ErrorObject, so callers can
// discriminate remote failures with errors.As.
type CallError struct {
	Code    string
	Message string
	Data    []byte
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call failed (%s): %s", e.Code, e.Message)
}

// CodeFor maps an error to its taxonomy code for status reporting and event
// payloads. Unknown errors map to CodeInternal.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrConnectionLost):
		return CodeConnectionLost
	case errors.Is(err, ErrTooManyPending):
		return CodeTooManyPending
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CodeValidation
	}
	var ce *CycleError
	if errors.As(err, &ce) {
		return CodeInvalidGraph
	}
	var se *StorageError
	if errors.As(err, &se) {
		return CodeStorageFailure
	}
	var cle *CallError
	if errors.As(err, &cle) {
		return cle.Code
	}
	return CodeInternal
}
