// Package errors defines the reconciler's error taxonomy: sentinel values
// that callers match with errors.Is, and AppError for attaching an HTTP
// status and message to a sentinel.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransientIO marks a store or index call that failed for a reason
	// that may succeed on retry (unreachable, timed out, 5xx, throttled).
	ErrTransientIO = errors.New("transient i/o failure")

	// ErrCacheUninitialized signals that the semantic index does not reflect
	// the catalog yet. It is a deferral signal, not a pass failure.
	ErrCacheUninitialized = errors.New("semantic cache not initialized")

	// ErrCacheBuildFailed wraps any failure of a full index build.
	ErrCacheBuildFailed = errors.New("cache build failed")

	// ErrBuildInProgress is returned when another process holds the build lock.
	ErrBuildInProgress = errors.New("cache build already in progress")

	// ErrConfiguration is fatal at startup and never produced at runtime.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrItemWriteConflict means the position item was linked concurrently
	// to another entry. The end state is already correct.
	ErrItemWriteConflict = errors.New("position item already linked")

	ErrNotFound     = errors.New("not found")
	ErrEmptyCatalog = errors.New("catalog is empty")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrTimeout      = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// IsTransient reports whether err is worth retrying. Cancellation of the
// caller's context is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransientIO)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrItemWriteConflict), errors.Is(err, ErrBuildInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransientIO), errors.Is(err, ErrTimeout), errors.Is(err, ErrCacheBuildFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
