// Package apperr defines the error kinds of the ingestion pipeline and maps
// them to HTTP status codes and to the short kind strings stored on jobs.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnstableFile        = errors.New("file is still being written")
	ErrUnsupportedFormat   = errors.New("unsupported file format")
	ErrTooManyRows         = errors.New("too many rows")
	ErrTemplateMismatch    = errors.New("template mismatch")
	ErrMalwareDetected     = errors.New("malware detected")
	ErrDownloadFailed      = errors.New("download failed")
	ErrDirectoryUnreadable = errors.New("directory unreadable")
	ErrDuplicateChecksum   = errors.New("duplicate checksum")
	ErrClaimLost           = errors.New("job already claimed")
	ErrAbandoned           = errors.New("job abandoned")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrPayloadTooLarge     = errors.New("payload too large")
)

// Kind strings persisted on IngestionJob.ErrorKind.
const (
	KindUnstable          = "unstable_file"
	KindUnsupportedFormat = "unsupported_format"
	KindTooManyRows       = "too_many_rows"
	KindTemplateMismatch  = "template_mismatch"
	KindMalware           = "malware_detected"
	KindDownloadFailed    = "download_failed"
	KindDirectory         = "directory_unreadable"
	KindDuplicate         = "duplicate_checksum"
	KindClaimLost         = "claim_lost"
	KindAbandoned         = "abandoned"
	KindUnauthorized      = "unauthorized"
	KindNotFound          = "not_found"
	KindInvalidInput      = "invalid_input"
	KindPayloadTooLarge   = "payload_too_large"
	KindInternal          = "internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrUnstableFile, KindUnstable},
	{ErrUnsupportedFormat, KindUnsupportedFormat},
	{ErrTooManyRows, KindTooManyRows},
	{ErrTemplateMismatch, KindTemplateMismatch},
	{ErrMalwareDetected, KindMalware},
	{ErrDownloadFailed, KindDownloadFailed},
	{ErrDirectoryUnreadable, KindDirectory},
	{ErrDuplicateChecksum, KindDuplicate},
	{ErrClaimLost, KindClaimLost},
	{ErrAbandoned, KindAbandoned},
	{ErrUnauthorized, KindUnauthorized},
	{ErrNotFound, KindNotFound},
	{ErrInvalidInput, KindInvalidInput},
	{ErrPayloadTooLarge, KindPayloadTooLarge},
}

// AppError attaches a caller-facing message and HTTP status to a sentinel.
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

// New wraps sentinel with a message, using the sentinel's default status.
func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusFor(sentinel),
	}
}

// Newf is New with formatting.
func Newf(sentinel error, format string, args ...any) *AppError {
	return New(sentinel, fmt.Sprintf(format, args...))
}

// HTTPStatusCode maps err to the status the HTTP layer should answer with.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return statusFor(err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrTooManyRows),
		errors.Is(err, ErrTemplateMismatch),
		errors.Is(err, ErrMalwareDetected):
		return http.StatusBadRequest
	case errors.Is(err, ErrClaimLost), errors.Is(err, ErrDuplicateChecksum):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns the stored kind string for err, or KindInternal.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Message returns the caller-facing message of an AppError, or err.Error().
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}

// IsTransientKind reports whether a failure of this kind may succeed on a
// later attempt with the same content.
func IsTransientKind(kind string) bool {
	switch kind {
	case KindDownloadFailed, KindDirectory, KindAbandoned, KindInternal, KindUnstable:
		return true
	default:
		return false
	}
}
