// Package protoerr defines the error kinds used across the protocol engine
// and completion pipeline, each mapping to a fixed HTTP status.
package protoerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the category of a protocol or pipeline error.
type Kind int

const (
	Internal Kind = iota
	NotFound
	OffsetConflict
	MediaTypeUnsupported
	PayloadTooLarge
	ExtensionRejected
	StorageIO
	RemoteStoreIO
	WebhookFailure
	IntegrityMismatch
)

// Status returns the HTTP status code associated with a Kind.
func (k Kind) Status() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case OffsetConflict:
		return http.StatusConflict
	case MediaTypeUnsupported:
		return http.StatusUnsupportedMediaType
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ExtensionRejected:
		return http.StatusUnprocessableEntity
	case StorageIO, RemoteStoreIO, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case OffsetConflict:
		return "offset_conflict"
	case MediaTypeUnsupported:
		return "media_type_unsupported"
	case PayloadTooLarge:
		return "payload_too_large"
	case ExtensionRejected:
		return "extension_rejected"
	case StorageIO:
		return "storage_io"
	case RemoteStoreIO:
		return "remote_store_io"
	case WebhookFailure:
		return "webhook_failure"
	case IntegrityMismatch:
		return "integrity_mismatch"
	default:
		return "internal"
	}
}

// Error wraps an optional underlying cause with a Kind and a message; the
// message is what the engine writes as the response body.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a protocol error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a protocol error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts a *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
