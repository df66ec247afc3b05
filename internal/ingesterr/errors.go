// Package ingesterr defines the failure taxonomy shared by the ingestion
// pipeline, and the retry classification the job manager relies on.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	Unknown Kind = iota
	LinkInvalid
	LinkCheckFailed
	DownloadFailed
	NotModified
	TooLarge
	UnsupportedFormat
	EmptyResource
	ParseError
	StoreError
	CatalogUpdateError
)

var kindNames = map[Kind]string{
	Unknown:            "Error",
	LinkInvalid:        "LinkInvalid",
	LinkCheckFailed:    "LinkCheckFailed",
	DownloadFailed:     "DownloadFailed",
	NotModified:        "NotModified",
	TooLarge:           "TooLarge",
	UnsupportedFormat:  "UnsupportedFormat",
	EmptyResource:      "EmptyResource",
	ParseError:         "ParseError",
	StoreError:         "StoreError",
	CatalogUpdateError: "CatalogUpdateError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Retryable reports whether a failure of this kind may succeed on a later
// attempt.
func (k Kind) Retryable() bool {
	switch k {
	case LinkInvalid, TooLarge, UnsupportedFormat, EmptyResource, ParseError, NotModified:
		return false
	default:
		return true
	}
}

// Error is a classified pipeline failure.
type Error struct {
	Kind    Kind
	Message string
	// Status is the upstream HTTP status, when one was received.
	Status int
	// Body holds the remote response body for diagnostics.
	Body string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, truncate(e.Body, 512))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: NotModified}) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with a context message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// HTTP creates an error for a non-successful remote response.
func HTTP(kind Kind, status int, body string, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Status: status, Body: body}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the task queue should try again after err.
// Unclassified errors are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// ClassName names the failure for status records.
func ClassName(err error) string {
	return KindOf(err).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
