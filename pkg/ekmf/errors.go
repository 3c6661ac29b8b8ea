package ekmf

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error of the EKMFWeb client.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNotAuthenticated
	KindConfigError
	KindBadResponse
	KindSignatureVerificationFailed
	KindForbidden
	KindNotFound
	KindBufferTooSmall
	KindBackendFailure
	KindTransportFailure
	KindOutOfMemory
)

var kindNames = map[Kind]string{
	KindUnknown:                     "unknown error",
	KindInvalidArgument:             "invalid argument",
	KindNotAuthenticated:            "not authenticated",
	KindConfigError:                 "configuration error",
	KindBadResponse:                 "bad response",
	KindSignatureVerificationFailed: "signature verification failed",
	KindForbidden:                   "forbidden",
	KindNotFound:                    "not found",
	KindBufferTooSmall:              "buffer too small",
	KindBackendFailure:              "backend failure",
	KindTransportFailure:            "transport failure",
	KindOutOfMemory:                 "out of memory",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by all client operations.
type Error struct {
	Kind Kind
	// Code and Message are set from the server error body when available.
	Code    int
	Message string
	// Required is the buffer size needed, set for KindBufferTooSmall.
	Required int
	Err      error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("EKMFWeb: %d: %s", e.Code, e.Message)
	}
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so sentinel values like
// &Error{Kind: KindForbidden} work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Code == 0 && t.Message == "" && t.Err == nil
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RequiredSize returns the buffer size reported by a KindBufferTooSmall error.
func RequiredSize(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindBufferTooSmall {
		return e.Required, true
	}
	return 0, false
}

// apiError is the error body sent by EKMFWeb.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// kindForStatus maps an HTTP status code of a key export to an error kind.
func kindForStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return KindBadResponse
	case http.StatusUnauthorized:
		return KindNotAuthenticated
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	}
	return KindTransportFailure
}

// statusError builds the error for a non-200 response, taking code and
// message from the body when it carries an EKMFWeb error object.
func statusError(kind Kind, resp *Response) *Error {
	e := &Error{Kind: kind, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	if len(resp.Body) == 0 {
		return e
	}
	var body apiError
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return e
	}
	if body.Message != "" {
		e.Message = body.Message
		e.Code = body.Code
	}
	return e
}
