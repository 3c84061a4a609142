package remote

import (
	"fmt"
	"net/http"
)

// Code classifies the outcome of a discovery request. Zero means success.
type Code int

const (
	CodeOK Code = iota
	CodeIO
	CodePermission
	CodeNotFound
	CodeTransient
	CodeAccess
	CodeForbidden
	CodeInvalidRequest
	CodeOutOfSpace
	CodeStorageUnavailable
	CodeServiceUnavailable
	CodeTooLarge
	CodeWrongContent
	CodeAborted
	CodeTimedOut
)

var codeNames = map[Code]string{
	CodeOK:                 "ok",
	CodeIO:                 "io",
	CodePermission:         "permission",
	CodeNotFound:           "not_found",
	CodeTransient:          "transient",
	CodeAccess:             "access",
	CodeForbidden:          "forbidden",
	CodeInvalidRequest:     "invalid_request",
	CodeOutOfSpace:         "out_of_space",
	CodeStorageUnavailable: "storage_unavailable",
	CodeServiceUnavailable: "service_unavailable",
	CodeTooLarge:           "too_large",
	CodeWrongContent:       "wrong_content",
	CodeAborted:            "aborted",
	CodeTimedOut:           "timed_out",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// IsTransient reports whether a caller-level retry may succeed.
func IsTransient(c Code) bool {
	switch c {
	case CodeTransient, CodeServiceUnavailable, CodeStorageUnavailable, CodeTimedOut:
		return true
	}
	return false
}

// Error is a failed directory listing as seen by the worker.
type Error struct {
	Path string
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Path, e.Code, e.Msg)
}

// Reasons a 503 carries when only the storage backend is down.
const (
	reasonStorageNotAvailable    = "Storage not available"
	reasonStorageTemporarilyGone = "Storage is temporarily not available"
)

// CodeFromHTTPStatus maps a failed request's status to a classification.
// It is only meant for error responses and never returns CodeOK.
func CodeFromHTTPStatus(status int, reason string) Code {
	switch status {
	case http.StatusUnauthorized, http.StatusPaymentRequired,
		http.StatusProxyAuthRequired, http.StatusMethodNotAllowed:
		return CodePermission
	case http.StatusMovedPermanently, http.StatusSeeOther,
		http.StatusNotFound, http.StatusGone:
		return CodeNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return CodeTransient
	case http.StatusLocked:
		return CodeAccess
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusBadRequest, http.StatusConflict, http.StatusLengthRequired,
		http.StatusPreconditionFailed, http.StatusRequestURITooLong,
		http.StatusUnsupportedMediaType, http.StatusFailedDependency,
		http.StatusNotImplemented:
		return CodeInvalidRequest
	case http.StatusInsufficientStorage:
		return CodeOutOfSpace
	case http.StatusServiceUnavailable:
		if reason == reasonStorageNotAvailable || reason == reasonStorageTemporarilyGone {
			return CodeStorageUnavailable
		}
		return CodeServiceUnavailable
	case http.StatusRequestEntityTooLarge:
		return CodeTooLarge
	default:
		return CodeIO
	}
}
