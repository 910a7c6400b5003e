// Package authgwerr defines the typed error kinds engines raise and the
// HTTP surface maps to status codes and sanitized bodies (spec §7).
package authgwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the semantic error classes engines raise. Kinds are not
// bound to transport; the HTTP surface maps them to status codes.
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindAuthentication  Kind = "authentication_error"
	KindAuthorization   Kind = "authorization_error"
	KindNotFound        Kind = "not_found_error"
	KindConflict        Kind = "conflict_error"
	KindRateLimit       Kind = "rate_limit_error"
	KindOAuthProtocol   Kind = "oauth_protocol_error"
	KindService         Kind = "service_error"
	KindPersistence     Kind = "persistence_error"
)

// OAuth protocol error codes, per RFC 6749 §5.2/§4.1.2.1.
const (
	OAuthInvalidRequest       = "invalid_request"
	OAuthInvalidClient        = "invalid_client"
	OAuthInvalidGrant         = "invalid_grant"
	OAuthInvalidScope         = "invalid_scope"
	OAuthUnauthorizedClient   = "unauthorized_client"
	OAuthUnsupportedGrantType = "unsupported_grant_type"
	OAuthAccessDenied         = "access_denied"
)

// Error is the typed error engines return. Details is safe to hand back to
// a caller; Internal (if set) is logged but never serialized.
type Error struct {
	Kind       Kind
	Code       string // fine-grained reason, e.g. an OAuth error code or "expired"
	Message    string // user-safe description
	ResetAfter int64  // seconds; populated for KindRateLimit
	Internal   error  // wrapped cause, never serialized to the client
}

func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Internal }

// New builds an *Error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds a ServiceError/PersistenceError around an internal cause
// that must never be shown to the caller.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Internal: cause}
}

// Validation, Authentication, Authorization, NotFound, Conflict are
// convenience constructors for the common case of no fine-grained code.
func Validation(message string) *Error     { return New(KindValidation, "", message) }
func Authentication(message string) *Error { return New(KindAuthentication, "", message) }
func Authorization(message string) *Error  { return New(KindAuthorization, "", message) }
func NotFound(message string) *Error       { return New(KindNotFound, "", message) }
func Conflict(message string) *Error       { return New(KindConflict, "", message) }

// RateLimit builds a RateLimitError carrying reset metadata.
func RateLimit(resetAfterSeconds int64) *Error {
	return &Error{Kind: KindRateLimit, Message: "rate limit exceeded", ResetAfter: resetAfterSeconds}
}

// OAuthProtocol builds an OAuthProtocolError carrying one of the
// OAuth-standard error codes above.
func OAuthProtocol(code, message string) *Error {
	return &Error{Kind: KindOAuthProtocol, Code: code, Message: message}
}

// As reports whether err (or something it wraps) is an *Error, writing it
// into target on success — a thin errors.As wrapper so call sites don't
// need to import both packages.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// HTTPStatus maps a Kind to the status code spec §7 assigns it.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindOAuthProtocol:
		return http.StatusBadRequest
	case KindService, KindPersistence:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
