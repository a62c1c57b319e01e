// pkg/tool/lti/errors.go
package lti

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the engine can report so that adapters can
// pick a status code deliberately instead of string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindOIDC
	KindInvalidState
	KindInvalidJWTFormat
	KindInvalidNonce
	KindRegistrationNotFound
	KindClientIDMismatch
	KindNoMatchingKey
	KindSignatureInvalid
	KindTokenExpired
	KindDeploymentNotFound
	KindInvalidMessage
	KindUnrecognizedMessageType
	KindLaunchNotFound
	KindCannotRevalidate
	KindMissingSessionCookie
	KindKeyFetch
	KindServiceRequest
	KindMissingScope
	KindValidation
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	KindConfiguration:           "configuration",
	KindOIDC:                    "oidc",
	KindInvalidState:            "invalid_state",
	KindInvalidJWTFormat:        "invalid_jwt_format",
	KindInvalidNonce:            "invalid_nonce",
	KindRegistrationNotFound:    "registration_not_found",
	KindClientIDMismatch:        "client_id_mismatch",
	KindNoMatchingKey:           "no_matching_key",
	KindSignatureInvalid:        "signature_invalid",
	KindTokenExpired:            "token_expired",
	KindDeploymentNotFound:      "deployment_not_found",
	KindInvalidMessage:          "invalid_message",
	KindUnrecognizedMessageType: "unrecognized_message_type",
	KindLaunchNotFound:          "launch_not_found",
	KindCannotRevalidate:        "cannot_revalidate",
	KindMissingSessionCookie:    "missing_session_cookie",
	KindKeyFetch:                "key_fetch",
	KindServiceRequest:          "service_request",
	KindMissingScope:            "missing_scope",
	KindValidation:              "validation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single error type surfaced by the engine.
// Status and Body are only set for upstream failures (KeyFetch, ServiceRequest).
type Error struct {
	Kind   Kind
	Reason string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	msg := "lti: " + e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrConfiguration           = &Error{Kind: KindConfiguration}
	ErrOIDC                    = &Error{Kind: KindOIDC}
	ErrInvalidState            = &Error{Kind: KindInvalidState}
	ErrInvalidJWTFormat        = &Error{Kind: KindInvalidJWTFormat}
	ErrInvalidNonce            = &Error{Kind: KindInvalidNonce}
	ErrRegistrationNotFound    = &Error{Kind: KindRegistrationNotFound}
	ErrClientIDMismatch        = &Error{Kind: KindClientIDMismatch}
	ErrNoMatchingKey           = &Error{Kind: KindNoMatchingKey}
	ErrSignatureInvalid        = &Error{Kind: KindSignatureInvalid}
	ErrTokenExpired            = &Error{Kind: KindTokenExpired}
	ErrDeploymentNotFound      = &Error{Kind: KindDeploymentNotFound}
	ErrInvalidMessage          = &Error{Kind: KindInvalidMessage}
	ErrUnrecognizedMessageType = &Error{Kind: KindUnrecognizedMessageType}
	ErrLaunchNotFound          = &Error{Kind: KindLaunchNotFound}
	ErrCannotRevalidate        = &Error{Kind: KindCannotRevalidate}
	ErrMissingSessionCookie    = &Error{Kind: KindMissingSessionCookie}
	ErrKeyFetch                = &Error{Kind: KindKeyFetch}
	ErrServiceRequest          = &Error{Kind: KindServiceRequest}
	ErrMissingScope            = &Error{Kind: KindMissingScope}
	ErrValidation              = &Error{Kind: KindValidation}
)

func newErr(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Reason: fmt.Sprintf(format, args...)}
}

func wrapErr(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
