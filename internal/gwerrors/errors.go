// Package gwerrors defines the gateway's error taxonomy: a small set of
// error kinds shared across transport (HTTP) and MCP tool-error responses.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error for transport/tool-error translation.
type Kind string

const (
	KindUnauthenticated     Kind = "Unauthenticated"
	KindPermissionDenied    Kind = "PermissionDenied"
	KindNotFound            Kind = "NotFound"
	KindPreconditionFailed  Kind = "PreconditionFailed"
	KindInvalidArgument     Kind = "InvalidArgument"
	KindConflict            Kind = "Conflict"
	KindUpstreamUnavailable Kind = "Upstream"
	KindInternal            Kind = "Internal"
)

// Reason further qualifies Kind, matching the sub-kinds spec.md §7 names
// (e.g. "Unauthenticated/BadSignature").
type Reason string

const (
	ReasonMissingToken       Reason = "MissingToken"
	ReasonBadSignature       Reason = "BadSignature"
	ReasonBadAudience        Reason = "BadAudience"
	ReasonExpired            Reason = "Expired"
	ReasonIssuerMismatch     Reason = "IssuerMismatch"
	ReasonSubjectTokenInvalid Reason = "SubjectTokenInvalid"
	ReasonDownstreamRejected Reason = "DownstreamRejected"
	ReasonNoSession          Reason = "NoSession"
	ReasonNotEnabled         Reason = "NotEnabled"
	ReasonToolNameCollision  Reason = "ToolNameCollision"
	ReasonServer             Reason = "Server"
	ReasonTool               Reason = "Tool"
	ReasonIdpUnavailable     Reason = "IdpUnavailable"
	ReasonDownstreamUnavailable Reason = "DownstreamUnavailable"
)

// Error is the gateway's structured error type. It never embeds internal
// details in Message; callers construct Message to be safely user-facing.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s/%s: %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the "Kind/Reason" or bare "Kind" string used in the `error`
// field of a built-in tool's structured response.
func (e *Error) Code() string {
	if e.Reason != "" {
		return string(e.Kind) + "/" + string(e.Reason)
	}
	return string(e.Kind)
}

func New(kind Kind, reason Reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

func Wrap(kind Kind, reason Reason, message string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, Err: err}
}

// As is a convenience wrapper around errors.As for extracting an *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a gateway *Error,
// otherwise KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
