// Package gatewayerr defines the error taxonomy shared by every
// component of the gateway: the store, the token manager, the proxy,
// and the quota monitor all classify failures into one of these kinds
// so that callers can branch on errors.Is rather than string matching.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error without naming the offending component.
type Kind string

const (
	KindConfig             Kind = "config"
	KindStorage            Kind = "storage"
	KindDecrypt            Kind = "decrypt"
	KindUpstreamAuth       Kind = "upstream_auth"
	KindUpstreamRateLimit  Kind = "upstream_rate_limit"
	KindUpstreamTransient  Kind = "upstream_transient"
	KindEmptyStream        Kind = "empty_stream"
	KindNoAccount          Kind = "no_account"
	KindProtocol           Kind = "protocol"
)

// Error is the concrete type every gateway failure is wrapped in.
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

// Is allows errors.Is(err, gatewayerr.KindX) to work by comparing kinds:
// it matches any target that is an *Error with the same Kind, ignoring
// the target's Message and Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a new Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a new Error of the given kind, chaining cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err's chain contains an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// sentinel builders used by callers wanting errors.Is(err, gatewayerr.ErrNoAccount) style checks.
var (
	ErrNoAccount = &Error{Kind: KindNoAccount, Message: "no account"}
	ErrEmptyStream = &Error{Kind: KindEmptyStream, Message: "Empty response stream"}
)
