// Package fault defines the error taxonomy shared by every Trunkline
// subsystem.
//
// Each failure carries a [Kind] that drives the propagation policy: which
// failures surface as 4xx responses, which are retried locally, and which
// degrade to a fallback. Errors wrap their cause so errors.Is/As keep
// working through the taxonomy layer.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for the propagation policy.
type Kind string

const (
	Validation          Kind = "validation"
	Auth                Kind = "auth"
	ProviderTransient   Kind = "provider_transient"
	ProviderPermanent   Kind = "provider_permanent"
	ModelTransient      Kind = "model_transient"
	ModelPermanent      Kind = "model_permanent"
	ToolValidation      Kind = "tool_validation"
	ToolCircuitOpen     Kind = "tool_circuit_open"
	ToolBudgetExceeded  Kind = "tool_budget_exceeded"
	ToolIdemConflict    Kind = "tool_idempotency_conflict"
	DigitInvalid        Kind = "digit_invalid"
	DigitTimeout        Kind = "digit_timeout"
	DigitFailed         Kind = "digit_failed"
	StorageUnavailable  Kind = "storage_unavailable"
	Internal            Kind = "internal"
)

// Error is a classified failure. Code is a stable machine-readable
// identifier surfaced on the HTTP layer; Msg is the human-readable detail.
type Error struct {
	Kind Kind
	Code string
	Msg  string

	cause error
}

// New creates a classified error with no underlying cause.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil err returns nil.
func Wrap(kind Kind, code string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Msg: err.Error(), cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return string(e.Kind) + ": " + e.Code + ": " + e.Msg
	}
	return string(e.Kind) + ": " + e.Msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the Kind from err. Unclassified errors report Internal;
// a nil error reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// CodeOf extracts the machine-readable code from err, or "" when absent.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Retryable reports whether the kind is retried locally per policy before
// being reported.
func (k Kind) Retryable() bool {
	return k == ProviderTransient || k == ModelTransient || k == StorageUnavailable
}

// HTTPStatus maps a kind to the response status used by the HTTP surface.
// Validation and auth failures are client errors; transient kinds map to
// 503 so callers know to retry; everything else is a 500.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation, ToolValidation, DigitInvalid:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case ToolBudgetExceeded:
		return http.StatusTooManyRequests
	case ToolIdemConflict:
		return http.StatusConflict
	case ProviderTransient, ModelTransient, ToolCircuitOpen:
		return http.StatusServiceUnavailable
	case StorageUnavailable, Internal, ProviderPermanent, ModelPermanent:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
