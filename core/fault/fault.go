package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for callers and the transport layer.
type Kind uint8

const (
	// KindInvalidInput marks syntactic failures: malformed URLs, bad
	// repository references, non-positive amounts, unsupported tokens.
	KindInvalidInput Kind = iota + 1
	// KindUnauthorized marks a caller identifier that does not match the
	// role required by the operation.
	KindUnauthorized
	// KindPrecondition marks an operation rejected by the current state of
	// the entity. The error carries that state for diagnostics.
	KindPrecondition
	// KindNotFound marks an absent entity identifier.
	KindNotFound
	// KindInvalidEventType marks an event tag outside the closed set.
	KindInvalidEventType
	// KindNoValidEventTypes marks a subscription whose event filter is
	// empty after intersection with the closed set.
	KindNoValidEventTypes
	// KindTransient marks a delivery failure that will be retried.
	KindTransient
	// KindPermanentDelivery marks a delivery abandoned after the retry
	// budget was exhausted.
	KindPermanentDelivery
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindPrecondition:
		return "precondition_violated"
	case KindNotFound:
		return "not_found"
	case KindInvalidEventType:
		return "invalid_event_type"
	case KindNoValidEventTypes:
		return "no_valid_event_types"
	case KindTransient:
		return "transient"
	case KindPermanentDelivery:
		return "permanent_delivery_failure"
	default:
		return "unknown"
	}
}

// Error is the classified error surfaced by every engine operation.
type Error struct {
	Kind  Kind
	State string
	msg   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.State != "" {
		return fmt.Sprintf("%s: %s (state %s)", e.Kind, e.msg, e.State)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// InvalidInput reports a syntactic validation failure.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, msg: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a role mismatch for the supplied caller.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, msg: fmt.Sprintf(format, args...)}
}

// Precondition reports a state-machine rejection. state is the entity's
// current state at the time of the call.
func Precondition(state string, format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, State: state, msg: fmt.Sprintf(format, args...)}
}

// NotFound reports an absent identifier.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, msg: fmt.Sprintf(format, args...)}
}

// InvalidEventType reports an event tag outside the closed set.
func InvalidEventType(tag string) *Error {
	return &Error{Kind: KindInvalidEventType, msg: fmt.Sprintf("unrecognized event type %q", tag)}
}

// NoValidEventTypes reports an empty subscription filter.
func NoValidEventTypes() *Error {
	return &Error{Kind: KindNoValidEventTypes, msg: "no recognized event types in filter"}
}

// Transient reports a delivery failure that remains eligible for retry.
func Transient(format string, args ...any) *Error {
	return &Error{Kind: KindTransient, msg: fmt.Sprintf(format, args...)}
}

// PermanentDelivery reports a delivery abandoned after all attempts.
func PermanentDelivery(format string, args ...any) *Error {
	return &Error{Kind: KindPermanentDelivery, msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err (or anything it wraps) is a classified error of
// the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
