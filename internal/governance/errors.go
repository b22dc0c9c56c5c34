package governance

import (
	"errors"
	"fmt"

	"github.com/basket/clawgov/internal/persistence"
)

// Kind classifies every error the kernel and the broker surface to callers.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindVersionConflict   Kind = "version_conflict"
	KindInvalidTransition Kind = "invalid_transition"
	KindValidation        Kind = "validation_error"
	KindForbidden         Kind = "forbidden"
	KindDenied            Kind = "authorization_denied"
	KindBusy              Kind = "busy"
	KindProviderFailure   Kind = "provider_failure"
	KindProviderError     Kind = "provider_error"
	KindInternal          Kind = "internal"
)

// Error is the typed error returned across the command interface.
type Error struct {
	Kind    Kind
	Reason  string // stable machine code, e.g. TWO_MAN_RULE
	Message string

	// Populated for version conflicts.
	CurrentState   persistence.GovState
	CurrentVersion int64

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so errors.Is(err, ErrNotFound)
// works for any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrVersionConflict   = &Error{Kind: KindVersionConflict}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrDenied            = &Error{Kind: KindDenied}
	ErrBusy              = &Error{Kind: KindBusy}
)

func validationf(reason, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func forbiddenf(reason, format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// ReasonOf returns the stable reason code carried by err, if any.
func ReasonOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Reason
	}
	return ""
}

// translate maps persistence sentinels onto the public taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var (
		ge       *Error
		conflict *persistence.ConflictError
		edge     *persistence.TransitionError
	)
	switch {
	case errors.As(err, &ge):
		return ge
	case errors.As(err, &conflict):
		return &Error{
			Kind:           KindVersionConflict,
			Reason:         "VERSION_CONFLICT",
			Message:        err.Error(),
			CurrentState:   conflict.CurrentState,
			CurrentVersion: conflict.CurrentVersion,
			Err:            err,
		}
	case errors.As(err, &edge):
		return &Error{Kind: KindInvalidTransition, Reason: "INVALID_TRANSITION", Message: err.Error(), Err: err}
	case errors.Is(err, persistence.ErrTaskNotFound):
		return &Error{Kind: KindNotFound, Reason: "TASK_NOT_FOUND", Message: err.Error(), Err: err}
	case errors.Is(err, persistence.ErrTaskExists):
		return &Error{Kind: KindValidation, Reason: "DUPLICATE_ID", Message: err.Error(), Err: err}
	case errors.Is(err, persistence.ErrWrongState):
		return &Error{Kind: KindValidation, Reason: "TASK_NOT_IN_APPROVAL", Message: err.Error(), Err: err}
	case errors.Is(err, persistence.ErrGateApprovalMissing):
		return &Error{Kind: KindForbidden, Reason: "GATE_APPROVAL_MISSING", Message: err.Error(), Err: err}
	default:
		return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
	}
}
