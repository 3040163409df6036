// Package apperr defines the error kinds shared by the ledger services.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation             Kind = "validation"
	KindNotFound               Kind = "not_found"
	KindInvalidState           Kind = "invalid_state"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindConflict               Kind = "conflict"
	KindGateway                Kind = "gateway"
	KindDuplicateEvent         Kind = "duplicate_event"
	KindInvariant              Kind = "invariant_violation"
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...interface{}) *Error {
	return E(KindValidation, op, fmt.Sprintf(format, args...))
}

func NotFound(op, what string) *Error {
	return E(KindNotFound, op, what+" not found")
}

func InvalidState(op, format string, args ...interface{}) *Error {
	return E(KindInvalidState, op, fmt.Sprintf(format, args...))
}

func InvalidTransition(op string, from, to interface{}) *Error {
	return E(KindInvalidStateTransition, op, fmt.Sprintf("cannot move from %v to %v", from, to))
}

func Conflict(op, format string, args ...interface{}) *Error {
	return E(KindConflict, op, fmt.Sprintf(format, args...))
}

func Gateway(op string, err error) *Error {
	return Wrap(KindGateway, op, err)
}

func Invariant(op, format string, args ...interface{}) *Error {
	return E(KindInvariant, op, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
