package shockcase

import (
	"errors"
	"fmt"
)

// Kind classifies lifecycle failures.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidTransition  Kind = "invalid_transition"
	KindSectionNotVisible  Kind = "section_not_visible"
	KindInvalidState       Kind = "invalid_state"
	KindMissingOutcome     Kind = "missing_outcome"
	KindPersistence        Kind = "persistence_error"
	KindCollisionExhausted Kind = "collision_exhausted"
	KindInvalidArgument    Kind = "invalid_argument"
)

// Error is the structured error returned by every lifecycle operation.
// Token identifies the offending case for the caller; Error() never
// renders it, so the value is safe to log.
type Error struct {
	Kind    Kind
	Token   TrackingToken
	From    Status
	To      Status
	Section SectionName
	Detail  string
	Err     error
}

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
	ErrSectionNotVisible  = &Error{Kind: KindSectionNotVisible}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrMissingOutcome     = &Error{Kind: KindMissingOutcome}
	ErrPersistence        = &Error{Kind: KindPersistence}
	ErrCollisionExhausted = &Error{Kind: KindCollisionExhausted}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
)

// ErrDuplicate is returned by a Repository when an archive insert hits an
// existing Registry ID or Archive ID. The whole AtomicReplace is rolled back.
var ErrDuplicate = errors.New("duplicate archive identifier")

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindNotFound:
		msg = "record not found"
	case KindInvalidTransition:
		msg = fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
	case KindSectionNotVisible:
		msg = fmt.Sprintf("section %s is not available while case is %s", e.Section, e.From)
	case KindInvalidState:
		msg = fmt.Sprintf("operation not allowed while case is %s", e.From)
	case KindMissingOutcome:
		msg = "outcome must be recorded before archival"
	case KindPersistence:
		msg = "persistence failure"
	case KindCollisionExhausted:
		msg = "could not allocate a free registry id"
	case KindInvalidArgument:
		msg = "invalid argument"
	default:
		msg = string(e.Kind)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of err, or "" when err is not a lifecycle error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func invalidArgument(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Detail: fmt.Sprintf(format, args...)}
}
