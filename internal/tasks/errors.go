package tasks

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the machine-readable error class surfaced to callers.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindForbidden      Kind = "forbidden"
	KindSelfDependency Kind = "self_dependency"
	KindDuplicateEdge  Kind = "duplicate_edge"
	KindCycle          Kind = "cycle"
	KindValidation     Kind = "validation"
	KindPartialFailure Kind = "partial_failure"
	KindInternal       Kind = "internal"
)

// Error is returned by every Manager operation. Err keeps the underlying cause for
// logging; Message is safe to show to users.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	TaskIDs []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, so errors.Is(err, ErrCycle) works for any cycle error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Kind == e.Kind
}

func (e *Error) Code() string { return string(e.Kind) }

var (
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrForbidden      = &Error{Kind: KindForbidden}
	ErrSelfDependency = &Error{Kind: KindSelfDependency}
	ErrDuplicateEdge  = &Error{Kind: KindDuplicateEdge}
	ErrCycle          = &Error{Kind: KindCycle}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrPartialFailure = &Error{Kind: KindPartialFailure}
	ErrInternal       = &Error{Kind: KindInternal}
)

// Store-level sentinels. Stores return these (possibly wrapped); the Manager
// translates them into *Error values.
var (
	ErrStoreNotFound  = errors.New("record not found in store")
	ErrStoreDuplicate = errors.New("duplicate record in store")
	ErrStoreConflict  = errors.New("store write conflict")
)

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func notFound(op, what, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %s not found", what, id), TaskIDs: []string{id}}
}

// KindOf reports the kind of err, defaulting to internal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
