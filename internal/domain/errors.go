package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrKind classifies an orchestration failure.
type ErrKind string

const (
	KindIllegalTransition  ErrKind = "illegal_transition"
	KindOptimisticConflict ErrKind = "optimistic_conflict"
	KindIntegrityViolation ErrKind = "integrity_violation"
	KindNotFound           ErrKind = "not_found"
	KindCapacityExceeded   ErrKind = "capacity_exceeded"
	KindExternalIO         ErrKind = "external_io"
)

// CodedError carries a stable per-call-site code (LOOM-xxxx) so operators can
// correlate logs across dispatcher instances.
type CodedError struct {
	Code string
	Kind ErrKind
	msg  string
	err  error
}

func (e *CodedError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

func (e *CodedError) Unwrap() error { return e.err }

func E(code string, kind ErrKind, format string, args ...any) *CodedError {
	return &CodedError{
		Code: strings.TrimSpace(code),
		Kind: kind,
		msg:  fmt.Sprintf(format, args...),
	}
}

func Wrap(code string, kind ErrKind, err error, format string, args ...any) *CodedError {
	return &CodedError{
		Code: strings.TrimSpace(code),
		Kind: kind,
		msg:  fmt.Sprintf(format, args...),
		err:  err,
	}
}

// IsKind reports whether err or anything it wraps is a CodedError of the
// given kind.
func IsKind(err error, kind ErrKind) bool {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Kind == kind
	}
	return false
}

func IsIllegalTransition(err error) bool  { return IsKind(err, KindIllegalTransition) }
func IsOptimisticConflict(err error) bool { return IsKind(err, KindOptimisticConflict) }
func IsIntegrityViolation(err error) bool { return IsKind(err, KindIntegrityViolation) }
func IsNotFound(err error) bool           { return IsKind(err, KindNotFound) }
func IsCapacityExceeded(err error) bool   { return IsKind(err, KindCapacityExceeded) }
func IsExternalIO(err error) bool         { return IsKind(err, KindExternalIO) }
