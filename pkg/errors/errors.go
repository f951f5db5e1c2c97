// Package errors provides error wrapping utilities for context-aware error messages
// and the error kinds a group workflow can fail with.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind classifies a workflow failure.
type Kind string

// Failure kinds surfaced by the storage and compute layers.
const (
	KindUnknown          Kind = "UnknownError"
	KindStorageAccess    Kind = "StorageAccessError"
	KindImportSubmission Kind = "ImportSubmissionError"
	KindImportFailed     Kind = "ImportFailedError"
	KindLaunch           Kind = "LaunchError"
	KindInstanceNotReady Kind = "InstanceNotReadyError"
	KindValidation       Kind = "ValidationError"
)

// Error is a classified failure. Op names the operation that failed
// (e.g. "list_objects", "import_image").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, &Error{Kind: KindLaunch}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns a classified error. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message instead of a cause.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// StorageAccess classifies a listing failure.
func StorageAccess(op string, err error) error { return New(KindStorageAccess, op, err) }

// ImportSubmission classifies a rejected import request.
func ImportSubmission(op string, err error) error { return New(KindImportSubmission, op, err) }

// ImportFailed classifies an import task that ended without an image.
func ImportFailed(op string, err error) error { return New(KindImportFailed, op, err) }

// Launch classifies a rejected instance launch.
func Launch(op string, err error) error { return New(KindLaunch, op, err) }

// InstanceNotReady classifies an instance that ended in a non-running state.
func InstanceNotReady(op string, err error) error { return New(KindInstanceNotReady, op, err) }

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As is errors.As, re-exported so callers importing this package don't
// need the standard library one as well.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
