// Package errors holds the sentinel errors shared by the engine, the store and the HTTP layer.
package errors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Error is a sentinel error that can be matched with errors.Is after being wrapped.
type Error string

func (e Error) Error() string {
	return string(e)
}

// Wrap attaches the sentinel to err. The resulting error matches both the sentinel and err.
func (e Error) Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{sentinel: e, err: err}
}

// Wrapf is a shorthand for e.Wrap(fmt.Errorf(format, a...)).
func (e Error) Wrapf(format string, a ...any) error {
	return e.Wrap(fmt.Errorf(format, a...))
}

const (
	ErrBadRequest              = Error("bad request")
	ErrValidation              = Error("validation error")
	ErrNotFound                = Error("not found")
	ErrUnauthorized            = Error("unauthorized")
	ErrConflictStillUnresolved = Error("merge state still has unresolved conflicts")
	ErrFinalizeInProgress      = Error("merge state is already being finalized")
	ErrStrategyNotApplicable   = Error("resolver strategy is not applicable")
	ErrProviderUnknown         = Error("unknown git provider")

	ErrGitOperation = Error("git operation failed")
	ErrGitNetwork   = Error("git remote unreachable")
	ErrGitAuth      = Error("git authentication failed")
	ErrGitRejected  = Error("git push rejected by remote")
)

type wrapped struct {
	sentinel Error
	err      error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %s", w.sentinel, w.err)
}

func (w *wrapped) Unwrap() []error {
	return []error{w.sentinel, w.err}
}

// GitOperationError is returned by every remote git call. Class is one of
// ErrGitNetwork, ErrGitAuth or ErrGitRejected.
type GitOperationError struct {
	Op    string
	Class Error
	Err   error
}

func NewGitOperationError(op string, class Error, err error) *GitOperationError {
	return &GitOperationError{Op: op, Class: class, Err: pkgerrors.WithStack(err)}
}

func (e *GitOperationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *GitOperationError) Unwrap() []error {
	return []error{ErrGitOperation, e.Class, e.Err}
}

// Retryable reports whether the attempt may not have reached the remote at all.
func (e *GitOperationError) Retryable() bool {
	return e.Class == ErrGitNetwork
}

// GitClass returns the failure class of a git error, or "" if err is not one.
func GitClass(err error) Error {
	var gErr *GitOperationError
	if errors.As(err, &gErr) {
		return gErr.Class
	}
	return ""
}

func New(text string) error {
	return errors.New(text)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

// WithStack records the caller's stack on err for server side diagnostics.
func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}
