package repositories

import (
	"context"
	"errors"
	"fmt"
)

// Error implements RepositoryError for the bundled storage backends.
type Error struct {
	op          string
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing record.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsConflict reports whether the error represents a conflicting write.
func (e *Error) IsConflict() bool {
	return e != nil && e.conflict
}

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.unavailable
}

// NewNotFound builds a not-found repository error.
func NewNotFound(op string, err error) *Error {
	return &Error{op: op, err: err, notFound: true}
}

// NewConflict builds a conflict repository error.
func NewConflict(op string, err error) *Error {
	return &Error{op: op, err: err, conflict: true}
}

// NewUnavailable builds a transient-outage repository error.
func NewUnavailable(op string, err error) *Error {
	return &Error{op: op, err: err, unavailable: true}
}

// Wrap annotates err with op unless it is already a repository or inventory error.
// Context cancellation is passed through untouched.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}
	var invErr *InventoryError
	if errors.As(err, &invErr) {
		return invErr
	}
	return &Error{op: op, err: err}
}
