package element

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an element, workflow or dependency id does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrConstraint indicates the element exists but cannot take part in the
	// requested operation (wrong type, invalid status, malformed metadata).
	ErrConstraint = errors.New("constraint violated")

	// ErrConflict indicates a cycle, a duplicate dependency or a stale
	// expectedUpdatedAt precondition.
	ErrConflict = errors.New("conflict")
)

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Constraintf wraps ErrConstraint with context.
func Constraintf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConstraint)
}

// Conflictf wraps ErrConflict with context.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConstraint reports whether err is (or wraps) ErrConstraint.
func IsConstraint(err error) bool { return errors.Is(err, ErrConstraint) }

// IsConflict reports whether err is (or wraps) ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
