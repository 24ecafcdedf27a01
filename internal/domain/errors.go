package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record matches a key
	ErrNotFound = errors.New("link not found")

	// ErrConflict is returned when an alias is already taken by a different URL
	ErrConflict = errors.New("alias already in use")

	// ErrInvalidURL is returned for URLs that are not absolute http or https
	ErrInvalidURL = errors.New("invalid URL")

	// ErrInvalidAlias is returned for aliases outside the allowed pattern
	ErrInvalidAlias = errors.New("invalid alias")

	// ErrForbidden is returned when the caller may not change a record
	ErrForbidden = errors.New("not allowed to modify this link")

	// ErrInvalidTitle is returned when a title update is blank
	ErrInvalidTitle = errors.New("title cannot be empty")

	// ErrUnsafeURL is returned when the safety classifier rejects a URL
	ErrUnsafeURL = errors.New("URL flagged as unsafe")

	// ErrUnavailable marks a transient store or cache failure; callers may retry
	ErrUnavailable = errors.New("temporarily unavailable")

	// ErrCodeSpaceExhausted is returned when code allocation runs out of attempts
	ErrCodeSpaceExhausted = errors.New("could not allocate a free short code")
)

// Unique constraint fields reported by stores
const (
	FieldShortCode   = "short_code"
	FieldAlias       = "alias"
	FieldOriginalURL = "original_url"
	FieldBinding     = "binding"
)

// UniqueViolationError is returned by stores when an insert hits a unique constraint
type UniqueViolationError struct {
	Field string
	Err   error
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique violation on %s: %v", e.Field, e.Err)
}

func (e *UniqueViolationError) Unwrap() error {
	return e.Err
}

// IsUniqueViolation reports whether err is a unique violation and on which field.
func IsUniqueViolation(err error) (string, bool) {
	var uv *UniqueViolationError
	if errors.As(err, &uv) {
		return uv.Field, true
	}
	return "", false
}

// UnsafeURLError carries the classifier category that rejected a URL
type UnsafeURLError struct {
	Category string
}

func (e *UnsafeURLError) Error() string {
	return fmt.Sprintf("URL flagged as unsafe: %s", e.Category)
}

func (e *UnsafeURLError) Is(target error) bool {
	return target == ErrUnsafeURL
}
