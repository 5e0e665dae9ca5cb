// Package errx attaches a sentinel error to an underlying cause so callers can
// match on the sentinel with errors.Is while still seeing the cause.
package errx

import "fmt"

// Wrap returns an error that matches both sentinel and cause.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// With formats extra context after sentinel. The format may itself contain
// %w verbs for additional causes.
func With(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...)
}
