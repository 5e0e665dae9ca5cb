package policy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedPattern    = errors.New("malformed pattern")
	ErrConflictingPriority = errors.New("conflicting priority")
	ErrEmptyRuleSet        = errors.New("empty rule set")
	ErrInvalidAction       = errors.New("invalid action")

	ErrReadPolicy   = errors.New("read policy file")
	ErrParsePolicy  = errors.New("parse policy file")
	ErrWatchPolicy  = errors.New("watch policy file")
	ErrOpenHistory  = errors.New("open policy history")
	ErrWriteHistory = errors.New("write policy history")
	ErrReadHistory  = errors.New("read policy history")
)

// ErrorKind names the class of a rejected reload.
type ErrorKind string

const (
	KindMalformedPattern    ErrorKind = "MalformedPattern"
	KindConflictingPriority ErrorKind = "ConflictingPriority"
	KindEmptyRuleSet        ErrorKind = "EmptyRuleSet"
	KindInvalidAction       ErrorKind = "InvalidAction"
)

// Error reports why a rule list was rejected. Index is the offending rule's
// position in the submitted list, or -1 when the list as a whole is at fault.
type Error struct {
	Kind  ErrorKind
	Index int
	Rule  string
	Err   error
}

func (e *Error) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("policy: %s", e.Err)
	}
	if e.Rule != "" {
		return fmt.Sprintf("policy: rule %d (%s): %s", e.Index, e.Rule, e.Err)
	}
	return fmt.Sprintf("policy: rule %d: %s", e.Index, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, index int, rule string, sentinel error, format string, args ...any) *Error {
	err := sentinel
	if format != "" {
		err = fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
	}
	return &Error{Kind: kind, Index: index, Rule: rule, Err: err}
}

func kindSentinel(kind ErrorKind) error {
	switch kind {
	case KindMalformedPattern:
		return ErrMalformedPattern
	case KindConflictingPriority:
		return ErrConflictingPriority
	case KindEmptyRuleSet:
		return ErrEmptyRuleSet
	default:
		return ErrInvalidAction
	}
}

// RemoteError rebuilds a policy error reported over the control channel so
// errors.Is works on the client side as well.
func RemoteError(kind ErrorKind, index int, message string) *Error {
	sentinel := kindSentinel(kind)
	message = strings.TrimPrefix(strings.TrimPrefix(message, sentinel.Error()), ": ")
	err := sentinel
	if message != "" {
		err = fmt.Errorf("%w: %s", sentinel, message)
	}
	return &Error{Kind: kind, Index: index, Err: err}
}
