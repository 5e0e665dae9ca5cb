package driver

import "errors"

var (
	ErrInvalidTransition   = errors.New("invalid driver state transition")
	ErrRegistrationFailure = errors.New("registration failure")
	ErrUnregisterFailure   = errors.New("unregister failure")

	ErrOpenJournal  = errors.New("open driver journal")
	ErrWriteJournal = errors.New("write driver journal")
	ErrReadJournal  = errors.New("read driver journal")
)
