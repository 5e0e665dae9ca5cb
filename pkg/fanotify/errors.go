package fanotify

import "errors"

var (
	ErrInit              = errors.New("fanotify init")
	ErrMark              = errors.New("fanotify mark")
	ErrAlreadyRegistered = errors.New("handler already registered")
	ErrShortEvent        = errors.New("short fanotify event")
	ErrEventVersion      = errors.New("unexpected fanotify metadata version")
)
