package api

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrUnsupported   = errors.New("not supported on this platform")
)
