package filter

import "errors"

var (
	ErrDrainTimeout = errors.New("drain deadline exceeded")
	ErrNotOpen      = errors.New("filter not open")
)
