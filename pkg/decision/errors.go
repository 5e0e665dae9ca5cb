package decision

import "errors"

var (
	ErrEvaluationPanic = errors.New("decision engine panic")
	ErrNoSnapshot      = errors.New("no policy snapshot")
)
