package driver

import (
	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
)

var allowedTransitions = map[api.DriverState]map[api.DriverState]bool{
	api.StateUnregistered: {
		api.StateRegistered: true,
	},
	api.StateRegistered: {
		api.StateIntercepting: true,
		api.StateUnregistered: true,
	},
	api.StateIntercepting: {
		api.StateDraining: true,
	},
	api.StateDraining: {
		api.StateUnregistered: true,
	},
}

func validateTransition(from, to api.DriverState) error {
	if from == "" {
		from = api.StateUnregistered
	}
	if to == "" {
		return errx.With(ErrInvalidTransition, " empty target state from %q", from)
	}
	if !allowedTransitions[from][to] {
		return errx.With(ErrInvalidTransition, " %q -> %q", from, to)
	}
	return nil
}
