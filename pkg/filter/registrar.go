package filter

import (
	"context"

	"github.com/jingkaihe/fsguard/pkg/api"
)

// Handler is the pre-operation callback a Registrar installs.
//
// PreOperation blocks the caller until a final status is known. Submit
// returns StatusPend together with a channel that receives the final status
// when the first verdict is Delay; for any other verdict the channel is nil.
type Handler interface {
	PreOperation(ctx context.Context, op api.Operation) api.Status
	Submit(ctx context.Context, op api.Operation) (api.Status, <-chan api.Status)
}

// Registrar connects a Handler to a source of file operations. After
// Unregister returns, the source no longer invokes the handler.
type Registrar interface {
	Name() string
	Register(h Handler) error
	Unregister() error
}

// HandlerFunc adapts a synchronous function to Handler. Submit never pends.
type HandlerFunc func(ctx context.Context, op api.Operation) api.Status

func (fn HandlerFunc) PreOperation(ctx context.Context, op api.Operation) api.Status {
	return fn(ctx, op)
}

func (fn HandlerFunc) Submit(ctx context.Context, op api.Operation) (api.Status, <-chan api.Status) {
	return fn(ctx, op), nil
}
