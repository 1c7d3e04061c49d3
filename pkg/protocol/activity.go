// Package protocol defines the interfaces between the engine and its
// external collaborators.
package protocol

import "context"

// ActivityInvoker executes a named activity against the outside world
// (chat platform, directory APIs, scripts). The engine treats the kind as
// opaque: parameters go out resolved, outputs come back as a map. The
// call may take arbitrarily long; implementations should honor ctx.
type ActivityInvoker interface {
	Invoke(ctx context.Context, kind string, params map[string]any) (map[string]any, error)
}

// ActivityInvokerFunc adapts a function to the ActivityInvoker interface.
type ActivityInvokerFunc func(ctx context.Context, kind string, params map[string]any) (map[string]any, error)

func (f ActivityInvokerFunc) Invoke(ctx context.Context, kind string, params map[string]any) (map[string]any, error) {
	return f(ctx, kind, params)
}
