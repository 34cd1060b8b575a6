package kit

import "context"

// Endpoint is one operation, independent of the transport that invoked it.
// HTTP handlers and MCP tools decode their input into req and encode the
// returned value.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(next Endpoint) Endpoint

// Chain composes middlewares left-to-right: the first one is the outermost
// wrapper and runs first on the way in.
//
//	ep := Chain(audit, timing)(base)
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
