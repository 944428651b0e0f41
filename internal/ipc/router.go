// Package ipc serves the orchestrator's verb surface over a local unix
// socket. The protocol is line-delimited JSON: one request object per
// connection, one response object back, then close.
package ipc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/pkg/ipc"
)

// Handler serves one verb. Handlers are pure over their dependencies;
// shared state is reached through the store's mutation queue and the
// registry's locked maps.
type Handler func(ctx context.Context, req *ipc.Request) *ipc.Response

// Router dispatches requests by their type field.
type Router struct {
	handlers map[string]Handler
	log      *logger.Logger
}

// NewRouter creates an empty router.
func NewRouter(log *logger.Logger) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		log:      log.WithComponent("ipc"),
	}
}

// Register binds a verb to its handler. Later registrations win.
func (r *Router) Register(verb string, h Handler) {
	r.handlers[verb] = h
}

// Verbs returns the registered verb names.
func (r *Router) Verbs() []string {
	out := make([]string, 0, len(r.handlers))
	for v := range r.handlers {
		out = append(out, v)
	}
	return out
}

// Dispatch routes one request. Unknown verbs reply with an error
// envelope; a panicking handler becomes an error response instead of a
// dead server.
func (r *Router) Dispatch(ctx context.Context, req *ipc.Request) (resp *ipc.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panicked",
				zap.String("type", req.Type),
				zap.Any("panic", rec))
			resp = ipc.Errf(fmt.Sprintf("internal error handling %s", req.Type))
		}
	}()

	h, ok := r.handlers[req.Type]
	if !ok {
		return ipc.Errf(fmt.Sprintf("unknown type: %s", req.Type))
	}
	return h(ctx, req)
}
