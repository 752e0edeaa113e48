package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type route struct {
	pattern Topic
	handler EventHandler
}

// Router dispatches an event to every handler whose pattern matches its topic
type Router struct {
	mux    sync.RWMutex
	routes []route
}

func NewRouter() *Router {
	return &Router{}
}

// Register adds a handler for a topic pattern
func (r *Router) Register(pattern Topic, handler EventHandler) *Router {
	r.mux.Lock()
	defer r.mux.Unlock()

	r.routes = append(r.routes, route{pattern: pattern, handler: handler})
	return r
}

// RegisterFunc adds a handler function for a topic pattern
func (r *Router) RegisterFunc(pattern Topic, fn func(ctx context.Context, event *Event) error) *Router {
	return r.Register(pattern, EventHandlerFunc(fn))
}

// Topics returns the registered patterns in registration order
func (r *Router) Topics() []Topic {
	r.mux.RLock()
	defer r.mux.RUnlock()

	topics := make([]Topic, 0, len(r.routes))
	for _, rt := range r.routes {
		topics = append(topics, rt.pattern)
	}
	return topics
}

// Handle runs matching handlers in order and stops at the first error so the
// transport redelivers the message. Events with no handler are acknowledged.
func (r *Router) Handle(ctx context.Context, event *Event) error {
	r.mux.RLock()
	routes := make([]route, len(r.routes))
	copy(routes, r.routes)
	r.mux.RUnlock()

	matched := false
	for _, rt := range routes {
		if !event.Topic.Matches(rt.pattern) {
			continue
		}
		matched = true
		if err := rt.handler.Handle(ctx, event); err != nil {
			return err
		}
	}

	if !matched {
		zerolog.Ctx(ctx).Debug().
			Str("topic", event.Topic.String()).
			Str("event_id", event.ID.String()).
			Msg("no handler registered for topic")
	}

	return nil
}
