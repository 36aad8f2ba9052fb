package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ZhiquAI/zhiyue3.0-sub004/logger"
)

var (
	// ErrHandlerRegistered is returned when a kind already has a handler.
	ErrHandlerRegistered = errors.New("handler already registered for kind")
	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("handler must not be nil")
	// ErrUnknownKind is returned when registering a handler for a kind this
	// build does not know.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Handler consumes one inbound envelope. A handler error is logged by the
// dispatcher's caller and never tears down the channel.
type Handler func(ctx context.Context, env Envelope) error

// Router dispatches inbound envelopes to exactly one handler per kind.
// Envelopes of unknown or unhandled kinds are logged and dropped.
type Router struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	log      logger.Logger
}

// NewRouter creates an empty router.
func NewRouter(log logger.Logger) *Router {
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{
		handlers: make(map[Kind]Handler),
		log:      log.With(logger.String("component", "router")),
	}
}

// Register installs the handler for a kind. Each kind takes exactly one
// handler; a second registration fails rather than silently replacing the
// first.
func (r *Router) Register(kind Kind, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %s: %w", kind, ErrNilHandler)
	}
	if !kind.Valid() {
		return fmt.Errorf("register %s: %w", kind, ErrUnknownKind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("register %s: %w", kind, ErrHandlerRegistered)
	}
	r.handlers[kind] = h
	return nil
}

// Handles reports whether a handler is registered for the kind.
func (r *Router) Handles(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Dispatch routes one envelope. Unknown and unhandled kinds are dropped with
// a log line and a nil return so a chatty peer can never break the loop.
// Handler errors are returned for the caller to log.
func (r *Router) Dispatch(ctx context.Context, env Envelope) error {
	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		r.log.Debug("Dropping envelope with no handler",
			logger.String("kind", env.Type.String()),
			logger.Bool("known", env.Type.Valid()),
		)
		return nil
	}

	if err := h(ctx, env); err != nil {
		return fmt.Errorf("handle %s: %w", env.Type, err)
	}
	return nil
}
