package network

import (
	"context"
	"reflect"
	"sync"

	"github.com/starrelay-project/starrelay/internal/protocol"
)

// PacketHandler inspects one packet type. Before runs ahead of forwarding,
// After once the packet was handed to the other leg. Returning an error
// from Before skips the remaining steps for that packet.
type PacketHandler[T protocol.Packet] interface {
	Before(ctx context.Context, p T, c *Connection) error
	After(ctx context.Context, p T, c *Connection) error
}

// HandlerFuncs adapts plain functions to PacketHandler. Either may be nil.
type HandlerFuncs[T protocol.Packet] struct {
	BeforeFunc func(ctx context.Context, p T, c *Connection) error
	AfterFunc  func(ctx context.Context, p T, c *Connection) error
}

func (h HandlerFuncs[T]) Before(ctx context.Context, p T, c *Connection) error {
	if h.BeforeFunc == nil {
		return nil
	}
	return h.BeforeFunc(ctx, p, c)
}

func (h HandlerFuncs[T]) After(ctx context.Context, p T, c *Connection) error {
	if h.AfterFunc == nil {
		return nil
	}
	return h.AfterFunc(ctx, p, c)
}

type boundHandler struct {
	name   string
	before func(ctx context.Context, p protocol.Packet, c *Connection) error
	after  func(ctx context.Context, p protocol.Packet, c *Connection) error
}

// HandlerRegistry maps concrete packet types to their handlers, in
// registration order. It is shared by every connection and safe for
// concurrent use.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]boundHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[reflect.Type][]boundHandler)}
}

// Register adds h for packets of type T under name.
func Register[T protocol.Packet](r *HandlerRegistry, name string, h PacketHandler[T]) {
	bh := boundHandler{
		name: name,
		before: func(ctx context.Context, p protocol.Packet, c *Connection) error {
			return h.Before(ctx, p.(T), c)
		},
		after: func(ctx context.Context, p protocol.Packet, c *Connection) error {
			return h.After(ctx, p.(T), c)
		},
	}

	t := reflect.TypeOf((*T)(nil)).Elem()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = append(r.handlers[t], bh)
}

// Unregister removes every handler registered under name.
func (r *HandlerRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for t, list := range r.handlers {
		kept := list[:0:0]
		for _, bh := range list {
			if bh.name != name {
				kept = append(kept, bh)
			}
		}
		if len(kept) == 0 {
			delete(r.handlers, t)
		} else {
			r.handlers[t] = kept
		}
	}
}

// Count returns the number of handlers registered for the type of p.
func (r *HandlerRegistry) Count(p protocol.Packet) int {
	return len(r.lookup(p))
}

func (r *HandlerRegistry) lookup(p protocol.Packet) []boundHandler {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[reflect.TypeOf(p)]
}
