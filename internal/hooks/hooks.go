// Package hooks provides ordered notification callbacks fired around
// identity-cache mutation and commit.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/unitofwork/internal/model"
)

// Point identifies where in the object lifecycle a hook fires.
type Point string

const (
	// Create fires after a new object is cached.
	Create Point = "create"
	// Read fires after objects materialised by a query are cached.
	Read Point = "read"
	// BeforeSubmit fires before the commit pipeline issues any write.
	BeforeSubmit Point = "before_submit"
	// AfterSubmit fires after every pending write was issued.
	AfterSubmit Point = "after_submit"
)

// Event describes the object set a hook is fired for.
type Event struct {
	Point Point

	// ContextID is the transaction context the objects belong to.
	ContextID string

	// Objects are the affected objects in cache order.
	Objects []*model.Record

	// Flush is set when the submit is a flush rather than a commit.
	Flush bool
}

// Func is a hook callback. A non-nil error stops the remaining callbacks and
// fails the operation that fired the hook.
type Func func(ctx context.Context, ev Event) error

type hook struct {
	name string
	fn   Func
}

// Registry holds hooks per point in registration order.
//
// Thread-safety: safe for concurrent registration and firing. Callbacks are
// invoked synchronously on the firing goroutine without holding the lock.
type Registry struct {
	mu    sync.RWMutex
	hooks map[Point][]hook
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[Point][]hook)}
}

// On registers fn at point p under name.
func (r *Registry) On(p Point, name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[p] = append(r.hooks[p], hook{name: name, fn: fn})
}

// Len returns the number of hooks registered at p.
func (r *Registry) Len(p Point) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[p])
}

// Fire invokes the hooks registered at ev.Point in order. A nil registry or
// an empty object set fires nothing.
func (r *Registry) Fire(ctx context.Context, ev Event) error {
	if r == nil || len(ev.Objects) == 0 {
		return nil
	}
	r.mu.RLock()
	list := make([]hook, len(r.hooks[ev.Point]))
	copy(list, r.hooks[ev.Point])
	r.mu.RUnlock()

	for _, h := range list {
		if err := h.fn(ctx, ev); err != nil {
			return fmt.Errorf("%s hook %q: %w", ev.Point, h.name, err)
		}
	}
	return nil
}
