package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/chhtz/tools-orocosrb/errors"
)

// Owner identifies an execution context (a callback loop, an event
// dispatcher) that can be marked as not allowed to block on remote calls.
// Goroutines carry their owner in their context.Context.
type Owner struct {
	name string
}

// NewOwner creates a new owner token
func NewOwner(name string) *Owner {
	return &Owner{name: name}
}

// String returns the owner name
func (o *Owner) String() string {
	if o == nil {
		return "<none>"
	}
	return o.name
}

type ownerKey struct{}

// WithOwner returns a context that runs on behalf of owner
func WithOwner(ctx context.Context, owner *Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner carried by ctx, if any
func OwnerFrom(ctx context.Context) *Owner {
	owner, _ := ctx.Value(ownerKey{}).(*Owner)
	return owner
}

// Guard enforces the "no blocking calls" marker. At most one owner is
// forbidden at a time. The zero value forbids nothing.
type Guard struct {
	mu        sync.Mutex
	forbidden *Owner
}

// Forbid marks owner as not allowed to perform blocking remote calls
func (g *Guard) Forbid(owner *Owner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forbidden = owner
}

// Forbidden returns the owner currently marked, or nil
func (g *Guard) Forbidden() *Owner {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.forbidden
}

// Release lifts the marker and returns the owner that was marked
func (g *Guard) Release() *Owner {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.forbidden
	g.forbidden = nil
	return prev
}

// Check fails with ErrThread when ctx runs on behalf of the forbidden owner
func (g *Guard) Check(ctx context.Context) error {
	if g == nil {
		return nil
	}
	owner := OwnerFrom(ctx)
	if owner == nil {
		return nil
	}

	g.mu.Lock()
	forbidden := g.forbidden
	g.mu.Unlock()

	if forbidden == owner {
		return errors.WrapInvalid(fmt.Errorf("%w: owner %s", errors.ErrThread, owner),
			"guard", "Check", "blocking call check")
	}
	return nil
}

// Allow runs fn with the marker lifted and puts it back afterwards, also
// when fn fails or panics. It must be called from the forbidden owner's
// context (or when nothing is forbidden).
func (g *Guard) Allow(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	forbidden := g.forbidden
	if forbidden != nil && forbidden != OwnerFrom(ctx) {
		g.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: allow called by %s while %s is forbidden", errors.ErrThread, OwnerFrom(ctx), forbidden),
			"guard", "Allow", "owner check")
	}
	g.forbidden = nil
	g.mu.Unlock()

	defer func() {
		if forbidden != nil {
			g.mu.Lock()
			g.forbidden = forbidden
			g.mu.Unlock()
		}
	}()

	return fn()
}
