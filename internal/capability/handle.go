package capability

import (
	"context"
	"sync"
)

// Status reports whether a capability resolution has completed.
type Status int

const (
	StatusPending Status = iota
	StatusResolved
)

// String returns the status name.
func (s Status) String() string {
	if s == StatusResolved {
		return "resolved"
	}
	return "pending"
}

// State is the observable capability of a session. Degraded marks an
// Anonymous result caused by a failed lookup.
type State struct {
	Status     Status
	Capability Capability
	Degraded   bool
}

// Pending reports whether resolution is still in flight.
func (s State) Pending() bool {
	return s.Status == StatusPending
}

// Handle holds the capability for one session and tracks in-flight resolution.
type Handle struct {
	resolver *Resolver

	mu    sync.Mutex
	gen   uint64
	state State
	done  chan struct{}
}

// NewHandle creates a Handle in the pending state.
func NewHandle(resolver *Resolver) *Handle {
	return &Handle{resolver: resolver, done: make(chan struct{})}
}

// State returns the current state without blocking.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Refresh re-resolves the capability for userID. A newer Refresh or Clear
// supersedes an older one still in flight.
func (h *Handle) Refresh(ctx context.Context, userID string) Capability {
	gen := h.begin()
	result := Anonymous
	var err error
	if h.resolver != nil {
		result, err = h.resolver.ResolveChecked(ctx, userID)
	}
	h.finish(gen, result, err != nil)
	return result
}

// Reset marks the handle pending until the next Refresh or Clear.
func (h *Handle) Reset() {
	h.begin()
}

// Clear drops any resolved capability, leaving the handle resolved as Anonymous.
func (h *Handle) Clear() {
	gen := h.begin()
	h.finish(gen, Anonymous, false)
}

// Wait blocks until the capability is resolved or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Capability, error) {
	for {
		h.mu.Lock()
		state, done := h.state, h.done
		h.mu.Unlock()
		if state.Status == StatusResolved {
			return state.Capability, nil
		}
		select {
		case <-ctx.Done():
			return Anonymous, ctx.Err()
		case <-done:
		}
	}
}

func (h *Handle) begin() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	if h.state.Status == StatusResolved {
		h.done = make(chan struct{})
	}
	h.state = State{Status: StatusPending}
	return h.gen
}

func (h *Handle) finish(gen uint64, result Capability, degraded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gen != h.gen {
		return
	}
	h.state = State{Status: StatusResolved, Capability: result, Degraded: degraded}
	close(h.done)
}
