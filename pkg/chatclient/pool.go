package chatclient

import "sync/atomic"

// SelectionMode controls how a pool picks handles.
type SelectionMode string

const (
	// SelectNone always picks the first handle.
	SelectNone SelectionMode = "none"
	// SelectRoundRobin rotates the starting handle across dispatches.
	SelectRoundRobin SelectionMode = "round_robin"
	// SelectSequential tries handles in declaration order until one
	// succeeds.
	SelectSequential SelectionMode = "sequential"
)

// Handle is one named chat backend with its cost-rate configuration.
type Handle struct {
	Name    string
	Backend Backend
	Rates   CostRates
}

// Pool is an ordered list of handles plus a selection mode. The round-robin
// counter is owned by the pool, not the process, so multiple independently
// configured dispatchers can coexist.
type Pool struct {
	Handles []Handle
	Mode    SelectionMode

	counter atomic.Uint64
}

// NewPool creates a pool over the given handles.
func NewPool(mode SelectionMode, handles ...Handle) *Pool {
	return &Pool{Handles: handles, Mode: mode}
}

// Size returns the number of handles.
func (p *Pool) Size() int {
	return len(p.Handles)
}

// order returns the handle indices to attempt, in order, for one dispatch.
func (p *Pool) order() []int {
	n := len(p.Handles)
	if n == 0 {
		return nil
	}

	switch p.Mode {
	case SelectRoundRobin:
		start := int(p.counter.Add(1)-1) % n
		order := make([]int, n)
		for i := 0; i < n; i++ {
			order[i] = (start + i) % n
		}
		return order
	case SelectSequential:
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	default:
		// SelectNone pins the first handle; failures go straight to the
		// fallback chain.
		return []int{0}
	}
}
