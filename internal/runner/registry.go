package runner

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tradeforge/tradeforge/pkg/models"
)

// entry tracks one strategy's in-memory view and its live loop. Each entry
// carries its own lock so unrelated strategies never serialize on a global
// one.
type entry struct {
	mu       sync.Mutex
	strategy *models.Strategy

	cancel        context.CancelFunc
	done          chan struct{}
	stopRequested bool
}

// loopDone reports whether the loop goroutine has exited.
func (e *entry) loopDone() bool {
	if e.done == nil {
		return true
	}
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// registry owns the set of tracked strategies. The registry map itself is
// guarded by one lock; per-strategy state is guarded per entry.
type registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[uuid.UUID]*entry)}
}

func (r *registry) get(id uuid.UUID) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *registry) put(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.strategy.ID] = e
}

// snapshot returns the current entries; the slice is safe to iterate
// without the registry lock.
func (r *registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// runningOn returns entries whose strategy belongs to the account and has
// a live loop.
func (r *registry) runningOn(account string) []*entry {
	var out []*entry
	for _, e := range r.snapshot() {
		e.mu.Lock()
		match := e.strategy.Account == account && e.strategy.Status == models.StrategyStatusRunning
		e.mu.Unlock()
		if match {
			out = append(out, e)
		}
	}
	return out
}

// liveCount counts entries with loops still running.
func (r *registry) liveCount() int {
	n := 0
	for _, e := range r.snapshot() {
		if !e.loopDone() {
			n++
		}
	}
	return n
}

// conflicting returns the id of a running strategy on (account, symbol)
// other than self, if any.
func (r *registry) conflicting(account, symbol string, self uuid.UUID) (uuid.UUID, bool) {
	for _, e := range r.snapshot() {
		// The id never changes after registration, so the self check needs
		// no lock. Start already holds its own entry lock when it calls
		// this; locking the self entry here would deadlock.
		if e.strategy.ID == self {
			continue
		}
		e.mu.Lock()
		s := e.strategy
		match := s.Account == account &&
			s.Symbol == symbol &&
			s.Status == models.StrategyStatusRunning
		id := s.ID
		e.mu.Unlock()
		if match {
			return id, true
		}
	}
	return uuid.Nil, false
}
