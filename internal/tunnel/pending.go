package tunnel

import (
	"sync"
	"time"
)

// DefaultRequestTimeout is the spec's hard-coded Pending Table deadline (§4.3).
const DefaultRequestTimeout = 30 * time.Second

// pendingEntry is a one-shot, at-most-once delivery sink keyed by request id.
type pendingEntry struct {
	done  chan *HTTPResponsePayload
	timer *time.Timer
}

// PendingTable maps request_id to a completion sink for in-flight public
// HTTP requests on one session (C3 in SPEC_FULL.md). Safe for concurrent use.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	timeout time.Duration
}

// NewPendingTable creates an empty table with the given per-entry deadline.
func NewPendingTable(timeout time.Duration) *PendingTable {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &PendingTable{
		entries: make(map[string]*pendingEntry),
		timeout: timeout,
	}
}

// Insert registers a new pending entry for id and arms its deadline timer.
// It returns a channel that receives exactly one value: the reply, a
// timeout value, or the drain reason passed to Drain. Insert panics if id
// is already present — callers are expected to generate fresh ids.
func (t *PendingTable) Insert(id string) <-chan *HTTPResponsePayload {
	t.mu.Lock()
	if _, exists := t.entries[id]; exists {
		t.mu.Unlock()
		panic("tunnel: duplicate pending request id " + id)
	}
	e := &pendingEntry{done: make(chan *HTTPResponsePayload, 1)}
	e.timer = time.AfterFunc(t.timeout, func() {
		t.Complete(id, &HTTPResponsePayload{
			RequestID: id,
			Status:    504,
			Error:     "gateway timeout",
		})
	})
	t.entries[id] = e
	t.mu.Unlock()
	return e.done
}

// Complete delivers value to the entry for id and removes it. It is a no-op
// if id is not present (a late reply after timeout/close, per spec
// invariant 5) — the first of {reply, timeout, drain} to arrive wins.
func (t *PendingTable) Complete(id string, value *HTTPResponsePayload) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	e.timer.Stop()
	e.done <- value
}

// Drain completes every remaining entry with a gateway-error reply derived
// from reason and empties the table. Called on session teardown.
func (t *PendingTable) Drain(reason string) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingEntry)
	t.mu.Unlock()
	for id, e := range entries {
		e.timer.Stop()
		e.done <- &HTTPResponsePayload{
			RequestID: id,
			Status:    502,
			Error:     reason,
		}
	}
}

// Len returns the number of in-flight entries, for tests and diagnostics.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
