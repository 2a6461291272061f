package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/DragonSecurity/relay/pkg/proto"
)

// Result is the single outcome delivered for a pending request.
type Result struct {
	Response *proto.ResponsePayload
	Err      error
}

type pendingResp struct {
	ch   chan Result
	dead *time.Timer
}

// PendingTable tracks forwarded requests awaiting a reply. Whoever removes an
// entry from the map delivers its result, so every entry completes exactly once.
type PendingTable struct {
	mu      sync.Mutex
	pending map[string]*pendingResp

	// onExpire, if set, runs after an entry times out.
	onExpire func(id string)
}

func NewPendingTable() *PendingTable {
	return &PendingTable{pending: make(map[string]*pendingResp)}
}

// Register adds id with a deadline of timeout from now. The returned channel
// receives exactly one Result.
func (t *PendingTable) Register(id string, timeout time.Duration) (<-chan Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	p := &pendingResp{ch: make(chan Result, 1)}
	p.dead = time.AfterFunc(timeout, func() { t.expire(id, p, timeout) })
	t.pending[id] = p
	metricPending.Set(float64(len(t.pending)))
	return p.ch, nil
}

func (t *PendingTable) expire(id string, p *pendingResp, timeout time.Duration) {
	if !t.take(id, p) {
		return
	}
	p.ch <- Result{Err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
	if t.onExpire != nil {
		t.onExpire(id)
	}
}

// take removes id if it still maps to p and reports whether the caller won
// the entry.
func (t *PendingTable) take(id string, p *pendingResp) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.pending[id]
	if !ok || cur != p {
		return false
	}
	delete(t.pending, id)
	metricPending.Set(float64(len(t.pending)))
	return true
}

func (t *PendingTable) finish(id string, r Result) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		metricPending.Set(float64(len(t.pending)))
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.dead.Stop()
	p.ch <- r
	return true
}

// Resolve completes id with resp. Unknown ids (late, duplicate, already
// expired) are ignored and reported as false.
func (t *PendingTable) Resolve(id string, resp *proto.ResponsePayload) bool {
	return t.finish(id, Result{Response: resp})
}

func (t *PendingTable) Reject(id string, err error) bool {
	return t.finish(id, Result{Err: err})
}

// RejectAll fails every pending entry with err and returns how many there were.
func (t *PendingTable) RejectAll(err error) int {
	t.mu.Lock()
	all := t.pending
	t.pending = make(map[string]*pendingResp)
	metricPending.Set(0)
	t.mu.Unlock()

	for _, p := range all {
		p.dead.Stop()
		p.ch <- Result{Err: err}
	}
	return len(all)
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
