package apigate

import (
	"context"
	"crypto/sha256"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// pendingStaleAfter is the leak guard: a PendingCall older than this is
// assumed abandoned and purged by maintenance.
const pendingStaleAfter = 5 * time.Minute

// PendingCall is the single shared in-progress execution for a request key.
// Every concurrent caller with the same key observes the same outcome,
// including the same error.
type PendingCall struct {
	done      chan struct{}
	resp      *Response
	err       error
	startedAt time.Time
}

// Wait blocks until the owning request settles or ctx is done.
func (p *PendingCall) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlightRegistry collapses identical concurrent requests into one network
// call. For any key at most one PendingCall exists.
type InFlightRegistry struct {
	mu    sync.Mutex
	calls map[string]*PendingCall
	now   func() time.Time
}

// NewInFlightRegistry returns an empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{calls: make(map[string]*PendingCall), now: time.Now}
}

// AttachOrCreate returns the in-flight call for key, creating one when none
// exists. owner is true for the caller that must execute the request and
// settle it via Complete.
func (r *InFlightRegistry) AttachOrCreate(key string) (call *PendingCall, owner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.calls[key]; ok {
		return existing, false
	}
	call = &PendingCall{done: make(chan struct{}), startedAt: r.now()}
	r.calls[key] = call
	return call, true
}

// Complete settles call and removes its registry entry. Removal happens on
// every settlement, success or failure, so errors never leak entries.
// Waiters holding the call still observe the settled outcome. The map entry
// is only deleted while it still points at this call: after a PurgeStale a
// new owner may have registered the same key, and a late settlement must
// not tear down the new call.
func (r *InFlightRegistry) Complete(key string, call *PendingCall, resp *Response, err error) {
	r.mu.Lock()
	if existing, ok := r.calls[key]; ok && existing == call {
		delete(r.calls, key)
	}
	r.mu.Unlock()

	call.resp = resp
	call.err = err
	close(call.done)
}

// Len returns the number of in-flight calls.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// PurgeStale drops entries older than maxAge whose owner never settled
// them. Returns how many were removed.
func (r *InFlightRegistry) PurgeStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	cutoff := r.now().Add(-maxAge)
	for key, call := range r.calls {
		if call.startedAt.Before(cutoff) {
			delete(r.calls, key)
			removed++
		}
	}
	return removed
}

// RequestKey builds the canonical deduplication/cache key from method, URL
// and body. Bodies are folded in via SHA-256 so large payloads hash to a
// fixed-size key.
func RequestKey(method, url string, body []byte) string {
	h := fnv.New64a()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write([]byte(url))
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		h.Write(sum[:])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
