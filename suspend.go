package apigate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// replayOutcome is the settled result delivered to one suspended caller.
type replayOutcome struct {
	resp *Response
	err  error
}

// SuspendedRequest is a request that hit a 401 while a token refresh was
// already in flight. It is parked until the governing refresh settles, then
// replayed with the new token or rejected.
type SuspendedRequest struct {
	method     string
	url        string
	opts       RequestOptions
	enqueuedAt time.Time
	result     chan replayOutcome
}

// replayFunc reissues one suspended request with the refreshed token
// (empty token means the request goes out unauthenticated, i.e. guest mode).
type replayFunc func(ctx context.Context, sr *SuspendedRequest, token string) (*Response, error)

// SuspendedRequestQueue is an ordered FIFO of parked requests. Enqueue and
// Take are driven by the RefreshArbiter under its own lock, so a request
// enqueued after a drain has taken the batch belongs to the next refresh
// cycle, never the one being drained.
type SuspendedRequestQueue struct {
	mu    sync.Mutex
	items []*SuspendedRequest
}

// NewSuspendedRequestQueue returns an empty queue.
func NewSuspendedRequestQueue() *SuspendedRequestQueue {
	return &SuspendedRequestQueue{}
}

// Enqueue parks a request and returns the channel its outcome arrives on.
func (q *SuspendedRequestQueue) Enqueue(method, url string, opts RequestOptions) <-chan replayOutcome {
	sr := &SuspendedRequest{
		method:     method,
		url:        url,
		opts:       opts,
		enqueuedAt: time.Now(),
		result:     make(chan replayOutcome, 1),
	}
	q.mu.Lock()
	q.items = append(q.items, sr)
	q.mu.Unlock()
	return sr.result
}

// Take atomically removes and returns the full queue contents in enqueue
// order.
func (q *SuspendedRequestQueue) Take() []*SuspendedRequest {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Len returns the number of currently parked requests.
func (q *SuspendedRequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ReplayAll reissues every taken request with the new token. Initiation
// preserves enqueue order but the calls run concurrently, and each caller's
// outcome settles independently: one replay failing does not affect its
// siblings.
func (q *SuspendedRequestQueue) ReplayAll(ctx context.Context, items []*SuspendedRequest, token string, replay replayFunc) {
	var g errgroup.Group
	for _, sr := range items {
		sr := sr
		g.Go(func() error {
			resp, err := replay(ctx, sr, token)
			sr.result <- replayOutcome{resp: resp, err: err}
			return nil
		})
	}
	_ = g.Wait()
}

// RejectAll fails every taken request with the same error.
func (q *SuspendedRequestQueue) RejectAll(items []*SuspendedRequest, err error) {
	for _, sr := range items {
		sr.result <- replayOutcome{err: err}
	}
}
