package apigate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// refreshOutcome is the settled result of one token refresh operation.
// Exactly one of the three shapes occurs: a new token, guest mode (no
// session, recoverable), or an error (AuthExpired or transient).
type refreshOutcome struct {
	token string
	guest bool
	err   error
}

// refreshOp is the single shared in-flight refresh. All callers that need a
// refresh while it runs attach to this one; a second concurrent operation is
// never created.
type refreshOp struct {
	done    chan struct{}
	outcome refreshOutcome
}

func (op *refreshOp) wait(ctx context.Context) (refreshOutcome, error) {
	select {
	case <-op.done:
		return op.outcome, nil
	case <-ctx.Done():
		return refreshOutcome{}, ctx.Err()
	}
}

// RefreshArbiter guarantees at most one token refresh is outstanding
// process-wide and classifies refresh failures. Its single mutex covers the
// start-vs-attach decision, the suspended queue hand-off and the settle of
// the slot; there is never a suspension point between reading and writing
// that state.
type RefreshArbiter struct {
	mu      sync.Mutex
	current *refreshOp // nil when idle
	guest   bool       // latched after a NoRefreshToken outcome

	store      TokenStore
	httpClient *http.Client
	refreshURL string
	timeout    time.Duration
	events     *Emitter
	queue      *SuspendedRequestQueue
	replay     replayFunc
	logger     Logger
	debug      *DebugConfig
	metrics    *MetricsCollector
	now        func() time.Time
}

type arbiterConfig struct {
	store      TokenStore
	httpClient *http.Client
	refreshURL string
	timeout    time.Duration
	events     *Emitter
	queue      *SuspendedRequestQueue
	replay     replayFunc
	logger     Logger
	debug      *DebugConfig
	metrics    *MetricsCollector
	now        func() time.Time
}

func newRefreshArbiter(cfg arbiterConfig) *RefreshArbiter {
	a := &RefreshArbiter{
		store:      cfg.store,
		httpClient: cfg.httpClient,
		refreshURL: cfg.refreshURL,
		timeout:    cfg.timeout,
		events:     cfg.events,
		queue:      cfg.queue,
		replay:     cfg.replay,
		logger:     cfg.logger,
		debug:      cfg.debug,
		metrics:    cfg.metrics,
		now:        cfg.now,
	}
	if a.timeout <= 0 {
		a.timeout = 10 * time.Second
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Refreshing reports whether a refresh operation is currently in flight.
func (a *RefreshArbiter) Refreshing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

// GuestMode reports whether the arbiter has latched into guest mode.
func (a *RefreshArbiter) GuestMode() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.guest
}

// EnsureToken returns the token to attach to an outgoing request. An
// unexpired stored token is returned as-is. An expired or absent token
// triggers (or attaches to) a refresh. In guest mode the zero TokenInfo is
// returned and no refresh is attempted until a new token is stored.
func (a *RefreshArbiter) EnsureToken(ctx context.Context) (TokenInfo, error) {
	if info, ok := a.store.GetAuthToken(); ok {
		if !tokenExpired(info.Token, a.now()) {
			return info, nil
		}
	} else if a.GuestMode() {
		return TokenInfo{}, nil
	}

	op := a.acquire()
	out, err := op.wait(ctx)
	if err != nil {
		return TokenInfo{}, err
	}
	if out.err != nil {
		return TokenInfo{}, out.err
	}
	if out.guest {
		return TokenInfo{}, nil
	}
	return TokenInfo{Token: out.token, Type: TokenTypeBearer, Source: "refresh"}, nil
}

// OnUnauthorized routes a request that received a 401. If the arbiter is
// idle the caller owns a new refresh: await op, then retry the request
// itself. If a refresh is already running the request is parked in the
// suspended queue and queued carries its replayed outcome. The decision and
// the enqueue happen atomically under the arbiter's lock.
func (a *RefreshArbiter) OnUnauthorized(method, url string, opts RequestOptions) (op *refreshOp, queued <-chan replayOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil {
		ch := a.queue.Enqueue(method, url, opts)
		a.metrics.SetSuspendedQueueLength(a.queue.Len())
		if a.debug != nil && a.debug.Enabled && a.debug.LogAuth && a.logger != nil {
			a.logger.Debug("request suspended during refresh", "method", method, "url", url)
		}
		return nil, ch
	}
	return a.begin(), nil
}

// acquire attaches to the running refresh or begins a new one.
func (a *RefreshArbiter) acquire() *refreshOp {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return a.current
	}
	return a.begin()
}

// begin starts a refresh operation. Callers must hold a.mu.
func (a *RefreshArbiter) begin() *refreshOp {
	op := &refreshOp{done: make(chan struct{})}
	a.current = op
	go a.run(op)
	return op
}

// run executes the refresh, commits its outcome and drains the suspended
// queue. The queue batch is taken under the same lock that clears the slot,
// so requests enqueued afterwards belong to the next refresh cycle.
func (a *RefreshArbiter) run(op *refreshOp) {
	out := a.doRefresh(context.Background())

	a.mu.Lock()
	items := a.queue.Take()
	a.current = nil
	a.guest = out.err == nil && out.guest
	a.mu.Unlock()

	op.outcome = out
	close(op.done)

	a.metrics.SetSuspendedQueueLength(0)

	if out.err != nil {
		a.queue.RejectAll(items, out.err)
		return
	}
	a.queue.ReplayAll(context.Background(), items, out.token, a.replay)
}

// doRefresh performs the one network call to the token-issuing endpoint and
// classifies the result. 400 means no refresh token (guest, recoverable);
// 401 means the refresh token itself expired (unrecoverable); anything else
// outside 2xx is transient and does not clear tokens.
func (a *RefreshArbiter) doRefresh(ctx context.Context) refreshOutcome {
	if a.refreshURL == "" {
		return refreshOutcome{err: &APIError{
			Type:      ErrorTypeValidation,
			Message:   "refresh URL not configured",
			Timestamp: a.now(),
		}}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.refreshURL, nil)
	if err != nil {
		return refreshOutcome{err: &APIError{
			Type:      ErrorTypeValidation,
			Message:   "building refresh request",
			Cause:     err,
			Timestamp: a.now(),
		}}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		typ, msg := ErrorTypeNetwork, "refresh request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			typ, msg = ErrorTypeTimeout, "refresh request timed out"
		}
		a.metrics.RecordRefresh("transient")
		return refreshOutcome{err: &APIError{Type: typ, Message: msg, Cause: err, URL: a.refreshURL, Timestamp: a.now()}}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		// No refresh token at all: the user is anonymous. This is the
		// expected steady state for guests, not a hard failure, so queued
		// requests proceed unauthenticated.
		a.store.ClearAllTokens()
		a.events.Emit(EventGuestModeActivated)
		a.metrics.RecordRefresh("guest")
		if a.debug != nil && a.debug.Enabled && a.debug.LogAuth && a.logger != nil {
			a.logger.Info("no refresh token, entering guest mode")
		}
		return refreshOutcome{guest: true}

	case resp.StatusCode == http.StatusUnauthorized:
		// Refresh token expired: the session is unrecoverable.
		a.store.ClearAllTokens()
		a.events.Emit(EventRefreshFailed)
		a.metrics.RecordRefresh("expired")
		if a.debug != nil && a.debug.Enabled && a.debug.LogAuth && a.logger != nil {
			a.logger.Warn("refresh token expired, session cleared")
		}
		return refreshOutcome{err: &APIError{
			Type:       ErrorTypeAuthExpired,
			Message:    "refresh token expired, please log in again",
			StatusCode: resp.StatusCode,
			URL:        a.refreshURL,
			Timestamp:  a.now(),
		}}

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		// Any other status is transient: reject without clearing tokens so
		// a later refresh can still succeed.
		a.metrics.RecordRefresh("transient")
		return refreshOutcome{err: &APIError{
			Type:       ErrorTypeServer,
			Message:    "refresh endpoint unavailable",
			StatusCode: resp.StatusCode,
			URL:        a.refreshURL,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Timestamp:  a.now(),
		}}
	}

	var payload struct {
		Data struct {
			AccessToken string `json:"accessToken"`
		} `json:"data"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil {
		err = json.Unmarshal(body, &payload)
	}
	if err != nil || payload.Data.AccessToken == "" {
		// A malformed 2xx must not force logout; treat it like an outage.
		a.metrics.RecordRefresh("transient")
		return refreshOutcome{err: &APIError{
			Type:      ErrorTypeServer,
			Message:   "malformed refresh response",
			Cause:     err,
			URL:       a.refreshURL,
			Timestamp: a.now(),
		}}
	}

	a.store.SetToken(payload.Data.AccessToken, TokenTypeBearer)
	a.metrics.RecordRefresh("success")
	if a.debug != nil && a.debug.Enabled && a.debug.LogAuth && a.logger != nil {
		a.logger.Debug("token refreshed")
	}
	return refreshOutcome{token: payload.Data.AccessToken}
}
