package apigate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestArbiter(refreshURL string, replay replayFunc) (*RefreshArbiter, *MemoryTokenStore, *Emitter) {
	store := NewMemoryTokenStore()
	events := NewEmitter()
	if replay == nil {
		replay = func(ctx context.Context, sr *SuspendedRequest, token string) (*Response, error) {
			return &Response{StatusCode: 200}, nil
		}
	}
	a := newRefreshArbiter(arbiterConfig{
		store:      store,
		httpClient: &http.Client{},
		refreshURL: refreshURL,
		timeout:    5 * time.Second,
		events:     events,
		queue:      NewSuspendedRequestQueue(),
		replay:     replay,
	})
	return a, store, events
}

func TestEnsureTokenSingleFlight(t *testing.T) {
	var refreshCalls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshCalls, 1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"accessToken":"fresh-token"}}`))
	}))
	defer server.Close()

	arbiter, store, _ := newTestArbiter(server.URL, nil)

	const n = 16
	var wg sync.WaitGroup
	results := make([]TokenInfo, n)
	errs := make([]error, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = arbiter.EnsureToken(context.Background())
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&refreshCalls); got != 1 {
		t.Errorf("got %d refresh calls, want exactly 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, errs[i])
		}
		if results[i].Token != "fresh-token" {
			t.Errorf("caller %d: got token %q, want fresh-token", i, results[i].Token)
		}
	}

	info, ok := store.GetAuthToken()
	if !ok || info.Token != "fresh-token" {
		t.Errorf("store holds %+v, want the refreshed token", info)
	}
}

func TestEnsureTokenReturnsValidStoredToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("refresh endpoint called despite a valid stored token")
	}))
	defer server.Close()

	arbiter, store, _ := newTestArbiter(server.URL, nil)
	store.SetToken("opaque-token", TokenTypeBearer)

	info, err := arbiter.EnsureToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Token != "opaque-token" {
		t.Errorf("got %q, want the stored token", info.Token)
	}
}

func TestRefreshGuestMode(t *testing.T) {
	var refreshCalls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshCalls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	arbiter, store, events := newTestArbiter(server.URL, nil)

	var fired int64
	events.Subscribe(EventGuestModeActivated, func(Event) { atomic.AddInt64(&fired, 1) })

	info, err := arbiter.EnsureToken(context.Background())
	if err != nil {
		t.Fatalf("guest mode must not be an error, got: %v", err)
	}
	if info.Token != "" {
		t.Errorf("got token %q in guest mode, want empty", info.Token)
	}
	if !arbiter.GuestMode() {
		t.Error("arbiter did not latch guest mode")
	}
	if atomic.LoadInt64(&fired) != 1 {
		t.Error("guest-mode event did not fire")
	}
	if _, ok := store.GetAuthToken(); ok {
		t.Error("tokens were not cleared on guest transition")
	}

	// Latched: no further refresh attempts until a token appears.
	if _, err := arbiter.EnsureToken(context.Background()); err != nil {
		t.Fatalf("unexpected error in guest mode: %v", err)
	}
	if got := atomic.LoadInt64(&refreshCalls); got != 1 {
		t.Errorf("got %d refresh calls, want 1 (guest mode must not re-refresh)", got)
	}

	// A login installs a token and leaves guest mode behind.
	store.SetToken("logged-in", TokenTypeBearer)
	info, err = arbiter.EnsureToken(context.Background())
	if err != nil || info.Token != "logged-in" {
		t.Errorf("got (%q, %v), want the installed token", info.Token, err)
	}
}

func TestRefreshAuthExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	arbiter, store, events := newTestArbiter(server.URL, nil)

	var fired int64
	events.Subscribe(EventRefreshFailed, func(Event) { atomic.AddInt64(&fired, 1) })

	_, err := arbiter.EnsureToken(context.Background())
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("got %v, want ErrAuthExpired", err)
	}
	if atomic.LoadInt64(&fired) != 1 {
		t.Error("refresh-failed event did not fire")
	}
	if arbiter.GuestMode() {
		t.Error("a 401 refresh must not latch guest mode")
	}
	if _, ok := store.GetAuthToken(); ok {
		t.Error("tokens were not cleared on session expiry")
	}
}

func TestRefreshTransientFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	arbiter, _, _ := newTestArbiter(server.URL, nil)

	_, err := arbiter.EnsureToken(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Type != ErrorTypeServer {
		t.Fatalf("got %v, want a Server error", err)
	}
	if arbiter.GuestMode() {
		t.Error("a transient refresh failure must not latch guest mode")
	}
}

func TestRefreshMalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>oops</html>"},
		{"missing token", `{"data":{}}`},
		{"empty body", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			arbiter, store, _ := newTestArbiter(server.URL, nil)

			_, err := arbiter.EnsureToken(context.Background())
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Type != ErrorTypeServer {
				t.Fatalf("got %v, want a transient Server error", err)
			}
			// A malformed 2xx must not force logout.
			if _, ok := store.GetAuthToken(); ok {
				t.Error("store unexpectedly holds a token")
			}
			if arbiter.GuestMode() {
				t.Error("malformed response must not latch guest mode")
			}
		})
	}
}

func TestRefreshMissingURL(t *testing.T) {
	arbiter, _, _ := newTestArbiter("", nil)

	_, err := arbiter.EnsureToken(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Type != ErrorTypeValidation {
		t.Fatalf("got %v, want a Validation error", err)
	}
}

func TestOnUnauthorizedQueuesDuringRefresh(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"data":{"accessToken":"fresh-token"}}`))
	}))
	defer server.Close()

	var replayedToken atomic.Value
	replay := func(ctx context.Context, sr *SuspendedRequest, token string) (*Response, error) {
		replayedToken.Store(token)
		return &Response{StatusCode: 200, Body: []byte("replayed")}, nil
	}
	arbiter, _, _ := newTestArbiter(server.URL, replay)

	// First 401 owns the refresh.
	op, queued := arbiter.OnUnauthorized(http.MethodGet, "/projects", RequestOptions{})
	if op == nil || queued != nil {
		t.Fatal("first caller should own the refresh")
	}
	if !arbiter.Refreshing() {
		t.Fatal("arbiter not refreshing after begin")
	}

	// Second 401 while the refresh is in flight gets parked.
	op2, queued2 := arbiter.OnUnauthorized(http.MethodGet, "/feedback", RequestOptions{})
	if op2 != nil || queued2 == nil {
		t.Fatal("second caller should be queued, not own a refresh")
	}

	close(release)

	out, err := op.wait(context.Background())
	if err != nil || out.err != nil {
		t.Fatalf("owner refresh failed: %v / %v", err, out.err)
	}
	if out.token != "fresh-token" {
		t.Errorf("owner got token %q, want fresh-token", out.token)
	}

	select {
	case replayed := <-queued2:
		if replayed.err != nil {
			t.Fatalf("queued request failed: %v", replayed.err)
		}
		if string(replayed.resp.Body) != "replayed" {
			t.Errorf("got body %q, want replayed", replayed.resp.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("queued request never received its outcome")
	}

	if got := replayedToken.Load(); got != "fresh-token" {
		t.Errorf("replay used token %v, want fresh-token", got)
	}
	if arbiter.Refreshing() {
		t.Error("arbiter still refreshing after settle")
	}
}

func TestOnUnauthorizedQueueRejectedOnExpiry(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	replayCalled := false
	replay := func(ctx context.Context, sr *SuspendedRequest, token string) (*Response, error) {
		replayCalled = true
		return &Response{StatusCode: 200}, nil
	}
	arbiter, _, _ := newTestArbiter(server.URL, replay)

	op, _ := arbiter.OnUnauthorized(http.MethodGet, "/projects", RequestOptions{})
	_, queued := arbiter.OnUnauthorized(http.MethodGet, "/feedback", RequestOptions{})

	close(release)

	out, _ := op.wait(context.Background())
	if !errors.Is(out.err, ErrAuthExpired) {
		t.Fatalf("owner got %v, want ErrAuthExpired", out.err)
	}

	select {
	case replayed := <-queued:
		if !errors.Is(replayed.err, ErrAuthExpired) {
			t.Errorf("queued request got %v, want ErrAuthExpired", replayed.err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued request never rejected")
	}

	if replayCalled {
		t.Error("queued requests must not be replayed after session expiry")
	}
}

func TestGuestModeQueueReplaysUnauthenticated(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	var replayedToken atomic.Value
	replay := func(ctx context.Context, sr *SuspendedRequest, token string) (*Response, error) {
		replayedToken.Store(token)
		return &Response{StatusCode: 200}, nil
	}
	arbiter, _, _ := newTestArbiter(server.URL, replay)

	op, _ := arbiter.OnUnauthorized(http.MethodGet, "/projects", RequestOptions{})
	_, queued := arbiter.OnUnauthorized(http.MethodGet, "/feedback", RequestOptions{})

	close(release)

	out, _ := op.wait(context.Background())
	if out.err != nil || !out.guest {
		t.Fatalf("owner got %+v, want guest outcome", out)
	}

	select {
	case replayed := <-queued:
		if replayed.err != nil {
			t.Fatalf("queued request failed in guest mode: %v", replayed.err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued request never replayed")
	}

	if got := replayedToken.Load(); got != "" {
		t.Errorf("guest replay used token %v, want empty", got)
	}
}
