// Package apigate is the resilient API request coordinator for the
// videoprompt client: every HTTP call the application makes to the backend
// funnels through a single *Coordinator that layers reliability primitives
// around net/http:
//
//   - Single-flight token refresh: concurrent 401s trigger exactly one call
//     to the refresh endpoint; requests that arrive mid-refresh are parked
//     and replayed with the new token once it lands
//   - Request de-duplication (concurrent identical GETs share one network call)
//   - Time-bounded response caching for idempotent GETs
//   - Admission control via a pluggable RateGate before anything hits the wire
//   - Bounded retries with exponential backoff + jitter for transient failures
//   - Circuit breaker, Prometheus metrics and structured debug logging
//
// Design goals:
//   - No hidden globals: construct one Coordinator at startup and pass it around
//   - Functional options configure everything
//   - Safe concurrent use of a single *Coordinator instance
//   - Closed error taxonomy: callers branch on APIError.Type, never on strings
//
// Typical usage:
//
//	gate := apigate.New(
//	    apigate.WithRefreshURL("https://api.example.com/auth/refresh"),
//	    apigate.WithTokenBucketGate(30, time.Second),
//	    apigate.WithMaxRetries(3),
//	    apigate.WithMetrics(),
//	)
//	defer gate.Close()
//	resp, err := gate.Get(ctx, "https://api.example.com/projects/42")
//
// A 400 from the refresh endpoint means the user simply has no session: the
// coordinator clears stored tokens, emits EventGuestModeActivated and lets
// suspended requests proceed unauthenticated. A 401 from the refresh endpoint
// means the session is unrecoverable: tokens are cleared, EventRefreshFailed
// fires and suspended requests are rejected with an AuthExpired error.
package apigate
