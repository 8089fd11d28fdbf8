package apigate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RequestOptions are the per-call knobs recognized by Request.
type RequestOptions struct {
	// Body is sent as the request body and participates in the request key.
	Body []byte
	// Header entries are added to the outgoing request.
	Header http.Header
	// SkipAuth bypasses the auth header and the 401 recovery path entirely.
	SkipAuth bool
	// RetryCount overrides the retry budget: >0 sets it, <0 disables
	// retries, 0 uses the coordinator default.
	RetryCount int
	// Timeout overrides the per-call deadline.
	Timeout time.Duration
	// CacheTTL overrides the cache TTL (GET only).
	CacheTTL time.Duration
}

// Coordinator is the process-wide HTTP gateway: it owns token lifecycle,
// request deduplication, response caching, admission control and retries.
// Construct one with New at application start and pass it by reference; it
// is safe for concurrent use.
type Coordinator struct {
	httpClient *http.Client
	store      TokenStore
	gate       RateGate
	retry      *RetryRunner
	cache      *RequestCache
	inflight   *InFlightRegistry
	queue      *SuspendedRequestQueue
	arbiter    *RefreshArbiter
	breaker    *CircuitBreaker
	events     *Emitter
	metrics    *MetricsCollector
	logger     Logger
	debug      *DebugConfig

	refreshURL       string
	refreshTimeout   time.Duration
	timeout          time.Duration
	identityTimeout  time.Duration
	cacheTTL         time.Duration
	identityTTL      time.Duration
	identityPrefixes []string

	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   BackoffStrategy

	keyFunc func(method, url string, body []byte) string

	maintenanceInterval time.Duration
	stopJanitor         chan struct{}
	closeOnce           sync.Once

	validationError error
	now             func() time.Time
}

// New constructs a Coordinator using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Coordinator {
	jar, _ := cookiejar.New(nil)
	c := &Coordinator{
		// The cookie jar carries the refresh-token cookie to /auth/refresh.
		httpClient: &http.Client{Timeout: 30 * time.Second, Jar: jar},
		store:      NewMemoryTokenStore(),
		cache:      NewRequestCache(),
		inflight:   NewInFlightRegistry(),
		queue:      NewSuspendedRequestQueue(),
		events:     NewEmitter(),
		breaker:    NewCircuitBreaker(BreakerConfig{}),
		debug:      DefaultDebugConfig(),

		refreshTimeout:   10 * time.Second,
		timeout:          15 * time.Second,
		identityTimeout:  10 * time.Second,
		cacheTTL:         DefaultCacheTTL,
		identityTTL:      IdentityCacheTTL,
		identityPrefixes: []string{"/auth/me", "/auth/session", "/users/me"},

		maxRetries:        3,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,

		keyFunc: RequestKey,

		maintenanceInterval: 30 * time.Second,
		stopJanitor:         make(chan struct{}),
		now:                 time.Now,
	}

	for _, option := range options {
		option(c)
	}

	if c.retry == nil {
		c.retry = NewRetryRunner(RetryConfig{
			MaxRetries:     c.maxRetries,
			InitialBackoff: c.initialBackoff,
			MaxBackoff:     c.maxBackoff,
			Multiplier:     c.backoffMultiplier,
			Jitter:         c.jitter,
			Strategy:       c.backoffStrategy,
		})
	}

	c.arbiter = newRefreshArbiter(arbiterConfig{
		store:      c.store,
		httpClient: c.httpClient,
		refreshURL: c.refreshURL,
		timeout:    c.refreshTimeout,
		events:     c.events,
		queue:      c.queue,
		replay:     c.queueReplay,
		logger:     c.logger,
		debug:      c.debug,
		metrics:    c.metrics,
		now:        c.now,
	})

	if err := c.ValidateConfiguration(); err != nil {
		c.validationError = err
	}

	if c.maintenanceInterval > 0 {
		go c.janitor()
	}

	return c
}

// Events exposes the auth event emitter for subscription.
func (c *Coordinator) Events() *Emitter { return c.events }

// TokenStore exposes the store so the login flow can install tokens.
func (c *Coordinator) TokenStore() TokenStore { return c.store }

// Get issues a coordinated GET.
func (c *Coordinator) Get(ctx context.Context, url string) (*Response, error) {
	return c.Request(ctx, http.MethodGet, url, RequestOptions{})
}

// Post issues a coordinated POST with a JSON body.
func (c *Coordinator) Post(ctx context.Context, url string, body []byte) (*Response, error) {
	return c.Request(ctx, http.MethodPost, url, RequestOptions{Body: body})
}

// Put issues a coordinated PUT with a JSON body.
func (c *Coordinator) Put(ctx context.Context, url string, body []byte) (*Response, error) {
	return c.Request(ctx, http.MethodPut, url, RequestOptions{Body: body})
}

// Patch issues a coordinated PATCH with a JSON body.
func (c *Coordinator) Patch(ctx context.Context, url string, body []byte) (*Response, error) {
	return c.Request(ctx, http.MethodPatch, url, RequestOptions{Body: body})
}

// Delete issues a coordinated DELETE.
func (c *Coordinator) Delete(ctx context.Context, url string) (*Response, error) {
	return c.Request(ctx, http.MethodDelete, url, RequestOptions{})
}

// Request runs the full request life cycle: admission check, cache lookup,
// de-duplication, execution with auth/retry, cache population.
func (c *Coordinator) Request(ctx context.Context, method, rawURL string, opts RequestOptions) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}

	method = strings.ToUpper(method)
	endpoint := endpointLabel(rawURL)
	start := c.now()

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
	}
	if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
		c.logger.Debug("starting request", "requestID", requestID, "method", method, "url", rawURL)
	}

	c.metrics.RecordRequestStart(method, endpoint)
	defer c.metrics.RecordRequestEnd(method, endpoint)

	// Admission control runs before anything else: a denied request costs
	// no network call and no promise in the dedup registry.
	if c.gate != nil && !c.gate.CanMakeRequest() {
		retryAfter := time.Until(c.gate.GetResetTime())
		if retryAfter < 0 {
			retryAfter = 0
		}
		c.metrics.RecordRateLimited(endpoint)
		if c.debug != nil && c.debug.Enabled && c.debug.LogRateLimit && c.logger != nil {
			c.logger.Warn("rate limit exceeded", "requestID", requestID, "endpoint", endpoint, "retryAfter", retryAfter)
		}
		return nil, &APIError{
			Type:       ErrorTypeRateLimited,
			Message:    "rate limit exceeded",
			RequestID:  requestID,
			Method:     method,
			URL:        rawURL,
			RetryAfter: retryAfter,
			Timestamp:  c.now(),
		}
	}

	isGet := method == http.MethodGet
	cacheable := isGet && c.cacheEnabled(ctx)
	key := c.keyFunc(method, rawURL, opts.Body)

	if cacheable {
		if entry, ok := c.cache.Get(key); ok {
			c.metrics.RecordCacheHit(method, endpoint)
			c.metrics.RecordRequest(method, endpoint, entry.StatusCode, time.Since(start))
			if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
				c.logger.Debug("cache hit", "requestID", requestID, "key", key)
			}
			return responseFromCache(entry), nil
		}
		c.metrics.RecordCacheMiss(method, endpoint)
	}

	// Only GETs participate in de-duplication: a side-effecting call must
	// never be silently merged with another caller's.
	if !isGet {
		resp, err := c.executeOnce(ctx, method, rawURL, opts, requestID)
		c.metrics.RecordRequest(method, endpoint, statusOf(resp), time.Since(start))
		return resp, err
	}

	call, owner := c.inflight.AttachOrCreate(key)
	if !owner {
		c.metrics.RecordDeduplicationHit(method, endpoint)
		if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
			c.logger.Debug("attached to in-flight request", "requestID", requestID, "key", key)
		}
		resp, err := call.Wait(ctx)
		c.metrics.RecordRequest(method, endpoint, statusOf(resp), time.Since(start))
		return resp, err
	}

	resp, err := c.executeOnce(ctx, method, rawURL, opts, requestID)

	// Ordering matters: outcome settles, cache is written, then the dedup
	// entry is removed. A request arriving in between attaches to the
	// already-settled call instead of missing the cache.
	if cacheable && err == nil && resp.OK() {
		c.cache.Set(key, cacheEntryFromResponse(resp), c.ttlFor(ctx, rawURL, opts))
		c.metrics.RecordCacheSize(c.cache.Len())
		if c.debug != nil && c.debug.Enabled && c.debug.LogCache && c.logger != nil {
			c.logger.Debug("response cached", "requestID", requestID, "key", key)
		}
	}
	c.inflight.Complete(key, call, resp, err)

	c.metrics.RecordRequest(method, endpoint, statusOf(resp), time.Since(start))
	return resp, err
}

// executeOnce is the single shared execution behind a dedup entry: consume
// an admission token, run the call with retries, then route 401/400.
func (c *Coordinator) executeOnce(ctx context.Context, method, rawURL string, opts RequestOptions, requestID string) (*Response, error) {
	if c.gate != nil {
		c.gate.RecordRequest()
	}

	resp, err := c.attemptWithRetry(ctx, method, rawURL, opts, requestID, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized && !opts.SkipAuth:
		return c.recoverUnauthorized(ctx, method, rawURL, opts, requestID)
	case resp.StatusCode == http.StatusBadRequest:
		// Malformed request: retrying cannot fix it, surface as-is.
		return resp, c.clientError(method, rawURL, requestID, resp)
	default:
		return resp, nil
	}
}

// attemptWithRetry drives roundTrip through the RetryRunner so transient
// failures (5xx, 429, timeouts, network errors) get bounded retries.
func (c *Coordinator) attemptWithRetry(ctx context.Context, method, rawURL string, opts RequestOptions, requestID string, override *TokenInfo) (*Response, error) {
	var resp *Response
	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		var err error
		resp, err = c.roundTrip(ctx, method, rawURL, opts, requestID, override)
		return err
	}
	err := c.retry.WithRetry(ctx, c.maxRetriesFor(opts), op)
	if attempts > 1 {
		c.metrics.RecordRetries(method, endpointLabel(rawURL), attempts-1)
		if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
			c.logger.Info("request retried", "requestID", requestID, "attempts", attempts)
		}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// roundTrip performs one network call. It returns typed errors for outcomes
// the retry layer may try again (Server, Timeout, Network, 429) and plain
// responses for everything else; 401/400 routing happens in executeOnce.
func (c *Coordinator) roundTrip(ctx context.Context, method, rawURL string, opts RequestOptions, requestID string, override *TokenInfo) (*Response, error) {
	endpoint := endpointLabel(rawURL)

	if c.breaker != nil && !c.breaker.Allow() {
		c.metrics.RecordError(ErrorTypeCircuitOpen, method, endpoint)
		return nil, &APIError{
			Type:      ErrorTypeCircuitOpen,
			Message:   "circuit breaker is open",
			RequestID: requestID,
			Method:    method,
			URL:       rawURL,
			Timestamp: c.now(),
		}
	}

	var auth TokenInfo
	haveAuth := false
	if !opts.SkipAuth {
		if override != nil {
			auth = *override
			haveAuth = auth.Token != ""
		} else {
			info, err := c.arbiter.EnsureToken(ctx)
			if err != nil {
				return nil, err
			}
			auth = info
			haveAuth = info.Token != ""
		}
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeoutFor(rawURL, opts))
	defer cancel()

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(rctx, method, rawURL, body)
	if err != nil {
		return nil, &APIError{
			Type:      ErrorTypeValidation,
			Message:   "building request",
			Cause:     err,
			RequestID: requestID,
			Method:    method,
			URL:       rawURL,
			Timestamp: c.now(),
		}
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if len(opts.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if haveAuth {
		setAuthHeader(req, auth)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		// The caller gave up: not a transport failure, not a timeout, and
		// not the backend's fault, so the breaker stays out of it.
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if c.breaker != nil {
			c.breaker.RecordFailure()
			c.metrics.RecordCircuitBreakerState(c.breaker.State())
		}
		typ, msg := ErrorTypeNetwork, "network request failed"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
			typ, msg = ErrorTypeTimeout, "request timed out"
		}
		c.metrics.RecordError(typ, method, endpoint)
		return nil, &APIError{
			Type:      typ,
			Message:   msg,
			Cause:     err,
			RequestID: requestID,
			Method:    method,
			URL:       rawURL,
			Timestamp: c.now(),
		}
	}
	defer httpResp.Body.Close()

	const maxBodySize = 10 << 20
	buf, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		c.metrics.RecordError(ErrorTypeMalformedResponse, method, endpoint)
		return nil, &APIError{
			Type:      ErrorTypeMalformedResponse,
			Message:   "reading response body",
			Cause:     err,
			RequestID: requestID,
			Method:    method,
			URL:       rawURL,
			Timestamp: c.now(),
		}
	}
	resp := &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header.Clone(), Body: buf}

	switch {
	case resp.StatusCode >= 500:
		if c.breaker != nil {
			c.breaker.RecordFailure()
			c.metrics.RecordCircuitBreakerState(c.breaker.State())
		}
		c.metrics.RecordError(ErrorTypeServer, method, endpoint)
		return resp, &APIError{
			Type:       ErrorTypeServer,
			Message:    "server error",
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			RequestID:  requestID,
			Method:     method,
			URL:        rawURL,
			Timestamp:  c.now(),
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		// Server-side throttling: retryable, with the server's pacing hint.
		return resp, &APIError{
			Type:       ErrorTypeClient,
			Message:    "too many requests",
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			RequestID:  requestID,
			Method:     method,
			URL:        rawURL,
			Timestamp:  c.now(),
		}
	default:
		if c.breaker != nil {
			c.breaker.RecordSuccess()
			c.metrics.RecordCircuitBreakerState(c.breaker.State())
		}
		return resp, nil
	}
}

// recoverUnauthorized routes a 401 through the arbiter: either this caller
// owns the refresh and retries itself afterwards, or it parks in the
// suspended queue and receives its replayed outcome.
func (c *Coordinator) recoverUnauthorized(ctx context.Context, method, rawURL string, opts RequestOptions, requestID string) (*Response, error) {
	if c.debug != nil && c.debug.Enabled && c.debug.LogAuth && c.logger != nil {
		c.logger.Debug("unauthorized, coordinating token refresh", "requestID", requestID, "method", method, "url", rawURL)
	}

	op, queued := c.arbiter.OnUnauthorized(method, rawURL, opts)
	if queued != nil {
		select {
		case out := <-queued:
			return out.resp, out.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out, err := op.wait(ctx)
	if err != nil {
		return nil, err
	}
	if out.err != nil {
		return nil, out.err
	}
	return c.replayOnce(ctx, method, rawURL, opts, requestID, out.token)
}

// replayOnce reissues a request after a refresh settled. A second 401 here
// means the fresh token was rejected; it is never re-queued, preventing
// refresh loops.
func (c *Coordinator) replayOnce(ctx context.Context, method, rawURL string, opts RequestOptions, requestID, token string) (*Response, error) {
	override := &TokenInfo{}
	if token != "" {
		*override = TokenInfo{Token: token, Type: TokenTypeBearer, Source: "refresh"}
	}

	resp, err := c.attemptWithRetry(ctx, method, rawURL, opts, requestID, override)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized && !opts.SkipAuth:
		c.events.Emit(EventTokenInvalid)
		c.metrics.RecordError(ErrorTypeAuthExpired, method, endpointLabel(rawURL))
		return resp, &APIError{
			Type:       ErrorTypeAuthExpired,
			Message:    "token rejected after refresh",
			StatusCode: resp.StatusCode,
			RequestID:  requestID,
			Method:     method,
			URL:        rawURL,
			Timestamp:  c.now(),
		}
	case resp.StatusCode == http.StatusBadRequest:
		return resp, c.clientError(method, rawURL, requestID, resp)
	default:
		return resp, nil
	}
}

// queueReplay is the replayFunc handed to the arbiter for draining the
// suspended queue.
func (c *Coordinator) queueReplay(ctx context.Context, sr *SuspendedRequest, token string) (*Response, error) {
	return c.replayOnce(ctx, sr.method, sr.url, sr.opts, "", token)
}

func (c *Coordinator) clientError(method, rawURL, requestID string, resp *Response) *APIError {
	c.metrics.RecordError(ErrorTypeClient, method, endpointLabel(rawURL))
	return &APIError{
		Type:       ErrorTypeClient,
		Message:    "request rejected",
		StatusCode: resp.StatusCode,
		RequestID:  requestID,
		Method:     method,
		URL:        rawURL,
		Timestamp:  c.now(),
	}
}

func (c *Coordinator) maxRetriesFor(opts RequestOptions) int {
	switch {
	case opts.RetryCount > 0:
		return opts.RetryCount
	case opts.RetryCount < 0:
		return 0
	default:
		return c.maxRetries
	}
}

func (c *Coordinator) timeoutFor(rawURL string, opts RequestOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if c.isIdentityEndpoint(rawURL) {
		return c.identityTimeout
	}
	return c.timeout
}

func (c *Coordinator) ttlFor(ctx context.Context, rawURL string, opts RequestOptions) time.Duration {
	if opts.CacheTTL > 0 {
		return opts.CacheTTL
	}
	if cc, ok := cacheControlFromContext(ctx); ok && cc.TTL > 0 {
		return cc.TTL
	}
	if c.isIdentityEndpoint(rawURL) {
		return c.identityTTL
	}
	return c.cacheTTL
}

func (c *Coordinator) cacheEnabled(ctx context.Context) bool {
	if c.cache == nil {
		return false
	}
	if cc, ok := cacheControlFromContext(ctx); ok {
		return cc.Enabled
	}
	return true
}

func (c *Coordinator) isIdentityEndpoint(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, prefix := range c.identityPrefixes {
		if strings.HasPrefix(u.Path, prefix) {
			return true
		}
	}
	return false
}

func setAuthHeader(req *http.Request, info TokenInfo) {
	switch info.Type {
	case TokenTypeLegacy:
		req.Header.Set("X-Auth-Token", info.Token)
	default:
		req.Header.Set("Authorization", "Bearer "+info.Token)
	}
}

func statusOf(resp *Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// endpointLabel reduces a URL to host+path for metrics and logs.
func endpointLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}

	var b strings.Builder
	b.WriteString(u.Host)
	if u.Path != "" && u.Path != "/" {
		b.WriteString(u.Path)
	} else {
		b.WriteByte('/')
	}
	return b.String()
}
