package apigate

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient sets the underlying HTTP client. Supply a client with a
// cookie jar if the refresh endpoint authenticates via cookie.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) {
		c.httpClient = client
	}
}

// WithTokenStore replaces the in-memory token store.
func WithTokenStore(store TokenStore) Option {
	return func(c *Coordinator) {
		c.store = store
	}
}

// WithRateGate installs a client-side admission gate. No gate is installed
// by default.
func WithRateGate(gate RateGate) Option {
	return func(c *Coordinator) {
		c.gate = gate
	}
}

// WithTokenBucketGate installs a token-bucket admission gate allowing
// maxRequests per refill interval.
func WithTokenBucketGate(maxRequests int, refillRate time.Duration) Option {
	return func(c *Coordinator) {
		c.gate = NewTokenBucketGate(maxRequests, refillRate)
	}
}

// WithRetryRunner replaces the retry engine entirely.
func WithRetryRunner(runner *RetryRunner) Option {
	return func(c *Coordinator) {
		c.retry = runner
	}
}

// WithMaxRetries sets the default retry budget per request.
func WithMaxRetries(maxRetries int) Option {
	return func(c *Coordinator) {
		c.maxRetries = maxRetries
	}
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(backoff time.Duration) Option {
	return func(c *Coordinator) {
		c.initialBackoff = backoff
	}
}

// WithMaxBackoff caps the retry delay.
func WithMaxBackoff(backoff time.Duration) Option {
	return func(c *Coordinator) {
		c.maxBackoff = backoff
	}
}

// WithBackoffMultiplier sets the growth factor between retry delays.
func WithBackoffMultiplier(multiplier float64) Option {
	return func(c *Coordinator) {
		c.backoffMultiplier = multiplier
	}
}

// WithJitter sets the jitter fraction applied to retry delays (0..1).
func WithJitter(jitter float64) Option {
	return func(c *Coordinator) {
		c.jitter = jitter
	}
}

// WithBackoffStrategy selects the backoff algorithm.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(c *Coordinator) {
		c.backoffStrategy = strategy
	}
}

// WithTimeout sets the default per-request deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithIdentityTimeout sets the per-request deadline for identity endpoints.
func WithIdentityTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.identityTimeout = timeout
	}
}

// WithRefreshURL sets the token refresh endpoint. Required for any
// authenticated usage.
func WithRefreshURL(url string) Option {
	return func(c *Coordinator) {
		c.refreshURL = url
	}
}

// WithRefreshTimeout bounds the refresh network call.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.refreshTimeout = timeout
	}
}

// WithCacheTTL sets the default TTL for cached GET responses.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.cacheTTL = ttl
	}
}

// WithIdentityCacheTTL sets the TTL for identity endpoint responses.
func WithIdentityCacheTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.identityTTL = ttl
	}
}

// WithIdentityEndpoints replaces the path prefixes treated as identity
// endpoints (longer cache TTL, shorter timeout).
func WithIdentityEndpoints(prefixes ...string) Option {
	return func(c *Coordinator) {
		c.identityPrefixes = prefixes
	}
}

// WithoutCache disables response caching entirely.
func WithoutCache() Option {
	return func(c *Coordinator) {
		c.cache = nil
	}
}

// WithCircuitBreaker configures the circuit breaker thresholds.
func WithCircuitBreaker(cfg BreakerConfig) Option {
	return func(c *Coordinator) {
		c.breaker = NewCircuitBreaker(cfg)
	}
}

// WithoutCircuitBreaker disables the circuit breaker.
func WithoutCircuitBreaker() Option {
	return func(c *Coordinator) {
		c.breaker = nil
	}
}

// WithMetrics enables Prometheus metrics on the default registry.
func WithMetrics() Option {
	return func(c *Coordinator) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector installs a pre-built collector, e.g. one bound to a
// custom registry.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Coordinator) {
		c.metrics = collector
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSimpleLogger installs the built-in stderr logger.
func WithSimpleLogger() Option {
	return func(c *Coordinator) {
		c.logger = NewSimpleLogger()
	}
}

// WithDebug enables debug logging for every category.
func WithDebug() Option {
	return func(c *Coordinator) {
		c.debug = &DebugConfig{
			Enabled:      true,
			LogRequests:  true,
			LogCache:     true,
			LogRetries:   true,
			LogRateLimit: true,
			LogAuth:      true,
			RequestIDGen: c.debug.RequestIDGen,
		}
		if c.logger == nil {
			c.logger = NewSimpleLogger()
		}
	}
}

// WithDebugConfig sets fine-grained debug logging flags.
func WithDebugConfig(cfg *DebugConfig) Option {
	return func(c *Coordinator) {
		if cfg.RequestIDGen == nil {
			cfg.RequestIDGen = c.debug.RequestIDGen
		}
		c.debug = cfg
	}
}

// WithRequestIDGenerator overrides how request IDs are generated.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		c.debug.RequestIDGen = gen
	}
}

// WithKeyFunc replaces the request key derivation used for deduplication
// and caching.
func WithKeyFunc(fn func(method, url string, body []byte) string) Option {
	return func(c *Coordinator) {
		c.keyFunc = fn
	}
}

// WithMaintenanceInterval sets how often expired cache entries and stale
// in-flight promises are purged. Zero disables the janitor.
func WithMaintenanceInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		c.maintenanceInterval = interval
	}
}

// ValidateConfiguration checks the coordinator configuration for invalid
// values and returns a descriptive error listing every problem found.
func (c *Coordinator) ValidateConfiguration() error {
	var problems []string

	if c.httpClient == nil {
		problems = append(problems, "http client must not be nil")
	}
	if c.store == nil {
		problems = append(problems, "token store must not be nil")
	}
	if c.maxRetries < 0 {
		problems = append(problems, fmt.Sprintf("max retries must be >= 0, got %d", c.maxRetries))
	}
	if c.initialBackoff <= 0 {
		problems = append(problems, fmt.Sprintf("initial backoff must be positive, got %v", c.initialBackoff))
	}
	if c.maxBackoff < c.initialBackoff {
		problems = append(problems, fmt.Sprintf("max backoff %v must be >= initial backoff %v", c.maxBackoff, c.initialBackoff))
	}
	if c.backoffMultiplier <= 0 {
		problems = append(problems, fmt.Sprintf("backoff multiplier must be positive, got %v", c.backoffMultiplier))
	}
	if c.jitter < 0 || c.jitter > 1 {
		problems = append(problems, fmt.Sprintf("jitter must be within [0, 1], got %v", c.jitter))
	}
	if c.timeout <= 0 {
		problems = append(problems, fmt.Sprintf("timeout must be positive, got %v", c.timeout))
	}
	if c.cacheTTL <= 0 {
		problems = append(problems, fmt.Sprintf("cache TTL must be positive, got %v", c.cacheTTL))
	}
	if c.identityTTL <= 0 {
		problems = append(problems, fmt.Sprintf("identity cache TTL must be positive, got %v", c.identityTTL))
	}
	if c.keyFunc == nil {
		problems = append(problems, "key function must not be nil")
	}

	if len(problems) == 0 {
		return nil
	}
	return &APIError{
		Type:      ErrorTypeValidation,
		Message:   "invalid configuration: " + strings.Join(problems, "; "),
		Timestamp: c.now(),
	}
}

// IsValid reports whether the coordinator passed configuration validation.
func (c *Coordinator) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration error found at construction, if
// any.
func (c *Coordinator) ValidationError() error {
	return c.validationError
}
