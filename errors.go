package apigate

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Closed set of error types carried by APIError.Type. Callers branch on
// these constants; the coordinator never string-matches error messages.
const (
	// ErrorTypeRateLimited: the RateGate denied admission. Never retried.
	ErrorTypeRateLimited = "RateLimited"
	// ErrorTypeClient: a 400 from an ordinary endpoint. Never retried.
	ErrorTypeClient = "Client"
	// ErrorTypeNoRefreshToken: the refresh endpoint returned 400 – the user
	// has no session at all. Recovered internally into guest mode; callers
	// normally never see this type.
	ErrorTypeNoRefreshToken = "NoRefreshToken"
	// ErrorTypeAuthExpired: the refresh endpoint returned 401, or a replayed
	// request was rejected again. The session is unrecoverable.
	ErrorTypeAuthExpired = "AuthExpired"
	// ErrorTypeServer: a 5xx (or 429) response. Eligible for bounded retry.
	ErrorTypeServer = "Server"
	// ErrorTypeTimeout: the per-call deadline elapsed. Eligible for retry,
	// never conflated with a 401.
	ErrorTypeTimeout = "Timeout"
	// ErrorTypeNetwork: transport-level failure before a response arrived.
	ErrorTypeNetwork = "Network"
	// ErrorTypeMalformedResponse: the body could not be read or decoded.
	// Retrying will not fix a parse failure.
	ErrorTypeMalformedResponse = "MalformedResponse"
	// ErrorTypeCircuitOpen: the circuit breaker refused the call.
	ErrorTypeCircuitOpen = "CircuitOpen"
	// ErrorTypeValidation: bad coordinator configuration or request input.
	ErrorTypeValidation = "Validation"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrRateLimited is returned when admission control denies a request.
	ErrRateLimited = errors.New("apigate: rate limited")

	// ErrCircuitOpen is returned when the circuit breaker is in open state.
	ErrCircuitOpen = errors.New("apigate: circuit open")

	// ErrAuthExpired is returned when the session cannot be refreshed and
	// the user must log in again.
	ErrAuthExpired = errors.New("apigate: authentication expired")
)

// APIError is the structured error surfaced by the coordinator. Type is
// always one of the ErrorType constants above.
type APIError struct {
	Type       string
	Message    string
	Cause      error
	RequestID  string
	Method     string
	URL        string
	StatusCode int
	Attempt    int
	RetryAfter time.Duration
	Timestamp  time.Time
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types so errors.Is(err, &APIError{Type: ...}) works.
// The sentinel errors above are also matched by their corresponding type.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*APIError); ok {
		return e.Type == targetErr.Type
	}
	switch target {
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimited
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrAuthExpired:
		return e.Type == ErrorTypeAuthExpired
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *APIError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d\n", e.Attempt)
	}
	if e.RetryAfter > 0 {
		info += fmt.Sprintf("Retry After: %v\n", e.RetryAfter)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient reports whether an error represents a transient failure that
// might succeed on retry: timeouts, network errors, 5xx responses and 429.
// Client errors, auth failures and parse failures are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case ErrorTypeServer, ErrorTypeTimeout, ErrorTypeNetwork:
			return true
		case ErrorTypeClient:
			return apiErr.StatusCode == http.StatusTooManyRequests
		default:
			return false
		}
	}

	return false
}
