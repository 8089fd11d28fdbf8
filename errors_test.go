package apigate

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{
		Type:       ErrorTypeServer,
		Message:    "server error",
		RequestID:  "req-1",
		StatusCode: 503,
	}
	msg := err.Error()
	for _, want := range []string{"Server", "server error", "req-1", "503"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}

func TestAPIErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &APIError{Type: ErrorTypeNetwork, Message: "network request failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach the wrapped cause")
	}

	var apiErr *APIError
	wrapped := fmt.Errorf("request failed: %w", err)
	if !errors.As(wrapped, &apiErr) {
		t.Fatal("errors.As did not find the APIError")
	}
	if apiErr.Type != ErrorTypeNetwork {
		t.Errorf("got type %s, want Network", apiErr.Type)
	}
}

func TestAPIErrorIsSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		sentinel error
		want     bool
	}{
		{"rate limited matches", &APIError{Type: ErrorTypeRateLimited}, ErrRateLimited, true},
		{"circuit open matches", &APIError{Type: ErrorTypeCircuitOpen}, ErrCircuitOpen, true},
		{"auth expired matches", &APIError{Type: ErrorTypeAuthExpired}, ErrAuthExpired, true},
		{"cross type does not match", &APIError{Type: ErrorTypeServer}, ErrRateLimited, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.sentinel); got != tt.want {
				t.Errorf("errors.Is = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAPIErrorIsByType(t *testing.T) {
	err := &APIError{Type: ErrorTypeAuthExpired, Message: "refresh token expired"}
	if !errors.Is(err, &APIError{Type: ErrorTypeAuthExpired}) {
		t.Error("same-type APIError values should match")
	}
	if errors.Is(err, &APIError{Type: ErrorTypeServer}) {
		t.Error("different-type APIError values must not match")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server 500", &APIError{Type: ErrorTypeServer, StatusCode: 500}, true},
		{"timeout", &APIError{Type: ErrorTypeTimeout}, true},
		{"network", &APIError{Type: ErrorTypeNetwork}, true},
		{"client 429", &APIError{Type: ErrorTypeClient, StatusCode: 429}, true},
		{"client 400", &APIError{Type: ErrorTypeClient, StatusCode: 400}, false},
		{"auth expired", &APIError{Type: ErrorTypeAuthExpired}, false},
		{"rate limited", &APIError{Type: ErrorTypeRateLimited}, false},
		{"malformed response", &APIError{Type: ErrorTypeMalformedResponse}, false},
		{"circuit open", &APIError{Type: ErrorTypeCircuitOpen}, false},
		{"plain error", errors.New("boom"), false},
		{"wrapped server error", fmt.Errorf("ctx: %w", &APIError{Type: ErrorTypeServer, StatusCode: 502}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResponseJSON(t *testing.T) {
	resp := &Response{StatusCode: 200, Body: []byte(`{"name":"clip"}`)}
	var out struct {
		Name string `json:"name"`
	}
	if err := resp.JSON(&out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Name != "clip" {
		t.Errorf("got %q, want clip", out.Name)
	}
}

func TestResponseJSONMalformed(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"empty body", nil},
		{"whitespace body", []byte("  \n")},
		{"truncated json", []byte(`{"name":`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &Response{StatusCode: 200, Body: tt.body}
			var out map[string]any
			err := resp.JSON(&out)
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Type != ErrorTypeMalformedResponse {
				t.Errorf("got %v, want MalformedResponse", err)
			}
		})
	}
}
