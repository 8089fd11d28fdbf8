package apigate

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// Response is the fully buffered outcome of a coordinated HTTP call. Bodies
// are buffered so a single response can be cached, shared between
// de-duplicated callers and replayed after a token refresh.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// JSON decodes the buffered body into v. An empty or undecodable body is
// surfaced as a MalformedResponse error and is never retried.
func (r *Response) JSON(v any) error {
	if r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return &APIError{
			Type:      ErrorTypeMalformedResponse,
			Message:   "empty response body",
			Timestamp: time.Now(),
		}
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &APIError{
			Type:      ErrorTypeMalformedResponse,
			Message:   "decoding response body",
			Cause:     err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Bodies are copied in both directions so a caller mutating its Response
// can never corrupt the cached entry, and vice versa.
func responseFromCache(entry *CacheEntry) *Response {
	return &Response{
		StatusCode: entry.StatusCode,
		Header:     entry.Header.Clone(),
		Body:       append([]byte(nil), entry.Body...),
	}
}

func cacheEntryFromResponse(resp *Response) *CacheEntry {
	return &CacheEntry{
		Body:       append([]byte(nil), resp.Body...),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}
}
