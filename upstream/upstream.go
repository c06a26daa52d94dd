// Package upstream defines the capabilities the router consumes from the
// outside world (authenticated HTTP, token resolution, project resolution,
// model catalog) plus the request envelope builder. Implementations here are
// thin defaults; callers may substitute their own.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/routerlab/gravitypool/account"
)

const (
	// BaseURLDaily is the primary upstream endpoint.
	BaseURLDaily = "https://daily-cloudcode-pa.googleapis.com"
	// BaseURLSandbox is tried after the primary on per-endpoint failures.
	BaseURLSandbox = "https://daily-cloudcode-pa.sandbox.googleapis.com"

	streamPath   = "/v1internal:streamGenerateContent"
	generatePath = "/v1internal:generateContent"
	modelsPath   = "/v1internal:fetchAvailableModels"
	projectPath  = "/v1internal:loadCodeAssist"

	// DefaultUserAgent identifies the client toward the upstream.
	DefaultUserAgent = "antigravity/1.104.0 darwin/arm64"
)

// DefaultBaseURLs is the fallback order walked per attempt.
var DefaultBaseURLs = []string{BaseURLDaily, BaseURLSandbox}

// StatusError carries a non-2xx upstream status with its body and an
// optional retry hint parsed from headers or the error payload.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// RateLimited reports whether the error represents throttling or quota
// exhaustion rather than a hard failure.
func (e *StatusError) RateLimited() bool {
	if e.Code == http.StatusTooManyRequests {
		return true
	}
	return strings.Contains(e.Body, "RESOURCE_EXHAUSTED") || strings.Contains(e.Body, "rateLimitExceeded")
}

// Unauthorized reports a rejected credential.
func (e *StatusError) Unauthorized() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// RetryHint extracts a retry delay from an error response, preferring the
// Retry-After header over the structured RetryInfo detail in the body.
// Returns zero when no hint exists.
func RetryHint(headers http.Header, body []byte) time.Duration {
	if headers != nil {
		if raw := headers.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
			if at, err := http.ParseTime(raw); err == nil {
				if wait := time.Until(at); wait > 0 {
					return wait
				}
			}
		}
	}
	for _, detail := range gjson.GetBytes(body, "error.details").Array() {
		if !strings.HasSuffix(detail.Get("@type").String(), "RetryInfo") {
			continue
		}
		raw := detail.Get("retryDelay").String()
		if raw == "" {
			continue
		}
		if delay, err := time.ParseDuration(raw); err == nil && delay > 0 {
			return delay
		}
	}
	return 0
}

// Caller performs one authenticated HTTP exchange against the upstream. The
// caller owns the response body.
type Caller interface {
	Call(ctx context.Context, token, method, url string, headers http.Header, body []byte) (*http.Response, error)
}

// TokenResolver produces a bearer token for an account.
type TokenResolver interface {
	Token(ctx context.Context, acct *account.Account) (string, error)
}

// ProjectResolver produces the upstream project id for an account.
type ProjectResolver interface {
	ProjectID(ctx context.Context, acct *account.Account, token string) (string, error)
}

// HTTPCaller is the default Caller on net/http.
type HTTPCaller struct {
	Client *http.Client
}

// Call issues the request with the bearer token attached.
func (c *HTTPCaller) Call(ctx context.Context, token, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

// StreamURL is the SSE generation endpoint on the given base.
func StreamURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + streamPath + "?alt=sse"
}

// GenerateURL is the batch generation endpoint on the given base.
func GenerateURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + generatePath
}

// ModelsURL is the catalog endpoint on the given base.
func ModelsURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + modelsPath
}

// ProjectURL is the project-discovery endpoint on the given base.
func ProjectURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + projectPath
}
