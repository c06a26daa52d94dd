package upstream

import (
	"net/http"
	"testing"
	"time"
)

func TestStatusErrorClassification(t *testing.T) {
	cases := []struct {
		name        string
		err         StatusError
		rateLimited bool
		unauth      bool
	}{
		{"429", StatusError{Code: 429}, true, false},
		{"resource exhausted body", StatusError{Code: 400, Body: `{"error":{"status":"RESOURCE_EXHAUSTED"}}`}, true, false},
		{"rateLimitExceeded body", StatusError{Code: 403, Body: `{"error":{"errors":[{"reason":"rateLimitExceeded"}]}}`}, true, true},
		{"401", StatusError{Code: 401}, false, true},
		{"403", StatusError{Code: 403}, false, true},
		{"500", StatusError{Code: 500, Body: "internal"}, false, false},
	}
	for _, tc := range cases {
		if got := tc.err.RateLimited(); got != tc.rateLimited {
			t.Errorf("%s: RateLimited() = %v, want %v", tc.name, got, tc.rateLimited)
		}
		if got := tc.err.Unauthorized(); got != tc.unauth {
			t.Errorf("%s: Unauthorized() = %v, want %v", tc.name, got, tc.unauth)
		}
	}
}

func TestRetryHintHeader(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "7")
	if got := RetryHint(headers, nil); got != 7*time.Second {
		t.Errorf("integer Retry-After = %v, want 7s", got)
	}

	headers.Set("Retry-After", time.Now().Add(30*time.Second).UTC().Format(http.TimeFormat))
	got := RetryHint(headers, nil)
	if got <= 0 || got > 31*time.Second {
		t.Errorf("http-date Retry-After = %v, want roughly 30s", got)
	}

	headers.Set("Retry-After", "garbage")
	if got := RetryHint(headers, nil); got != 0 {
		t.Errorf("unparseable Retry-After = %v, want 0", got)
	}
}

func TestRetryHintBody(t *testing.T) {
	body := []byte(`{"error":{"details":[
		{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"RATE_LIMIT_EXCEEDED"},
		{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"12s"}
	]}}`)
	if got := RetryHint(nil, body); got != 12*time.Second {
		t.Errorf("RetryInfo hint = %v, want 12s", got)
	}
	if got := RetryHint(nil, []byte(`{"error":{"details":[]}}`)); got != 0 {
		t.Errorf("no details hint = %v, want 0", got)
	}
	// The header wins over the body.
	headers := http.Header{}
	headers.Set("Retry-After", "3")
	if got := RetryHint(headers, body); got != 3*time.Second {
		t.Errorf("header precedence = %v, want 3s", got)
	}
}

func TestURLHelpers(t *testing.T) {
	base := "https://daily-cloudcode-pa.googleapis.com/"
	if got := StreamURL(base); got != "https://daily-cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse" {
		t.Errorf("StreamURL = %q", got)
	}
	if got := GenerateURL(base); got != "https://daily-cloudcode-pa.googleapis.com/v1internal:generateContent" {
		t.Errorf("GenerateURL = %q", got)
	}
	if got := ModelsURL(base); got != "https://daily-cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels" {
		t.Errorf("ModelsURL = %q", got)
	}
	if got := ProjectURL(base); got != "https://daily-cloudcode-pa.googleapis.com/v1internal:loadCodeAssist" {
		t.Errorf("ProjectURL = %q", got)
	}
}
