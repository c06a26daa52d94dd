package upstream

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestBuildEnvelope(t *testing.T) {
	b := &Builder{}
	inner := []byte(`{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`)
	envelope := string(b.Build("proj-1", "claude-sonnet-4-5", inner))

	if got := gjson.Get(envelope, "model").String(); got != "claude-sonnet-4-5" {
		t.Errorf("model = %q", got)
	}
	if got := gjson.Get(envelope, "project").String(); got != "proj-1" {
		t.Errorf("project = %q", got)
	}
	if got := gjson.Get(envelope, "userAgent").String(); got != "antigravity" {
		t.Errorf("userAgent = %q", got)
	}
	if got := gjson.Get(envelope, "requestType").String(); got != "agent" {
		t.Errorf("requestType = %q", got)
	}
	if got := gjson.Get(envelope, "requestId").String(); !strings.HasPrefix(got, "agent-") {
		t.Errorf("requestId = %q, want agent- prefix", got)
	}
	if got := gjson.Get(envelope, "request.sessionId").String(); !strings.HasPrefix(got, "-") {
		t.Errorf("sessionId = %q, want numeric with - prefix", got)
	}
	if got := gjson.Get(envelope, "request.contents.0.parts.0.text").String(); got != "hello" {
		t.Errorf("inner request lost: %q", got)
	}
}

func TestSessionIDStability(t *testing.T) {
	inner := []byte(`{"contents":[
		{"role":"model","parts":[{"text":"earlier answer"}]},
		{"role":"user","parts":[{"text":"the question"}]}
	]}`)
	first := SessionID(inner)
	second := SessionID(inner)
	if first != second {
		t.Errorf("session id not stable: %q vs %q", first, second)
	}
	other := SessionID([]byte(`{"contents":[{"role":"user","parts":[{"text":"different"}]}]}`))
	if other == first {
		t.Error("different conversations should get different session ids")
	}
	// No user text: random, but still well-formed.
	random := SessionID([]byte(`{"contents":[]}`))
	if !strings.HasPrefix(random, "-") || len(random) < 2 {
		t.Errorf("fallback session id = %q", random)
	}
}

func TestDuplicatedPreamblePolicy(t *testing.T) {
	envelope := `{"request":{"systemInstruction":{"role":"user","parts":[{"text":"caller system"}]}}}`
	out := DuplicatedPreamblePolicy(envelope)

	parts := gjson.Get(out, "request.systemInstruction.parts").Array()
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3 (preamble, ignore copy, caller)", len(parts))
	}
	if parts[0].Get("text").String() != agentPreamble {
		t.Error("first part should be the agent preamble")
	}
	second := parts[1].Get("text").String()
	if !strings.HasPrefix(second, "Please ignore following [ignore]") || !strings.HasSuffix(second, "[/ignore]") {
		t.Errorf("second part = %q", second)
	}
	if got := parts[2].Get("text").String(); got != "caller system" {
		t.Errorf("caller system part = %q", got)
	}
}

func TestBuildCustomPolicy(t *testing.T) {
	called := false
	b := &Builder{SystemPrompt: func(envelope string) string {
		called = true
		return envelope
	}}
	b.Build("p", "m", []byte(`{"contents":[]}`))
	if !called {
		t.Error("custom system prompt policy not applied")
	}
}

func TestHeaders(t *testing.T) {
	b := &Builder{}
	h := b.Headers(true)
	if got := h.Get("Accept"); got != "text/event-stream" {
		t.Errorf("stream Accept = %q", got)
	}
	if got := h.Get("User-Agent"); got != DefaultUserAgent {
		t.Errorf("User-Agent = %q", got)
	}
	h = b.Headers(false)
	if got := h.Get("Accept"); got != "application/json" {
		t.Errorf("batch Accept = %q", got)
	}
	b.UserAgent = "custom/1.0"
	if got := b.Headers(false).Get("User-Agent"); got != "custom/1.0" {
		t.Errorf("custom User-Agent = %q", got)
	}
}
