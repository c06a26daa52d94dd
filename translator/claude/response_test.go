package claude

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/routerlab/gravitypool/cache"
)

var testSig = strings.Repeat("x", cache.MinSignatureLen)

func eventData(t *testing.T, event string) gjson.Result {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data: ") {
			return gjson.Parse(strings.TrimPrefix(line, "data: "))
		}
	}
	t.Fatalf("no data line in event: %q", event)
	return gjson.Result{}
}

func eventName(event string) string {
	first := strings.SplitN(event, "\n", 2)[0]
	return strings.TrimPrefix(first, "event: ")
}

func TestStreamThinkingThenToolCall(t *testing.T) {
	sigs := cache.NewSignatureCache(time.Hour)
	translator := NewStreamTranslator("claude-sonnet-4-5", sigs)

	chunk := `{"response":{"responseId":"r1","modelVersion":"claude-sonnet-4-5","candidates":[{"content":{"parts":[` +
		`{"thought":true,"text":"pondering","thoughtSignature":"` + testSig + `"},` +
		`{"functionCall":{"id":"call-1","name":"lookup","args":{"q":"x"}},"thoughtSignature":"` + testSig + `"}` +
		`]}}]}}`
	events := translator.Translate([]byte(chunk))

	var kinds []string
	for _, event := range events {
		name := eventName(event)
		if name == "content_block_delta" {
			name = eventData(t, event).Get("delta.type").String()
		}
		kinds = append(kinds, name)
	}
	want := []string{
		"message_start",
		"content_block_start", // thinking
		"thinking_delta",
		"signature_delta",
		"content_block_stop",
		"content_block_start", // tool_use
		"input_json_delta",
	}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, kinds[i], want[i], kinds)
		}
	}

	// The signature travels inside the thinking block it signs, prefixed by
	// the model family.
	sig := eventData(t, events[3]).Get("delta.signature").String()
	if sig != "claude#"+testSig {
		t.Errorf("signature_delta = %q", sig)
	}
	if got := sigs.GetToolCall("call-1"); got != testSig {
		t.Errorf("tool call signature not cached: %q", got)
	}
	if got := sigs.Get("claude-sonnet-4-5", "pondering"); got != testSig {
		t.Errorf("thinking signature not cached: %q", got)
	}

	final, err := translator.Finish()
	if err != nil {
		t.Fatal(err)
	}
	delta := eventData(t, final[len(final)-2])
	if got := delta.Get("delta.stop_reason").String(); got != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", got)
	}
}

func TestStreamEmptyResponse(t *testing.T) {
	translator := NewStreamTranslator("claude-sonnet-4-5", cache.NewSignatureCache(time.Hour))

	events := translator.Translate([]byte(`{"response":{"candidates":[{"content":{"parts":[]}}]}}`))
	if len(events) != 0 {
		t.Fatalf("empty chunk emitted %d events", len(events))
	}
	if _, err := translator.Finish(); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Finish error = %v, want ErrEmptyResponse", err)
	}
}

func TestStreamMalformedChunkSkipped(t *testing.T) {
	translator := NewStreamTranslator("claude-sonnet-4-5", cache.NewSignatureCache(time.Hour))

	if events := translator.Translate([]byte("{not json")); events != nil {
		t.Errorf("malformed chunk emitted events: %v", events)
	}
	events := translator.Translate([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}}`))
	if len(events) == 0 {
		t.Error("stream should survive a malformed chunk")
	}
}

func TestStreamTextTransitionsAndUsage(t *testing.T) {
	translator := NewStreamTranslator("claude-sonnet-4-5", cache.NewSignatureCache(time.Hour))

	translator.Translate([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hello "}]}}]}}`))
	translator.Translate([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"world"}]}}]}}`))
	translator.Translate([]byte(`{"response":{"candidates":[{"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":100,"cachedContentTokenCount":20,"candidatesTokenCount":30,"thoughtsTokenCount":5}}}`))

	final, err := translator.Finish()
	if err != nil {
		t.Fatal(err)
	}
	delta := eventData(t, final[len(final)-2])
	if got := delta.Get("delta.stop_reason").String(); got != "end_turn" {
		t.Errorf("stop_reason = %q, want end_turn", got)
	}
	// Cached tokens are carved out of the prompt count.
	if got := delta.Get("usage.input_tokens").Int(); got != 80 {
		t.Errorf("input_tokens = %d, want 80", got)
	}
	if got := delta.Get("usage.output_tokens").Int(); got != 35 {
		t.Errorf("output_tokens = %d, want 35", got)
	}
	if got := delta.Get("usage.cache_read_input_tokens").Int(); got != 20 {
		t.Errorf("cache_read_input_tokens = %d, want 20", got)
	}
	if eventName(final[len(final)-1]) != "message_stop" {
		t.Errorf("last event = %q, want message_stop", eventName(final[len(final)-1]))
	}
}

func TestStreamWhitespaceTextPreserved(t *testing.T) {
	translator := NewStreamTranslator("claude-sonnet-4-5", cache.NewSignatureCache(time.Hour))

	events := translator.Translate([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":" "},{"text":""}]}}]}}`))
	deltas := 0
	for _, event := range events {
		if eventName(event) == "content_block_delta" {
			deltas++
			if got := eventData(t, event).Get("delta.text").String(); got != " " {
				t.Errorf("text delta = %q, want single space", got)
			}
		}
	}
	if deltas != 1 {
		t.Errorf("delta count = %d, want 1 (empty dropped, whitespace kept)", deltas)
	}
}

func TestStreamMaxTokensFinish(t *testing.T) {
	translator := NewStreamTranslator("claude-sonnet-4-5", cache.NewSignatureCache(time.Hour))
	translator.Translate([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"truncat"}]},"finishReason":"MAX_TOKENS"}]}}`))
	final, err := translator.Finish()
	if err != nil {
		t.Fatal(err)
	}
	delta := eventData(t, final[len(final)-2])
	if got := delta.Get("delta.stop_reason").String(); got != "max_tokens" {
		t.Errorf("stop_reason = %q, want max_tokens", got)
	}
}

func TestStreamImageBlock(t *testing.T) {
	translator := NewStreamTranslator("claude-sonnet-4-5", cache.NewSignatureCache(time.Hour))
	events := translator.Translate([]byte(`{"response":{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"aWJt"}}]}}]}}`))

	var kinds []string
	for _, event := range events {
		kinds = append(kinds, eventName(event))
	}
	want := []string{"message_start", "content_block_start", "content_block_stop"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	block := eventData(t, events[1]).Get("content_block")
	if block.Get("type").String() != "image" || block.Get("source.data").String() != "aWJt" {
		t.Errorf("image block = %s", block.Raw)
	}
}

func TestFromUpstreamRoundTripText(t *testing.T) {
	sigs := cache.NewSignatureCache(time.Hour)
	request := []byte(`{"messages":[{"role":"user","content":"say hi"}]}`)
	upstreamBody := ToUpstream("claude-sonnet-4-5", request, sigs)
	if got := gjson.GetBytes(upstreamBody, "contents.0.parts.0.text").String(); got != "say hi" {
		t.Fatalf("translated request text = %q", got)
	}

	canned := `{"response":{"responseId":"r1","modelVersion":"claude-sonnet-4-5","candidates":[{"content":{"parts":[{"text":"hi there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}}`
	out, err := FromUpstream("claude-sonnet-4-5", []byte(canned), sigs)
	if err != nil {
		t.Fatal(err)
	}
	content := gjson.Get(out, "content")
	if len(content.Array()) != 1 {
		t.Fatalf("content blocks = %d, want 1", len(content.Array()))
	}
	block := content.Array()[0]
	if block.Get("type").String() != "text" || block.Get("text").String() != "hi there" {
		t.Errorf("block = %s", block.Raw)
	}
	if got := gjson.Get(out, "stop_reason").String(); got != "end_turn" {
		t.Errorf("stop_reason = %q", got)
	}
}

func TestFromUpstreamEmpty(t *testing.T) {
	sigs := cache.NewSignatureCache(time.Hour)
	_, err := FromUpstream("claude-sonnet-4-5", []byte(`{"response":{"candidates":[{"content":{"parts":[]}}]}}`), sigs)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}
