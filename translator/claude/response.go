package claude

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/routerlab/gravitypool/cache"
)

// ErrEmptyResponse signals that an upstream call produced zero content parts.
// Callers retry on it instead of passing an empty success through.
var ErrEmptyResponse = errors.New("upstream returned no content")

type blockType int

const (
	blockNone blockType = iota
	blockText
	blockThinking
	blockToolUse
)

// StreamTranslator converts one upstream incremental-event stream into
// Anthropic-style SSE events. It is scoped to a single call and must not be
// reused across streams.
type StreamTranslator struct {
	model string
	sigs  *cache.SignatureCache

	started    bool
	block      blockType
	blockIndex int

	// pendingSignature is held until the thinking block it belongs to closes
	// or transitions, then flushed as a signature_delta.
	pendingSignature string
	thinkingText     strings.Builder

	hasToolUse   bool
	finishReason string

	hasUsage        int // 0 none, 1 seen
	promptTokens    int64
	candidateTokens int64
	thoughtTokens   int64
	totalTokens     int64
	cachedTokens    int64
}

// NewStreamTranslator creates a translator for one streaming call.
func NewStreamTranslator(model string, sigs *cache.SignatureCache) *StreamTranslator {
	return &StreamTranslator{model: model, sigs: sigs}
}

func event(name, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}

// ensureStarted emits message_start once, lazily, on the first chunk that
// actually carries content. Streams that never produce content never emit it.
func (t *StreamTranslator) ensureStarted(root gjson.Result, events *[]string) {
	if t.started {
		return
	}
	msg := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	if id := root.Get("response.responseId"); id.Exists() {
		msg, _ = sjson.Set(msg, "message.id", id.String())
	}
	if version := root.Get("response.modelVersion"); version.Exists() {
		msg, _ = sjson.Set(msg, "message.model", version.String())
	} else {
		msg, _ = sjson.Set(msg, "message.model", t.model)
	}
	if prompt := root.Get("response.usageMetadata.promptTokenCount"); prompt.Exists() {
		msg, _ = sjson.Set(msg, "message.usage.input_tokens", prompt.Int())
	}
	*events = append(*events, event("message_start", msg))
	t.started = true
}

// closeBlock stops the open content block, flushing a pending thinking
// signature first so it lands inside the block it signs.
func (t *StreamTranslator) closeBlock(events *[]string) {
	if t.block == blockNone {
		return
	}
	if t.block == blockThinking && t.pendingSignature != "" {
		data, _ := sjson.Set(
			fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"signature_delta","signature":""}}`, t.blockIndex),
			"delta.signature", fmt.Sprintf("%s#%s", cache.ModelGroup(t.model), t.pendingSignature))
		*events = append(*events, event("content_block_delta", data))
		t.pendingSignature = ""
	}
	*events = append(*events, event("content_block_stop",
		fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, t.blockIndex)))
	t.blockIndex++
	t.block = blockNone
}

// Translate consumes one upstream chunk and returns the SSE events it maps
// to. Malformed chunks are logged and skipped, never fatal to the stream.
func (t *StreamTranslator) Translate(chunk []byte) []string {
	if !gjson.ValidBytes(chunk) {
		log.Warnf("stream translate: skipping malformed chunk (%d bytes)", len(chunk))
		return nil
	}
	root := gjson.ParseBytes(chunk)
	var events []string

	for _, part := range root.Get("response.candidates.0.content.parts").Array() {
		textResult := part.Get("text")
		functionCall := part.Get("functionCall")
		inlineData := part.Get("inlineData")

		switch {
		case part.Get("thought").Bool():
			t.ensureStarted(root, &events)
			if t.block != blockThinking {
				t.closeBlock(&events)
				events = append(events, event("content_block_start",
					fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"thinking","thinking":""}}`, t.blockIndex)))
				t.block = blockThinking
				t.thinkingText.Reset()
			}
			if textResult.Exists() && textResult.String() != "" {
				t.thinkingText.WriteString(textResult.String())
				data, _ := sjson.Set(
					fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"thinking_delta","thinking":""}}`, t.blockIndex),
					"delta.thinking", textResult.String())
				events = append(events, event("content_block_delta", data))
			}
			if sig := part.Get("thoughtSignature").String(); len(sig) >= cache.MinSignatureLen {
				t.pendingSignature = sig
				t.sigs.Put(t.model, t.thinkingText.String(), sig)
			}

		case textResult.Exists():
			// Empty text parts are dropped; whitespace-only ones are not.
			if textResult.String() == "" {
				continue
			}
			t.ensureStarted(root, &events)
			if t.block != blockText {
				t.closeBlock(&events)
				events = append(events, event("content_block_start",
					fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"text","text":""}}`, t.blockIndex)))
				t.block = blockText
			}
			data, _ := sjson.Set(
				fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"text_delta","text":""}}`, t.blockIndex),
				"delta.text", textResult.String())
			events = append(events, event("content_block_delta", data))

		case functionCall.Exists():
			t.ensureStarted(root, &events)
			t.closeBlock(&events)
			t.hasToolUse = true

			callID := functionCall.Get("id").String()
			if callID == "" {
				callID = fmt.Sprintf("%s-%s", functionCall.Get("name").String(), uuid.NewString())
			}
			data := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`, t.blockIndex)
			data, _ = sjson.Set(data, "content_block.id", callID)
			data, _ = sjson.Set(data, "content_block.name", functionCall.Get("name").String())
			events = append(events, event("content_block_start", data))

			if args := functionCall.Get("args"); args.Exists() {
				data, _ = sjson.Set(
					fmt.Sprintf(`{"type":"content_block_delta","index":%d,"delta":{"type":"input_json_delta","partial_json":""}}`, t.blockIndex),
					"delta.partial_json", args.Raw)
				events = append(events, event("content_block_delta", data))
			}
			if sig := part.Get("thoughtSignature").String(); len(sig) >= cache.MinSignatureLen {
				t.sigs.PutToolCall(callID, sig)
			}
			t.block = blockToolUse

		case inlineData.Exists():
			t.ensureStarted(root, &events)
			t.closeBlock(&events)
			data := fmt.Sprintf(`{"type":"content_block_start","index":%d,"content_block":{"type":"image","source":{"type":"base64","media_type":"","data":""}}}`, t.blockIndex)
			data, _ = sjson.Set(data, "content_block.source.media_type", inlineData.Get("mimeType").String())
			data, _ = sjson.Set(data, "content_block.source.data", inlineData.Get("data").String())
			events = append(events, event("content_block_start", data))
			events = append(events, event("content_block_stop",
				fmt.Sprintf(`{"type":"content_block_stop","index":%d}`, t.blockIndex)))
			t.blockIndex++
		}
	}

	if finish := root.Get("response.candidates.0.finishReason"); finish.Exists() {
		t.finishReason = finish.String()
	}
	if usage := root.Get("response.usageMetadata"); usage.Exists() {
		t.hasUsage = 1
		t.cachedTokens = usage.Get("cachedContentTokenCount").Int()
		// Upstream counts cache hits inside the prompt figure.
		t.promptTokens = usage.Get("promptTokenCount").Int() - t.cachedTokens
		t.candidateTokens = usage.Get("candidatesTokenCount").Int()
		t.thoughtTokens = usage.Get("thoughtsTokenCount").Int()
		t.totalTokens = usage.Get("totalTokenCount").Int()
	}

	return events
}

func (t *StreamTranslator) stopReason() string {
	if t.hasToolUse {
		return "tool_use"
	}
	if t.finishReason == "MAX_TOKENS" {
		return "max_tokens"
	}
	return "end_turn"
}

func (t *StreamTranslator) outputTokens() int64 {
	out := t.candidateTokens + t.thoughtTokens
	if out == 0 && t.totalTokens > 0 {
		out = t.totalTokens - t.promptTokens
		if out < 0 {
			out = 0
		}
	}
	return out
}

// Finish closes the stream: any open block is stopped (pending signature
// flushed first), then message_delta and message_stop are emitted. A stream
// that never produced content fails with ErrEmptyResponse instead.
func (t *StreamTranslator) Finish() ([]string, error) {
	if !t.started {
		return nil, ErrEmptyResponse
	}
	var events []string
	t.closeBlock(&events)

	delta := fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":"%s","stop_sequence":null},"usage":{"input_tokens":%d,"output_tokens":%d}}`,
		t.stopReason(), t.promptTokens, t.outputTokens())
	if t.cachedTokens > 0 {
		delta, _ = sjson.Set(delta, "usage.cache_read_input_tokens", t.cachedTokens)
	}
	events = append(events, event("message_delta", delta))
	events = append(events, event("message_stop", `{"type":"message_stop"}`))
	return events, nil
}

// FromUpstream converts a complete (non-streaming) upstream response into an
// Anthropic-style message document. Zero content parts is a signaled failure,
// not an empty success.
func FromUpstream(model string, rawJSON []byte, sigs *cache.SignatureCache) (string, error) {
	root := gjson.ParseBytes(rawJSON)

	promptTokens := root.Get("response.usageMetadata.promptTokenCount").Int()
	candidateTokens := root.Get("response.usageMetadata.candidatesTokenCount").Int()
	thoughtTokens := root.Get("response.usageMetadata.thoughtsTokenCount").Int()
	totalTokens := root.Get("response.usageMetadata.totalTokenCount").Int()
	cachedTokens := root.Get("response.usageMetadata.cachedContentTokenCount").Int()
	promptTokens -= cachedTokens
	if promptTokens < 0 {
		promptTokens = 0
	}
	outputTokens := candidateTokens + thoughtTokens
	if outputTokens == 0 && totalTokens > 0 {
		outputTokens = totalTokens - promptTokens
		if outputTokens < 0 {
			outputTokens = 0
		}
	}

	out := `{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`
	out, _ = sjson.Set(out, "id", root.Get("response.responseId").String())
	out, _ = sjson.Set(out, "model", root.Get("response.modelVersion").String())
	out, _ = sjson.Set(out, "usage.input_tokens", promptTokens)
	out, _ = sjson.Set(out, "usage.output_tokens", outputTokens)
	if cachedTokens > 0 {
		out, _ = sjson.Set(out, "usage.cache_read_input_tokens", cachedTokens)
	}

	var textBuf, thinkingBuf strings.Builder
	thinkingSig := ""
	blockCount := 0
	hasToolCall := false

	appendBlock := func(block string) {
		out, _ = sjson.SetRaw(out, "content.-1", block)
		blockCount++
	}
	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		block, _ := sjson.Set(`{"type":"text","text":""}`, "text", textBuf.String())
		appendBlock(block)
		textBuf.Reset()
	}
	flushThinking := func() {
		if thinkingBuf.Len() == 0 && thinkingSig == "" {
			return
		}
		block, _ := sjson.Set(`{"type":"thinking","thinking":""}`, "thinking", thinkingBuf.String())
		if thinkingSig != "" {
			block, _ = sjson.Set(block, "signature", fmt.Sprintf("%s#%s", cache.ModelGroup(model), thinkingSig))
			if thinkingBuf.Len() > 0 {
				sigs.Put(model, thinkingBuf.String(), thinkingSig)
			}
		}
		appendBlock(block)
		thinkingBuf.Reset()
		thinkingSig = ""
	}

	for _, part := range root.Get("response.candidates.0.content.parts").Array() {
		isThought := part.Get("thought").Bool()
		if isThought {
			if sig := part.Get("thoughtSignature").String(); len(sig) >= cache.MinSignatureLen {
				thinkingSig = sig
			}
		}

		if text := part.Get("text"); text.Exists() && text.String() != "" {
			if isThought {
				flushText()
				thinkingBuf.WriteString(text.String())
				continue
			}
			flushThinking()
			textBuf.WriteString(text.String())
			continue
		}

		if functionCall := part.Get("functionCall"); functionCall.Exists() {
			flushThinking()
			flushText()
			hasToolCall = true

			callID := functionCall.Get("id").String()
			if callID == "" {
				callID = fmt.Sprintf("%s-%s", functionCall.Get("name").String(), uuid.NewString())
			}
			block, _ := sjson.Set(`{"type":"tool_use","id":"","name":"","input":{}}`, "id", callID)
			block, _ = sjson.Set(block, "name", functionCall.Get("name").String())
			if args := functionCall.Get("args"); args.IsObject() {
				block, _ = sjson.SetRaw(block, "input", args.Raw)
			}
			if sig := part.Get("thoughtSignature").String(); len(sig) >= cache.MinSignatureLen {
				sigs.PutToolCall(callID, sig)
			}
			appendBlock(block)
			continue
		}

		if inline := part.Get("inlineData"); inline.Exists() {
			flushThinking()
			flushText()
			block, _ := sjson.Set(`{"type":"image","source":{"type":"base64","media_type":"","data":""}}`, "source.media_type", inline.Get("mimeType").String())
			block, _ = sjson.Set(block, "source.data", inline.Get("data").String())
			appendBlock(block)
		}
	}

	flushThinking()
	flushText()

	if blockCount == 0 {
		return "", ErrEmptyResponse
	}

	stopReason := "end_turn"
	if hasToolCall {
		stopReason = "tool_use"
	} else if root.Get("response.candidates.0.finishReason").String() == "MAX_TOKENS" {
		stopReason = "max_tokens"
	}
	out, _ = sjson.Set(out, "stop_reason", stopReason)
	return out, nil
}
