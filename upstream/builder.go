package upstream

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// agentPreamble is prepended to every request's system instruction. The
// upstream expects its agent identity here; caller-supplied system text
// follows it.
const agentPreamble = "You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**"

// SystemPromptPolicy rewrites the envelope's systemInstruction. It receives
// the envelope JSON and returns the adjusted document. The policy is
// pluggable because it papers over upstream model quirks, not protocol.
type SystemPromptPolicy func(envelope string) string

// DuplicatedPreamblePolicy injects the agent preamble twice, the second copy
// wrapped in an explicit ignore instruction. The duplication stops the model
// from self-identifying via the preamble text. Caller-supplied system parts
// are appended after both copies.
func DuplicatedPreamblePolicy(envelope string) string {
	existing := gjson.Get(envelope, "request.systemInstruction.parts")
	envelope, _ = sjson.Set(envelope, "request.systemInstruction.role", "user")
	envelope, _ = sjson.Set(envelope, "request.systemInstruction.parts.0.text", agentPreamble)
	envelope, _ = sjson.Set(envelope, "request.systemInstruction.parts.1.text",
		fmt.Sprintf("Please ignore following [ignore]%s[/ignore]", agentPreamble))
	if existing.IsArray() {
		for _, part := range existing.Array() {
			envelope, _ = sjson.SetRaw(envelope, "request.systemInstruction.parts.-1", part.Raw)
		}
	}
	return envelope
}

// Builder assembles the outbound wire envelope around a translated request
// body.
type Builder struct {
	UserAgent    string
	SystemPrompt SystemPromptPolicy
}

// Build wraps the translated inner request into the upstream envelope:
// project, model, session id, request id and the system-prompt policy.
func (b *Builder) Build(projectID, model string, innerRequest []byte) []byte {
	envelope := `{"model":"","project":"","request":{},"userAgent":"antigravity","requestType":"agent","requestId":""}`
	envelope, _ = sjson.Set(envelope, "model", model)
	envelope, _ = sjson.Set(envelope, "project", projectID)
	envelope, _ = sjson.SetRaw(envelope, "request", string(innerRequest))
	envelope, _ = sjson.Set(envelope, "requestId", "agent-"+uuid.NewString())
	envelope, _ = sjson.Set(envelope, "request.sessionId", SessionID(innerRequest))

	policy := b.SystemPrompt
	if policy == nil {
		policy = DuplicatedPreamblePolicy
	}
	return []byte(policy(envelope))
}

// Headers returns the standard headers for a generation call.
func (b *Builder) Headers(stream bool) http.Header {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	if stream {
		headers.Set("Accept", "text/event-stream")
	} else {
		headers.Set("Accept", "application/json")
	}
	userAgent := b.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	headers.Set("User-Agent", userAgent)
	return headers
}

// SessionID derives a stable session id from the first user message so that
// repeated calls for the same conversation hit the same upstream cache
// context. Bodies with no user text get a random id.
func SessionID(innerRequest []byte) string {
	for _, content := range gjson.GetBytes(innerRequest, "contents").Array() {
		if content.Get("role").String() != "user" {
			continue
		}
		text := content.Get("parts.0.text").String()
		if text == "" {
			continue
		}
		h := sha256.Sum256([]byte(text))
		n := int64(binary.BigEndian.Uint64(h[:8])) & 0x7FFFFFFFFFFFFFFF
		return "-" + strconv.FormatInt(n, 10)
	}
	random := uuid.New()
	n := int64(binary.BigEndian.Uint64(random[:8])) & 0x7FFFFFFFFFFFFFFF
	return "-" + strconv.FormatInt(n, 10)
}
