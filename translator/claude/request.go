// Package claude converts between the Anthropic-style message protocol and
// the upstream Generative-AI wire format, in both directions. The streaming
// direction is a stateful SSE machine; the batch direction is a plain
// document transform. All JSON work goes through gjson/sjson string
// templates rather than intermediate structs.
package claude

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/routerlab/gravitypool/cache"
)

// allowedToolKeys is the set of function-declaration fields the upstream
// accepts; everything else is stripped from tool definitions.
var allowedToolKeys = []string{"name", "description", "behavior", "parameters", "parametersJsonSchema", "response", "responseJsonSchema"}

func inArray(haystack []string, needle string) bool {
	for _, item := range haystack {
		if item == needle {
			return true
		}
	}
	return false
}

// ToUpstream transforms an Anthropic-style request body into the upstream
// inner request object: contents, systemInstruction, tools and
// generationConfig. The caller wraps the result into the outer envelope.
// Thinking blocks reuse cached continuation signatures where the client's
// own signature is missing or stale.
func ToUpstream(model string, rawJSON []byte, sigs *cache.SignatureCache) []byte {
	enableThoughtTranslate := true

	// system instruction
	systemJSON := ""
	hasSystem := false
	systemResult := gjson.GetBytes(rawJSON, "system")
	if systemResult.IsArray() {
		systemJSON = `{"role":"user","parts":[]}`
		for _, block := range systemResult.Array() {
			if block.Get("type").String() != "text" {
				continue
			}
			partJSON, _ := sjson.Set(`{}`, "text", block.Get("text").String())
			systemJSON, _ = sjson.SetRaw(systemJSON, "parts.-1", partJSON)
			hasSystem = true
		}
	} else if systemResult.Type == gjson.String {
		systemJSON = `{"role":"user","parts":[{"text":""}]}`
		systemJSON, _ = sjson.Set(systemJSON, "parts.0.text", systemResult.String())
		hasSystem = true
	}

	// contents
	contentsJSON := "[]"
	hasContents := false
	for _, message := range gjson.GetBytes(rawJSON, "messages").Array() {
		role := message.Get("role").String()
		if role == "" {
			continue
		}
		if role == "assistant" {
			role = "model"
		}
		contentJSON, _ := sjson.Set(`{"role":"","parts":[]}`, "role", role)

		blocks := message.Get("content")
		if blocks.Type == gjson.String {
			if blocks.String() == "" {
				continue
			}
			partJSON, _ := sjson.Set(`{}`, "text", blocks.String())
			contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", partJSON)
			contentsJSON, _ = sjson.SetRaw(contentsJSON, "-1", contentJSON)
			hasContents = true
			continue
		}
		if !blocks.IsArray() {
			continue
		}

		var messageThinkingSig string
		for _, block := range blocks.Array() {
			switch block.Get("type").String() {
			case "thinking":
				thinkingText := block.Get("thinking").String()

				// Cached signatures beat client-provided ones: clients may
				// replay stale signatures from other sessions.
				signature := ""
				if thinkingText != "" {
					signature = sigs.Get(model, thinkingText)
				}
				if signature == "" {
					if clientSig := block.Get("signature").String(); clientSig != "" {
						pieces := strings.SplitN(clientSig, "#", 2)
						if len(pieces) == 2 && pieces[0] == cache.ModelGroup(model) && cache.Valid(model, pieces[1]) {
							signature = pieces[1]
						}
					}
				}
				if cache.Valid(model, signature) {
					messageThinkingSig = signature
				} else {
					// Unsigned thinking would be rejected upstream; drop the
					// block and stop translating thinking config for this
					// request.
					enableThoughtTranslate = false
					continue
				}

				partJSON, _ := sjson.Set(`{}`, "thought", true)
				if thinkingText != "" {
					partJSON, _ = sjson.Set(partJSON, "text", thinkingText)
				}
				partJSON, _ = sjson.Set(partJSON, "thoughtSignature", signature)
				contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", partJSON)

			case "text":
				text := block.Get("text").String()
				if text == "" {
					continue
				}
				partJSON, _ := sjson.Set(`{}`, "text", text)
				contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", partJSON)

			case "tool_use":
				argsResult := block.Get("input")
				var argsRaw string
				if argsResult.IsObject() {
					argsRaw = argsResult.Raw
				} else if argsResult.Type == gjson.String {
					if parsed := gjson.Parse(argsResult.String()); parsed.IsObject() {
						argsRaw = parsed.Raw
					}
				}
				if argsRaw == "" {
					continue
				}
				partJSON := `{}`
				// Prefer the signature cached for this call id, then the one
				// seen earlier in this message; the skip sentinel bypasses
				// upstream validation when neither exists.
				callID := block.Get("id").String()
				sig := sigs.GetToolCall(callID)
				if !cache.Valid(model, sig) {
					sig = messageThinkingSig
				}
				if cache.Valid(model, sig) {
					partJSON, _ = sjson.Set(partJSON, "thoughtSignature", sig)
				} else {
					partJSON, _ = sjson.Set(partJSON, "thoughtSignature", cache.SkipSignatureSentinel)
				}
				if callID != "" {
					partJSON, _ = sjson.Set(partJSON, "functionCall.id", callID)
				}
				partJSON, _ = sjson.Set(partJSON, "functionCall.name", block.Get("name").String())
				partJSON, _ = sjson.SetRaw(partJSON, "functionCall.args", argsRaw)
				contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", partJSON)

			case "tool_result":
				callID := block.Get("tool_use_id").String()
				if callID == "" {
					continue
				}
				funcName := callID
				if pieces := strings.Split(callID, "-"); len(pieces) > 2 {
					funcName = strings.Join(pieces[:len(pieces)-2], "-")
				}
				respJSON, _ := sjson.Set(`{}`, "id", callID)
				respJSON, _ = sjson.Set(respJSON, "name", funcName)
				result := block.Get("content")
				switch {
				case result.Type == gjson.String:
					respJSON, _ = sjson.Set(respJSON, "response.result", result.String())
				case result.IsArray():
					items := result.Array()
					if len(items) == 1 {
						respJSON, _ = sjson.SetRaw(respJSON, "response.result", items[0].Raw)
					} else {
						respJSON, _ = sjson.SetRaw(respJSON, "response.result", result.Raw)
					}
				case result.Raw != "":
					respJSON, _ = sjson.SetRaw(respJSON, "response.result", result.Raw)
				default:
					respJSON, _ = sjson.Set(respJSON, "response.result", "")
				}
				partJSON, _ := sjson.SetRaw(`{}`, "functionResponse", respJSON)
				contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", partJSON)

			case "image":
				source := block.Get("source")
				if source.Get("type").String() != "base64" {
					continue
				}
				inlineJSON := `{}`
				if mime := source.Get("media_type").String(); mime != "" {
					inlineJSON, _ = sjson.Set(inlineJSON, "mime_type", mime)
				}
				if data := source.Get("data").String(); data != "" {
					inlineJSON, _ = sjson.Set(inlineJSON, "data", data)
				}
				partJSON, _ := sjson.SetRaw(`{}`, "inlineData", inlineJSON)
				contentJSON, _ = sjson.SetRaw(contentJSON, "parts.-1", partJSON)
			}
		}

		// Model turns must lead with their thinking parts.
		if role == "model" {
			contentJSON = reorderThinkingFirst(contentJSON)
		}

		parts := gjson.Get(contentJSON, "parts")
		if !parts.IsArray() || len(parts.Array()) == 0 {
			continue
		}
		contentsJSON, _ = sjson.SetRaw(contentsJSON, "-1", contentJSON)
		hasContents = true
	}

	// tools
	toolsJSON := `[{"functionDeclarations":[]}]`
	toolCount := 0
	for _, tool := range gjson.GetBytes(rawJSON, "tools").Array() {
		schema := tool.Get("input_schema")
		if !schema.Exists() || !schema.IsObject() {
			continue
		}
		decl, _ := sjson.Delete(tool.Raw, "input_schema")
		decl, _ = sjson.SetRaw(decl, "parametersJsonSchema", schema.Raw)
		for key := range gjson.Parse(decl).Map() {
			if !inArray(allowedToolKeys, key) {
				decl, _ = sjson.Delete(decl, key)
			}
		}
		toolsJSON, _ = sjson.SetRaw(toolsJSON, "0.functionDeclarations.-1", decl)
		toolCount++
	}

	out := `{"contents":[]}`
	if hasSystem {
		out, _ = sjson.SetRaw(out, "systemInstruction", systemJSON)
	}
	if hasContents {
		out, _ = sjson.SetRaw(out, "contents", contentsJSON)
	}
	if toolCount > 0 {
		out, _ = sjson.SetRaw(out, "tools", toolsJSON)
	}

	if t := gjson.GetBytes(rawJSON, "thinking"); enableThoughtTranslate && t.IsObject() && t.Get("type").String() == "enabled" {
		if budget := t.Get("budget_tokens"); budget.Type == gjson.Number {
			out, _ = sjson.Set(out, "generationConfig.thinkingConfig.thinkingBudget", budget.Int())
			out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", true)
		}
	}
	if v := gjson.GetBytes(rawJSON, "temperature"); v.Type == gjson.Number {
		out, _ = sjson.Set(out, "generationConfig.temperature", v.Num)
	}
	if v := gjson.GetBytes(rawJSON, "top_p"); v.Type == gjson.Number {
		out, _ = sjson.Set(out, "generationConfig.topP", v.Num)
	}
	if v := gjson.GetBytes(rawJSON, "top_k"); v.Type == gjson.Number {
		out, _ = sjson.Set(out, "generationConfig.topK", v.Num)
	}
	if v := gjson.GetBytes(rawJSON, "max_tokens"); v.Type == gjson.Number {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", v.Num)
	}

	return []byte(out)
}

func reorderThinkingFirst(contentJSON string) string {
	parts := gjson.Get(contentJSON, "parts")
	if !parts.IsArray() {
		return contentJSON
	}
	items := parts.Array()
	var thinking, other []gjson.Result
	for _, part := range items {
		if part.Get("thought").Bool() {
			thinking = append(thinking, part)
		} else {
			other = append(other, part)
		}
	}
	if len(thinking) == 0 {
		return contentJSON
	}
	if items[0].Get("thought").Bool() && len(thinking) == 1 {
		return contentJSON
	}
	var reordered []interface{}
	for _, part := range thinking {
		reordered = append(reordered, part.Value())
	}
	for _, part := range other {
		reordered = append(reordered, part.Value())
	}
	out, _ := sjson.Set(contentJSON, "parts", reordered)
	return out
}
