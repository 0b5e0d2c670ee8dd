package extract

import (
	"strings"

	"github.com/tidwall/gjson"

	tokentap "github.com/tokentap/tokentap/internal"
)

// fallbackParse enumerates the known request shapes for each provider when
// the catalog template could not recover the body faithfully. Returns nil
// for providers without a hand-written extractor.
func fallbackParse(providerName string, doc gjson.Result) *tokentap.RequestInfo {
	switch providerName {
	case "anthropic":
		return parseAnthropicRequest(doc)
	case "openai":
		return parseOpenAIRequest(doc)
	case "gemini":
		return parseGeminiRequest(doc)
	case "kiro":
		return parseAmazonQRequest(doc)
	default:
		return nil
	}
}

func message(role, content string) map[string]any {
	return map[string]any{"role": role, "content": content}
}

// parseAnthropicRequest handles the Messages API shape: system as string or
// typed-part array, messages[].content as string or typed-part array.
func parseAnthropicRequest(doc gjson.Result) *tokentap.RequestInfo {
	info := &tokentap.RequestInfo{
		Provider: "anthropic",
		Model:    asString(doc.Get("model").Value(), "unknown"),
	}
	var texts []string

	if sys := doc.Get("system"); sys.Exists() {
		if text := textOf(sys); text != "" {
			info.System = text
			texts = append(texts, text)
			info.Messages = append(info.Messages, message("system", text))
		}
	}
	doc.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		role := asString(msg.Get("role").Value(), "unknown")
		content := textOf(msg.Get("content"))
		info.Messages = append(info.Messages, message(role, content))
		texts = append(texts, content)
		return true
	})
	if tools := doc.Get("tools"); tools.IsArray() && len(tools.Array()) > 0 {
		info.Tools = tools.Value()
	}

	info.TotalText = strings.Join(texts, "\n")
	return info
}

// parseOpenAIRequest handles both the Chat Completions shape (messages) and
// the Responses shape (instructions + input as string or item list).
func parseOpenAIRequest(doc gjson.Result) *tokentap.RequestInfo {
	info := &tokentap.RequestInfo{
		Provider: "openai",
		Model:    asString(doc.Get("model").Value(), "unknown"),
	}
	var texts []string

	if input := doc.Get("input"); input.Exists() {
		if instr := doc.Get("instructions"); instr.Type == gjson.String && instr.Str != "" {
			info.System = instr.Str
			texts = append(texts, instr.Str)
			info.Messages = append(info.Messages, message("system", instr.Str))
		}
		if input.Type == gjson.String {
			info.Messages = append(info.Messages, message("user", input.Str))
			texts = append(texts, input.Str)
		} else {
			input.ForEach(func(_, item gjson.Result) bool {
				role := asString(item.Get("role").Value(), "user")
				content := textOf(item.Get("content"))
				info.Messages = append(info.Messages, message(role, content))
				texts = append(texts, content)
				return true
			})
		}
	} else {
		doc.Get("messages").ForEach(func(_, msg gjson.Result) bool {
			role := asString(msg.Get("role").Value(), "unknown")
			content := textOf(msg.Get("content"))
			info.Messages = append(info.Messages, message(role, content))
			texts = append(texts, content)
			return true
		})
	}
	if tools := doc.Get("tools"); tools.IsArray() && len(tools.Array()) > 0 {
		info.Tools = tools.Value()
	}

	info.TotalText = strings.Join(texts, "\n")
	return info
}

// parseGeminiRequest handles contents[].parts[].text with an optional
// systemInstruction prepended as a system message.
func parseGeminiRequest(doc gjson.Result) *tokentap.RequestInfo {
	info := &tokentap.RequestInfo{
		Provider: "gemini",
		Model:    asString(doc.Get("model").Value(), "gemini"),
	}
	var texts []string

	doc.Get("contents").ForEach(func(_, content gjson.Result) bool {
		role := asString(content.Get("role").Value(), "user")
		var parts []string
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			}
			return true
		})
		combined := strings.Join(parts, " ")
		info.Messages = append(info.Messages, message(role, combined))
		texts = append(texts, combined)
		return true
	})

	if si := doc.Get("systemInstruction"); si.Exists() {
		var parts []string
		si.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			}
			return true
		})
		if len(parts) > 0 {
			text := strings.Join(parts, " ")
			info.System = text
			info.Messages = append([]any{message("system", text)}, info.Messages...)
			texts = append([]string{text}, texts...)
		}
	}

	info.TotalText = strings.Join(texts, "\n")
	return info
}

// parseAmazonQRequest tries the shapes Amazon Q traffic has been observed to
// use: a messages array, a bare prompt, or inputText.
func parseAmazonQRequest(doc gjson.Result) *tokentap.RequestInfo {
	info := &tokentap.RequestInfo{
		Provider: "kiro",
		Model:    asString(doc.Get("model").Value(), "kiro"),
	}
	var texts []string

	switch {
	case doc.Get("messages").Exists():
		doc.Get("messages").ForEach(func(_, msg gjson.Result) bool {
			role := asString(msg.Get("role").Value(), "user")
			content := textOf(msg.Get("content"))
			info.Messages = append(info.Messages, message(role, content))
			texts = append(texts, content)
			return true
		})
	case doc.Get("prompt").Exists():
		prompt := doc.Get("prompt").String()
		info.Messages = append(info.Messages, message("user", prompt))
		texts = append(texts, prompt)
	case doc.Get("inputText").Exists():
		input := doc.Get("inputText").String()
		info.Messages = append(info.Messages, message("user", input))
		texts = append(texts, input)
	}

	info.TotalText = strings.Join(texts, "\n")
	return info
}
