package extract

import (
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	tokentap "github.com/tokentap/tokentap/internal"
)

// ParseRequest extracts request metadata for a provider using its catalog
// template. When the template's output fails the quality gate (it visibly
// lost messages, system prompt, or tools present in the body), the
// hand-written per-provider extractor takes over.
func (x *Extractor) ParseRequest(providerName string, body []byte) *tokentap.RequestInfo {
	info := &tokentap.RequestInfo{Provider: providerName, Model: "unknown"}

	p, ok := x.catalog.Provider(providerName)
	if !ok {
		slog.Warn("unknown provider", "provider", providerName)
		return info
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return info
	}

	rc := p.Request
	info.Model = asString(x.paths.Extract(doc, rc.ModelPath, nil), "unknown")

	if rc.MessagesPath != "" {
		switch v := x.paths.Extract(doc, rc.MessagesPath, nil).(type) {
		case []any:
			info.Messages = v
		case nil:
		default:
			// A path matching a single object still yields a sequence.
			info.Messages = []any{v}
		}
	}
	if rc.SystemPath != "" {
		info.System = x.paths.Extract(doc, rc.SystemPath, nil)
	}
	if rc.ToolsPath != "" {
		info.Tools = x.paths.Extract(doc, rc.ToolsPath, nil)
	}
	if rc.StreamParamPath != "" {
		info.Streaming = truthy(x.paths.Extract(doc, rc.StreamParamPath, nil))
	}

	var texts []string
	for _, field := range rc.TextFields {
		v := x.paths.Extract(doc, field, nil)
		if v == nil {
			continue
		}
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if s := stringifyText(item); s != "" {
					texts = append(texts, s)
				}
			}
			continue
		}
		if s := stringifyText(v); s != "" {
			texts = append(texts, s)
		}
	}
	info.TotalText = strings.Join(texts, "\n")

	if !passesQualityGate(doc, info) {
		if fb := fallbackParse(providerName, doc); fb != nil {
			fb.Streaming = info.Streaming || fb.Streaming
			slog.Debug("template parse failed quality gate, used fallback",
				"provider", providerName)
			return fb
		}
	}
	return info
}

// passesQualityGate rejects a template parse that demonstrably dropped data
// present in the original body.
func passesQualityGate(doc gjson.Result, info *tokentap.RequestInfo) bool {
	if n := sourceMessageCount(doc); n > 1 && len(info.Messages) == 1 {
		return false
	}
	if len(info.Messages) == 0 && hasConversation(doc) {
		return false
	}
	if sys := doc.Get("system"); sys.Exists() && nonEmpty(sys) && info.System == nil {
		return false
	}
	if tools := doc.Get("tools"); tools.Exists() && nonEmpty(tools) && info.Tools == nil {
		return false
	}
	return true
}

// sourceMessageCount counts the message-bearing array in the raw body,
// whichever field the provider uses.
func sourceMessageCount(doc gjson.Result) int {
	if m := doc.Get("messages"); m.IsArray() {
		return len(m.Array())
	}
	if c := doc.Get("contents"); c.IsArray() {
		return len(c.Array())
	}
	return 0
}

// hasConversation reports whether the body visibly carries conversation
// content under any of the field names providers use for it.
func hasConversation(doc gjson.Result) bool {
	for _, field := range []string{"messages", "contents", "input", "prompt", "inputText"} {
		if v := doc.Get(field); v.Exists() && nonEmpty(v) {
			return true
		}
	}
	return false
}

func nonEmpty(v gjson.Result) bool {
	switch {
	case v.Type == gjson.String:
		return v.Str != ""
	case v.IsArray():
		return len(v.Array()) > 0
	case v.IsObject():
		return len(v.Map()) > 0
	default:
		return v.Exists() && v.Type != gjson.Null
	}
}
