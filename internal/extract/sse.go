package extract

import (
	"strings"

	"github.com/tidwall/gjson"

	tokentap "github.com/tokentap/tokentap/internal"
	"github.com/tokentap/tokentap/internal/catalog"
)

// ParseStream extracts token usage from a streamed response body. The body is
// the fully accumulated stream: SSE frames, newline-delimited JSON, or a
// single JSON array depending on the provider. Later frames overwrite earlier
// values only when they actually carry the field.
func (x *Extractor) ParseStream(providerName string, body []byte) *tokentap.Usage {
	usage := &tokentap.Usage{Provider: providerName}

	p, ok := x.catalog.Provider(providerName)
	if !ok || p.Response.SSE == nil {
		return usage
	}
	sc := p.Response.SSE

	// Streams from misbehaving clients can carry invalid UTF-8.
	text := strings.ToValidUTF8(string(body), "�")

	if sc.Format == catalog.FormatJSONLines || sc.Format == catalog.FormatSSEOrJSONLine {
		if x.parseJSONLines(text, sc, usage); usage.Model != "" || usage.InputTokens > 0 {
			return usage
		}
	}

	x.parseSSEFrames(text, sc, usage)

	if sc.UseLastChunk && usage.Model == "" && usage.InputTokens == 0 && usage.OutputTokens == 0 {
		x.parseLastChunk(text, sc, usage)
	}
	return usage
}

// parseSSEFrames scans data: lines, gating each field on the frame's event
// type. Frames that are not valid JSON are skipped.
func (x *Extractor) parseSSEFrames(text string, sc *catalog.ResponseSSEConfig, usage *tokentap.Usage) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := line[len("data: "):]
		if sc.DoneMarker != "" && payload == sc.DoneMarker {
			continue
		}
		if !gjson.Valid(payload) {
			continue
		}
		doc := gjson.Parse(payload)
		if !doc.IsObject() {
			continue
		}
		x.applyFrame(doc, doc.Get("type").String(), sc, usage)
	}
}

// parseJSONLines handles newline-delimited JSON, tolerating array brackets
// and trailing commas around each line. The last decodable object wins.
func (x *Extractor) parseJSONLines(text string, sc *catalog.ResponseSSEConfig, usage *tokentap.Usage) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.Trim(strings.TrimSpace(line), ",[]")
		if line == "" || !gjson.Valid(line) {
			continue
		}
		doc := gjson.Parse(line)
		if !doc.IsObject() {
			continue
		}
		x.applyFrame(doc, "", sc, usage)
	}
}

// parseLastChunk treats the whole body as one JSON document. When it is an
// array, usage lives on the final element.
func (x *Extractor) parseLastChunk(text string, sc *catalog.ResponseSSEConfig, usage *tokentap.Usage) {
	doc := gjson.Parse(strings.TrimSpace(text))
	if doc.IsArray() {
		elems := doc.Array()
		if len(elems) == 0 {
			return
		}
		doc = elems[len(elems)-1]
	}
	if doc.IsObject() {
		x.applyFrame(doc, "", sc, usage)
	}
}

// applyFrame extracts every configured field whose event gate admits this
// frame. A nil gate or "*" admits any frame.
func (x *Extractor) applyFrame(doc gjson.Result, eventType string, sc *catalog.ResponseSSEConfig, usage *tokentap.Usage) {
	if gateMatches(sc.InputTokensEvent, eventType) && sc.InputTokensPath != "" {
		if n, ok := asInt64(x.paths.ExtractWithFallbacks(doc, sc.InputTokensPath, sc.InputTokensPathAlt, nil)); ok {
			usage.InputTokens = n
		}
	}
	if gateMatches(sc.OutputTokensEvent, eventType) && sc.OutputTokensPath != "" {
		if n, ok := asInt64(x.paths.ExtractWithFallbacks(doc, sc.OutputTokensPath, sc.OutputTokensPathAlt, nil)); ok {
			usage.OutputTokens = n
		}
	}
	if gateMatches(sc.CacheCreationTokensEvent, eventType) && sc.CacheCreationTokensPath != "" {
		if n, ok := asInt64(x.paths.Extract(doc, sc.CacheCreationTokensPath, nil)); ok {
			usage.CacheCreationTokens = n
		}
	}
	if gateMatches(sc.CacheReadTokensEvent, eventType) && sc.CacheReadTokensPath != "" {
		if n, ok := asInt64(x.paths.Extract(doc, sc.CacheReadTokensPath, nil)); ok {
			usage.CacheReadTokens = n
		}
	}
	if gateMatches(sc.ModelEvent, eventType) && sc.ModelPath != "" {
		if s := asString(x.paths.Extract(doc, sc.ModelPath, nil), ""); s != "" {
			usage.Model = s
		}
	}
	if gateMatches(sc.StopReasonEvent, eventType) && sc.StopReasonPath != "" {
		if s := asString(x.paths.Extract(doc, sc.StopReasonPath, nil), ""); s != "" {
			usage.StopReason = s
		}
	}
}

func gateMatches(gate *string, eventType string) bool {
	return gate == nil || *gate == "*" || *gate == eventType
}
