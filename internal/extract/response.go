package extract

import (
	"log/slog"

	"github.com/tidwall/gjson"

	tokentap "github.com/tokentap/tokentap/internal"
	"github.com/tokentap/tokentap/internal/catalog"
)

// ParseResponse extracts token usage from a buffered JSON response body
// using the provider's json template. Missing counters default to zero.
func (x *Extractor) ParseResponse(providerName string, body []byte) *tokentap.Usage {
	usage := &tokentap.Usage{Provider: providerName}

	p, ok := x.catalog.Provider(providerName)
	if !ok {
		slog.Warn("unknown provider", "provider", providerName)
		return usage
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return usage
	}
	x.applyJSONTemplate(doc, &p.Response.JSON, usage)
	return usage
}

func (x *Extractor) applyJSONTemplate(doc gjson.Result, jc *catalog.ResponseJSONConfig, usage *tokentap.Usage) {
	if n, ok := asInt64(x.paths.ExtractWithFallbacks(doc, jc.InputTokensPath, jc.InputTokensPathAlt, nil)); ok {
		usage.InputTokens = n
	}
	if n, ok := asInt64(x.paths.ExtractWithFallbacks(doc, jc.OutputTokensPath, jc.OutputTokensPathAlt, nil)); ok {
		usage.OutputTokens = n
	}
	if jc.CacheCreationTokensPath != "" {
		if n, ok := asInt64(x.paths.Extract(doc, jc.CacheCreationTokensPath, nil)); ok {
			usage.CacheCreationTokens = n
		}
	}
	if jc.CacheReadTokensPath != "" {
		if n, ok := asInt64(x.paths.Extract(doc, jc.CacheReadTokensPath, nil)); ok {
			usage.CacheReadTokens = n
		}
	}
	if jc.ModelPath != "" {
		usage.Model = asString(x.paths.Extract(doc, jc.ModelPath, nil), usage.Model)
	}
	if jc.StopReasonPath != "" {
		usage.StopReason = asString(x.paths.ExtractWithFallbacks(doc, jc.StopReasonPath, jc.StopReasonPathAlt, nil), usage.StopReason)
	}
}
