package flow

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	tokentap "github.com/tokentap/tokentap/internal"
	"github.com/tokentap/tokentap/internal/identity"
	"github.com/tokentap/tokentap/internal/tokencount"
)

// buildEvent assembles the persisted event for a completed flow.
func (c *Correlator) buildEvent(st *state, status int, respBody []byte, truncated bool) *tokentap.Event {
	p := st.provider
	meta := st.meta

	info := c.extractor.ParseRequest(p.Name, meta.Body)

	var usage *tokentap.Usage
	var rawFrames []map[string]any
	switch {
	case st.streaming && st.streamType == StreamEventStream:
		usage, rawFrames = c.extractor.ParseEventStream(p.Name, respBody)
	case st.streaming:
		usage = c.extractor.ParseStream(p.Name, respBody)
	default:
		usage = c.extractor.ParseResponse(p.Name, respBody)
	}

	model := usage.Model
	if model == "" || model == "unknown" {
		if info.Model != "" {
			model = info.Model
		} else {
			model = "unknown"
		}
	}

	clientType := identity.ClientType(meta.UserAgent, meta.Host, p.Name)

	reqDoc := gjson.ParseBytes(meta.Body)
	hasBudget := hasBudgetTokens(reqDoc)
	consuming := p.Name != tokentap.ProviderUnknown &&
		(hasBudget || hasConversationBody(reqDoc))

	device := identity.DescribeDevice(meta.ClientIP, meta.UserAgent)
	device.ID = identity.ResolveDeviceID(
		reqDoc.Get("events.0.event_data.session_id").String(),
		reqDoc.Get("events.0.event_data.device_id").String(),
		meta.ClientIP, device.OSType, meta.UserAgent,
	)
	device.Name = meta.DeviceName
	if device.Name == "" && device.OSType != "" {
		device.Name = clientType + "-" + strings.ToLower(device.OSType)
	}

	captureMode := "known"
	if p.Name == tokentap.ProviderUnknown {
		captureMode = tokentap.CaptureModeCaptureAll
	}

	e := &tokentap.Event{
		Timestamp:            time.Now().UTC(),
		DurationMs:           time.Since(st.started).Milliseconds(),
		Provider:             p.Name,
		Host:                 meta.Host,
		Path:                 meta.Path,
		Model:                model,
		UserAgent:            meta.UserAgent,
		ClientType:           clientType,
		InputTokens:          usage.InputTokens,
		OutputTokens:         usage.OutputTokens,
		TotalTokens:          usage.InputTokens + usage.OutputTokens,
		CacheCreationTokens:  usage.CacheCreationTokens,
		CacheReadTokens:      usage.CacheReadTokens,
		EstimatedInputTokens: tokencount.CountText(info.TotalText),
		Messages:             sanitizeMessages(info.Messages, c.debug),
		ResponseStatus:       status,
		ResponseStopReason:   usage.StopReason,
		Streaming:            st.streaming,
		Context:              meta.Context,
		Program:              meta.Context.ProgramName,
		Project:              meta.Context.ProjectName,
		ProviderTags:         p.Metadata.Tags,
		EstimatedCost: float64(usage.InputTokens)*p.Metadata.CostPerInputToken +
			float64(usage.OutputTokens)*p.Metadata.CostPerOutputToken,
		CaptureMode:      captureMode,
		Device:           device,
		DeviceID:         device.ID,
		IsTokenConsuming: consuming,
		HasBudgetTokens:  hasBudget,
		Truncated:        truncated,
	}

	if c.debug || p.Name == tokentap.ProviderUnknown ||
		p.CaptureFullRequest || p.CaptureFullResponse ||
		c.catalog.CaptureMode() == tokentap.CaptureModeCaptureAll {
		if reqDoc.IsObject() {
			e.RawRequest = reqDoc.Value()
		}
		if rawFrames != nil {
			e.RawResponse = rawFrames
		} else if respDoc := gjson.ParseBytes(respBody); respDoc.IsObject() || respDoc.IsArray() {
			e.RawResponse = respDoc.Value()
		}
	}
	return e
}

// requestAsksForStream checks the request body for a truthy stream parameter.
func requestAsksForStream(body []byte) bool {
	doc := gjson.ParseBytes(body)
	return doc.IsObject() && doc.Get("stream").Bool()
}

// hasBudgetTokens reports a truthy budget_tokens at the top level or under
// thinking.
func hasBudgetTokens(doc gjson.Result) bool {
	if !doc.IsObject() {
		return false
	}
	if v := doc.Get("budget_tokens"); v.Exists() && v.Int() > 0 {
		return true
	}
	if v := doc.Get("thinking.budget_tokens"); v.Exists() && v.Int() > 0 {
		return true
	}
	return false
}

// hasConversationBody reports whether the request body carries an actual
// prompt rather than telemetry payload.
func hasConversationBody(doc gjson.Result) bool {
	if !doc.IsObject() {
		return false
	}
	for _, field := range []string{"messages", "prompt", "contents"} {
		if doc.Get(field).Exists() {
			return true
		}
	}
	return false
}

// sanitizeMessages converts extracted messages into the persisted shape. In
// debug mode content passes through untouched. Otherwise string content is
// replaced wholesale and multi-part content keeps only the type discriminator
// of each part.
func sanitizeMessages(msgs []any, debug bool) []tokentap.Message {
	out := make([]tokentap.Message, 0, len(msgs))
	for _, m := range msgs {
		obj, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := obj["role"].(string)
		if role == "" {
			role = "unknown"
		}
		if debug {
			out = append(out, tokentap.Message{Role: role, Content: obj["content"]})
			continue
		}
		out = append(out, tokentap.Message{Role: role, Content: redactContent(obj["content"])})
	}
	return out
}

func redactContent(content any) any {
	parts, ok := content.([]any)
	if !ok {
		return "[REDACTED]"
	}
	redacted := make([]any, 0, len(parts))
	for _, part := range parts {
		partType := "unknown"
		if obj, ok := part.(map[string]any); ok {
			if t, ok := obj["type"].(string); ok && t != "" {
				partType = t
			}
		} else if _, ok := part.(string); ok {
			partType = "text"
		}
		redacted = append(redacted, map[string]any{"type": partType})
	}
	return redacted
}
