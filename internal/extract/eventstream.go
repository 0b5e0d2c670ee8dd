package extract

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	tokentap "github.com/tokentap/tokentap/internal"
)

// maxEventFrames bounds how many decoded frames are surfaced on an event.
const maxEventFrames = 256

// ParseEventStream decodes an AWS binary event stream response body. Frames
// whose payload carries {"bytes":"<base64>"} are unwrapped to the inner event
// JSON. Amazon Q streams rarely report token counts, so the usage usually
// comes back zeroed with the provider name as model; decoded frames are
// returned for raw capture.
func (x *Extractor) ParseEventStream(providerName string, body []byte) (*tokentap.Usage, []map[string]any) {
	usage := &tokentap.Usage{Provider: providerName, Model: providerName}

	var frames []map[string]any
	decoder := eventstream.NewDecoder()
	r := bytes.NewReader(body)

	p, haveProvider := x.catalog.Provider(providerName)

	for len(frames) < maxEventFrames {
		msg, err := decoder.Decode(r, nil)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("event stream decode stopped", "provider", providerName, "error", err)
			}
			break
		}

		msgType := headerString(msg.Headers, ":message-type")
		eventType := headerString(msg.Headers, ":event-type")
		if msgType == "exception" {
			eventType = headerString(msg.Headers, ":exception-type")
		}

		payload := msg.Payload
		if b64 := gjson.GetBytes(payload, "bytes").String(); b64 != "" {
			if decoded, err := base64.StdEncoding.DecodeString(b64); err == nil {
				payload = decoded
			}
		}

		frame := map[string]any{"message_type": msgType, "event_type": eventType}
		if doc := gjson.ParseBytes(payload); doc.IsObject() {
			frame["payload"] = doc.Value()
			if haveProvider && p.Response.SSE != nil && msgType == "event" {
				x.applyFrame(doc, eventType, p.Response.SSE, usage)
			}
		} else if len(payload) > 0 {
			frame["payload"] = string(payload)
		}
		frames = append(frames, frame)
	}

	return usage, frames
}

func headerString(headers eventstream.Headers, name string) string {
	if sv, ok := headers.Get(name).(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}
