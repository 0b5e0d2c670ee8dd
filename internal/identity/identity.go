// Package identity resolves caller context, client type, and device identity
// for intercepted flows.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mileusna/useragent"

	tokentap "github.com/tokentap/tokentap/internal"
)

// Context headers callers may set to attribute their traffic.
const (
	HeaderProgram = "X-Tokentap-Program"
	HeaderProject = "X-Tokentap-Project"
	HeaderSession = "X-Tokentap-Session"
	HeaderContext = "X-Tokentap-Context"
)

// FromHeaders builds caller context from the X-Tokentap-* request headers.
// Dedicated headers win over the JSON context blob; unrecognized blob keys
// land in Custom. When no program name is given it is inferred from the
// client type.
func FromHeaders(h http.Header, host string) tokentap.Context {
	ctx := tokentap.Context{
		ProgramName: h.Get(HeaderProgram),
		ProjectName: h.Get(HeaderProject),
		SessionID:   h.Get(HeaderSession),
	}

	if blob := h.Get(HeaderContext); blob != "" {
		var raw map[string]any
		if err := json.Unmarshal([]byte(blob), &raw); err != nil {
			slog.Warn("unparseable context header", "error", err)
		} else {
			mergeContext(&ctx, raw)
		}
	}

	if ctx.ProgramName == "" {
		ctx.ProgramName = ClientType(h.Get("User-Agent"), host, "")
	}
	return ctx
}

func mergeContext(ctx *tokentap.Context, raw map[string]any) {
	for key, value := range raw {
		switch key {
		case "program_name":
			if ctx.ProgramName == "" {
				ctx.ProgramName, _ = value.(string)
			}
		case "project_name":
			if ctx.ProjectName == "" {
				ctx.ProjectName, _ = value.(string)
			}
		case "session_id":
			if ctx.SessionID == "" {
				ctx.SessionID, _ = value.(string)
			}
		case "tags":
			if list, ok := value.([]any); ok && ctx.Tags == nil {
				for _, t := range list {
					if s, ok := t.(string); ok {
						ctx.Tags = append(ctx.Tags, s)
					}
				}
			}
		default:
			if ctx.Custom == nil {
				ctx.Custom = make(map[string]any)
			}
			ctx.Custom[key] = value
		}
	}
}

// ClientType classifies the calling tool from its User-Agent, the upstream
// host, and the resolved provider name.
func ClientType(userAgent, host, provider string) string {
	ua := strings.ToLower(userAgent)

	if strings.Contains(ua, "kiro") {
		switch {
		case strings.Contains(ua, "cli"), strings.Contains(ua, "command"):
			return "kiro-cli"
		case strings.Contains(ua, "ide"), strings.Contains(ua, "editor"), strings.Contains(ua, "vscode"):
			return "kiro-ide"
		default:
			return "kiro-cli"
		}
	}
	if strings.Contains(ua, "claude") && strings.Contains(ua, "code") {
		return "claude-code"
	}
	if provider == "kiro" || strings.Contains(host, "amazonaws.com") {
		return "kiro-cli"
	}
	if provider == "anthropic" {
		return "claude-code"
	}
	return "unknown"
}

// DescribeDevice fills a Device record from the client IP and User-Agent.
// The stored user agent is capped at 100 bytes.
func DescribeDevice(ip, ua string) tokentap.Device {
	parsed := useragent.Parse(ua)
	stored := ua
	if len(stored) > 100 {
		stored = stored[:100]
	}
	return tokentap.Device{
		IPAddress: ip,
		OSType:    parsed.OS,
		Browser:   parsed.Name,
		UserAgent: stored,
	}
}

// Fingerprint derives a stable device id from the client IP, OS family, and
// the first 50 bytes of the User-Agent.
func Fingerprint(ip, osFamily, ua string) string {
	if len(ua) > 50 {
		ua = ua[:50]
	}
	sum := md5.Sum([]byte(ip + "|" + osFamily + "|" + ua))
	return "device-" + hex.EncodeToString(sum[:])[:12]
}

// ResolveDeviceID picks the device id for an event, strongest signal first:
// an explicit session id, a device id from the request body, the derived
// fingerprint, and finally a random id so the event is never unattributed.
func ResolveDeviceID(sessionID, bodyDeviceID, ip, osFamily, ua string) string {
	if sessionID != "" {
		return sessionID
	}
	if bodyDeviceID != "" {
		return bodyDeviceID
	}
	if ip != "" || ua != "" {
		return Fingerprint(ip, osFamily, ua)
	}
	return "unknown-" + uuid.NewString()[:8]
}
