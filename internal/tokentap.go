// Package tokentap defines domain types and interfaces for the tokentap
// interception pipeline. This package has no project imports -- it is the
// dependency root.
package tokentap

import (
	"context"
	"time"
)

// --- Extraction records ---

// RequestInfo is the normalized view of an intercepted LLM API request.
// Messages holds the raw message objects as extracted from the body; they are
// sanitized by the flow correlator before persistence.
type RequestInfo struct {
	Provider  string
	Model     string
	Messages  []any
	System    any
	Tools     any
	Streaming bool
	TotalText string // newline-join of extracted text fields, for estimation
}

// Usage is the normalized token usage extracted from an LLM API response.
type Usage struct {
	Provider            string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	Model               string
	StopReason          string
}

// --- Caller context and device identity ---

// Context carries caller metadata extracted from X-Tokentap-* headers.
type Context struct {
	ProgramName string         `bson:"program_name"         json:"program_name"`
	ProjectName string         `bson:"project_name"         json:"project_name"`
	SessionID   string         `bson:"session_id,omitempty" json:"session_id,omitempty"`
	Tags        []string       `bson:"tags,omitempty"       json:"tags,omitempty"`
	Custom      map[string]any `bson:"custom,omitempty"     json:"custom,omitempty"`
}

// Device describes the client machine a flow originated from.
type Device struct {
	ID        string `bson:"id"                   json:"id"`
	Name      string `bson:"name"                 json:"name"`
	IPAddress string `bson:"ip_address,omitempty" json:"ip_address,omitempty"`
	OSType    string `bson:"os_type,omitempty"    json:"os_type,omitempty"`
	Browser   string `bson:"browser,omitempty"    json:"browser,omitempty"`
	UserAgent string `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
}

// --- Persisted event ---

// Message is a sanitized message as stored on an event: role plus either
// redacted content or structural placeholders that preserve part types.
type Message struct {
	Role    string `bson:"role"    json:"role"`
	Content any    `bson:"content" json:"content"`
}

// Event is one persisted record per completed LLM flow.
type Event struct {
	ID                   string    `bson:"-"                        json:"_id,omitempty"`
	Timestamp            time.Time `bson:"timestamp"                json:"timestamp"`
	DurationMs           int64     `bson:"duration_ms"              json:"duration_ms"`
	Provider             string    `bson:"provider"                 json:"provider"`
	Host                 string    `bson:"host"                     json:"host"`
	Path                 string    `bson:"path"                     json:"path"`
	Model                string    `bson:"model"                    json:"model"`
	UserAgent            string    `bson:"user_agent"               json:"user_agent"`
	ClientType           string    `bson:"client_type"              json:"client_type"`
	InputTokens          int64     `bson:"input_tokens"             json:"input_tokens"`
	OutputTokens         int64     `bson:"output_tokens"            json:"output_tokens"`
	TotalTokens          int64     `bson:"total_tokens"             json:"total_tokens"`
	CacheCreationTokens  int64     `bson:"cache_creation_tokens"    json:"cache_creation_tokens"`
	CacheReadTokens      int64     `bson:"cache_read_tokens"        json:"cache_read_tokens"`
	EstimatedInputTokens int64     `bson:"estimated_input_tokens"   json:"estimated_input_tokens"`
	Messages             []Message `bson:"messages"                 json:"messages"`
	ResponseStatus       int       `bson:"response_status"          json:"response_status"`
	ResponseStopReason   string    `bson:"response_stop_reason,omitempty" json:"response_stop_reason,omitempty"`
	Streaming            bool      `bson:"streaming"                json:"streaming"`
	Context              Context   `bson:"context"                  json:"context"`
	Program              string    `bson:"program,omitempty"        json:"program,omitempty"`
	Project              string    `bson:"project,omitempty"        json:"project,omitempty"`
	ProviderTags         []string  `bson:"provider_tags,omitempty"  json:"provider_tags,omitempty"`
	EstimatedCost        float64   `bson:"estimated_cost"           json:"estimated_cost"`
	CaptureMode          string    `bson:"capture_mode"             json:"capture_mode"`
	Device               Device    `bson:"device"                   json:"device"`
	DeviceID             string    `bson:"device_id"                json:"device_id"`
	IsTokenConsuming     bool      `bson:"is_token_consuming"       json:"is_token_consuming"`
	HasBudgetTokens      bool      `bson:"has_budget_tokens"        json:"has_budget_tokens"`
	Truncated            bool      `bson:"truncated,omitempty"      json:"truncated,omitempty"`
	RawRequest           any       `bson:"raw_request,omitempty"    json:"raw_request,omitempty"`
	RawResponse          any       `bson:"raw_response,omitempty"   json:"raw_response,omitempty"`
}

// --- Store contract ---

// EventFilter selects events for queries and aggregations. Zero values mean
// "no constraint". Date bounds are inclusive.
type EventFilter struct {
	Provider         string
	Model            string
	Program          string
	Project          string
	DeviceID         string
	CaptureMode      string
	IsTokenConsuming *bool
	DateFrom         time.Time
	DateTo           time.Time
}

// UsageSummary is the total across the four token counters.
type UsageSummary struct {
	TotalInputTokens         int64 `json:"total_input_tokens"`
	TotalOutputTokens        int64 `json:"total_output_tokens"`
	TotalCacheCreationTokens int64 `json:"total_cache_creation_tokens"`
	TotalCacheReadTokens     int64 `json:"total_cache_read_tokens"`
	RequestCount             int64 `json:"request_count"`
}

// ModelUsage is a per-(provider, model) aggregation row.
type ModelUsage struct {
	Provider            string `json:"provider"`
	Model               string `json:"model"`
	InputTokens         int64  `json:"input_tokens"`
	OutputTokens        int64  `json:"output_tokens"`
	CacheCreationTokens int64  `json:"cache_creation_tokens"`
	CacheReadTokens     int64  `json:"cache_read_tokens"`
	RequestCount        int64  `json:"request_count"`
}

// GroupUsage is a per-program or per-project aggregation row.
type GroupUsage struct {
	Name                string  `json:"name"`
	InputTokens         int64   `json:"total_input_tokens"`
	OutputTokens        int64   `json:"total_output_tokens"`
	TotalTokens         int64   `json:"total_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	RequestCount        int64   `json:"request_count"`
	EstimatedCost       float64 `json:"estimated_cost"`
}

// DeviceUsage is a per-device aggregation row.
type DeviceUsage struct {
	DeviceID            string  `json:"device_id"`
	DeviceName          string  `json:"device_name"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	RequestCount        int64   `json:"request_count"`
	TotalCost           float64 `json:"total_cost"`
}

// TimeBucket is one point of the usage-over-time series.
type TimeBucket struct {
	Bucket       time.Time `json:"bucket"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	RequestCount int64     `json:"request_count"`
}

// DeviceInfo describes a device as listed by the dashboard: event-derived
// stats joined with the optional registration record.
type DeviceInfo struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	RequestCount      int64     `json:"request_count"`
	TotalInputTokens  int64     `json:"total_input_tokens"`
	TotalOutputTokens int64     `json:"total_output_tokens"`
	OSType            string    `json:"os_type,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	HasCustomName     bool      `json:"has_custom_name"`
}

// Granularity of the usage-over-time buckets.
const (
	GranularityHour = "hour"
	GranularityDay  = "day"
	GranularityWeek = "week"
)

// EventStore persists flow events and answers the dashboard queries.
// InsertEvent failures must be isolated by callers: the proxy logs and moves
// on, it never retries or blocks on the store.
type EventStore interface {
	InsertEvent(ctx context.Context, e *Event) error
	QueryEvents(ctx context.Context, f EventFilter, skip, limit int) ([]*Event, int64, error)
	GetEvent(ctx context.Context, id string) (*Event, error)
	AggregateUsage(ctx context.Context, f EventFilter) (*UsageSummary, error)
	UsageByModel(ctx context.Context, f EventFilter) ([]ModelUsage, error)
	UsageByProgram(ctx context.Context, f EventFilter) ([]GroupUsage, error)
	UsageByProject(ctx context.Context, f EventFilter) ([]GroupUsage, error)
	UsageByDevice(ctx context.Context, f EventFilter) ([]DeviceUsage, error)
	UsageOverTime(ctx context.Context, f EventFilter, granularity string) ([]TimeBucket, error)
	DeleteAllEvents(ctx context.Context) (int64, error)
	RegisterDevice(ctx context.Context, id, name string, metadata map[string]any) error
	GetDevices(ctx context.Context) ([]DeviceInfo, error)
	DeleteDevice(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) bool
}

// --- Request-scoped context ---

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from context, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// Capture modes for the provider catalog.
const (
	CaptureModeKnownOnly  = "known_only"
	CaptureModeCaptureAll = "capture_all"
)

// ProviderUnknown is the reserved fallback provider name used when
// capture_mode is capture_all and no descriptor matched the host.
const ProviderUnknown = "unknown"
