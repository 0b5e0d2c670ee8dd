package catalog

// RequestConfig describes how to pull fields out of a provider's request body.
// All paths are expressions for the jsonpath engine.
type RequestConfig struct {
	ModelPath       string   `json:"model_path"`
	MessagesPath    string   `json:"messages_path,omitempty"`
	SystemPath      string   `json:"system_path,omitempty"`
	ToolsPath       string   `json:"tools_path,omitempty"`
	StreamParamPath string   `json:"stream_param_path,omitempty"`
	TextFields      []string `json:"text_fields,omitempty"`
}

// ResponseJSONConfig describes token extraction from a buffered JSON response.
type ResponseJSONConfig struct {
	InputTokensPath         string   `json:"input_tokens_path"`
	InputTokensPathAlt      []string `json:"input_tokens_path_alt,omitempty"`
	OutputTokensPath        string   `json:"output_tokens_path"`
	OutputTokensPathAlt     []string `json:"output_tokens_path_alt,omitempty"`
	CacheCreationTokensPath string   `json:"cache_creation_tokens_path,omitempty"`
	CacheReadTokensPath     string   `json:"cache_read_tokens_path,omitempty"`
	ModelPath               string   `json:"model_path,omitempty"`
	StopReasonPath          string   `json:"stop_reason_path,omitempty"`
	StopReasonPathAlt       []string `json:"stop_reason_path_alt,omitempty"`
}

// ResponseSSEConfig describes token extraction from a streamed response.
// The *Event fields gate extraction on the frame's data.type: nil or "*"
// matches any frame, a concrete string matches only that event type.
type ResponseSSEConfig struct {
	Format       string `json:"format,omitempty"` // sse | json_lines | sse_or_json_lines
	DoneMarker   string `json:"done_marker,omitempty"`
	UseLastChunk bool   `json:"use_last_chunk,omitempty"`

	InputTokensEvent   *string  `json:"input_tokens_event,omitempty"`
	InputTokensPath    string   `json:"input_tokens_path,omitempty"`
	InputTokensPathAlt []string `json:"input_tokens_path_alt,omitempty"`

	OutputTokensEvent   *string  `json:"output_tokens_event,omitempty"`
	OutputTokensPath    string   `json:"output_tokens_path,omitempty"`
	OutputTokensPathAlt []string `json:"output_tokens_path_alt,omitempty"`

	CacheCreationTokensEvent *string `json:"cache_creation_tokens_event,omitempty"`
	CacheCreationTokensPath  string  `json:"cache_creation_tokens_path,omitempty"`

	CacheReadTokensEvent *string `json:"cache_read_tokens_event,omitempty"`
	CacheReadTokensPath  string  `json:"cache_read_tokens_path,omitempty"`

	ModelEvent *string `json:"model_event,omitempty"`
	ModelPath  string  `json:"model_path,omitempty"`

	StopReasonEvent *string `json:"stop_reason_event,omitempty"`
	StopReasonPath  string  `json:"stop_reason_path,omitempty"`
}

// Stream formats accepted in ResponseSSEConfig.Format.
const (
	FormatSSE           = "sse"
	FormatJSONLines     = "json_lines"
	FormatSSEOrJSONLine = "sse_or_json_lines"
)

// ResponseConfig groups the JSON and optional SSE extraction templates.
type ResponseConfig struct {
	JSON ResponseJSONConfig `json:"json"`
	SSE  *ResponseSSEConfig `json:"sse,omitempty"`
}

// Metadata carries provider tags and per-token pricing.
type Metadata struct {
	Tags               []string `json:"tags,omitempty"`
	CostPerInputToken  float64  `json:"cost_per_input_token,omitempty"`
	CostPerOutputToken float64  `json:"cost_per_output_token,omitempty"`
}

// Provider is one declarative provider descriptor.
type Provider struct {
	Name                string         `json:"name"`
	Enabled             *bool          `json:"enabled,omitempty"` // nil = enabled
	Domains             []string       `json:"domains"`
	APIPatterns         []string       `json:"api_patterns,omitempty"`
	CaptureFullRequest  bool           `json:"capture_full_request,omitempty"`
	CaptureFullResponse bool           `json:"capture_full_response,omitempty"`
	LogLevel            string         `json:"log_level,omitempty"`
	Request             RequestConfig  `json:"request"`
	Response            ResponseConfig `json:"response"`
	Metadata            Metadata       `json:"metadata,omitempty"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p *Provider) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// File is the decoded shape of providers.json.
type File struct {
	Version     string               `json:"version"`
	Description string               `json:"description,omitempty"`
	CaptureMode string               `json:"capture_mode"`
	Providers   map[string]*Provider `json:"providers"`
}
