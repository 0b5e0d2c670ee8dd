package jsonpath

import (
	"reflect"
	"testing"

	"github.com/tidwall/gjson"
)

const requestDoc = `{
	"model": "claude-sonnet-4",
	"stream": true,
	"messages": [
		{"role": "user", "content": "first"},
		{"role": "assistant", "content": "second"},
		{"role": "user", "content": "third"}
	],
	"usage": {"input_tokens": 42, "output_tokens": 0},
	"candidates": [{"finishReason": "STOP"}],
	"empty": "",
	"nothing": null
}`

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestExtract(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	doc := gjson.Parse(requestDoc)

	tests := []struct {
		name string
		expr string
		def  any
		want any
	}{
		{"child", "$.model", nil, "claude-sonnet-4"},
		{"nested child", "$.usage.input_tokens", nil, float64(42)},
		{"array index", "$.candidates[0].finishReason", nil, "STOP"},
		{"index out of range", "$.candidates[5].finishReason", "x", "x"},
		{"bool child", "$.stream", false, true},
		{"missing returns default", "$.no.such.path", "fallback", "fallback"},
		{"empty string returns default", "$.empty", "d", "d"},
		{"null returns default", "$.nothing", "d", "d"},
		{"recursive descent", "$..finishReason", nil, "STOP"},
		{"descend missing", "$..absent", "d", "d"},
		{"invalid expression", "usage.input_tokens", "d", "d"},
		{"empty expression", "", "d", "d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := e.Extract(doc, tt.expr, tt.def)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestExtractWildcardReturnsFullArray(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	doc := gjson.Parse(requestDoc)

	got := e.Extract(doc, "$.messages[*]", nil)
	msgs, ok := got.([]any)
	if !ok {
		t.Fatalf("Extract($.messages[*]) = %T, want []any", got)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	first, ok := msgs[0].(map[string]any)
	if !ok || first["role"] != "user" || first["content"] != "first" {
		t.Errorf("first message = %v", msgs[0])
	}

	// [*] on a non-array passes the value through.
	if got := e.Extract(doc, "$.model[*]", nil); got != "claude-sonnet-4" {
		t.Errorf("Extract($.model[*]) = %v, want claude-sonnet-4", got)
	}

	// Chained wildcard access collects every match.
	got = e.Extract(doc, "$.messages[*].content", nil)
	want := []any{"first", "second", "third"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Extract($.messages[*].content) = %v, want %v", got, want)
	}
}

func TestExtractWithFallbacks(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	doc := gjson.Parse(`{"usage": {"prompt_tokens": 5}}`)

	got := e.ExtractWithFallbacks(doc,
		"$.usage.input_tokens",
		[]string{"$.usage.promptTokens", "$.usage.prompt_tokens"},
		0,
	)
	if got != float64(5) {
		t.Errorf("ExtractWithFallbacks = %v, want 5", got)
	}

	got = e.ExtractWithFallbacks(doc, "$.a", []string{"$.b"}, "def")
	if got != "def" {
		t.Errorf("ExtractWithFallbacks with no match = %v, want def", got)
	}
}

func TestResetClearsCompilationCache(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	doc := gjson.Parse(requestDoc)

	if got := e.Extract(doc, "$.model", nil); got != "claude-sonnet-4" {
		t.Fatalf("before reset: %v", got)
	}
	e.Reset()
	if got := e.Extract(doc, "$.model", nil); got != "claude-sonnet-4" {
		t.Errorf("after reset: %v", got)
	}
}
