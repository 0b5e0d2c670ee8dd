package catalog

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func load(t *testing.T, overridePath string) *Catalog {
	t.Helper()
	c, err := Load(overridePath, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c
}

func TestProviderByDomain(t *testing.T) {
	t.Parallel()
	c := load(t, "")

	tests := []struct {
		host string
		want string
		ok   bool
	}{
		{"api.anthropic.com", "anthropic", true},
		{"api.openai.com", "openai", true},
		{"generativelanguage.googleapis.com", "gemini", true},
		{"q.us-east-1.amazonaws.com", "kiro", true},
		// Suffix extension of a configured domain still matches.
		{"eu.api.anthropic.com", "anthropic", true},
		// known_only: unmatched hosts do not fall back to unknown.
		{"api.example.ai", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()
			p, ok := c.ProviderByDomain(tt.host)
			if ok != tt.ok {
				t.Fatalf("ProviderByDomain(%q) ok = %v, want %v", tt.host, ok, tt.ok)
			}
			if ok && p.Name != tt.want {
				t.Errorf("ProviderByDomain(%q) = %q, want %q", tt.host, p.Name, tt.want)
			}
		})
	}
}

func TestCaptureAllFallsBackToUnknown(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	override := filepath.Join(dir, "providers.json")
	if err := os.WriteFile(override, []byte(`{"capture_mode": "capture_all"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	c := load(t, override)
	if got := c.CaptureMode(); got != "capture_all" {
		t.Fatalf("CaptureMode = %q", got)
	}
	p, ok := c.ProviderByDomain("api.example.ai")
	if !ok || p.Name != "unknown" {
		t.Fatalf("ProviderByDomain(api.example.ai) = %v, %v; want unknown provider", p, ok)
	}
	// Known domains still resolve to their own descriptor, never unknown.
	p, ok = c.ProviderByDomain("api.anthropic.com")
	if !ok || p.Name != "anthropic" {
		t.Fatalf("ProviderByDomain(api.anthropic.com) = %v, %v", p, ok)
	}
}

func TestOverrideDeepMerges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	override := filepath.Join(dir, "providers.json")
	cfg := `{
		"providers": {
			"anthropic": {"enabled": false},
			"myproxy": {
				"name": "myproxy",
				"domains": ["llm.corp.internal"],
				"request": {"model_path": "$.model"},
				"response": {"json": {
					"input_tokens_path": "$.usage.in",
					"output_tokens_path": "$.usage.out"
				}}
			}
		}
	}`
	if err := os.WriteFile(override, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	c := load(t, override)

	// Disabled provider no longer matches its domain.
	if _, ok := c.ProviderByDomain("api.anthropic.com"); ok {
		t.Error("disabled anthropic still matched")
	}
	// Merged provider keeps base fields not touched by the override.
	p, ok := c.Provider("anthropic")
	if !ok || p.Request.ModelPath != "$.model" {
		t.Errorf("anthropic descriptor lost base fields: %+v", p)
	}
	// New provider from the override is live.
	p, ok = c.ProviderByDomain("llm.corp.internal")
	if !ok || p.Name != "myproxy" {
		t.Errorf("override provider missing: %v, %v", p, ok)
	}
}

func TestInvalidOverrideIsIgnored(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	override := filepath.Join(dir, "providers.json")
	if err := os.WriteFile(override, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	c := load(t, override)
	if _, ok := c.ProviderByDomain("api.anthropic.com"); !ok {
		t.Error("base config lost after invalid override")
	}
}

func TestInvalidCaptureModeFails(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	override := filepath.Join(dir, "providers.json")
	if err := os.WriteFile(override, []byte(`{"capture_mode": "everything"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(override, nil); err == nil {
		t.Error("Load accepted invalid capture_mode")
	}
}

func TestDeepMergeEmptyOverrideIsIdentity(t *testing.T) {
	t.Parallel()
	base := map[string]any{
		"a": "x",
		"b": map[string]any{"c": float64(1), "d": []any{"y"}},
	}
	got := DeepMerge(base, map[string]any{})
	if !reflect.DeepEqual(got, base) {
		t.Errorf("DeepMerge(base, {}) = %v, want %v", got, base)
	}
}

func TestDeepMergeOverwritesLeavesAndMergesMaps(t *testing.T) {
	t.Parallel()
	base := map[string]any{
		"keep": "base",
		"nest": map[string]any{"a": float64(1), "b": float64(2)},
		"list": []any{"old"},
	}
	override := map[string]any{
		"nest": map[string]any{"b": float64(3)},
		"list": []any{"new"},
	}
	got := DeepMerge(base, override)
	want := map[string]any{
		"keep": "base",
		"nest": map[string]any{"a": float64(1), "b": float64(3)},
		"list": []any{"new"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DeepMerge = %v, want %v", got, want)
	}
}

func TestReloadInvokesCallback(t *testing.T) {
	t.Parallel()
	calls := 0
	if _, err := Load("", func() { calls++ }); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("onReload called %d times at load, want 1", calls)
	}
}
