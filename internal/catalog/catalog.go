// Package catalog loads and serves the declarative provider descriptors that
// drive request/response extraction. A base providers.json ships with the
// binary; a user override at <home>/.tokentap/providers.json deep-merges on
// top of it. The active catalog is swapped atomically on reload.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
)

//go:embed providers.json
var baseConfig []byte

// OverridePath returns the default user override location.
func OverridePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tokentap", "providers.json")
}

// snapshot is one immutable loaded configuration.
type snapshot struct {
	version     string
	captureMode string
	providers   map[string]*Provider
	names       []string // sorted, for deterministic domain scans
}

// Catalog is the process-wide provider configuration. Read-mostly; Reload
// replaces the snapshot atomically.
type Catalog struct {
	overridePath string
	cur          atomic.Pointer[snapshot]
	onReload     func() // clears the path-expression cache
}

// Load parses the embedded base descriptor file, merges the user override at
// overridePath (if present), validates, and returns the catalog. onReload is
// invoked after every successful load, including this first one; it may be
// nil.
func Load(overridePath string, onReload func()) (*Catalog, error) {
	c := &Catalog{overridePath: overridePath, onReload: onReload}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the base and override files and swaps the active snapshot.
// Override read errors are logged and ignored; base or validation errors
// leave the previous snapshot in place.
func (c *Catalog) Reload() error {
	var base map[string]any
	if err := json.Unmarshal(baseConfig, &base); err != nil {
		return fmt.Errorf("parse base providers.json: %w", err)
	}

	if c.overridePath != "" {
		data, err := os.ReadFile(c.overridePath)
		switch {
		case err == nil:
			var override map[string]any
			if jerr := json.Unmarshal(data, &override); jerr != nil {
				slog.Error("invalid user provider config, ignoring", "path", c.overridePath, "error", jerr)
			} else {
				base = DeepMerge(base, override)
				slog.Info("user provider config merged", "path", c.overridePath)
			}
		case !os.IsNotExist(err):
			slog.Error("read user provider config", "path", c.overridePath, "error", err)
		}
	}

	snap, err := buildSnapshot(base)
	if err != nil {
		return err
	}
	c.cur.Store(snap)
	if c.onReload != nil {
		c.onReload()
	}
	slog.Info("provider catalog loaded",
		"version", snap.version,
		"capture_mode", snap.captureMode,
		"providers", len(snap.providers),
	)
	return nil
}

func buildSnapshot(merged map[string]any) (*snapshot, error) {
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("re-encode merged config: %w", err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode provider config: %w", err)
	}
	if err := validate(&f); err != nil {
		return nil, fmt.Errorf("validate provider config: %w", err)
	}

	names := make([]string, 0, len(f.Providers))
	for name, p := range f.Providers {
		p.Name = name
		names = append(names, name)
	}
	sort.Strings(names)

	return &snapshot{
		version:     f.Version,
		captureMode: f.CaptureMode,
		providers:   f.Providers,
		names:       names,
	}, nil
}

func validate(f *File) error {
	if f.CaptureMode != "known_only" && f.CaptureMode != "capture_all" {
		return fmt.Errorf("capture_mode must be known_only or capture_all, got %q", f.CaptureMode)
	}
	if len(f.Providers) == 0 {
		return fmt.Errorf("no providers defined")
	}
	for name, p := range f.Providers {
		if p == nil {
			return fmt.Errorf("provider %q: empty descriptor", name)
		}
		if p.Request.ModelPath == "" {
			return fmt.Errorf("provider %q: request.model_path is required", name)
		}
		if p.Response.JSON.InputTokensPath == "" || p.Response.JSON.OutputTokensPath == "" {
			return fmt.Errorf("provider %q: response.json token paths are required", name)
		}
		if name == "unknown" {
			continue // reserved fallback; needs no domains
		}
		if len(p.Domains) == 0 {
			return fmt.Errorf("provider %q: at least one domain is required", name)
		}
	}
	return nil
}

// DeepMerge recursively merges override into base: nested maps merge key by
// key, all other values (including arrays) are overwritten. Neither input is
// mutated.
func DeepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = DeepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Version returns the loaded descriptor file version.
func (c *Catalog) Version() string { return c.cur.Load().version }

// CaptureMode returns the active capture mode.
func (c *Catalog) CaptureMode() string { return c.cur.Load().captureMode }

// Provider returns the descriptor for a provider name.
func (c *Catalog) Provider(name string) (*Provider, bool) {
	p, ok := c.cur.Load().providers[name]
	return p, ok
}

// ProviderByDomain returns the first enabled provider whose domain equals
// host or is a suffix of it. The reserved "unknown" provider is skipped
// during the scan and returned only as a fallback in capture_all mode.
func (c *Catalog) ProviderByDomain(host string) (*Provider, bool) {
	snap := c.cur.Load()
	for _, name := range snap.names {
		if name == "unknown" {
			continue
		}
		p := snap.providers[name]
		if !p.IsEnabled() {
			continue
		}
		for _, d := range p.Domains {
			if d == host || hasDomainSuffix(host, d) {
				return p, true
			}
		}
	}
	if snap.captureMode == "capture_all" {
		if p, ok := snap.providers["unknown"]; ok && p.IsEnabled() {
			return p, true
		}
	}
	return nil, false
}

func hasDomainSuffix(host, domain string) bool {
	return len(host) > len(domain) && host[len(host)-len(domain):] == domain
}
