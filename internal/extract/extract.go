// Package extract turns intercepted request and response bodies into
// normalized records, driven by the provider catalog's path-expression
// templates with hand-written per-provider fallbacks.
package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tokentap/tokentap/internal/catalog"
	"github.com/tokentap/tokentap/internal/jsonpath"
)

// Extractor evaluates catalog templates against request/response documents.
type Extractor struct {
	catalog *catalog.Catalog
	paths   *jsonpath.Engine
}

// New creates an Extractor over the given catalog and path engine.
func New(cat *catalog.Catalog, eng *jsonpath.Engine) *Extractor {
	return &Extractor{catalog: cat, paths: eng}
}

// asString coerces an extracted value to a string, or returns def.
func asString(v any, def string) string {
	switch s := v.(type) {
	case string:
		if s == "" {
			return def
		}
		return s
	case nil:
		return def
	default:
		return def
	}
}

// asInt64 coerces an extracted value to a non-negative int64.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return max(int64(n), 0), true
	case int64:
		return max(n, 0), true
	case int:
		return max(int64(n), 0), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return max(parsed, 0), true
	default:
		return 0, false
	}
}

// truthy mirrors loose boolean coercion: false, 0, "", nil are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	default:
		return true
	}
}

// textOf flattens a content value into plain text: strings pass through,
// typed part arrays contribute their text fields, nested content recurses.
func textOf(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return v.Str
	case v.IsArray():
		var parts []string
		v.ForEach(func(_, item gjson.Result) bool {
			if s := textOf(item); s != "" {
				parts = append(parts, s)
			}
			return true
		})
		return strings.Join(parts, " ")
	case v.IsObject():
		if t := v.Get("text"); t.Exists() {
			return t.String()
		}
		if c := v.Get("content"); c.Exists() {
			return textOf(c)
		}
		return ""
	default:
		return ""
	}
}

// stringifyText renders an extracted text-field value for estimation.
// Strings pass through; structured values (typed content parts) fall back to
// their compact JSON form, which is close enough for a token estimate.
func stringifyText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["text"].(string); ok {
			return s
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
