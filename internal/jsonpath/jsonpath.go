// Package jsonpath compiles and evaluates the JSONPath subset used by
// provider descriptors: root ($), child access (.name), array index ([n]),
// wildcard ([*]), and recursive descent (..name). Evaluation runs over
// gjson values, so documents stay opaque -- no per-provider structs.
package jsonpath

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/maypok86/otter/v2"
	"github.com/tidwall/gjson"
)

type stepKind int

const (
	stepChild stepKind = iota
	stepIndex
	stepWildcard
	stepDescend
)

// step is one compiled path segment.
type step struct {
	kind  stepKind
	name  string
	index int
}

const maxCompiledExprs = 4096

// Engine memoizes compiled expressions. Safe for concurrent use.
type Engine struct {
	cache  *otter.Cache[string, []step]
	warned sync.Map // expr -> struct{}; warn once per invalid expression
}

// New creates an Engine with an empty compilation cache.
func New() (*Engine, error) {
	c, err := otter.New[string, []step](&otter.Options[string, []step]{
		MaximumSize: maxCompiledExprs,
	})
	if err != nil {
		return nil, fmt.Errorf("create expression cache: %w", err)
	}
	return &Engine{cache: c}, nil
}

// Reset clears the compilation cache. Called on catalog reload.
func (e *Engine) Reset() {
	e.cache.InvalidateAll()
	e.warned.Clear()
}

// Extract evaluates expr against doc and returns the first match, or def
// when the expression is empty, invalid, or matches nothing. An empty-string
// or null match also yields def. Evaluation never panics or errors out.
func (e *Engine) Extract(doc gjson.Result, expr string, def any) any {
	if expr == "" || !doc.Exists() {
		return def
	}
	steps, ok := e.compiled(expr)
	if !ok {
		return def
	}
	matches := eval(doc, steps)
	if len(matches) == 0 {
		return def
	}
	if len(matches) == 1 {
		res := matches[0]
		if res.Type == gjson.Null {
			return def
		}
		if res.Type == gjson.String && res.Str == "" {
			return def
		}
		return res.Value()
	}
	// A wildcard fan-out: return every match as a list.
	out := make([]any, len(matches))
	for i, m := range matches {
		out[i] = m.Value()
	}
	return out
}

// ExtractWithFallbacks tries the primary expression, then each alternate in
// order, returning the first non-nil extraction or def.
func (e *Engine) ExtractWithFallbacks(doc gjson.Result, primary string, alts []string, def any) any {
	if v := e.Extract(doc, primary, nil); v != nil {
		return v
	}
	for _, alt := range alts {
		if v := e.Extract(doc, alt, nil); v != nil {
			return v
		}
	}
	return def
}

func (e *Engine) compiled(expr string) ([]step, bool) {
	if steps, ok := e.cache.GetIfPresent(expr); ok {
		return steps, steps != nil
	}
	steps, err := compile(expr)
	if err != nil {
		if _, dup := e.warned.LoadOrStore(expr, struct{}{}); !dup {
			slog.Warn("invalid path expression", "expr", expr, "error", err)
		}
		e.cache.Set(expr, nil) // negative-cache invalid expressions
		return nil, false
	}
	e.cache.Set(expr, steps)
	return steps, true
}

// compile parses an expression like $.usage.input_tokens, $.messages[*],
// $.candidates[0].finishReason, or $..usage into steps.
func compile(expr string) ([]step, error) {
	s := expr
	if !strings.HasPrefix(s, "$") {
		return nil, fmt.Errorf("expression must start with $")
	}
	s = s[1:]

	var steps []step
	for len(s) > 0 {
		switch {
		case strings.HasPrefix(s, ".."):
			s = s[2:]
			name, rest := readName(s)
			if name == "" {
				return nil, fmt.Errorf("recursive descent needs a field name")
			}
			steps = append(steps, step{kind: stepDescend, name: name})
			s = rest
		case strings.HasPrefix(s, "."):
			s = s[1:]
			name, rest := readName(s)
			if name == "" {
				return nil, fmt.Errorf("empty child name at %q", s)
			}
			steps = append(steps, step{kind: stepChild, name: name})
			s = rest
		case strings.HasPrefix(s, "["):
			end := strings.IndexByte(s, ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated bracket at %q", s)
			}
			inner := s[1:end]
			s = s[end+1:]
			if inner == "*" {
				steps = append(steps, step{kind: stepWildcard})
				continue
			}
			n, err := strconv.Atoi(inner)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid array index %q", inner)
			}
			steps = append(steps, step{kind: stepIndex, index: n})
		default:
			return nil, fmt.Errorf("unexpected token at %q", s)
		}
	}
	return steps, nil
}

// readName consumes a field name up to the next '.', '[' or end of input.
func readName(s string) (name, rest string) {
	i := strings.IndexAny(s, ".[")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

// eval walks the steps over a working set of values. Wildcards fan out over
// array elements, so $.messages[*] yields every message and
// $.messages[*].content yields every content value.
func eval(doc gjson.Result, steps []step) []gjson.Result {
	cur := []gjson.Result{doc}
	for _, st := range steps {
		next := cur[:0:0]
		for _, r := range cur {
			switch st.kind {
			case stepChild:
				if v := r.Get(escapeKey(st.name)); v.Exists() {
					next = append(next, v)
				}
			case stepIndex:
				if r.IsArray() {
					if arr := r.Array(); st.index < len(arr) {
						next = append(next, arr[st.index])
					}
				}
			case stepWildcard:
				if r.IsArray() {
					next = append(next, r.Array()...)
				} else {
					next = append(next, r)
				}
			case stepDescend:
				if v, ok := descend(r, st.name); ok {
					next = append(next, v)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		cur = next
	}
	return cur
}

// descend finds the first value under the given key anywhere in doc,
// depth-first in document order.
func descend(doc gjson.Result, name string) (gjson.Result, bool) {
	if doc.IsObject() {
		if v := doc.Get(escapeKey(name)); v.Exists() {
			return v, true
		}
	}
	var found gjson.Result
	ok := false
	doc.ForEach(func(_, value gjson.Result) bool {
		if value.IsObject() || value.IsArray() {
			if v, hit := descend(value, name); hit {
				found, ok = v, true
				return false
			}
		}
		return true
	})
	return found, ok
}

// escapeKey guards against gjson treating descriptor field names containing
// path metacharacters as sub-paths.
func escapeKey(name string) string {
	if !strings.ContainsAny(name, ".*?\\") {
		return name
	}
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '.', '*', '?', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
