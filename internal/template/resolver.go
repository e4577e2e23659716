// Package template resolves {{path.to.value}} references against a
// context tree of nested maps and slices.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// refPattern matches a single {{ path }} reference.
var refPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// segPattern matches one dot-separated path segment with an optional
// bracketed integer index, e.g. "history[-1]".
var segPattern = regexp.MustCompile(`^([A-Za-z_][\w-]*)(?:\[(-?\d+)\])?$`)

// ResolutionError reports a reference whose path does not exist in the context.
type ResolutionError struct {
	Path string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unresolved template reference: %s", e.Path)
}

// CircularError reports a reference path that expands into itself.
type CircularError struct {
	Path string
}

func (e *CircularError) Error() string {
	return fmt.Sprintf("circular template reference: %s", e.Path)
}

// Resolve substitutes every {{path}} occurrence in tmpl with its string
// representation from ctx. A template without references is returned
// unchanged. Each occurrence is resolved independently; a resolved value
// containing further references is expanded in place, and a path that
// reappears in its own expansion chain fails with CircularError.
func Resolve(tmpl string, ctx map[string]any) (string, error) {
	return resolve(tmpl, ctx, make(map[string]bool))
}

func resolve(tmpl string, ctx map[string]any, active map[string]bool) (string, error) {
	locs := refPattern.FindAllStringSubmatchIndex(tmpl, -1)
	if len(locs) == 0 {
		return tmpl, nil
	}

	var sb strings.Builder
	last := 0
	for _, loc := range locs {
		sb.WriteString(tmpl[last:loc[0]])
		path := strings.TrimSpace(tmpl[loc[2]:loc[3]])

		if active[path] {
			return "", &CircularError{Path: path}
		}

		val, ok := lookup(ctx, path)
		if !ok {
			return "", &ResolutionError{Path: path}
		}

		str := stringify(val)
		if refPattern.MatchString(str) {
			active[path] = true
			expanded, err := resolve(str, ctx, active)
			delete(active, path)
			if err != nil {
				return "", err
			}
			str = expanded
		}

		sb.WriteString(str)
		last = loc[1]
	}
	sb.WriteString(tmpl[last:])
	return sb.String(), nil
}

// lookup walks the context tree along a dot-separated path. Segments may
// carry a bracketed index; negative indices count from the end.
func lookup(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		m := segPattern.FindStringSubmatch(seg)
		if m == nil {
			return nil, false
		}
		name := m[1]

		node, ok := field(cur, name)
		if !ok {
			return nil, false
		}
		cur = node

		if m[2] != "" {
			idx, err := strconv.Atoi(m[2])
			if err != nil {
				return nil, false
			}
			elem, ok := index(cur, idx)
			if !ok {
				return nil, false
			}
			cur = elem
		}
	}
	return cur, true
}

func field(node any, name string) (any, bool) {
	switch v := node.(type) {
	case map[string]any:
		val, ok := v[name]
		return val, ok
	case map[string]string:
		val, ok := v[name]
		return val, ok
	default:
		return nil, false
	}
}

func index(node any, idx int) (any, bool) {
	switch v := node.(type) {
	case []any:
		return at(v, idx)
	case []string:
		return at(v, idx)
	case []map[string]any:
		return at(v, idx)
	default:
		return nil, false
	}
}

func at[T any](s []T, idx int) (any, bool) {
	if idx < 0 {
		idx += len(s)
	}
	if idx < 0 || idx >= len(s) {
		return nil, false
	}
	return s[idx], true
}

// stringify renders a leaf value with a stable, locale-independent
// representation. Composite values are serialized as JSON.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
