package loom

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Template expressions are dot-separated paths: an identifier root followed
// by identifier or integer-index segments. Anything else inside {{ }} is not
// an expression and renders literally.
const pathPattern = `[A-Za-z_][A-Za-z0-9_]*(?:\.(?:[A-Za-z_][A-Za-z0-9_]*|[0-9]+))*`

var (
	exactRefRe = regexp.MustCompile(`^\s*\{\{\s*(` + pathPattern + `)\s*\}\}\s*$`)
	interpRe   = regexp.MustCompile(`\{\{\s*(` + pathPattern + `)\s*\}\}`)
)

// ValueSource is the layered data a template resolves against. Lookup order
// for a path root: Overrides first (loop/map item injection), then node
// Outputs by node id, then global Variables.
type ValueSource struct {
	Outputs   map[string]map[string]any
	Variables map[string]any
	Overrides map[string]any
}

func (s ValueSource) lookup(root string) (any, bool) {
	if s.Overrides != nil {
		if v, ok := s.Overrides[root]; ok {
			return v, true
		}
	}
	if s.Outputs != nil {
		if v, ok := s.Outputs[root]; ok {
			return v, true
		}
	}
	if s.Variables != nil {
		if v, ok := s.Variables[root]; ok {
			return v, true
		}
	}
	return nil, false
}

// ResolveInputs renders every value in a node's input mapping against the
// source. Keys pass through untouched.
func ResolveInputs(inputs map[string]any, src ValueSource) map[string]any {
	if inputs == nil {
		return nil
	}
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = ResolveValue(v, src)
	}
	return out
}

// ResolveValue renders a single template value. A string that is exactly one
// {{ path }} expression is an object reference: the referenced value comes
// back unchanged, dicts and lists included. Any other string is rendered as
// text with each expression stringified in place; unresolvable expressions
// become empty text and malformed ones stay literal. Maps and slices resolve
// recursively, remaining scalars pass through.
func ResolveValue(value any, src ValueSource) any {
	switch v := value.(type) {
	case string:
		if m := exactRefRe.FindStringSubmatch(v); m != nil {
			if obj, ok := navigate(m[1], src); ok && obj != nil {
				return obj
			}
		}
		return interpRe.ReplaceAllStringFunc(v, func(expr string) string {
			path := interpRe.FindStringSubmatch(expr)[1]
			obj, ok := navigate(path, src)
			if !ok {
				return ""
			}
			return Stringify(obj)
		})
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = ResolveValue(elem, src)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = ResolveValue(elem, src)
		}
		return out
	default:
		return value
	}
}

// navigate walks a dot path through the source. Missing roots, missing keys,
// out-of-range indices, and steps into scalars all report failure instead of
// erroring.
func navigate(path string, src ValueSource) (any, bool) {
	segments := strings.Split(path, ".")
	cur, ok := src.lookup(segments[0])
	if !ok {
		return nil, false
	}
	for _, seg := range segments[1:] {
		cur, ok = step(cur, seg)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func step(cur any, seg string) (any, bool) {
	switch c := cur.(type) {
	case map[string]any:
		v, ok := c[seg]
		return v, ok
	case map[string]string:
		v, ok := c[seg]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	case []string:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	case nil:
		return nil, false
	}
	return reflectStep(cur, seg)
}

// reflectStep covers structured values that components hand back as typed
// structs rather than decoded JSON maps.
func reflectStep(cur any, seg string) (any, bool) {
	rv := reflect.ValueOf(cur)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		f := rv.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, seg)
		})
		if !f.IsValid() || !f.CanInterface() {
			return nil, false
		}
		return f.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(seg))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	}
	return nil, false
}

// Stringify renders a resolved value for text interpolation. Composite
// values serialize as compact JSON so templates can splice structured data
// into prompts.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any, map[string]string, []string:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}
