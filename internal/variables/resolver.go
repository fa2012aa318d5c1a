package variables

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// Scope is the read-only execution context paths are resolved against:
// the triggering event payload, accumulated step outputs keyed by order,
// and workflow-level constants.
type Scope struct {
	EventType string
	Event     map[string]any
	Steps     map[int]map[string]any
	Vars      map[string]any
}

// AllowList maps an event type to the set of payload fields a workflow may
// project. Resolution over the event scope is an explicit projection, not
// free object walking: a field not in the list resolves as undefined even
// when the payload carries it. An event type with no entry exposes nothing.
type AllowList map[string][]string

func (a AllowList) permits(eventType, field string) bool {
	fields, ok := a[eventType]
	if !ok {
		return false
	}
	for _, f := range fields {
		if f == field || strings.HasPrefix(field, f+".") {
			return true
		}
	}
	return false
}

// Resolver resolves dotted {{path}} references against a Scope.
type Resolver struct {
	allow AllowList
	paths *pathEngine
}

// NewResolver creates a Resolver. A nil allow list exposes no event
// payload fields at all.
func NewResolver(allow AllowList) *Resolver {
	return &Resolver{allow: allow, paths: newPathEngine()}
}

// Lookup resolves a namespaced dotted path: event.*, steps.<order>.*, or
// vars.*. The second return is false when the path is undefined.
func (r *Resolver) Lookup(scope *Scope, path string) (any, bool) {
	namespace, rest, _ := strings.Cut(path, ".")

	switch namespace {
	case "event":
		if rest == "" {
			return nil, false
		}
		if !r.allow.permits(scope.EventType, rest) {
			return nil, false
		}
		return r.paths.extract(rest, scope.Event)
	case "steps":
		idxStr, field, ok := strings.Cut(rest, ".")
		if !ok || field == "" {
			return nil, false
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return nil, false
		}
		out, ok := scope.Steps[idx]
		if !ok {
			return nil, false
		}
		return r.paths.extract(field, out)
	case "vars":
		if rest == "" {
			return nil, false
		}
		return r.paths.extract(rest, scope.Vars)
	default:
		return nil, false
	}
}

// LookupFunc adapts the resolver to the condition evaluator's Lookup shape.
func (r *Resolver) LookupFunc(scope *Scope) func(string) (any, bool) {
	return func(path string) (any, bool) {
		return r.Lookup(scope, path)
	}
}

// Render substitutes every {{path}} placeholder in the template. In
// lenient mode an undefined path renders as ""; in strict mode it is a
// permanent configuration error.
func (r *Resolver) Render(scope *Scope, template string, strict bool) (string, error) {
	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeConfig, "unclosed {{ placeholder")
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		if path == "" {
			return "", schema.NewError(schema.ErrCodeConfig, "empty {{ }} placeholder")
		}
		if strings.Contains(path, "{{") {
			return "", schema.NewError(schema.ErrCodeConfig, "nested {{ }} placeholders are not allowed")
		}

		val, ok := r.Lookup(scope, path)
		if !ok {
			if strict {
				return "", schema.NewErrorf(schema.ErrCodeConfig, "unresolved variable %q", path)
			}
			val = ""
		}

		result.WriteString(stringify(val))
		i = end + 2
	}

	return result.String(), nil
}

// RenderFunc binds a scope and strictness into a schema.RenderFunc for
// parameter resolution.
func (r *Resolver) RenderFunc(scope *Scope, strict bool) schema.RenderFunc {
	return func(template string) (string, error) {
		return r.Render(scope, template, strict)
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
