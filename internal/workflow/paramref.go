package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"agentcore/internal/domain"
)

// A parameter value that is exactly "{name}" or "{step.field}" is a reference.
var refPattern = regexp.MustCompile(`^\{([A-Za-z0-9_\-]+)(?:\.([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*))?\}$`)

// Ref is a typed parameter reference: either a field of a prior step's
// result or a global execution parameter.
type Ref struct {
	Step   string
	Field  string
	Global string
}

func ParseRef(s string) (Ref, bool) {
	m := refPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Ref{}, false
	}
	if m[2] == "" {
		return Ref{Global: m[1]}, true
	}
	return Ref{Step: m[1], Field: m[2]}, true
}

func (r Ref) IsGlobal() bool { return r.Global != "" }

func (r Ref) String() string {
	if r.IsGlobal() {
		return "{" + r.Global + "}"
	}
	return "{" + r.Step + "." + r.Field + "}"
}

// CollectRefs walks params, including nested maps and lists.
func CollectRefs(params map[string]any) []Ref {
	var refs []Ref
	var walk func(v any)
	walk = func(v any) {
		switch typed := v.(type) {
		case string:
			if ref, ok := ParseRef(typed); ok {
				refs = append(refs, ref)
			}
		case map[string]any:
			keys := make([]string, 0, len(typed))
			for k := range typed {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(typed[k])
			}
		case []any:
			for _, item := range typed {
				walk(item)
			}
		}
	}
	walk(params)
	return refs
}

// Resolve returns a copy of params with every reference substituted.
// Unknown references fail with ErrUnresolvedReference.
func Resolve(params, globals map[string]any, results map[string]map[string]any) (map[string]any, error) {
	var resolve func(v any) (any, error)
	resolve = func(v any) (any, error) {
		switch typed := v.(type) {
		case string:
			ref, ok := ParseRef(typed)
			if !ok {
				return typed, nil
			}
			return lookup(ref, globals, results)
		case map[string]any:
			out := make(map[string]any, len(typed))
			for k, item := range typed {
				r, err := resolve(item)
				if err != nil {
					return nil, err
				}
				out[k] = r
			}
			return out, nil
		case []any:
			out := make([]any, len(typed))
			for i, item := range typed {
				r, err := resolve(item)
				if err != nil {
					return nil, err
				}
				out[i] = r
			}
			return out, nil
		default:
			return v, nil
		}
	}

	out, err := resolve(params)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func lookup(ref Ref, globals map[string]any, results map[string]map[string]any) (any, error) {
	if ref.IsGlobal() {
		v, ok := globals[ref.Global]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnresolvedReference, ref)
		}
		return domain.CloneValue(v), nil
	}

	result, ok := results[ref.Step]
	if !ok {
		return nil, fmt.Errorf("%w: %s (step has no result)", domain.ErrUnresolvedReference, ref)
	}
	var cur any = result
	for _, part := range strings.Split(ref.Field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnresolvedReference, ref)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnresolvedReference, ref)
		}
	}
	return domain.CloneValue(cur), nil
}

// ValidateRefs checks that every step reference names a transitive dependency.
func ValidateRefs(g *Graph) error {
	ids := make([]string, 0, len(g.Steps))
	for id := range g.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ancestors := g.Ancestors(id)
		for _, ref := range CollectRefs(g.Steps[id].Parameters) {
			if ref.IsGlobal() {
				continue
			}
			if !ancestors[ref.Step] {
				return fmt.Errorf("%w: step %s references %s which is not one of its dependencies", domain.ErrUnresolvedReference, id, ref)
			}
		}
	}
	return nil
}

// MissingGlobals lists global references that params does not provide.
func MissingGlobals(g *Graph, params map[string]any) []string {
	missing := make(map[string]bool)
	for _, step := range g.Steps {
		for _, ref := range CollectRefs(step.Parameters) {
			if !ref.IsGlobal() {
				continue
			}
			if _, ok := params[ref.Global]; !ok {
				missing[ref.Global] = true
			}
		}
	}
	out := make([]string, 0, len(missing))
	for name := range missing {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
