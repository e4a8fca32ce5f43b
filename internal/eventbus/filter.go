package eventbus

import (
	"path"

	"agentcore/internal/domain"
)

// MatchPattern reports whether ev satisfies every field set in p. EventType
// is a path.Match glob; "*" spans dots, so "workflow.*" also matches
// "workflow.step.completed".
func MatchPattern(p domain.EventPattern, ev domain.Event) bool {
	if p.EventType != "" {
		ok, err := path.Match(p.EventType, ev.Type)
		if err != nil || !ok {
			return false
		}
	}
	if p.SourceAgent != "" && p.SourceAgent != ev.SourceAgent {
		return false
	}
	if p.TargetAgent != "" && p.TargetAgent != ev.TargetAgent {
		return false
	}
	if p.TenantID != "" && p.TenantID != ev.TenantID {
		return false
	}
	if p.Priority != 0 && p.Priority != ev.Priority {
		return false
	}
	if len(p.Tags) > 0 {
		have := make(map[string]struct{}, len(ev.Tags))
		for _, t := range ev.Tags {
			have[t] = struct{}{}
		}
		for _, t := range p.Tags {
			if _, ok := have[t]; !ok {
				return false
			}
		}
	}
	return true
}

// Matches applies the priority floor, then excludes, then includes. A filter
// with no include patterns accepts everything that survives the first two.
func Matches(f domain.EventFilter, ev domain.Event) bool {
	if f.MinPriority != 0 && ev.Priority < f.MinPriority {
		return false
	}
	for _, p := range f.Exclude {
		if MatchPattern(p, ev) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, p := range f.Include {
		if MatchPattern(p, ev) {
			return true
		}
	}
	return false
}
