package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agentcore/internal/domain"
)

func TestMatchesIncludeGlob(t *testing.T) {
	f := domain.EventFilter{Include: []domain.EventPattern{{EventType: "task.*"}}}
	assert.True(t, Matches(f, domain.Event{Type: "task.completed"}))
	assert.False(t, Matches(f, domain.Event{Type: "workflow.completed"}))
}

func TestMatchesExcludeWins(t *testing.T) {
	f := domain.EventFilter{
		Include: []domain.EventPattern{{EventType: "task.*"}},
		Exclude: []domain.EventPattern{{EventType: "task.failed"}},
	}
	assert.True(t, Matches(f, domain.Event{Type: "task.completed"}))
	assert.False(t, Matches(f, domain.Event{Type: "task.failed"}))
}

func TestMatchesPriorityFloorAndEmptyInclude(t *testing.T) {
	f := domain.EventFilter{MinPriority: domain.EventPriorityHigh}
	assert.False(t, Matches(f, domain.Event{Type: "x", Priority: domain.EventPriorityNormal}))
	assert.True(t, Matches(f, domain.Event{Type: "x", Priority: domain.EventPriorityCritical}))
	assert.True(t, Matches(domain.EventFilter{}, domain.Event{Type: "anything"}))
}

func TestMatchPatternFields(t *testing.T) {
	ev := domain.Event{
		Type:        "agent.registered",
		SourceAgent: "orchestrator",
		TargetAgent: "a1",
		TenantID:    "t1",
		Tags:        []string{"ops", "agents"},
		Priority:    domain.EventPriorityHigh,
	}
	assert.True(t, MatchPattern(domain.EventPattern{SourceAgent: "orchestrator", Tags: []string{"ops"}}, ev))
	assert.False(t, MatchPattern(domain.EventPattern{SourceAgent: "someone"}, ev))
	assert.False(t, MatchPattern(domain.EventPattern{TargetAgent: "a2"}, ev))
	assert.False(t, MatchPattern(domain.EventPattern{TenantID: "t2"}, ev))
	assert.False(t, MatchPattern(domain.EventPattern{Tags: []string{"billing"}}, ev))
	assert.False(t, MatchPattern(domain.EventPattern{Priority: domain.EventPriorityLow}, ev))
	assert.False(t, MatchPattern(domain.EventPattern{EventType: "[bad"}, ev))
	assert.True(t, MatchPattern(domain.EventPattern{EventType: "agent.reg*"}, ev))
}

func TestSlidingWindow(t *testing.T) {
	w := newSlidingWindow(2, time.Minute)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, w.Allow(start))
	assert.True(t, w.Allow(start.Add(10*time.Second)))
	assert.False(t, w.Allow(start.Add(20*time.Second)))
	assert.False(t, w.Allow(start.Add(59*time.Second)))
	assert.True(t, w.Allow(start.Add(61*time.Second)))
	assert.False(t, w.Allow(start.Add(65*time.Second)))
	assert.True(t, w.Allow(start.Add(71*time.Second)))
}

func TestStreamRingBuffer(t *testing.T) {
	now := time.Now()
	s := newStream("s", domain.EventFilter{}, 3, now)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		s.push(domain.Event{ID: id})
	}
	pending, dropped := s.stats()
	assert.Equal(t, 3, pending)
	assert.Equal(t, 2, dropped)

	got := s.read(2, now)
	assert.Equal(t, []string{"3", "4"}, ids(got))
	s.push(domain.Event{ID: "6"})
	assert.Equal(t, []string{"5", "6"}, ids(s.read(0, now)))
	assert.Empty(t, s.read(0, now))
}

func ids(evs []domain.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.ID)
	}
	return out
}
