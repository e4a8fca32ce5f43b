// Package router picks the best available agent for a task by scoring
// capability coverage, specialization, load and track record.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"agentcore/internal/domain"
	"agentcore/internal/logging"
	"agentcore/internal/registry"
)

const DefaultCacheSize = 1024

// AgentLister is the registry view the router reads from.
type AgentLister interface {
	ListOnline(ctx context.Context) ([]domain.AgentInfo, error)
}

var specializations = []struct {
	pattern   string
	agentType domain.AgentType
}{
	{"security", domain.AgentTypeSecurity},
	{"threat", domain.AgentTypeSecurity},
	{"access", domain.AgentTypeSecurity},
	{"intrusion", domain.AgentTypeSecurity},
	{"network", domain.AgentTypeNetwork},
	{"scan", domain.AgentTypeNetwork},
	{"ping", domain.AgentTypeNetwork},
	{"bandwidth", domain.AgentTypeNetwork},
	{"maintenance", domain.AgentTypeMaintenance},
	{"repair", domain.AgentTypeMaintenance},
	{"inspect", domain.AgentTypeMaintenance},
	{"payment", domain.AgentTypeFinancial},
	{"billing", domain.AgentTypeFinancial},
	{"invoice", domain.AgentTypeFinancial},
	{"notify", domain.AgentTypeCommunication},
	{"email", domain.AgentTypeCommunication},
	{"message", domain.AgentTypeCommunication},
	{"announce", domain.AgentTypeCommunication},
	{"report", domain.AgentTypeAnalytics},
	{"analy", domain.AgentTypeAnalytics},
	{"predict", domain.AgentTypeAnalytics},
	{"monitor", domain.AgentTypeMonitoring},
	{"health", domain.AgentTypeMonitoring},
	{"alert", domain.AgentTypeMonitoring},
	{"workflow", domain.AgentTypeCoordinator},
	{"coordinat", domain.AgentTypeCoordinator},
}

// Specializations returns the agent types whose patterns occur in taskType.
func Specializations(taskType string) map[domain.AgentType]struct{} {
	lower := strings.ToLower(taskType)
	out := make(map[domain.AgentType]struct{})
	for _, s := range specializations {
		if strings.Contains(lower, s.pattern) {
			out[s.agentType] = struct{}{}
		}
	}
	return out
}

// Signature identifies tasks that should share a routing decision.
func Signature(taskType string, caps []domain.Capability) string {
	names := make([]string, 0, len(caps))
	for _, c := range caps {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return taskType + "|" + strings.Join(names, ",")
}

type Router struct {
	agents AgentLister
	cache  *lru.Cache[string, string]
	logger *slog.Logger

	mu   sync.RWMutex
	load map[string]int
}

func New(agents AgentLister, cacheSize int, logger *slog.Logger) (*Router, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create routing cache: %w", err)
	}
	return &Router{
		agents: agents,
		cache:  cache,
		logger: logging.Component(logger, "router"),
		load:   make(map[string]int),
	}, nil
}

// FindBestAgent returns the highest scoring eligible agent. ok is false when
// no agent qualifies; that is not an error.
func (r *Router) FindBestAgent(ctx context.Context, task domain.Task, caps []domain.Capability) (domain.AgentInfo, bool, error) {
	return r.FindBestAgentOfType(ctx, task, caps, "")
}

// FindBestAgentOfType is FindBestAgent restricted to one specialization.
// An empty agentType allows any.
func (r *Router) FindBestAgentOfType(ctx context.Context, task domain.Task, caps []domain.Capability, agentType domain.AgentType) (domain.AgentInfo, bool, error) {
	online, err := r.agents.ListOnline(ctx)
	if err != nil {
		return domain.AgentInfo{}, false, fmt.Errorf("list online agents: %w", err)
	}
	eligible := func(a domain.AgentInfo) bool {
		return (agentType == "" || a.Type == agentType) && a.CapabilitySet().Covers(caps)
	}

	sig := Signature(task.Type, caps)
	if agentType != "" {
		sig = string(agentType) + "@" + sig
	}
	if cachedID, ok := r.cache.Get(sig); ok {
		for _, a := range online {
			if a.ID != cachedID {
				continue
			}
			if sticky(a.Status) && eligible(a) {
				return a, true, nil
			}
			break
		}
		r.cache.Remove(sig)
	}

	specs := Specializations(task.Type)
	var (
		best      domain.AgentInfo
		bestScore = -1.0
		found     bool
	)
	for _, a := range online {
		if !registry.Available(a.Status) || !eligible(a) {
			continue
		}
		s := Score(a, caps, specs, r.activeTasks(a))
		if s > bestScore {
			best, bestScore, found = a, s, true
		}
	}
	if !found {
		r.logger.Debug("no eligible agent", "task_type", task.Type, "capabilities", caps)
		return domain.AgentInfo{}, false, nil
	}

	r.cache.Add(sig, best.ID)
	r.logger.Debug("routed task", "task_id", task.ID, "agent_id", best.ID, "score", bestScore)
	return best, true, nil
}

func sticky(status domain.AgentStatus) bool {
	return status == domain.AgentStatusOnline || status == domain.AgentStatusIdle
}

// Score rates one candidate. The result is never negative.
func Score(a domain.AgentInfo, caps []domain.Capability, specs map[domain.AgentType]struct{}, active int) float64 {
	score := 40.0
	if len(caps) > 0 {
		have := a.CapabilitySet()
		matched := 0
		for _, c := range caps {
			if have.Has(c) {
				matched++
			}
		}
		score = 40.0 * float64(matched) / float64(len(caps))
	}
	if _, ok := specs[a.Type]; ok {
		score += 20
	}
	score -= 10 * float64(active)
	score += 20 * a.Metrics.SuccessRate

	switch {
	case a.Metrics.AvgExecutionSecs < 30:
		score += 10
	case a.Metrics.AvgExecutionSecs > 120:
		score -= 10
	}
	if a.Status == domain.AgentStatusBusy {
		score -= 15
	}
	if score < 0 {
		return 0
	}
	return score
}

func (r *Router) activeTasks(a domain.AgentInfo) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.load[a.ID]; ok {
		return n
	}
	return len(a.CurrentTasks)
}

// UpdateLoad replaces the active-task snapshot used for the load penalty.
func (r *Router) UpdateLoad(active map[string]int) {
	next := make(map[string]int, len(active))
	for id, n := range active {
		next[id] = n
	}
	r.mu.Lock()
	r.load = next
	r.mu.Unlock()
}

// Forget drops cached decisions that point at agentID.
func (r *Router) Forget(agentID string) {
	for _, sig := range r.cache.Keys() {
		if id, ok := r.cache.Peek(sig); ok && id == agentID {
			r.cache.Remove(sig)
		}
	}
}

func (r *Router) CacheLen() int { return r.cache.Len() }

type serverScoped struct {
	agents   AgentLister
	serverID string
}

// ServerScoped restricts a lister to agents hosted by serverID, so a process
// only routes to agents it can execute on.
func ServerScoped(agents AgentLister, serverID string) AgentLister {
	return serverScoped{agents: agents, serverID: serverID}
}

func (s serverScoped) ListOnline(ctx context.Context) ([]domain.AgentInfo, error) {
	all, err := s.agents.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.ServerID == s.serverID {
			out = append(out, a)
		}
	}
	return out, nil
}
