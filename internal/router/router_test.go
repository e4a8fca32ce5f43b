package router

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/domain"
	"agentcore/internal/logging"
)

type staticAgents struct {
	mu     sync.Mutex
	agents []domain.AgentInfo
}

func (s *staticAgents) ListOnline(context.Context) ([]domain.AgentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AgentInfo, len(s.agents))
	copy(out, s.agents)
	return out, nil
}

func (s *staticAgents) set(agents ...domain.AgentInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = agents
}

func agent(id string, typ domain.AgentType, caps ...domain.Capability) domain.AgentInfo {
	return domain.AgentInfo{
		ID:           id,
		Type:         typ,
		Capabilities: caps,
		Status:       domain.AgentStatusOnline,
		Metrics:      domain.PerformanceMetrics{SuccessRate: 1},
	}
}

func newTestRouter(t *testing.T, agents *staticAgents) *Router {
	t.Helper()
	r, err := New(agents, 16, logging.Discard())
	require.NoError(t, err)
	return r
}

func TestFindBestAgentRequiresCapabilitySuperset(t *testing.T) {
	agents := &staticAgents{}
	agents.set(
		agent("partial", domain.AgentTypeNetwork, "scan"),
		agent("full", domain.AgentTypeAnalytics, "scan", "report"),
	)
	r := newTestRouter(t, agents)

	got, ok, err := r.FindBestAgent(context.Background(), domain.Task{Type: "scan_network"}, []domain.Capability{"scan", "report"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "full", got.ID)

	_, ok, err = r.FindBestAgent(context.Background(), domain.Task{Type: "x"}, []domain.Capability{"teleport"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindBestAgentPrefersSpecialization(t *testing.T) {
	agents := &staticAgents{}
	agents.set(
		agent("analyst", domain.AgentTypeAnalytics, "scan"),
		agent("net", domain.AgentTypeNetwork, "scan"),
	)
	r := newTestRouter(t, agents)

	got, ok, err := r.FindBestAgent(context.Background(), domain.Task{Type: "network_scan"}, []domain.Capability{"scan"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "net", got.ID)
}

func TestFindBestAgentTieGoesToFirstSeen(t *testing.T) {
	agents := &staticAgents{}
	agents.set(
		agent("first", domain.AgentTypeMaintenance, "fix"),
		agent("second", domain.AgentTypeMaintenance, "fix"),
	)
	r := newTestRouter(t, agents)

	got, ok, err := r.FindBestAgent(context.Background(), domain.Task{Type: "repair"}, []domain.Capability{"fix"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", got.ID)
}

func TestFindBestAgentIsStickyUntilOffline(t *testing.T) {
	agents := &staticAgents{}
	a1 := agent("a1", domain.AgentTypeMonitoring, "watch")
	a2 := agent("a2", domain.AgentTypeMonitoring, "watch")
	agents.set(a1, a2)
	r := newTestRouter(t, agents)
	task := domain.Task{Type: "monitor_health"}
	caps := []domain.Capability{"watch"}

	got, _, err := r.FindBestAgent(context.Background(), task, caps)
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)

	// a2 now scores higher, but the cached decision holds while a1 is online.
	r.UpdateLoad(map[string]int{"a1": 2})
	for i := 0; i < 3; i++ {
		got, _, err = r.FindBestAgent(context.Background(), task, caps)
		require.NoError(t, err)
		assert.Equal(t, "a1", got.ID)
	}

	a1.Status = domain.AgentStatusOffline
	agents.set(a1, a2)
	got, ok, err := r.FindBestAgent(context.Background(), task, caps)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a2", got.ID)
}

func TestForgetDropsCachedDecision(t *testing.T) {
	agents := &staticAgents{}
	agents.set(agent("a1", domain.AgentTypeNetwork, "scan"))
	r := newTestRouter(t, agents)

	_, _, err := r.FindBestAgent(context.Background(), domain.Task{Type: "scan"}, []domain.Capability{"scan"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.CacheLen())
	r.Forget("a1")
	assert.Zero(t, r.CacheLen())
}

func TestScore(t *testing.T) {
	base := agent("a", domain.AgentTypeNetwork, "scan")
	specs := Specializations("network_scan")

	// coverage 40 + specialization 20 + success 20 + fast 10
	assert.InDelta(t, 90, Score(base, []domain.Capability{"scan"}, specs, 0), 0.001)

	slow := base
	slow.Metrics.AvgExecutionSecs = 200
	slow.Status = domain.AgentStatusBusy
	assert.InDelta(t, 40+20+20-10-15-20, Score(slow, []domain.Capability{"scan"}, specs, 2), 0.001)

	overloaded := base
	overloaded.Metrics.SuccessRate = 0
	assert.Zero(t, Score(overloaded, []domain.Capability{"scan"}, nil, 10))
}

func TestSignatureIgnoresCapabilityOrder(t *testing.T) {
	assert.Equal(t,
		Signature("scan", []domain.Capability{"b", "a"}),
		Signature("scan", []domain.Capability{"a", "b"}),
	)
	assert.NotEqual(t, Signature("scan", nil), Signature("ping", nil))
}

func TestFindBestAgentOfTypeFiltersSpecialization(t *testing.T) {
	agents := &staticAgents{}
	agents.set(
		agent("net", domain.AgentTypeNetwork, "scan"),
		agent("sec", domain.AgentTypeSecurity, "scan"),
	)
	r := newTestRouter(t, agents)

	got, ok, err := r.FindBestAgentOfType(context.Background(), domain.Task{Type: "network_scan"}, []domain.Capability{"scan"}, domain.AgentTypeSecurity)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sec", got.ID)

	_, ok, err = r.FindBestAgentOfType(context.Background(), domain.Task{Type: "network_scan"}, []domain.Capability{"scan"}, domain.AgentTypeFinancial)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServerScopedHidesRemoteAgents(t *testing.T) {
	local := agent("local", domain.AgentTypeNetwork, "scan")
	local.ServerID = "s1"
	remote := agent("remote", domain.AgentTypeNetwork, "scan")
	remote.ServerID = "s2"
	agents := &staticAgents{}
	agents.set(remote, local)

	r, err := New(ServerScoped(agents, "s1"), 16, logging.Discard())
	require.NoError(t, err)

	got, ok, err := r.FindBestAgent(context.Background(), domain.Task{Type: "scan"}, []domain.Capability{"scan"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "local", got.ID)
}
