package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/agent"
	"agentcore/internal/domain"
	"agentcore/internal/eventbus"
	"agentcore/internal/logging"
	"agentcore/internal/messaging/inproc"
	"agentcore/internal/registry"
	"agentcore/internal/router"
	"agentcore/internal/store/memory"
)

type harness struct {
	store    *memory.Store
	registry *registry.Registry
	router   *router.Router
	bus      *eventbus.Bus
	svc      *Service
	events   *eventLog
}

// eventLog records the types of every event published on the bus.
type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) record(_ context.Context, ev domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, ev.Type)
	return nil
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.types {
		if t == eventType {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T, cfg Config, metrics *Metrics) *harness {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()

	st := memory.New()
	t.Cleanup(func() { _ = st.Close() })
	reg := registry.New(st, time.Minute, logger)
	rt, err := router.New(reg, 64, logger)
	require.NoError(t, err)
	bus := eventbus.New(st, eventbus.Config{BackoffUnit: time.Millisecond}, nil, logger)
	t.Cleanup(bus.Close)

	events := &eventLog{}
	_, err = bus.Subscribe(ctx, "test", domain.EventFilter{}, events.record)
	require.NoError(t, err)

	if cfg.ServerID == "" {
		cfg.ServerID = "server-1"
	}
	svc := New(Deps{Store: st, Registry: reg, Router: rt, Events: bus, Metrics: metrics}, cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &harness{store: st, registry: reg, router: rt, bus: bus, svc: svc, events: events}
}

func (h *harness) addAgent(t *testing.T, id string, typ domain.AgentType, caps []domain.Capability, exec agent.Funcs, maxConcurrent int) *agent.Runtime {
	t.Helper()
	a := agent.New(exec, agent.Options{
		ID:            id,
		Type:          typ,
		Capabilities:  caps,
		MaxConcurrent: maxConcurrent,
		Logger:        logging.Discard(),
	})
	require.NoError(t, h.svc.RegisterAgent(context.Background(), a))
	return a
}

func echo(ctx context.Context, task domain.Task) (map[string]any, error) {
	return map[string]any{"handled": task.Type}, nil
}

func (h *harness) waitStatus(t *testing.T, id string, status domain.TaskStatus) domain.Task {
	t.Helper()
	var got domain.Task
	require.Eventually(t, func() bool {
		task, err := h.svc.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestSubmittedTaskIsRoutedToCapableAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)
	h.addAgent(t, "scanner", domain.AgentTypeNetwork, []domain.Capability{"scan"}, agent.Funcs{ExecuteFunc: echo}, 0)
	h.addAgent(t, "reporter", domain.AgentTypeAnalytics, []domain.Capability{"report"}, agent.Funcs{ExecuteFunc: echo}, 0)

	id, err := h.svc.SubmitTask(ctx, domain.Task{Type: "generate_report", RequiredCapabilities: []domain.Capability{"report"}})
	require.NoError(t, err)

	pending, err := h.svc.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, pending.Status)
	assert.Equal(t, domain.PriorityNormal, pending.Priority)

	require.NoError(t, h.svc.drainOnce(ctx))
	done := h.waitStatus(t, id, domain.TaskStatusCompleted)
	assert.Equal(t, "reporter", done.AgentID)
	assert.Equal(t, map[string]any{"handled": "generate_report"}, done.Result)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.Empty(t, h.svc.QueuedTasks())

	assert.Equal(t, 1, h.events.count(domain.EventTaskSubmitted))
	assert.Equal(t, 1, h.events.count(domain.EventTaskStarted))
	require.Eventually(t, func() bool { return h.events.count(domain.EventTaskCompleted) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubmitTaskRejectsWhenQueueFull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{QueueCapacity: 2}, nil)

	for i := 0; i < 2; i++ {
		_, err := h.svc.SubmitTask(ctx, domain.Task{Type: "noop"})
		require.NoError(t, err)
	}
	_, err := h.svc.SubmitTask(ctx, domain.Task{Type: "noop"})
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	_, err = h.svc.SubmitTask(ctx, domain.Task{Type: ""})
	assert.Error(t, err)
}

func TestSubmitTaskRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	_, err := h.svc.SubmitTask(ctx, domain.Task{ID: "t1", Type: "noop"})
	require.NoError(t, err)
	_, err = h.svc.SubmitTask(ctx, domain.Task{ID: "t1", Type: "noop"})
	assert.ErrorIs(t, err, domain.ErrTaskExists)
}

func TestRoutingFailureRequeuesAtBackUntilBudgetRunsOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxRoutingAttempts: 2}, nil)

	_, err := h.svc.SubmitTask(ctx, domain.Task{ID: "t1", Type: "scan", RequiredCapabilities: []domain.Capability{"scan"}})
	require.NoError(t, err)
	_, err = h.svc.SubmitTask(ctx, domain.Task{ID: "t2", Type: "scan", RequiredCapabilities: []domain.Capability{"scan"}})
	require.NoError(t, err)

	require.NoError(t, h.svc.drainOnce(ctx))
	assert.Equal(t, []string{"t1", "t2"}, h.svc.QueuedTasks())
	t1, err := h.svc.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, t1.RoutingAttempts)
	assert.Equal(t, domain.TaskStatusPending, t1.Status)

	require.NoError(t, h.svc.drainOnce(ctx))
	assert.Empty(t, h.svc.QueuedTasks())
	for _, id := range []string{"t1", "t2"} {
		task, err := h.svc.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusFailed, task.Status)
		assert.Contains(t, task.Error, domain.ErrNoEligibleAgent.Error())
	}
	assert.EqualValues(t, 4, h.svc.GetOrchestratorStats(ctx).RoutingFailures)
}

// crowdingRouter runs crowd once from inside routing, while the routed task
// is off the queue.
type crowdingRouter struct {
	Router
	crowd func() error
	err   error
}

func (r *crowdingRouter) FindBestAgent(ctx context.Context, task domain.Task, caps []domain.Capability) (domain.AgentInfo, bool, error) {
	if r.crowd != nil {
		r.err = r.crowd()
		r.crowd = nil
	}
	return r.Router.FindBestAgent(ctx, task, caps)
}

func TestRoutedTaskKeepsItsQueueSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)
	rt := &crowdingRouter{Router: h.router}
	svc := New(Deps{Store: h.store, Registry: h.registry, Router: rt, Events: h.bus},
		Config{ServerID: "server-1", QueueCapacity: 1}, logging.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	_, err := svc.SubmitTask(ctx, domain.Task{ID: "t1", Type: "scan", RequiredCapabilities: []domain.Capability{"scan"}})
	require.NoError(t, err)
	rt.crowd = func() error {
		_, err := svc.SubmitTask(ctx, domain.Task{ID: "t2", Type: "noop"})
		return err
	}

	require.NoError(t, svc.drainOnce(ctx))
	assert.ErrorIs(t, rt.err, domain.ErrQueueFull)
	assert.Equal(t, []string{"t1"}, svc.QueuedTasks())
	t1, err := svc.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, t1.Status)
	assert.Equal(t, 1, t1.RoutingAttempts)
}

func TestRequeueFrontKeepsTaskAtHead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RequeueFront: true}, nil)

	_, err := h.svc.SubmitTask(ctx, domain.Task{ID: "t1", Type: "scan", RequiredCapabilities: []domain.Capability{"scan"}})
	require.NoError(t, err)
	_, err = h.svc.SubmitTask(ctx, domain.Task{ID: "t2", Type: "other"})
	require.NoError(t, err)

	require.NoError(t, h.svc.drainOnce(ctx))
	assert.Equal(t, []string{"t1", "t2"}, h.svc.QueuedTasks())
	t2, err := h.svc.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Zero(t, t2.RoutingAttempts)
}

func TestQueuedTaskWaitsForAnAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	id, err := h.svc.SubmitTask(ctx, domain.Task{Type: "ping", RequiredCapabilities: []domain.Capability{"ping"}})
	require.NoError(t, err)
	require.NoError(t, h.svc.drainOnce(ctx))
	assert.Equal(t, []string{id}, h.svc.QueuedTasks())

	h.addAgent(t, "pinger", domain.AgentTypeNetwork, []domain.Capability{"ping"}, agent.Funcs{ExecuteFunc: echo}, 0)
	require.NoError(t, h.svc.drainOnce(ctx))
	done := h.waitStatus(t, id, domain.TaskStatusCompleted)
	assert.Equal(t, "pinger", done.AgentID)
	assert.Equal(t, 1, done.RoutingAttempts)
}

func TestDelegateTimesOutAndAbandons(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	release := make(chan struct{})
	defer close(release)
	h.addAgent(t, "slow", domain.AgentTypeMaintenance, []domain.Capability{"repair"}, agent.Funcs{
		ExecuteFunc: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			<-release
			return map[string]any{"late": true}, nil
		},
	}, 0)

	start := time.Now()
	task, err := h.svc.DelegateTaskToAgent(ctx, "slow", domain.Task{ID: "t1", Type: "repair", Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.TaskStatusTimeout, task.Status)
	assert.Contains(t, task.Error, domain.ErrTaskTimeout.Error())
	assert.Nil(t, task.Result)
	assert.Equal(t, 1, h.events.count(domain.EventTaskTimeout))
	assert.EqualValues(t, 1, h.svc.GetOrchestratorStats(ctx).TimedOut)
}

func TestDelegateRecordsFailureAndPersists(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{TaskResultTTL: time.Minute}, nil)
	h.addAgent(t, "broken", domain.AgentTypeFinancial, []domain.Capability{"billing"}, agent.Funcs{
		ExecuteFunc: func(context.Context, domain.Task) (map[string]any, error) {
			return nil, errors.New("ledger unavailable")
		},
	}, 0)

	task, err := h.svc.DelegateTaskToAgent(ctx, "broken", domain.Task{ID: "t1", Type: "billing_run"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, "ledger unavailable", task.Error)
	assert.Equal(t, "broken", task.AgentID)

	_, err = h.svc.DelegateTaskToAgent(ctx, "broken", domain.Task{ID: "t1", Type: "billing_run"})
	assert.ErrorIs(t, err, domain.ErrTaskFinal)

	assert.Equal(t, 1, h.svc.pruneTasks(time.Now().Add(2*time.Minute)))
	stored, err := h.svc.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Equal(t, "ledger unavailable", stored.Error)

	_, err = h.svc.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	_, err = h.svc.DelegateTaskToAgent(ctx, "nobody", domain.Task{Type: "x"})
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestDelegateRejectsAgentAtCapacity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	h.addAgent(t, "single", domain.AgentTypeSecurity, []domain.Capability{"audit"}, agent.Funcs{
		ExecuteFunc: func(context.Context, domain.Task) (map[string]any, error) {
			close(started)
			<-release
			return nil, nil
		},
	}, 1)

	first := make(chan domain.Task, 1)
	go func() {
		task, _ := h.svc.DelegateTaskToAgent(ctx, "single", domain.Task{ID: "t1", Type: "audit"})
		first <- task
	}()
	<-started

	_, err := h.svc.DelegateTaskToAgent(ctx, "single", domain.Task{ID: "t2", Type: "audit"})
	assert.ErrorIs(t, err, domain.ErrAgentAtCapacity)
	_, err = h.svc.GetTask(ctx, "t2")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	close(release)
	assert.Equal(t, domain.TaskStatusCompleted, (<-first).Status)
}

func TestCancelTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	id, err := h.svc.SubmitTask(ctx, domain.Task{Type: "noop"})
	require.NoError(t, err)

	task, err := h.svc.CancelTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, task.Status)
	assert.Empty(t, h.svc.QueuedTasks())
	assert.Equal(t, 1, h.events.count(domain.EventTaskCancelled))

	_, err = h.svc.CancelTask(ctx, id)
	assert.ErrorIs(t, err, domain.ErrTaskFinal)
	_, err = h.svc.CancelTask(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestCancelledRunningTaskKeepsCancelledStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	h.addAgent(t, "worker", domain.AgentTypeAnalytics, nil, agent.Funcs{
		ExecuteFunc: func(context.Context, domain.Task) (map[string]any, error) {
			close(started)
			<-release
			return map[string]any{"ok": true}, nil
		},
	}, 0)

	out := make(chan domain.Task, 1)
	go func() {
		task, _ := h.svc.DelegateTaskToAgent(ctx, "worker", domain.Task{ID: "t1", Type: "analyze"})
		out <- task
	}()
	<-started

	_, err := h.svc.CancelTask(ctx, "t1")
	require.NoError(t, err)
	close(release)

	final := <-out
	assert.Equal(t, domain.TaskStatusCancelled, final.Status)
	assert.Nil(t, final.Result)
}

func TestChildTasksAreLinkedToParent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	parent, err := h.svc.SubmitTask(ctx, domain.Task{Type: "inspect_building"})
	require.NoError(t, err)
	child1, err := h.svc.SubmitTask(ctx, domain.Task{Type: "inspect_floor", ParentTaskID: parent})
	require.NoError(t, err)
	child2, err := h.svc.SubmitTask(ctx, domain.Task{Type: "inspect_floor", ParentTaskID: parent})
	require.NoError(t, err)

	got, err := h.svc.GetTask(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, []string{child1, child2}, got.ChildTasks)

	pending := h.svc.ListTasks(domain.TaskStatusPending)
	assert.Len(t, pending, 3)
	assert.Empty(t, h.svc.ListTasks(domain.TaskStatusRunning))
}

type inbox struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (b *inbox) handle(_ context.Context, msg domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *inbox) ids() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestMailboxDeliversOneMessagePerTickInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MailboxCapacity: 3}, nil)

	var box inbox
	h.addAgent(t, "notifier", domain.AgentTypeCommunication, nil, agent.Funcs{MessageFunc: box.handle}, 0)

	var sent []string
	for i := 0; i < 3; i++ {
		id, err := h.svc.SendMessageToAgent(ctx, domain.Message{ToAgent: "notifier", Payload: map[string]any{"n": i}})
		require.NoError(t, err)
		sent = append(sent, id)
	}
	_, err := h.svc.SendMessageToAgent(ctx, domain.Message{ToAgent: "notifier"})
	assert.ErrorIs(t, err, inproc.ErrAgentQueueFull)
	_, err = h.svc.SendMessageToAgent(ctx, domain.Message{ToAgent: "ghost"})
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	require.NoError(t, h.svc.mailboxOnce(ctx))
	require.Eventually(t, func() bool { return len(box.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.svc.GetOrchestratorStats(ctx).PendingMessages)

	require.NoError(t, h.svc.mailboxOnce(ctx))
	require.NoError(t, h.svc.mailboxOnce(ctx))
	require.Eventually(t, func() bool { return len(box.ids()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sent, box.ids())

	box.mu.Lock()
	first := box.msgs[0]
	box.mu.Unlock()
	assert.Equal(t, orchestratorAgentID, first.FromAgent)
	assert.Equal(t, domain.MessageTypeCommand, first.Type)
}

func TestBroadcastHonoursFilter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	h.addAgent(t, "net-1", domain.AgentTypeNetwork, []domain.Capability{"scan", "ping"}, agent.Funcs{}, 0)
	h.addAgent(t, "net-2", domain.AgentTypeNetwork, []domain.Capability{"ping"}, agent.Funcs{}, 0)
	h.addAgent(t, "stats", domain.AgentTypeAnalytics, []domain.Capability{"report"}, agent.Funcs{}, 0)

	all, err := h.svc.BroadcastMessage(ctx, domain.Message{Payload: map[string]any{"notice": "maintenance"}}, BroadcastFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"net-1", "net-2", "stats"}, all)

	network, err := h.svc.BroadcastMessage(ctx, domain.Message{}, BroadcastFilter{AgentType: domain.AgentTypeNetwork})
	require.NoError(t, err)
	assert.Equal(t, []string{"net-1", "net-2"}, network)

	scanners, err := h.svc.BroadcastMessage(ctx, domain.Message{}, BroadcastFilter{Capabilities: []domain.Capability{"scan"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"net-1"}, scanners)

	assert.Equal(t, 6, h.svc.GetOrchestratorStats(ctx).PendingMessages)
}

func TestRegisterAndUnregisterAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	a := h.addAgent(t, "guard", domain.AgentTypeSecurity, []domain.Capability{"access_control"}, agent.Funcs{}, 0)
	info, err := h.registry.GetAgent(ctx, "guard")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusOnline, info.Status)
	assert.Equal(t, "server-1", info.ServerID)
	assert.Equal(t, 1, h.events.count(domain.EventAgentRegistered))

	dup := agent.New(agent.Funcs{}, agent.Options{ID: "guard", Logger: logging.Discard()})
	assert.ErrorIs(t, h.svc.RegisterAgent(ctx, dup), domain.ErrAgentExists)

	require.NoError(t, h.svc.UnregisterAgent(ctx, "guard"))
	assert.Equal(t, domain.AgentStatusOffline, a.Status())
	_, err = h.registry.GetAgent(ctx, "guard")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	assert.Equal(t, 1, h.events.count(domain.EventAgentUnregistered))
	assert.ErrorIs(t, h.svc.UnregisterAgent(ctx, "guard"), domain.ErrAgentNotFound)
}

func TestRegisterAgentFailingInitialization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	bad := agent.New(agent.Funcs{
		InitializeFunc: func(context.Context) error { return errors.New("no credentials") },
	}, agent.Options{ID: "bad", Logger: logging.Discard()})
	require.Error(t, h.svc.RegisterAgent(ctx, bad))
	assert.Empty(t, h.svc.Agents())
	assert.Empty(t, h.svc.GetOrchestratorStats(ctx).Mailboxes)
	_, err := h.registry.GetAgent(ctx, "bad")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestMessageSentDuringInitializationIsDelivered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	var box inbox
	greeter := agent.New(agent.Funcs{
		InitializeFunc: func(ctx context.Context) error {
			if _, err := h.svc.SendMessageToAgent(ctx, domain.Message{ID: "hello", ToAgent: "greeter"}); err != nil {
				return err
			}
			return h.svc.mailboxOnce(ctx)
		},
		MessageFunc: box.handle,
	}, agent.Options{ID: "greeter", Logger: logging.Discard()})
	require.NoError(t, h.svc.RegisterAgent(ctx, greeter))

	require.Eventually(t, func() bool { return len(box.ids()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello"}, box.ids())
	stats := h.svc.GetOrchestratorStats(ctx)
	assert.Zero(t, stats.PendingMessages)
	assert.EqualValues(t, 1, stats.Mailboxes["greeter"].Accepted)
}

func TestHealthCheckPublishesErrorStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	a := h.addAgent(t, "sensor", domain.AgentTypeMonitoring, []domain.Capability{"health_check"}, agent.Funcs{}, 0)
	a.SetStatus(domain.AgentStatusError)
	require.NoError(t, h.svc.healthOnce(ctx))

	info, err := h.registry.GetAgent(ctx, "sensor")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusError, info.Status)

	online, err := h.registry.ListOnline(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestMaintainEvictsExpiredAgents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)
	h.addAgent(t, "sensor", domain.AgentTypeMonitoring, nil, agent.Funcs{}, 0)

	later := time.Now().Add(2 * time.Minute)
	h.store.SetClock(func() time.Time { return later })
	require.NoError(t, h.svc.Maintain(ctx))

	_, err := h.registry.GetAgent(ctx, "sensor")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	assert.Equal(t, 1, h.events.count(domain.EventAgentEvicted))

	require.NoError(t, h.svc.healthOnce(ctx))
	_, err = h.registry.GetAgent(ctx, "sensor")
	assert.NoError(t, err)
}

func TestStatsRefreshFeedsRouterLoad(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	h.addAgent(t, "busy", domain.AgentTypeNetwork, []domain.Capability{"scan"}, agent.Funcs{
		ExecuteFunc: func(context.Context, domain.Task) (map[string]any, error) {
			close(started)
			<-release
			return nil, nil
		},
	}, 0)
	h.addAgent(t, "free", domain.AgentTypeNetwork, []domain.Capability{"scan"}, agent.Funcs{ExecuteFunc: echo}, 0)

	go func() { _, _ = h.svc.DelegateTaskToAgent(ctx, "busy", domain.Task{ID: "long", Type: "scan"}) }()
	<-started
	defer close(release)

	require.NoError(t, h.svc.statsOnce(ctx))
	best, ok, err := h.router.FindBestAgent(ctx, domain.Task{Type: "scan_subnet"}, []domain.Capability{"scan"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "free", best.ID)

	stats := h.svc.GetOrchestratorStats(ctx)
	assert.Equal(t, 2, stats.Agents)
	assert.Equal(t, 1, stats.TasksByStatus[domain.TaskStatusRunning])
}

func TestStartRunsLoopsAndShutdownStopsAgents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{
		DrainInterval:   5 * time.Millisecond,
		MailboxInterval: 5 * time.Millisecond,
		HealthInterval:  10 * time.Millisecond,
		StatsInterval:   10 * time.Millisecond,
	}, nil)
	a := h.addAgent(t, "worker", domain.AgentTypeMaintenance, []domain.Capability{"repair"}, agent.Funcs{ExecuteFunc: echo}, 0)

	require.NoError(t, h.svc.Start(ctx))
	assert.Error(t, h.svc.Start(ctx))

	id, err := h.svc.SubmitTask(ctx, domain.Task{Type: "repair_door", RequiredCapabilities: []domain.Capability{"repair"}})
	require.NoError(t, err)
	h.waitStatus(t, id, domain.TaskStatusCompleted)

	states := h.svc.LoopStates()
	assert.Len(t, states, 4)
	for _, name := range []string{"drain", "mailbox", "health", "stats"} {
		assert.Contains(t, states, name)
	}
	require.Eventually(t, func() bool {
		return h.svc.GetOrchestratorStats(ctx).Loops["health"].Iterations > 0
	}, time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(shutdownCtx))
	assert.Equal(t, domain.AgentStatusOffline, a.Status())
	assert.Empty(t, h.svc.Agents())
	agents, err := h.registry.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestShutdownLetsRunningTaskFinish(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{DrainInterval: 5 * time.Millisecond}, nil)
	started := make(chan struct{})
	slow := func(ctx context.Context, task domain.Task) (map[string]any, error) {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			return map[string]any{"done": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.addAgent(t, "worker", domain.AgentTypeMaintenance, []domain.Capability{"repair"}, agent.Funcs{ExecuteFunc: slow}, 0)
	require.NoError(t, h.svc.Start(ctx))

	id, err := h.svc.SubmitTask(ctx, domain.Task{Type: "repair_roof", RequiredCapabilities: []domain.Capability{"repair"}})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(shutdownCtx))

	task, err := h.svc.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status, task.Error)
	assert.Equal(t, map[string]any{"done": true}, task.Result)
}

func TestInvalidSweepScheduleFailsStart(t *testing.T) {
	h := newHarness(t, Config{SweepSchedule: "not a schedule"}, nil)
	assert.Error(t, h.svc.Start(context.Background()))
}

func TestPrometheusTaskOutcomes(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := MustNewMetrics(reg)
	h := newHarness(t, Config{}, metrics)
	h.addAgent(t, "a", domain.AgentTypeAnalytics, nil, agent.Funcs{
		ExecuteFunc: func(_ context.Context, task domain.Task) (map[string]any, error) {
			if task.Type == "bad" {
				return nil, errors.New("nope")
			}
			return nil, nil
		},
	}, 0)

	_, err := h.svc.SubmitTask(ctx, domain.Task{Type: "queued"})
	require.NoError(t, err)
	_, err = h.svc.DelegateTaskToAgent(ctx, "a", domain.Task{Type: "good"})
	require.NoError(t, err)
	_, err = h.svc.DelegateTaskToAgent(ctx, "a", domain.Task{Type: "bad"})
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.tasks.WithLabelValues("submitted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.tasks.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.tasks.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.queueDepth))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.agents))

	again := MustNewMetrics(reg)
	assert.Equal(t, float64(1), testutil.ToFloat64(again.agents))
}
