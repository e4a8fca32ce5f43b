// Package orchestrator hosts agents, queues and routes tasks to them, relays
// mailbox messages and runs the loops that keep the registry and router
// current.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"agentcore/internal/config"
	"agentcore/internal/domain"
	"agentcore/internal/logging"
	"agentcore/internal/messaging/inproc"
	"agentcore/internal/store"
)

const orchestratorAgentID = "orchestrator"

// Agent is what the orchestrator needs from a hosted agent; *agent.Runtime
// implements it.
type Agent interface {
	ID() string
	Type() domain.AgentType
	Info() domain.AgentInfo
	Status() domain.AgentStatus
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	ExecuteTask(ctx context.Context, task domain.Task) (map[string]any, error)
	Start(ctx context.Context, mailbox <-chan domain.Message)
}

type Registry interface {
	RegisterAgent(ctx context.Context, info domain.AgentInfo) error
	Heartbeat(ctx context.Context, info domain.AgentInfo) error
	UnregisterAgent(ctx context.Context, agentID string) error
	SweepExpired(ctx context.Context) ([]string, error)
}

type Router interface {
	FindBestAgent(ctx context.Context, task domain.Task, caps []domain.Capability) (domain.AgentInfo, bool, error)
	UpdateLoad(active map[string]int)
	Forget(agentID string)
}

type Publisher interface {
	Publish(ctx context.Context, event domain.Event) (bool, error)
}

type Workflows interface {
	Execute(ctx context.Context, workflowID string, params map[string]any) (string, error)
	ListExecutions() []domain.WorkflowExecution
	PruneExecutions(now time.Time) int
}

// streamEvicter is implemented by publishers that hold pull streams.
type streamEvicter interface {
	EvictIdleStreams(now time.Time) []string
}

type Config struct {
	ServerID           string
	QueueCapacity      int
	MailboxCapacity    int
	DrainInterval      time.Duration
	MailboxInterval    time.Duration
	HealthInterval     time.Duration
	StatsInterval      time.Duration
	TaskTimeout        time.Duration
	MaxRoutingAttempts int
	RequeueFront       bool
	IdleBackoff        time.Duration
	SweepSchedule      string
	TaskResultTTL      time.Duration
}

// ConfigFrom converts the [orchestrator] file section.
func ConfigFrom(c config.OrchestratorConfig, serverID string) Config {
	return Config{
		ServerID:           serverID,
		QueueCapacity:      c.QueueCapacity,
		MailboxCapacity:    c.MailboxCapacity,
		DrainInterval:      config.Duration(c.DrainIntervalMS, 0),
		MailboxInterval:    config.Duration(c.MailboxIntervalMS, 0),
		HealthInterval:     config.Duration(c.HealthIntervalMS, 0),
		StatsInterval:      config.Duration(c.StatsIntervalMS, 0),
		TaskTimeout:        config.Duration(c.TaskTimeoutMS, 0),
		MaxRoutingAttempts: c.MaxRoutingAttempts,
		RequeueFront:       c.RequeueFront,
		IdleBackoff:        config.Duration(c.IdleBackoffMS, 0),
		SweepSchedule:      c.SweepSchedule,
		TaskResultTTL:      config.Duration(c.TaskResultTTLMS, 0),
	}
}

func (c Config) withDefaults() Config {
	if c.ServerID == "" {
		c.ServerID = uuid.NewString()
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.MailboxCapacity <= 0 {
		c.MailboxCapacity = 64
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 100 * time.Millisecond
	}
	if c.MailboxInterval <= 0 {
		c.MailboxInterval = 100 * time.Millisecond
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.MaxRoutingAttempts <= 0 {
		c.MaxRoutingAttempts = 100
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 500 * time.Millisecond
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 30s"
	}
	if c.TaskResultTTL <= 0 {
		c.TaskResultTTL = time.Hour
	}
	return c
}

// Deps are the collaborators of a Service. Events and Workflows may be nil.
type Deps struct {
	Store     store.Store
	Registry  Registry
	Router    Router
	Events    Publisher
	Workflows Workflows
	Metrics   *Metrics
}

type Service struct {
	store     store.Store
	registry  Registry
	router    Router
	events    Publisher
	workflows Workflows
	metrics   *Metrics
	mailboxes *inproc.Mailboxes
	queue     *taskQueue
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	startedAt time.Time

	loops  []*loop
	loopWG sync.WaitGroup
	// wg tracks dispatched task executions.
	wg sync.WaitGroup

	// agentCtx bounds message processing of hosted agents.
	agentCtx    context.Context
	agentCancel context.CancelFunc

	mu      sync.RWMutex
	agents  map[string]Agent
	tasks   map[string]*domain.Task
	outbox  map[string][]domain.Message
	started bool
	cancel  context.CancelFunc
	cron    *cron.Cron

	submitted       atomic.Int64
	completed       atomic.Int64
	failed          atomic.Int64
	timedOut        atomic.Int64
	cancelled       atomic.Int64
	routingFailures atomic.Int64
	messagesQueued  atomic.Int64
	messagesSent    atomic.Int64
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	agentCtx, agentCancel := context.WithCancel(context.Background())
	s := &Service{
		store:       deps.Store,
		registry:    deps.Registry,
		router:      deps.Router,
		events:      deps.Events,
		workflows:   deps.Workflows,
		metrics:     deps.Metrics,
		mailboxes:   inproc.New(cfg.MailboxCapacity),
		queue:       newTaskQueue(cfg.QueueCapacity),
		cfg:         cfg,
		logger:      logging.Component(logger, "orchestrator"),
		now:         time.Now,
		startedAt:   time.Now().UTC(),
		agentCtx:    agentCtx,
		agentCancel: agentCancel,
		agents:      make(map[string]Agent),
		tasks:       make(map[string]*domain.Task),
		outbox:      make(map[string][]domain.Message),
	}
	s.loops = []*loop{
		newLoop("drain", cfg.DrainInterval, cfg.IdleBackoff, s.drainOnce, s.logger),
		newLoop("mailbox", cfg.MailboxInterval, cfg.IdleBackoff, s.mailboxOnce, s.logger),
		newLoop("health", cfg.HealthInterval, cfg.IdleBackoff, s.healthOnce, s.logger),
		newLoop("stats", cfg.StatsInterval, cfg.IdleBackoff, s.statsOnce, s.logger),
	}
	return s
}

func (s *Service) ServerID() string { return s.cfg.ServerID }

// Start launches the background loops and the maintenance schedule. The
// loops stop when ctx is done or Shutdown is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("orchestrator already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c := newMaintenanceCron(s.logger)
	if _, err := c.AddFunc(s.cfg.SweepSchedule, func() {
		if err := s.Maintain(loopCtx); err != nil {
			s.logger.Error("maintenance failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule maintenance %q: %w", s.cfg.SweepSchedule, err)
	}
	c.Start()

	for _, l := range s.loops {
		s.loopWG.Add(1)
		go func(l *loop) {
			defer s.loopWG.Done()
			l.run(loopCtx)
		}(l)
	}
	s.started = true
	s.cancel = cancel
	s.cron = c
	s.logger.Info("orchestrator started", "server_id", s.cfg.ServerID, "queue_capacity", s.cfg.QueueCapacity)
	return nil
}

// Shutdown stops the loops, waits for in-flight dispatches to return within
// ctx and then shuts every hosted agent down concurrently.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, c := s.cancel, s.cron
	s.cancel, s.cron = nil, nil
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	// Loops must be idle before agents leave so a late heartbeat cannot
	// re-register a departed agent.
	if err := waitGroup(ctx, &s.loopWG); err != nil {
		return fmt.Errorf("wait for orchestrator loops: %w", err)
	}

	// Dispatched tasks finish on their agents before the agents leave.
	var err error
	if werr := waitGroup(ctx, &s.wg); werr != nil {
		err = fmt.Errorf("wait for dispatched tasks: %w", werr)
	}

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			err := s.UnregisterAgent(ctx, id)
			if errors.Is(err, domain.ErrAgentNotFound) {
				return nil
			}
			return err
		})
	}
	err = errors.Join(err, g.Wait())
	s.agentCancel()
	s.logger.Info("orchestrator stopped", "server_id", s.cfg.ServerID)
	return err
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterAgent initializes the agent, publishes it to the registry and
// starts its mailbox.
func (s *Service) RegisterAgent(ctx context.Context, a Agent) error {
	id := a.ID()
	if id == "" {
		return errors.New("register agent: empty agent id")
	}
	s.mu.Lock()
	if _, exists := s.agents[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("register agent %s: %w", id, domain.ErrAgentExists)
	}
	s.agents[id] = a
	s.mu.Unlock()

	// The mailbox exists before the agent can be seen, so nothing addressed
	// to a freshly registered agent is refused.
	inbox := s.mailboxes.Register(id)
	if err := a.Initialize(ctx); err != nil {
		s.dropAgent(id)
		return fmt.Errorf("register agent %s: %w", id, err)
	}
	info := s.infoOf(a)
	if err := s.registry.RegisterAgent(ctx, info); err != nil {
		s.dropAgent(id)
		_ = a.Shutdown(ctx)
		return fmt.Errorf("register agent %s: %w", id, err)
	}
	a.Start(s.agentCtx, inbox)

	s.metrics.setAgents(s.agentCount())
	s.emit(ctx, domain.Event{
		Type:        domain.EventAgentRegistered,
		TargetAgent: id,
		Data: map[string]any{
			"agent_type":   string(info.Type),
			"capabilities": capabilityNames(info.Capabilities),
		},
		Tags: []string{"agent"},
	})
	s.logger.Info("agent registered", "agent_id", id, "type", info.Type, "capabilities", len(info.Capabilities))
	return nil
}

func (s *Service) dropAgent(id string) {
	s.mu.Lock()
	delete(s.agents, id)
	delete(s.outbox, id)
	s.mu.Unlock()
	s.mailboxes.Unregister(id)
}

// UnregisterAgent stops routing to the agent, closes its mailbox and shuts
// it down. Undelivered messages are dropped.
func (s *Service) UnregisterAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	dropped := len(s.outbox[agentID])
	delete(s.agents, agentID)
	delete(s.outbox, agentID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unregister agent %s: %w", agentID, domain.ErrAgentNotFound)
	}

	s.router.Forget(agentID)
	s.mailboxes.Unregister(agentID)
	var errs []error
	if err := a.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.registry.UnregisterAgent(context.WithoutCancel(ctx), agentID); err != nil {
		errs = append(errs, fmt.Errorf("unregister agent %s: %w", agentID, err))
	}

	s.metrics.setAgents(s.agentCount())
	s.emit(ctx, domain.Event{Type: domain.EventAgentUnregistered, TargetAgent: agentID, Tags: []string{"agent"}})
	s.logger.Info("agent unregistered", "agent_id", agentID, "dropped_messages", dropped)
	return errors.Join(errs...)
}

func (s *Service) agent(id string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

func (s *Service) agentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

func (s *Service) agentList() []Agent {
	s.mu.RLock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (s *Service) infoOf(a Agent) domain.AgentInfo {
	info := a.Info()
	if info.ServerID == "" {
		info.ServerID = s.cfg.ServerID
	}
	return info
}

// Agents returns the current view of every hosted agent, ordered by id.
func (s *Service) Agents() []domain.AgentInfo {
	agents := s.agentList()
	out := make([]domain.AgentInfo, 0, len(agents))
	for _, a := range agents {
		out = append(out, s.infoOf(a))
	}
	return out
}

// ExecuteWorkflow starts a workflow run and returns its execution id.
func (s *Service) ExecuteWorkflow(ctx context.Context, workflowID string, params map[string]any) (string, error) {
	if s.workflows == nil {
		return "", errors.New("execute workflow: no workflow engine configured")
	}
	return s.workflows.Execute(ctx, workflowID, params)
}

// SendMessageToAgent queues a message for the agent's mailbox. Delivery
// happens on the mailbox loop, one message per agent per tick.
func (s *Service) SendMessageToAgent(ctx context.Context, msg domain.Message) (string, error) {
	if msg.ToAgent == "" {
		return "", errors.New("send message: empty recipient")
	}
	msg = prepareMessage(msg, s.now())
	if err := s.enqueueMessage(msg); err != nil {
		return "", fmt.Errorf("send message to %s: %w", msg.ToAgent, err)
	}
	s.logger.Debug("message queued", "message_id", msg.ID, "to_agent", msg.ToAgent, "type", msg.Type)
	return msg.ID, nil
}

// BroadcastFilter narrows a broadcast; zero fields match every agent.
type BroadcastFilter struct {
	AgentType    domain.AgentType
	Capabilities []domain.Capability
}

// BroadcastMessage queues a copy of msg for every hosted agent that matches
// filter and returns the recipients. Agents whose outbox is full are skipped
// and reported in the error.
func (s *Service) BroadcastMessage(ctx context.Context, msg domain.Message, filter BroadcastFilter) ([]string, error) {
	if msg.Type == "" {
		msg.Type = domain.MessageTypeBroadcast
	}
	var (
		recipients []string
		errs       []error
	)
	for _, a := range s.agentList() {
		if filter.AgentType != "" && a.Type() != filter.AgentType {
			continue
		}
		if len(filter.Capabilities) > 0 && !a.Info().CapabilitySet().Covers(filter.Capabilities) {
			continue
		}
		copyMsg := msg
		copyMsg.ID = ""
		copyMsg.ToAgent = a.ID()
		copyMsg.Payload = domain.CloneMap(msg.Payload)
		copyMsg = prepareMessage(copyMsg, s.now())
		if err := s.enqueueMessage(copyMsg); err != nil {
			errs = append(errs, fmt.Errorf("broadcast to %s: %w", a.ID(), err))
			continue
		}
		recipients = append(recipients, a.ID())
	}
	return recipients, errors.Join(errs...)
}

func prepareMessage(msg domain.Message, now time.Time) domain.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.FromAgent == "" {
		msg.FromAgent = orchestratorAgentID
	}
	if msg.Type == "" {
		msg.Type = domain.MessageTypeCommand
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now.UTC()
	}
	return msg
}

func (s *Service) enqueueMessage(msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[msg.ToAgent]; !ok {
		return domain.ErrAgentNotFound
	}
	if len(s.outbox[msg.ToAgent]) >= s.cfg.MailboxCapacity {
		return inproc.ErrAgentQueueFull
	}
	s.outbox[msg.ToAgent] = append(s.outbox[msg.ToAgent], msg)
	s.messagesQueued.Add(1)
	return nil
}

// Stats is the orchestrator view returned by GetOrchestratorStats.
type Stats struct {
	ServerID          string                         `json:"server_id"`
	UptimeSeconds     float64                        `json:"uptime_seconds"`
	Agents            int                            `json:"agents"`
	AgentsByStatus    map[domain.AgentStatus]int     `json:"agents_by_status"`
	QueueDepth        int                            `json:"queue_depth"`
	QueueCapacity     int                            `json:"queue_capacity"`
	TasksByStatus     map[domain.TaskStatus]int      `json:"tasks_by_status"`
	Submitted         int64                          `json:"tasks_submitted"`
	Completed         int64                          `json:"tasks_completed"`
	Failed            int64                          `json:"tasks_failed"`
	TimedOut          int64                          `json:"tasks_timed_out"`
	Cancelled         int64                          `json:"tasks_cancelled"`
	RoutingFailures   int64                          `json:"routing_failures"`
	MessagesQueued    int64                          `json:"messages_queued"`
	MessagesDelivered int64                          `json:"messages_delivered"`
	PendingMessages   int                            `json:"pending_messages"`
	Mailboxes         map[string]inproc.MailboxStats `json:"mailboxes"`
	RunningWorkflows  int                            `json:"running_workflows"`
	Loops             map[string]LoopStatus          `json:"loops"`
}

func (s *Service) GetOrchestratorStats(ctx context.Context) Stats {
	st := Stats{
		ServerID:          s.cfg.ServerID,
		UptimeSeconds:     s.now().Sub(s.startedAt).Seconds(),
		AgentsByStatus:    make(map[domain.AgentStatus]int),
		QueueDepth:        s.queue.len(),
		QueueCapacity:     s.cfg.QueueCapacity,
		TasksByStatus:     make(map[domain.TaskStatus]int),
		Submitted:         s.submitted.Load(),
		Completed:         s.completed.Load(),
		Failed:            s.failed.Load(),
		TimedOut:          s.timedOut.Load(),
		Cancelled:         s.cancelled.Load(),
		RoutingFailures:   s.routingFailures.Load(),
		MessagesQueued:    s.messagesQueued.Load(),
		MessagesDelivered: s.messagesSent.Load(),
		Mailboxes:         s.mailboxes.Stats(),
		Loops:             make(map[string]LoopStatus, len(s.loops)),
	}
	for _, a := range s.agentList() {
		st.Agents++
		st.AgentsByStatus[a.Status()]++
	}

	s.mu.RLock()
	for _, t := range s.tasks {
		st.TasksByStatus[t.Status]++
	}
	for _, pending := range s.outbox {
		st.PendingMessages += len(pending)
	}
	s.mu.RUnlock()

	if s.workflows != nil {
		for _, x := range s.workflows.ListExecutions() {
			if x.Status == domain.ExecutionStatusRunning {
				st.RunningWorkflows++
			}
		}
	}
	for _, l := range s.loops {
		st.Loops[l.name] = l.status()
	}
	return st
}

// LoopStates reports the current state of each background loop.
func (s *Service) LoopStates() map[string]LoopState {
	out := make(map[string]LoopState, len(s.loops))
	for _, l := range s.loops {
		out[l.name] = l.status().State
	}
	return out
}

// emit publishes an orchestrator event. Publishing failures are logged only.
func (s *Service) emit(ctx context.Context, ev domain.Event) {
	if s.events == nil {
		return
	}
	if ev.SourceAgent == "" {
		ev.SourceAgent = orchestratorAgentID
	}
	if ev.Priority == 0 {
		ev.Priority = domain.EventPriorityNormal
	}
	if _, err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("publish event failed", "event_type", ev.Type, "error", err)
	}
}

func capabilityNames(caps []domain.Capability) []any {
	out := make([]any, 0, len(caps))
	for _, c := range caps {
		out = append(out, string(c))
	}
	return out
}
