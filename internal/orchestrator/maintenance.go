package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/robfig/cron/v3"

	"agentcore/internal/domain"
	"agentcore/internal/messaging/inproc"
	"agentcore/internal/store"
)

// mailboxOnce hands at most one queued message to each agent's mailbox.
func (s *Service) mailboxOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.outbox))
	for id, pending := range s.outbox {
		if len(pending) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		pending := s.outbox[id]
		msg := pending[0]
		err := s.mailboxes.Deliver(msg)
		if errors.Is(err, inproc.ErrAgentQueueFull) {
			continue
		}
		pending[0] = domain.Message{}
		s.outbox[id] = pending[1:]
		if err != nil {
			s.logger.Warn("message dropped", "message_id", msg.ID, "to_agent", id, "error", err)
			continue
		}
		s.messagesSent.Add(1)
	}
	return nil
}

// healthOnce renews the registry entry of every hosted agent. Agents in the
// error state stay registered with that status, which keeps them out of
// routing, and lose their cached routing decisions.
func (s *Service) healthOnce(ctx context.Context) error {
	var errs []error
	for _, a := range s.agentList() {
		info := s.infoOf(a)
		if info.Status == domain.AgentStatusError {
			s.logger.Warn("agent reports error state", "agent_id", info.ID)
			s.router.Forget(info.ID)
		}
		if err := s.registry.Heartbeat(ctx, info); err != nil {
			errs = append(errs, fmt.Errorf("heartbeat %s: %w", info.ID, err))
		}
	}
	return errors.Join(errs...)
}

// statsOnce refreshes the router's load snapshot and the gauges.
func (s *Service) statsOnce(ctx context.Context) error {
	agents := s.agentList()
	load := make(map[string]int, len(agents))
	for _, a := range agents {
		load[a.ID()] = len(a.Info().CurrentTasks)
	}
	s.router.UpdateLoad(load)
	s.metrics.setAgents(len(agents))
	s.metrics.setQueueDepth(s.queue.len())
	return nil
}

// Maintain evicts agents whose heartbeat expired, closes idle event streams,
// purges expired store entries and forgets finished work past its retention.
func (s *Service) Maintain(ctx context.Context) error {
	now := s.now()
	var errs []error

	evicted, err := s.registry.SweepExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep registry: %w", err))
	}
	for _, id := range evicted {
		s.router.Forget(id)
		s.emit(ctx, domain.Event{
			Type:        domain.EventAgentEvicted,
			Priority:    domain.EventPriorityHigh,
			TargetAgent: id,
			Data:        map[string]any{"reason": "heartbeat expired"},
			Tags:        []string{"agent"},
		})
	}

	var streams []string
	if ev, ok := s.events.(streamEvicter); ok {
		streams = ev.EvictIdleStreams(now)
	}
	purged := 0
	if p, ok := s.store.(store.Purger); ok {
		n, err := p.Purge(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge store: %w", err))
		}
		purged = n
	}
	executions := 0
	if s.workflows != nil {
		executions = s.workflows.PruneExecutions(now)
	}
	tasks := s.pruneTasks(now)

	if len(evicted)+len(streams)+purged+executions+tasks > 0 {
		s.logger.Info("maintenance",
			"evicted_agents", len(evicted), "closed_streams", len(streams),
			"purged_keys", purged, "pruned_executions", executions, "pruned_tasks", tasks)
	}
	return errors.Join(errs...)
}

func newMaintenanceCron(logger *slog.Logger) *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}
	return cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
