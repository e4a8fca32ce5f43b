package main

import (
	"context"
	"log/slog"
	"time"

	"agentcore/internal/agent"
	"agentcore/internal/domain"
)

type demoSpec struct {
	id    string
	typ   domain.AgentType
	caps  []domain.Capability
	delay time.Duration
}

var demoSpecs = []demoSpec{
	{id: "security-1", typ: domain.AgentTypeSecurity, caps: []domain.Capability{"access_control", "threat_detection"}, delay: 50 * time.Millisecond},
	{id: "network-1", typ: domain.AgentTypeNetwork, caps: []domain.Capability{"scan", "ping", "bandwidth"}, delay: 80 * time.Millisecond},
	{id: "maintenance-1", typ: domain.AgentTypeMaintenance, caps: []domain.Capability{"schedule", "repair"}, delay: 40 * time.Millisecond},
	{id: "financial-1", typ: domain.AgentTypeFinancial, caps: []domain.Capability{"billing", "reporting"}, delay: 60 * time.Millisecond},
	{id: "communication-1", typ: domain.AgentTypeCommunication, caps: []domain.Capability{"notify", "email"}, delay: 20 * time.Millisecond},
	{id: "analytics-1", typ: domain.AgentTypeAnalytics, caps: []domain.Capability{"report", "forecast"}, delay: 100 * time.Millisecond},
	{id: "monitoring-1", typ: domain.AgentTypeMonitoring, caps: []domain.Capability{"health_check", "collect"}, delay: 30 * time.Millisecond},
}

// demoAgents builds one agent per specialization. Each task sleeps for a
// short fixed delay and echoes its parameters, so routing and workflows can
// be exercised without real integrations.
func demoAgents(serverID string, logger *slog.Logger) []*agent.Runtime {
	out := make([]*agent.Runtime, 0, len(demoSpecs))
	for _, spec := range demoSpecs {
		out = append(out, agent.New(demoExecutor(spec, logger), agent.Options{
			ID:           spec.id,
			Type:         spec.typ,
			Capabilities: spec.caps,
			ServerID:     serverID,
			Logger:       logger,
		}))
	}
	return out
}

func demoExecutor(spec demoSpec, logger *slog.Logger) agent.Funcs {
	return agent.Funcs{
		ExecuteFunc: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			select {
			case <-time.After(spec.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return map[string]any{
				"agent_id":   spec.id,
				"task_type":  task.Type,
				"parameters": domain.CloneMap(task.Parameters),
				"handled_at": time.Now().UTC().Format(time.RFC3339Nano),
			}, nil
		},
		MessageFunc: func(ctx context.Context, msg domain.Message) error {
			logger.Info("demo agent received message", "agent_id", spec.id, "message_id", msg.ID, "type", msg.Type, "from", msg.FromAgent)
			return nil
		},
	}
}
