// Package registry is the TTL-backed directory of agents and server
// instances kept in the shared store. It is the source of truth for liveness;
// an agent whose heartbeat record expired is gone even if still indexed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"agentcore/internal/domain"
	"agentcore/internal/logging"
	"agentcore/internal/store"
)

const (
	agentIndexKey  = "agents:index"
	serverIndexKey = "servers:index"

	DefaultTTL = 60 * time.Second
)

func agentKey(id string) string { return "agent:" + id }
func agentCapsKey(id string) string { return "agent:" + id + ":capabilities" }
func capabilityKey(c domain.Capability) string { return "agents:capability:" + string(c) }
func serverKey(id string) string { return "server:" + id }

type Registry struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func New(st store.Store, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		store:  st,
		ttl:    ttl,
		logger: logging.Component(logger, "registry"),
		now:    time.Now,
	}
}

func (r *Registry) TTL() time.Duration { return r.ttl }

// RegisterAgent writes the agent record with a fresh TTL and indexes it.
func (r *Registry) RegisterAgent(ctx context.Context, info domain.AgentInfo) error {
	if info.ID == "" {
		return errors.New("register agent: empty agent id")
	}
	now := r.now().UTC()
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = now
	}
	if err := r.write(ctx, info, now); err != nil {
		return fmt.Errorf("register agent %s: %w", info.ID, err)
	}
	r.logger.Debug("agent registered", "agent_id", info.ID, "type", info.Type)
	return nil
}

// Heartbeat renews the agent record from its latest self-reported info.
func (r *Registry) Heartbeat(ctx context.Context, info domain.AgentInfo) error {
	if err := r.write(ctx, info, r.now().UTC()); err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", info.ID, err)
	}
	return nil
}

func (r *Registry) write(ctx context.Context, info domain.AgentInfo, now time.Time) error {
	info.LastHeartbeat = now
	if err := store.SetJSON(ctx, r.store, agentKey(info.ID), info, r.ttl); err != nil {
		return err
	}
	if err := r.store.SAdd(ctx, agentIndexKey, info.ID); err != nil {
		return err
	}

	previous, err := r.store.SMembers(ctx, agentCapsKey(info.ID))
	if err != nil {
		return err
	}
	current := info.CapabilitySet()
	for _, c := range previous {
		if current.Has(domain.Capability(c)) {
			continue
		}
		if err := r.store.SRem(ctx, capabilityKey(domain.Capability(c)), info.ID); err != nil {
			return err
		}
		if err := r.store.SRem(ctx, agentCapsKey(info.ID), c); err != nil {
			return err
		}
	}
	for _, c := range current.Sorted() {
		if err := r.store.SAdd(ctx, capabilityKey(c), info.ID); err != nil {
			return err
		}
		if err := r.store.SAdd(ctx, agentCapsKey(info.ID), string(c)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) UnregisterAgent(ctx context.Context, agentID string) error {
	if err := r.deindex(ctx, agentID); err != nil {
		return fmt.Errorf("unregister agent %s: %w", agentID, err)
	}
	if err := r.store.Delete(ctx, agentKey(agentID)); err != nil {
		return fmt.Errorf("unregister agent %s: %w", agentID, err)
	}
	r.logger.Debug("agent unregistered", "agent_id", agentID)
	return nil
}

func (r *Registry) deindex(ctx context.Context, agentID string) error {
	caps, err := r.store.SMembers(ctx, agentCapsKey(agentID))
	if err != nil {
		return err
	}
	for _, c := range caps {
		if err := r.store.SRem(ctx, capabilityKey(domain.Capability(c)), agentID); err != nil {
			return err
		}
	}
	if err := r.store.Delete(ctx, agentCapsKey(agentID)); err != nil {
		return err
	}
	return r.store.SRem(ctx, agentIndexKey, agentID)
}

func (r *Registry) GetAgent(ctx context.Context, agentID string) (domain.AgentInfo, error) {
	var info domain.AgentInfo
	if err := store.GetJSON(ctx, r.store, agentKey(agentID), &info); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.AgentInfo{}, domain.ErrAgentNotFound
		}
		return domain.AgentInfo{}, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return info, nil
}

// ListAgents returns every live agent ordered by registration time, then id.
func (r *Registry) ListAgents(ctx context.Context) ([]domain.AgentInfo, error) {
	ids, err := r.store.SMembers(ctx, agentIndexKey)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return r.load(ctx, ids)
}

func (r *Registry) load(ctx context.Context, ids []string) ([]domain.AgentInfo, error) {
	agents := make([]domain.AgentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.GetAgent(ctx, id)
		if errors.Is(err, domain.ErrAgentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, info)
	}
	sort.SliceStable(agents, func(i, j int) bool {
		if !agents[i].RegisteredAt.Equal(agents[j].RegisteredAt) {
			return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
		}
		return agents[i].ID < agents[j].ID
	})
	return agents, nil
}

// Available reports whether an agent in this status can be routed work.
// Busy agents stay routable; the router penalises them.
func Available(status domain.AgentStatus) bool {
	switch status {
	case domain.AgentStatusOnline, domain.AgentStatusBusy, domain.AgentStatusIdle:
		return true
	}
	return false
}

func (r *Registry) ListOnline(ctx context.Context) ([]domain.AgentInfo, error) {
	agents, err := r.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := agents[:0]
	for _, a := range agents {
		if Available(a.Status) {
			out = append(out, a)
		}
	}
	return out, nil
}

// FindByCapabilities returns available agents holding every listed capability.
func (r *Registry) FindByCapabilities(ctx context.Context, caps []domain.Capability) ([]domain.AgentInfo, error) {
	if len(caps) == 0 {
		return r.ListOnline(ctx)
	}
	var candidates map[string]struct{}
	for _, c := range caps {
		members, err := r.store.SMembers(ctx, capabilityKey(c))
		if err != nil {
			return nil, fmt.Errorf("find by capability %s: %w", c, err)
		}
		next := make(map[string]struct{}, len(members))
		for _, id := range members {
			if candidates == nil {
				next[id] = struct{}{}
				continue
			}
			if _, ok := candidates[id]; ok {
				next[id] = struct{}{}
			}
		}
		candidates = next
		if len(candidates) == 0 {
			return nil, nil
		}
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	agents, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := agents[:0]
	for _, a := range agents {
		if Available(a.Status) && a.CapabilitySet().Covers(caps) {
			out = append(out, a)
		}
	}
	return out, nil
}

// SweepExpired drops index entries whose agent record has expired and
// returns the evicted ids.
func (r *Registry) SweepExpired(ctx context.Context) ([]string, error) {
	ids, err := r.store.SMembers(ctx, agentIndexKey)
	if err != nil {
		return nil, fmt.Errorf("sweep agents: %w", err)
	}
	sort.Strings(ids)
	var evicted []string
	for _, id := range ids {
		alive, err := r.store.Exists(ctx, agentKey(id))
		if err != nil {
			return evicted, fmt.Errorf("sweep agent %s: %w", id, err)
		}
		if alive {
			continue
		}
		if err := r.deindex(ctx, id); err != nil {
			return evicted, fmt.Errorf("sweep agent %s: %w", id, err)
		}
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		r.logger.Info("evicted expired agents", "agents", evicted)
	}
	return evicted, nil
}

func (r *Registry) RegisterServer(ctx context.Context, info domain.ServerInfo) error {
	now := r.now().UTC()
	if info.StartedAt.IsZero() {
		info.StartedAt = now
	}
	info.LastHeartbeat = now
	if err := store.SetJSON(ctx, r.store, serverKey(info.ID), info, r.ttl); err != nil {
		return fmt.Errorf("register server %s: %w", info.ID, err)
	}
	if err := r.store.SAdd(ctx, serverIndexKey, info.ID); err != nil {
		return fmt.Errorf("register server %s: %w", info.ID, err)
	}
	return nil
}

// ListServers returns live servers; expired entries are pruned from the index.
func (r *Registry) ListServers(ctx context.Context) ([]domain.ServerInfo, error) {
	ids, err := r.store.SMembers(ctx, serverIndexKey)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	sort.Strings(ids)
	servers := make([]domain.ServerInfo, 0, len(ids))
	for _, id := range ids {
		var info domain.ServerInfo
		err := store.GetJSON(ctx, r.store, serverKey(id), &info)
		if errors.Is(err, store.ErrNotFound) {
			if err := r.store.SRem(ctx, serverIndexKey, id); err != nil {
				return nil, fmt.Errorf("prune server %s: %w", id, err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get server %s: %w", id, err)
		}
		servers = append(servers, info)
	}
	return servers, nil
}
