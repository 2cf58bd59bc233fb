package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"teamline/internal/domain"
	"teamline/internal/events"
	"teamline/internal/repo"
)

// RegisterAgent adds an agent to the capability registry, seeds its clock
// row, and optionally attaches an in-process worker for dispatch.
func (e Engine) RegisterAgent(ctx context.Context, name string, capabilities []string, w Worker) (domain.Agent, error) {
	if len(capabilities) == 0 {
		return domain.Agent{}, fmt.Errorf("agent %q declares no capabilities", name)
	}
	now := e.now()
	agent := domain.Agent{
		ID:           uuid.NewString(),
		Name:         name,
		Capabilities: capabilities,
		Status:       "available",
		RegisteredAt: now,
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgentTx(ctx, tx, agent); err != nil {
		return domain.Agent{}, err
	}
	if err := e.Repo.SaveClockTx(ctx, tx, agent.ID, domain.Clock{agent.ID: 0}, now); err != nil {
		return domain.Agent{}, err
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "agent.registered",
		EntityKind: "agent",
		EntityID:   agent.ID,
		AgentID:    agent.ID,
	}, events.EventPayload{"name": name, "capabilities": capabilities})
	if err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	if w != nil {
		e.workers.put(agent.ID, w)
	}
	return agent, nil
}

// DeregisterAgent removes the agent from the registry. Its clock row and
// contract history stay behind for audit.
func (e Engine) DeregisterAgent(ctx context.Context, agentID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAgentTx(ctx, tx, agentID); err != nil {
		if err == repo.ErrNotFound {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		return err
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "agent.deregistered",
		EntityKind: "agent",
		EntityID:   agentID,
		AgentID:    agentID,
	}, nil)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.workers.drop(agentID)
	return nil
}

// AttachWorker binds an in-process worker to an already registered agent.
func (e Engine) AttachWorker(agentID string, w Worker) {
	e.workers.put(agentID, w)
}

// routeTx picks the registered agent for a capability with the fewest open
// contracts, skipping unreachable agents and every id in exclude. Ties break
// on agent id for deterministic replay.
func (e Engine) routeTx(ctx context.Context, tx *sql.Tx, capability string, exclude map[string]bool) (domain.Agent, error) {
	agents, err := e.Repo.ListAgents(ctx, tx)
	if err != nil {
		return domain.Agent{}, err
	}
	load, err := e.Repo.CountOpenByAgent(ctx, tx)
	if err != nil {
		return domain.Agent{}, err
	}
	var candidates []domain.Agent
	for _, a := range agents {
		if a.Status == "unreachable" || exclude[a.ID] {
			continue
		}
		for _, c := range a.Capabilities {
			if c == capability {
				candidates = append(candidates, a)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return domain.Agent{}, fmt.Errorf("%w: %s", ErrCapabilityUnavailable, capability)
	}
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := load[candidates[i].ID], load[candidates[j].ID]
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

// RecordHeartbeat resets the agent's missed-beat counter and restores an
// unreachable agent to available.
func (e Engine) RecordHeartbeat(ctx context.Context, agentID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	agent, err := e.Repo.GetAgent(ctx, tx, agentID)
	if err != nil {
		if err == repo.ErrNotFound {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		return err
	}
	status := agent.Status
	if status == "unreachable" {
		status = "available"
	}
	if err := e.Repo.SetAgentBeatsTx(ctx, tx, agentID, 0, status); err != nil {
		return err
	}
	if agent.Status == "unreachable" {
		_, err = e.Events.Append(ctx, tx, events.Record{
			Type:       "agent.reachable",
			EntityKind: "agent",
			EntityID:   agentID,
			AgentID:    agentID,
		}, nil)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MissHeartbeat increments the agent's missed-beat counter. Crossing the
// configured threshold flips the agent unreachable.
func (e Engine) MissHeartbeat(ctx context.Context, agentID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	agent, err := e.Repo.GetAgent(ctx, tx, agentID)
	if err != nil {
		if err == repo.ErrNotFound {
			return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		return err
	}
	missed := agent.MissedBeats + 1
	status := agent.Status
	crossed := false
	if missed >= e.Config.Heartbeat.MissThreshold && status != "unreachable" {
		status = "unreachable"
		crossed = true
	}
	if err := e.Repo.SetAgentBeatsTx(ctx, tx, agentID, missed, status); err != nil {
		return err
	}
	if crossed {
		_, err = e.Events.Append(ctx, tx, events.Record{
			Type:       "agent.unreachable",
			EntityKind: "agent",
			EntityID:   agentID,
			AgentID:    agentID,
		}, events.EventPayload{"missed_beats": missed})
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MonitorHeartbeats probes every attached worker on the configured interval
// until ctx is cancelled. Probe failures count as missed beats.
func (e Engine) MonitorHeartbeats(ctx context.Context) error {
	interval := time.Duration(e.Config.Heartbeat.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.ProbeWorkers(ctx); err != nil {
				return err
			}
		}
	}
}

// ProbeWorkers sends one heartbeat probe to every attached worker. A failed
// probe counts as a missed beat.
func (e Engine) ProbeWorkers(ctx context.Context) error {
	for _, id := range e.workers.ids() {
		w, ok := e.workers.get(id)
		if !ok {
			continue
		}
		if err := w.Heartbeat(ctx); err != nil {
			if err := e.MissHeartbeat(ctx, id); err != nil {
				return err
			}
			continue
		}
		if err := e.RecordHeartbeat(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
