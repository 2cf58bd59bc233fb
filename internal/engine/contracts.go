package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"teamline/internal/domain"
	"teamline/internal/engine/detect"
	"teamline/internal/events"
	"teamline/internal/repo"
)

// OpenContractSpec describes one delegation to open.
type OpenContractSpec struct {
	RunID      string
	PhaseOrd   int
	Capability string
	Payload    string
	SchemaRef  string
	Criteria   []domain.Criterion
	Deadline   string          // RFC3339; empty uses the configured default
	Exclude    map[string]bool // agent ids routing must skip
}

// OpenContract routes the delegation to the least-loaded capable agent,
// snapshots the coordinator clock after a tick, and records the contract in
// open status. The deadline must leave slack beyond the current time.
func (e Engine) OpenContract(ctx context.Context, spec OpenContractSpec) (domain.Contract, error) {
	return e.openContract(ctx, spec, 1, nil)
}

func (e Engine) openContract(ctx context.Context, spec OpenContractSpec, version int, supersedes *string) (domain.Contract, error) {
	now := e.Now().UTC()
	deadline := spec.Deadline
	if deadline == "" {
		deadline = now.Add(time.Duration(e.Config.Coordinator.ContractDeadlineSeconds) * time.Second).Format(time.RFC3339)
	}
	dt, err := time.Parse(time.RFC3339, deadline)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("parse deadline: %w", err)
	}
	if !dt.After(now) {
		return domain.Contract{}, fmt.Errorf("%w: deadline %s is not after %s", ErrNoDeadlineSlack, deadline, now.Format(time.RFC3339))
	}
	criteria := spec.Criteria
	if len(criteria) == 0 {
		criteria = e.criteriaFor(spec.PhaseOrd)
	}

	lock := e.clocks.owner(CoordinatorID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	agent, err := e.routeTx(ctx, tx, spec.Capability, spec.Exclude)
	if err != nil {
		return domain.Contract{}, err
	}
	clock, err := e.tickTx(ctx, tx, CoordinatorID)
	if err != nil {
		return domain.Contract{}, err
	}

	c := domain.Contract{
		ID:         uuid.NewString(),
		RunID:      spec.RunID,
		Version:    version,
		Supersedes: supersedes,
		PhaseOrd:   spec.PhaseOrd,
		Capability: spec.Capability,
		AgentID:    agent.ID,
		Payload:    spec.Payload,
		SchemaRef:  spec.SchemaRef,
		Criteria:   criteria,
		OpenClock:  clock,
		Deadline:   deadline,
		Status:     "open",
		CreatedAt:  now.Format(time.RFC3339),
		UpdatedAt:  now.Format(time.RFC3339),
	}
	payload := events.EventPayload{
		"capability": spec.Capability,
		"agent_id":   agent.ID,
		"deadline":   deadline,
		"version":    version,
	}
	if supersedes != nil {
		payload["supersedes"] = *supersedes
	}
	eventID, err := e.Events.Append(ctx, tx, events.Record{
		Type:       "contract.opened",
		RunID:      spec.RunID,
		PhaseOrd:   spec.PhaseOrd,
		EntityKind: "contract",
		EntityID:   c.ID,
		AgentID:    CoordinatorID,
		Clock:      clock,
	}, payload)
	if err != nil {
		return domain.Contract{}, err
	}
	c.OpenEventID = eventID
	if err := e.Repo.InsertContractTx(ctx, tx, c); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// DeliverContract records the assigned agent's output. The reported clock
// must strictly follow the contract's opening clock: every component at
// least as large and the agent's own component advanced.
func (e Engine) DeliverContract(ctx context.Context, contractID, agentID, output string, reported domain.Clock) (domain.Contract, error) {
	agentLock := e.clocks.owner(agentID)
	agentLock.Lock()
	defer agentLock.Unlock()
	coordLock := e.clocks.owner(CoordinatorID)
	coordLock.Lock()
	defer coordLock.Unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContract(ctx, tx, contractID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Contract{}, fmt.Errorf("contract %s: %w", contractID, repo.ErrNotFound)
		}
		return domain.Contract{}, err
	}
	if c.Status != "open" {
		return domain.Contract{}, fmt.Errorf("%w: contract %s is %s", ErrContractNotOpen, contractID, c.Status)
	}
	if c.AgentID != agentID {
		return domain.Contract{}, fmt.Errorf("%w: contract %s is assigned to %s", ErrUnknownAgent, contractID, c.AgentID)
	}
	dt, err := time.Parse(time.RFC3339, c.Deadline)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("contract %s deadline: %w", c.ID, err)
	}
	if !e.Now().UTC().Before(dt) {
		// A late delivery expires the contract instead of landing.
		ts := e.now()
		reasons := []string{"deadline passed before delivery"}
		if err := e.Repo.UpdateContractStatusTx(ctx, tx, c.ID, "expired", reasons, ts); err != nil {
			return domain.Contract{}, err
		}
		_, err = e.Events.Append(ctx, tx, events.Record{
			Type:       "contract.expired",
			RunID:      c.RunID,
			PhaseOrd:   c.PhaseOrd,
			EntityKind: "contract",
			EntityID:   c.ID,
			AgentID:    CoordinatorID,
		}, events.EventPayload{"reasons": reasons})
		if err != nil {
			return domain.Contract{}, err
		}
		if err := e.appendBreach(ctx, tx, c, "expired", reasons); err != nil {
			return domain.Contract{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Contract{}, err
		}
		return domain.Contract{}, fmt.Errorf("%w: contract %s deadline %s passed", ErrContractBreach, c.ID, c.Deadline)
	}
	if !reported.Dominates(c.OpenClock) || reported.Equal(c.OpenClock) {
		return domain.Contract{}, fmt.Errorf("%w: delivery clock %v does not follow open clock %v", ErrClockRegression, reported, c.OpenClock)
	}
	if err := e.recordAgentClockTx(ctx, tx, agentID, reported); err != nil {
		return domain.Contract{}, err
	}
	now := e.now()
	if err := e.Repo.SetContractOutputTx(ctx, tx, contractID, output, now); err != nil {
		return domain.Contract{}, err
	}
	// The coordinator observes the delivery: merge the reported clock.
	merged, err := e.mergeTx(ctx, tx, CoordinatorID, reported)
	if err != nil {
		return domain.Contract{}, err
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "contract.delivered",
		RunID:      c.RunID,
		PhaseOrd:   c.PhaseOrd,
		EntityKind: "contract",
		EntityID:   c.ID,
		AgentID:    agentID,
		Clock:      reported,
		Parents:    []int64{c.OpenEventID},
	}, events.EventPayload{"coordinator_clock": merged})
	if err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	c.Status = "delivered"
	c.Output = &output
	c.UpdatedAt = now
	return c, nil
}

// ReviewDelivery validates a delivered contract's output against its
// acceptance criteria and settles the contract: accepted on a clean pass,
// rejected with the enumerated violations otherwise.
func (e Engine) ReviewDelivery(ctx context.Context, contractID string) (domain.ValidationResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContract(ctx, tx, contractID)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if c.Status != "delivered" {
		return domain.ValidationResult{}, fmt.Errorf("contract %s is %s, expected delivered", contractID, c.Status)
	}
	var output string
	if c.Output != nil {
		output = *c.Output
	}
	now := e.now()
	result := detect.Validate([]byte(output), c.Criteria, e.rules)
	result.ID = uuid.NewString()
	result.ContractID = c.ID
	result.CreatedAt = now
	if err := e.Repo.InsertValidationTx(ctx, tx, result); err != nil {
		return domain.ValidationResult{}, err
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "validation.recorded",
		RunID:      c.RunID,
		PhaseOrd:   c.PhaseOrd,
		EntityKind: "validation",
		EntityID:   result.ID,
		AgentID:    CoordinatorID,
	}, events.EventPayload{"contract_id": c.ID, "pass": result.Pass, "violations": result.Violations})
	if err != nil {
		return domain.ValidationResult{}, err
	}

	if result.Pass {
		if err := e.Repo.UpdateContractStatusTx(ctx, tx, c.ID, "accepted", nil, now); err != nil {
			return domain.ValidationResult{}, err
		}
		_, err = e.Events.Append(ctx, tx, events.Record{
			Type:       "contract.accepted",
			RunID:      c.RunID,
			PhaseOrd:   c.PhaseOrd,
			EntityKind: "contract",
			EntityID:   c.ID,
			AgentID:    CoordinatorID,
		}, events.EventPayload{"validation_id": result.ID})
	} else {
		reasons := make([]string, 0, len(result.Violations))
		for _, v := range result.Violations {
			reasons = append(reasons, v.Criterion+": "+v.Evidence)
		}
		if err := e.Repo.UpdateContractStatusTx(ctx, tx, c.ID, "rejected", reasons, now); err != nil {
			return domain.ValidationResult{}, err
		}
		_, err = e.Events.Append(ctx, tx, events.Record{
			Type:       "contract.rejected",
			RunID:      c.RunID,
			PhaseOrd:   c.PhaseOrd,
			EntityKind: "contract",
			EntityID:   c.ID,
			AgentID:    CoordinatorID,
		}, events.EventPayload{"validation_id": result.ID, "reasons": reasons})
		if err == nil {
			err = e.appendBreach(ctx, tx, c, "rejected", reasons)
		}
	}
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationResult{}, err
	}
	return result, nil
}

// appendBreach records the breach event the coordinator's retry policy
// consumes. The entity clock is the contract's opening snapshot; the breach
// is attributed to the assigned agent.
func (e Engine) appendBreach(ctx context.Context, tx *sql.Tx, c domain.Contract, status string, reasons []string) error {
	_, err := e.Events.Append(ctx, tx, events.Record{
		Type:       "contract.breach",
		RunID:      c.RunID,
		PhaseOrd:   c.PhaseOrd,
		EntityKind: "contract",
		EntityID:   c.ID,
		AgentID:    c.AgentID,
		Parents:    []int64{c.OpenEventID},
	}, events.EventPayload{"status": status, "reasons": reasons})
	return err
}

// settle moves an open or delivered contract to a terminal status. A breach
// settlement additionally records the contract.breach event.
func (e Engine) settle(ctx context.Context, contractID, status string, reasons []string, breach bool) (domain.Contract, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetContract(ctx, tx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if c.Terminal() {
		return domain.Contract{}, fmt.Errorf("%w: contract %s is %s", ErrContractNotOpen, contractID, c.Status)
	}
	now := e.now()
	if err := e.Repo.UpdateContractStatusTx(ctx, tx, contractID, status, reasons, now); err != nil {
		return domain.Contract{}, err
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "contract." + status,
		RunID:      c.RunID,
		PhaseOrd:   c.PhaseOrd,
		EntityKind: "contract",
		EntityID:   c.ID,
		AgentID:    CoordinatorID,
	}, events.EventPayload{"reasons": reasons})
	if err != nil {
		return domain.Contract{}, err
	}
	if breach {
		if err := e.appendBreach(ctx, tx, c, status, reasons); err != nil {
			return domain.Contract{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	c.Status = status
	if len(reasons) > 0 {
		c.Reasons = reasons
	}
	c.UpdatedAt = now
	return c, nil
}

// AcceptContract force-accepts a delivered contract, bypassing validation.
// Exposed for operator intervention through the CLI and API.
func (e Engine) AcceptContract(ctx context.Context, contractID string) (domain.Contract, error) {
	c, err := e.Repo.GetContract(ctx, nil, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if c.Status != "delivered" {
		return domain.Contract{}, fmt.Errorf("contract %s is %s, expected delivered", contractID, c.Status)
	}
	return e.settle(ctx, contractID, "accepted", nil, false)
}

// RejectContract rejects an open or delivered contract with the given reasons.
func (e Engine) RejectContract(ctx context.Context, contractID string, reasons []string) (domain.Contract, error) {
	if len(reasons) == 0 {
		return domain.Contract{}, fmt.Errorf("rejection requires at least one reason")
	}
	return e.settle(ctx, contractID, "rejected", reasons, true)
}

// CancelContract expires an open contract before its deadline. Cancellation
// shares the expired terminal status; the reason distinguishes it in audit.
func (e Engine) CancelContract(ctx context.Context, contractID, reason string) (domain.Contract, error) {
	if reason == "" {
		reason = "cancelled by coordinator"
	}
	return e.settle(ctx, contractID, "expired", []string{reason}, false)
}

// ExpireOverdue expires every open contract in the run whose deadline has
// passed and returns them.
func (e Engine) ExpireOverdue(ctx context.Context, runID string) ([]domain.Contract, error) {
	open, err := e.Repo.ListContracts(ctx, nil, repo.ContractFilter{RunID: runID, Status: "open"})
	if err != nil {
		return nil, err
	}
	now := e.Now().UTC()
	var expired []domain.Contract
	for _, c := range open {
		dt, err := time.Parse(time.RFC3339, c.Deadline)
		if err != nil {
			return nil, fmt.Errorf("contract %s deadline: %w", c.ID, err)
		}
		if now.Before(dt) {
			continue
		}
		settled, err := e.settle(ctx, c.ID, "expired", []string{"deadline passed"}, true)
		if err != nil {
			return nil, err
		}
		expired = append(expired, settled)
	}
	return expired, nil
}

// ReassignContract opens a replacement for a terminal contract: a new
// contract version pointing back at the old one, routed away from the agent
// that held it. The prior contract row is never mutated.
func (e Engine) ReassignContract(ctx context.Context, contractID string) (domain.Contract, error) {
	prev, err := e.Repo.GetContract(ctx, nil, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if !prev.Terminal() {
		return domain.Contract{}, fmt.Errorf("contract %s is %s, reassignment needs a terminal contract", contractID, prev.Status)
	}
	exclude := map[string]bool{prev.AgentID: true}
	// Exclude every agent in the supersession chain so retries spread out.
	for cur := prev; cur.Supersedes != nil; {
		parent, err := e.Repo.GetContract(ctx, nil, *cur.Supersedes)
		if err != nil {
			return domain.Contract{}, err
		}
		exclude[parent.AgentID] = true
		cur = parent
	}
	id := prev.ID
	return e.openContract(ctx, OpenContractSpec{
		RunID:      prev.RunID,
		PhaseOrd:   prev.PhaseOrd,
		Capability: prev.Capability,
		Payload:    prev.Payload,
		SchemaRef:  prev.SchemaRef,
		Criteria:   prev.Criteria,
		Exclude:    exclude,
	}, prev.Version+1, &id)
}

// ChainLength returns how many reassignments precede this contract.
func (e Engine) ChainLength(ctx context.Context, c domain.Contract) (int, error) {
	n := 0
	for cur := c; cur.Supersedes != nil; {
		parent, err := e.Repo.GetContract(ctx, nil, *cur.Supersedes)
		if err != nil {
			return 0, err
		}
		n++
		cur = parent
	}
	return n, nil
}
