package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"teamline/internal/domain"
	"teamline/internal/events"
	"teamline/internal/repo"
)

// ensurePhaseTransition enforces the phase lifecycle:
// pending -> active -> gated -> passed | rolled_back, plus re-entry from
// rolled_back back to active for another attempt.
func ensurePhaseTransition(from, to string) error {
	allowed := map[string][]string{
		"pending":     {"active"},
		"active":      {"gated"},
		"gated":       {"passed", "rolled_back"},
		"rolled_back": {"active", "pending"},
	}
	for _, t := range allowed[from] {
		if t == to {
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition %s -> %s", from, to)
}

// ActivatePhase moves a pending phase to active. The entry gate requires
// every earlier phase to have passed; phases never activate out of order.
// Each activation consumes one attempt against max_phase_attempts.
func (e Engine) ActivatePhase(ctx context.Context, runID string, ord int) (domain.Phase, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	phase, err := e.Repo.GetPhase(ctx, tx, runID, ord)
	if err != nil {
		return domain.Phase{}, err
	}
	next := "active"
	if err := ensurePhaseTransition(phase.Status, next); err != nil {
		return domain.Phase{}, err
	}
	if err := e.checkEntryGateTx(ctx, tx, runID, ord); err != nil {
		return domain.Phase{}, err
	}
	attempts := phase.Attempts + 1
	if attempts > e.Config.Coordinator.MaxPhaseAttempts {
		return domain.Phase{}, fmt.Errorf("phase %d exhausted its %d attempts", ord, e.Config.Coordinator.MaxPhaseAttempts)
	}
	now := e.now()
	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, runID, ord, next, attempts, now); err != nil {
		return domain.Phase{}, err
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "phase.activated",
		RunID:      runID,
		PhaseOrd:   ord,
		EntityKind: "phase",
		EntityID:   phase.Name,
		AgentID:    CoordinatorID,
	}, events.EventPayload{"attempt": attempts})
	if err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	phase.Status = next
	phase.Attempts = attempts
	phase.UpdatedAt = now
	return phase, nil
}

// checkEntryGateTx verifies every phase before ord has passed.
func (e Engine) checkEntryGateTx(ctx context.Context, tx *sql.Tx, runID string, ord int) error {
	for prev := 1; prev < ord; prev++ {
		p, err := e.Repo.GetPhase(ctx, tx, runID, prev)
		if err != nil {
			return err
		}
		if p.Status != "passed" {
			return fmt.Errorf("%w: phase %d is %s", ErrPhaseNotReady, prev, p.Status)
		}
	}
	return nil
}

// GatePhase moves an active phase to gated once every contract opened in it
// has reached a terminal status.
func (e Engine) GatePhase(ctx context.Context, runID string, ord int) (domain.Phase, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()

	phase, err := e.Repo.GetPhase(ctx, tx, runID, ord)
	if err != nil {
		return domain.Phase{}, err
	}
	if err := ensurePhaseTransition(phase.Status, "gated"); err != nil {
		return domain.Phase{}, err
	}
	contracts, err := e.Repo.ListContracts(ctx, tx, repo.ContractFilter{RunID: runID, PhaseOrd: ord})
	if err != nil {
		return domain.Phase{}, err
	}
	for _, c := range contracts {
		if !c.Terminal() {
			return domain.Phase{}, fmt.Errorf("contract %s is still %s", c.ID, c.Status)
		}
	}
	now := e.now()
	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, runID, ord, "gated", phase.Attempts, now); err != nil {
		return domain.Phase{}, err
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "phase.gated",
		RunID:      runID,
		PhaseOrd:   ord,
		EntityKind: "phase",
		EntityID:   phase.Name,
		AgentID:    CoordinatorID,
	}, events.EventPayload{"contracts": len(contracts)})
	if err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	phase.Status = "gated"
	phase.UpdatedAt = now
	return phase, nil
}

// GateReport is the exit-gate verdict for a gated phase.
type GateReport struct {
	Passed     bool     `json:"passed"`
	Reasons    []string `json:"reasons,omitempty"`
	Checkpoint string   `json:"checkpoint_id,omitempty"`
}

// EvaluateExitGate decides a gated phase. The gate holds when the latest
// contract version for every required capability was accepted and no
// validation against an accepted contract failed. A held gate moves the
// phase to passed and writes a checkpoint; a failed gate leaves the phase
// gated for the caller to roll back.
func (e Engine) EvaluateExitGate(ctx context.Context, runID string, ord int) (GateReport, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return GateReport{}, err
	}
	defer tx.Rollback()

	phase, err := e.Repo.GetPhase(ctx, tx, runID, ord)
	if err != nil {
		return GateReport{}, err
	}
	if phase.Status != "gated" {
		return GateReport{}, fmt.Errorf("phase %d is %s, exit gate needs gated", ord, phase.Status)
	}

	contracts, err := e.Repo.ListContracts(ctx, tx, repo.ContractFilter{RunID: runID, PhaseOrd: ord})
	if err != nil {
		return GateReport{}, err
	}
	// The gate judges the newest contract per capability; earlier contracts
	// are history from supersession chains or pre-rollback attempts. Open
	// event ids are monotonic, so "newest" is deterministic.
	var report GateReport
	latest := map[string]domain.Contract{}
	for _, c := range contracts {
		if prev, ok := latest[c.Capability]; !ok || c.OpenEventID > prev.OpenEventID {
			latest[c.Capability] = c
		}
	}
	var acceptedIDs []string
	for _, cap := range phase.Capabilities {
		c, ok := latest[cap]
		if !ok {
			report.Reasons = append(report.Reasons, fmt.Sprintf("no contract opened for capability %s", cap))
			continue
		}
		switch {
		case !c.Terminal():
			report.Reasons = append(report.Reasons, fmt.Sprintf("contract %s still %s", c.ID, c.Status))
		case c.Status == "accepted":
			acceptedIDs = append(acceptedIDs, c.ID)
		default:
			report.Reasons = append(report.Reasons, fmt.Sprintf("contract %s (%s) ended %s", c.ID, cap, c.Status))
		}
	}
	report.Passed = len(report.Reasons) == 0

	now := e.now()
	if !report.Passed {
		_, err = e.Events.Append(ctx, tx, events.Record{
			Type:       "phase.gate_failed",
			RunID:      runID,
			PhaseOrd:   ord,
			EntityKind: "phase",
			EntityID:   phase.Name,
			AgentID:    CoordinatorID,
		}, events.EventPayload{"reasons": report.Reasons})
		if err != nil {
			return GateReport{}, err
		}
		if err := tx.Commit(); err != nil {
			return GateReport{}, err
		}
		return report, nil
	}

	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, runID, ord, "passed", phase.Attempts, now); err != nil {
		return GateReport{}, err
	}
	clocks, err := e.Repo.AllClocks(ctx, tx)
	if err != nil {
		return GateReport{}, err
	}
	cp := domain.Checkpoint{
		ID:          uuid.NewString(),
		RunID:       runID,
		PhaseOrd:    ord,
		Clocks:      clocks,
		AcceptedIDs: acceptedIDs,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertCheckpointTx(ctx, tx, cp); err != nil {
		return GateReport{}, err
	}
	report.Checkpoint = cp.ID
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "phase.passed",
		RunID:      runID,
		PhaseOrd:   ord,
		EntityKind: "phase",
		EntityID:   phase.Name,
		AgentID:    CoordinatorID,
	}, events.EventPayload{"checkpoint_id": cp.ID, "accepted": acceptedIDs})
	if err != nil {
		return GateReport{}, err
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "checkpoint.created",
		RunID:      runID,
		PhaseOrd:   ord,
		EntityKind: "checkpoint",
		EntityID:   cp.ID,
		AgentID:    CoordinatorID,
	}, events.EventPayload{"accepted": acceptedIDs})
	if err != nil {
		return GateReport{}, err
	}
	if err := tx.Commit(); err != nil {
		return GateReport{}, err
	}
	return report, nil
}
