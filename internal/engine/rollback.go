package engine

import (
	"context"
	"fmt"

	"teamline/internal/domain"
	"teamline/internal/events"
	"teamline/internal/repo"
)

// Rollback restores the run to the newest checkpoint below the failing
// phase. It expires every contract opened after the checkpoint, overwrites
// the clock table from the snapshot, and resets later phases to pending so
// the failing position can be re-entered. The event log is never touched;
// rollback moves position, not history.
//
// Rolling back phase 1 has no checkpoint to restore and returns
// ErrNoCheckpointAvailable; the caller decides whether that fails the run.
// Repeating a rollback against the same checkpoint is a no-op.
func (e Engine) Rollback(ctx context.Context, runID string, ord int, reason string) (domain.Checkpoint, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	defer tx.Rollback()

	phase, err := e.Repo.GetPhase(ctx, tx, runID, ord)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	cp, err := e.Repo.LatestCheckpointBefore(ctx, tx, runID, ord)
	if err == repo.ErrNotFound {
		return domain.Checkpoint{}, fmt.Errorf("%w: phase %d has nothing to restore", ErrNoCheckpointAvailable, ord)
	}
	if err != nil {
		return domain.Checkpoint{}, err
	}

	now := e.now()
	if phase.Status == "gated" || phase.Status == "active" {
		if phase.Status == "active" {
			if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, runID, ord, "gated", phase.Attempts, now); err != nil {
				return domain.Checkpoint{}, err
			}
		}
		if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, runID, ord, "rolled_back", phase.Attempts, now); err != nil {
			return domain.Checkpoint{}, err
		}
		_, err = e.Events.Append(ctx, tx, events.Record{
			Type:       "phase.rolled_back",
			RunID:      runID,
			PhaseOrd:   ord,
			EntityKind: "phase",
			EntityID:   phase.Name,
			AgentID:    CoordinatorID,
		}, events.EventPayload{"reason": reason, "checkpoint_id": cp.ID})
		if err != nil {
			return domain.Checkpoint{}, err
		}
	}

	expiredIDs, err := e.Repo.ExpireContractsAfterPhaseTx(ctx, tx, runID, cp.PhaseOrd, now)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	for _, id := range expiredIDs {
		_, err = e.Events.Append(ctx, tx, events.Record{
			Type:       "contract.expired",
			RunID:      runID,
			EntityKind: "contract",
			EntityID:   id,
			AgentID:    CoordinatorID,
		}, events.EventPayload{"reason": "rollback to checkpoint " + cp.ID})
		if err != nil {
			return domain.Checkpoint{}, err
		}
	}

	// Restore clock state exactly as snapshotted. Rollback runs on the
	// coordinator goroutine after dispatch has drained, so no clock locks
	// are taken here; taking them inside an open transaction could deadlock
	// against an opener holding a lock while waiting for the connection.
	for owner, clock := range cp.Clocks {
		if err := e.Repo.SaveClockTx(ctx, tx, owner, clock, now); err != nil {
			return domain.Checkpoint{}, err
		}
	}

	// Later phases return to pending; attempts survive so retry bounds hold
	// across rollbacks.
	phases, err := e.Repo.ListPhases(ctx, tx, runID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	for _, p := range phases {
		if p.Ord <= cp.PhaseOrd || p.Status == "pending" {
			continue
		}
		if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, runID, p.Ord, "pending", p.Attempts, now); err != nil {
			return domain.Checkpoint{}, err
		}
	}

	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "rollback.completed",
		RunID:      runID,
		PhaseOrd:   ord,
		EntityKind: "checkpoint",
		EntityID:   cp.ID,
		AgentID:    CoordinatorID,
	}, events.EventPayload{
		"restored_phase":    cp.PhaseOrd,
		"expired_contracts": expiredIDs,
		"reason":            reason,
	})
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}
