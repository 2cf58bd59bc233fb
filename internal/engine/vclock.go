package engine

import (
	"context"
	"database/sql"
	"fmt"

	"teamline/internal/domain"
	"teamline/internal/events"
	"teamline/internal/repo"
)

// HappensBefore reports whether a causally precedes b.
func HappensBefore(a, b domain.Clock) bool {
	return b.Dominates(a) && !a.Equal(b)
}

// Concurrent reports whether neither clock precedes the other.
func Concurrent(a, b domain.Clock) bool {
	return !HappensBefore(a, b) && !HappensBefore(b, a) && !a.Equal(b)
}

// Tick advances the owner's own component by one and persists the result.
// Emits a clock.tick event so the audit log carries every local step.
func (e Engine) Tick(ctx context.Context, runID, ownerID string) (domain.Clock, error) {
	lock := e.clocks.owner(ownerID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	clock, err := e.tickTx(ctx, tx, ownerID)
	if err != nil {
		return nil, err
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "clock.tick",
		RunID:      runID,
		EntityKind: "clock",
		EntityID:   ownerID,
		AgentID:    ownerID,
		Clock:      clock,
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return clock, nil
}

// Merge folds an observed clock into the owner's clock (component-wise max)
// and then advances the owner's own component, the receive step of the
// vector clock protocol.
func (e Engine) Merge(ctx context.Context, runID, ownerID string, observed domain.Clock) (domain.Clock, error) {
	lock := e.clocks.owner(ownerID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	clock, err := e.mergeTx(ctx, tx, ownerID, observed)
	if err != nil {
		return nil, err
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "clock.merge",
		RunID:      runID,
		EntityKind: "clock",
		EntityID:   ownerID,
		AgentID:    ownerID,
		Clock:      clock,
	}, events.EventPayload{"observed": observed})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return clock, nil
}

// ClockOf returns the persisted clock for an owner id.
func (e Engine) ClockOf(ctx context.Context, ownerID string) (domain.Clock, error) {
	clock, err := e.Repo.GetClock(ctx, nil, ownerID)
	if err == repo.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, ownerID)
	}
	return clock, err
}

// tickTx advances the owner's component inside the caller's transaction.
// Caller must hold the owner's clock lock.
func (e Engine) tickTx(ctx context.Context, tx *sql.Tx, ownerID string) (domain.Clock, error) {
	clock, err := e.Repo.GetClock(ctx, tx, ownerID)
	if err == repo.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, ownerID)
	}
	if err != nil {
		return nil, err
	}
	clock = clock.Copy()
	clock[ownerID]++
	if err := e.Repo.SaveClockTx(ctx, tx, ownerID, clock, e.now()); err != nil {
		return nil, err
	}
	return clock, nil
}

// mergeTx folds observed into the owner's clock and ticks the owner component.
// Caller must hold the owner's clock lock.
func (e Engine) mergeTx(ctx context.Context, tx *sql.Tx, ownerID string, observed domain.Clock) (domain.Clock, error) {
	clock, err := e.Repo.GetClock(ctx, tx, ownerID)
	if err == repo.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, ownerID)
	}
	if err != nil {
		return nil, err
	}
	clock = clock.Copy()
	for k, v := range observed {
		if v > clock[k] {
			clock[k] = v
		}
	}
	clock[ownerID]++
	if err := e.Repo.SaveClockTx(ctx, tx, ownerID, clock, e.now()); err != nil {
		return nil, err
	}
	return clock, nil
}

// recordAgentClockTx persists an agent-reported clock. The agent's own
// component must advance strictly and no component may move backwards.
// Caller must hold the agent's clock lock.
func (e Engine) recordAgentClockTx(ctx context.Context, tx *sql.Tx, agentID string, reported domain.Clock) error {
	prev, err := e.Repo.GetClock(ctx, tx, agentID)
	if err == repo.ErrNotFound {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if err != nil {
		return err
	}
	if !reported.Dominates(prev) {
		return fmt.Errorf("%w: agent %s reported %v after %v", ErrClockRegression, agentID, reported, prev)
	}
	if reported[agentID] <= prev[agentID] {
		return fmt.Errorf("%w: agent %s own component did not advance", ErrClockRegression, agentID)
	}
	return e.Repo.SaveClockTx(ctx, tx, agentID, reported.Copy(), e.now())
}
