package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"teamline/internal/config"
	"teamline/internal/domain"
)

// DecompositionStrategy turns an activated phase into the contracts to open.
type DecompositionStrategy interface {
	Decompose(run domain.Run, phase domain.Phase, pc config.PhaseConfig) ([]OpenContractSpec, error)
}

// CapabilityStrategy is the default decomposition: one contract per
// capability the phase declares, payload carrying the run goal and phase.
type CapabilityStrategy struct{}

func (CapabilityStrategy) Decompose(run domain.Run, phase domain.Phase, pc config.PhaseConfig) ([]OpenContractSpec, error) {
	var specs []OpenContractSpec
	for _, cap := range phase.Capabilities {
		payload, err := json.Marshal(map[string]any{
			"goal":       run.Goal,
			"phase":      phase.Name,
			"phase_ord":  phase.Ord,
			"capability": cap,
		})
		if err != nil {
			return nil, err
		}
		specs = append(specs, OpenContractSpec{
			RunID:      run.ID,
			PhaseOrd:   phase.Ord,
			Capability: cap,
			Payload:    string(payload),
		})
	}
	return specs, nil
}

// Coordinator drives a run through its phases. Phase decisions are made by
// this single goroutine; only contract dispatch fans out.
type Coordinator struct {
	Engine   Engine
	Strategy DecompositionStrategy
}

func NewCoordinator(e Engine) Coordinator {
	return Coordinator{Engine: e, Strategy: CapabilityStrategy{}}
}

// Run executes the full lifecycle for a run and returns once the run is
// completed or failed.
func (co Coordinator) Run(ctx context.Context, runID string) error {
	e := co.Engine
	run, err := e.Repo.GetRun(ctx, nil, runID)
	if err != nil {
		return err
	}
	if run.Status != "active" {
		return ErrRunFinished
	}
	ord := 1
	for ord <= len(e.Config.Phases) {
		advanced, err := co.runPhase(ctx, run, ord)
		if err != nil {
			ferr := e.FinishRun(ctx, runID, "failed", err.Error())
			if ferr != nil && !errors.Is(ferr, ErrRunFinished) {
				return ferr
			}
			return err
		}
		if advanced {
			ord++
			continue
		}
		// Rolled back: resume from the phase after the restored checkpoint.
		next, err := co.resumeOrdinal(ctx, runID)
		if err != nil {
			return err
		}
		ord = next
	}
	return e.FinishRun(ctx, runID, "completed", "all phases passed")
}

// runPhase takes one phase through activation, dispatch, gating, and the
// exit gate. It returns true when the phase passed, false after a rollback.
func (co Coordinator) runPhase(ctx context.Context, run domain.Run, ord int) (bool, error) {
	e := co.Engine
	phase, err := e.ActivatePhase(ctx, run.ID, ord)
	if err != nil {
		return false, err
	}
	pc, err := e.phaseConfig(ord)
	if err != nil {
		return false, err
	}
	specs, err := co.Strategy.Decompose(run, phase, pc)
	if err != nil {
		return false, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			return co.dispatch(gctx, spec)
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	if _, err := e.ExpireOverdue(ctx, run.ID); err != nil {
		return false, err
	}
	if _, err := e.GatePhase(ctx, run.ID, ord); err != nil {
		return false, err
	}
	report, err := e.EvaluateExitGate(ctx, run.ID, ord)
	if err != nil {
		return false, err
	}
	if report.Passed {
		return true, nil
	}
	reason := "exit gate failed"
	if len(report.Reasons) > 0 {
		reason = report.Reasons[0]
	}
	_, err = e.Rollback(ctx, run.ID, ord, reason)
	if errors.Is(err, ErrNoCheckpointAvailable) {
		return false, fmt.Errorf("phase %d failed with no checkpoint: %s", ord, reason)
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// dispatch runs one contract to a terminal status: open, invoke the worker,
// deliver, review. Breaches retry on a different agent up to the configured
// reassignment bound.
func (co Coordinator) dispatch(ctx context.Context, spec OpenContractSpec) error {
	c, err := co.Engine.OpenContract(ctx, spec)
	if err != nil {
		return err
	}
	_, err = co.executeUntilSettled(ctx, c, 0)
	return err
}

// executeUntilSettled continues the reassignment chain for an already open
// contract.
func (co Coordinator) executeUntilSettled(ctx context.Context, c domain.Contract, attempt int) (bool, error) {
	e := co.Engine
	breach, err := co.execute(ctx, c)
	if err != nil || !breach {
		return breach, err
	}
	if attempt >= e.Config.Coordinator.MaxReassignments {
		return true, nil
	}
	next, err := e.ReassignContract(ctx, c.ID)
	if err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			return true, nil
		}
		return true, err
	}
	return co.executeUntilSettled(ctx, next, attempt+1)
}

// execute invokes the assigned worker and settles the contract. It returns
// breach=true when the contract ended rejected or expired.
func (co Coordinator) execute(ctx context.Context, c domain.Contract) (bool, error) {
	e := co.Engine
	w, ok := e.workers.get(c.AgentID)
	if !ok {
		if _, err := e.settle(ctx, c.ID, "expired", []string{"no worker attached to agent " + c.AgentID}, true); err != nil {
			return false, err
		}
		return true, nil
	}
	dt, err := time.Parse(time.RFC3339, c.Deadline)
	if err != nil {
		return false, fmt.Errorf("contract %s deadline: %w", c.ID, err)
	}
	// The worker gets until the contract deadline, no longer.
	ictx, cancel := context.WithDeadline(ctx, dt)
	output, clock, err := w.Invoke(ictx, c)
	cancel()
	if err != nil {
		if _, serr := e.settle(ctx, c.ID, "expired", []string{"worker failed: " + err.Error()}, true); serr != nil {
			return false, serr
		}
		if merr := e.MissHeartbeat(ctx, c.AgentID); merr != nil {
			return false, merr
		}
		return true, nil
	}
	if _, err := e.DeliverContract(ctx, c.ID, c.AgentID, output, clock); err != nil {
		if errors.Is(err, ErrContractBreach) {
			// The delivery arrived past the deadline; it already expired.
			return true, nil
		}
		if errors.Is(err, ErrClockRegression) {
			if _, serr := e.settle(ctx, c.ID, "expired", []string{"delivery refused: " + err.Error()}, true); serr != nil {
				return false, serr
			}
			return true, nil
		}
		if errors.Is(err, ErrContractNotOpen) {
			// Deadline sweep or cancellation settled it first.
			return true, nil
		}
		return false, err
	}
	result, err := e.ReviewDelivery(ctx, c.ID)
	if err != nil {
		return false, err
	}
	return !result.Pass, nil
}

// resumeOrdinal finds the first phase that has not passed, the position the
// coordinator resumes from after a rollback.
func (co Coordinator) resumeOrdinal(ctx context.Context, runID string) (int, error) {
	phases, err := co.Engine.Repo.ListPhases(ctx, nil, runID)
	if err != nil {
		return 0, err
	}
	for _, p := range phases {
		if p.Status != "passed" {
			return p.Ord, nil
		}
	}
	return len(phases) + 1, nil
}
