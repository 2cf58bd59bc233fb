package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"teamline/internal/config"
	"teamline/internal/domain"
	"teamline/internal/repo"
)

func TestCapabilityStrategyOneContractPerCapability(t *testing.T) {
	run := domain.Run{ID: "r", Goal: "build it"}
	phase := domain.Phase{RunID: "r", Ord: 3, Name: "architecture", Capabilities: []string{"architecture-design", "api-design"}}
	pc := config.PhaseConfig{Name: phase.Name, Capabilities: phase.Capabilities}
	specs, err := CapabilityStrategy{}.Decompose(run, phase, pc)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 {
		t.Fatalf("specs %+v", specs)
	}
	for _, s := range specs {
		if s.RunID != "r" || s.PhaseOrd != 3 {
			t.Fatalf("spec %+v", s)
		}
		if !strings.Contains(s.Payload, "build it") {
			t.Fatalf("payload %s", s.Payload)
		}
	}
}

func TestCoordinatorCompletesHappyRun(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	registerGeneralist(t, v)

	co := NewCoordinator(v.e)
	if err := co.Run(ctx, run.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := v.e.Repo.GetRun(ctx, nil, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" {
		t.Fatalf("run %+v", got)
	}
	phases, err := v.e.Repo.ListPhases(ctx, nil, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range phases {
		if p.Status != "passed" {
			t.Fatalf("phase %d ended %s", p.Ord, p.Status)
		}
	}
	cps, err := v.e.Repo.ListCheckpoints(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != len(v.cfg.Phases) {
		t.Fatalf("%d checkpoints for %d phases", len(cps), len(v.cfg.Phases))
	}
	counts, err := v.e.Repo.CountContractsByStatus(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts["accepted"] != len(v.cfg.Phases) {
		t.Fatalf("contract counts %v", counts)
	}
}

func TestCoordinatorReassignsAfterBadDelivery(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)

	var caps []string
	for _, pc := range v.cfg.Phases {
		caps = append(caps, pc.Capabilities...)
	}
	// The first invocation anywhere delivers placeholder output; every
	// later one is clean. Whichever agent drew the first contract breaches
	// it, and the reassignment lands on the other agent.
	sharedCalls := 0
	script := func(c domain.Contract, _ int) (string, error) {
		sharedCalls++
		if sharedCalls == 1 {
			return placeholderOutput, nil
		}
		return goodOutput, nil
	}
	v.register(t, "one", caps, &scriptWorker{script: script})
	v.register(t, "two", caps, &scriptWorker{script: script})

	co := NewCoordinator(v.e)
	if err := co.Run(ctx, run.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := v.e.Repo.GetRun(ctx, nil, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" {
		t.Fatalf("run %+v", got)
	}
	contracts, err := v.e.Repo.ListContracts(ctx, nil, repo.ContractFilter{RunID: run.ID, PhaseOrd: 1})
	if err != nil {
		t.Fatal(err)
	}
	var rejected, reassigned bool
	for _, c := range contracts {
		if c.Status == "rejected" {
			rejected = true
		}
		if c.Version == 2 && c.Supersedes != nil && c.Status == "accepted" {
			reassigned = true
		}
	}
	if !rejected || !reassigned {
		t.Fatalf("phase 1 contracts %+v", contracts)
	}
}

func TestDispatchReassignsAfterMissedDeadline(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)

	// The only capable agent at open time sits past the deadline before
	// answering, so the delivery is refused and the contract expires.
	late := &scriptWorker{script: func(c domain.Contract, _ int) (string, error) {
		v.advance(time.Hour)
		return goodOutput, nil
	}}
	tardy := v.register(t, "tardy", []string{"triage"}, late)
	c, err := v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"})
	if err != nil {
		t.Fatal(err)
	}
	if c.AgentID != tardy.ID {
		t.Fatalf("contract routed to %s", c.AgentID)
	}
	prompt := v.register(t, "prompt", []string{"triage"}, newScriptWorker(goodOutput))

	co := NewCoordinator(v.e)
	breach, err := co.executeUntilSettled(ctx, c, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if breach {
		t.Fatal("reassignment chain did not settle")
	}
	first, err := v.e.Repo.GetContract(ctx, nil, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != "expired" {
		t.Fatalf("first contract %+v", first)
	}
	contracts, err := v.e.Repo.ListContracts(ctx, nil, repo.ContractFilter{RunID: run.ID, PhaseOrd: 1, Status: "accepted"})
	if err != nil {
		t.Fatal(err)
	}
	if len(contracts) != 1 || contracts[0].Version != 2 || contracts[0].AgentID != prompt.ID {
		t.Fatalf("accepted contracts %+v", contracts)
	}
	evts, err := v.e.Repo.LatestEvents(ctx, 0, run.ID, "contract.breach", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].EntityID != c.ID {
		t.Fatalf("breach events %+v", evts)
	}
}

func TestCoordinatorRollsBackAndRecovers(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)

	var caps []string
	for _, pc := range v.cfg.Phases {
		caps = append(caps, pc.Capabilities...)
	}
	phase2Cap := v.cfg.Phases[1].Capabilities[0]
	// The single agent fumbles its first phase-2 contract. With nobody to
	// reassign to, the gate fails and the run rolls back to the phase-1
	// checkpoint before succeeding on the second attempt.
	seen := map[string]int{}
	script := func(c domain.Contract, _ int) (string, error) {
		seen[c.Capability]++
		if c.Capability == phase2Cap && seen[c.Capability] == 1 {
			return placeholderOutput, nil
		}
		return goodOutput, nil
	}
	v.register(t, "solo", caps, &scriptWorker{script: script})

	co := NewCoordinator(v.e)
	if err := co.Run(ctx, run.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := v.e.Repo.GetRun(ctx, nil, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" {
		t.Fatalf("run %+v", got)
	}
	p2, err := v.e.Repo.GetPhase(ctx, nil, run.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if p2.Status != "passed" || p2.Attempts != 2 {
		t.Fatalf("phase 2 %+v", p2)
	}
	evts, err := v.e.Repo.LatestEvents(ctx, 0, run.ID, "rollback.completed", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("rollback events %d", len(evts))
	}
}

func TestCoordinatorFailsRunWithoutCheckpoint(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)

	var caps []string
	for _, pc := range v.cfg.Phases {
		caps = append(caps, pc.Capabilities...)
	}
	v.register(t, "hopeless", caps, newScriptWorker(placeholderOutput))

	co := NewCoordinator(v.e)
	if err := co.Run(ctx, run.ID); err == nil {
		t.Fatal("expected run failure")
	}
	got, err := v.e.Repo.GetRun(ctx, nil, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "failed" {
		t.Fatalf("run %+v", got)
	}
}
