package engine

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterAgentSeedsClock(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	agent := v.register(t, "alpha", []string{"triage", "coding"}, nil)

	got, err := v.e.Repo.GetAgent(ctx, nil, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "available" || len(got.Capabilities) != 2 {
		t.Fatalf("agent %+v", got)
	}
	clock, err := v.e.ClockOf(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if clock[agent.ID] != 0 {
		t.Fatalf("clock %v", clock)
	}
}

func TestRegisterAgentNeedsCapabilities(t *testing.T) {
	v := newEnv(t)
	if _, err := v.e.RegisterAgent(context.Background(), "idle", nil, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeregisterAgent(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	agent := v.register(t, "alpha", []string{"triage"}, newScriptWorker(goodOutput))

	if err := v.e.DeregisterAgent(ctx, agent.ID); err != nil {
		t.Fatal(err)
	}
	if err := v.e.DeregisterAgent(ctx, agent.ID); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
	if _, ok := v.e.workers.get(agent.ID); ok {
		t.Fatal("worker still attached")
	}
	// Clock history survives deregistration for audit.
	if _, err := v.e.ClockOf(ctx, agent.ID); err != nil {
		t.Fatalf("clock gone: %v", err)
	}
}

func TestHeartbeatThresholdFlipsUnreachable(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	agent := v.register(t, "alpha", []string{"triage"}, nil)

	for i := 0; i < v.cfg.Heartbeat.MissThreshold; i++ {
		if err := v.e.MissHeartbeat(ctx, agent.ID); err != nil {
			t.Fatal(err)
		}
	}
	got, err := v.e.Repo.GetAgent(ctx, nil, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "unreachable" || got.MissedBeats != v.cfg.Heartbeat.MissThreshold {
		t.Fatalf("agent %+v", got)
	}

	// Routing skips unreachable agents.
	_, err = v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"})
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}

	// A heartbeat restores the agent.
	if err := v.e.RecordHeartbeat(ctx, agent.ID); err != nil {
		t.Fatal(err)
	}
	got, err = v.e.Repo.GetAgent(ctx, nil, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "available" || got.MissedBeats != 0 {
		t.Fatalf("agent %+v", got)
	}
	if _, err := v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"}); err != nil {
		t.Fatalf("routing after recovery: %v", err)
	}
}

func TestProbeWorkersCountsMissedBeats(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	w := newScriptWorker(goodOutput)
	w.beatErr = errors.New("no answer")
	agent := v.register(t, "flaky", []string{"triage"}, w)

	for i := 0; i < v.cfg.Heartbeat.MissThreshold; i++ {
		if err := v.e.ProbeWorkers(ctx); err != nil {
			t.Fatal(err)
		}
	}
	got, err := v.e.Repo.GetAgent(ctx, nil, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "unreachable" {
		t.Fatalf("agent %+v", got)
	}

	w.beatErr = nil
	if err := v.e.ProbeWorkers(ctx); err != nil {
		t.Fatal(err)
	}
	got, err = v.e.Repo.GetAgent(ctx, nil, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "available" || got.MissedBeats != 0 {
		t.Fatalf("agent %+v", got)
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	v := newEnv(t)
	if err := v.e.RecordHeartbeat(context.Background(), "ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
	if err := v.e.MissHeartbeat(context.Background(), "ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}
