package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"teamline/internal/repo"
)

func TestOpenContractSnapshotsClock(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	agent := v.register(t, "alpha", []string{"triage"}, nil)

	c, err := v.e.OpenContract(ctx, OpenContractSpec{
		RunID: run.ID, PhaseOrd: 1, Capability: "triage", Payload: `{"task":"sort the backlog"}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != "open" || c.Version != 1 || c.AgentID != agent.ID {
		t.Fatalf("contract %+v", c)
	}
	if c.OpenClock[CoordinatorID] != 1 {
		t.Fatalf("open clock %v", c.OpenClock)
	}
	if c.OpenEventID == 0 {
		t.Fatal("open event id not captured")
	}
	wantDeadline := v.nowv.Add(time.Duration(v.cfg.Coordinator.ContractDeadlineSeconds) * time.Second).Format(time.RFC3339)
	if c.Deadline != wantDeadline {
		t.Fatalf("deadline %s, want %s", c.Deadline, wantDeadline)
	}
	if len(c.Criteria) != 3 {
		t.Fatalf("criteria %+v", c.Criteria)
	}
}

func TestOpenContractRequiresDeadlineSlack(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	v.register(t, "alpha", []string{"triage"}, nil)

	_, err := v.e.OpenContract(ctx, OpenContractSpec{
		RunID: run.ID, PhaseOrd: 1, Capability: "triage",
		Deadline: v.nowv.Format(time.RFC3339),
	})
	if !errors.Is(err, ErrNoDeadlineSlack) {
		t.Fatalf("expected ErrNoDeadlineSlack, got %v", err)
	}
}

func TestOpenContractNoCapableAgent(t *testing.T) {
	v := newEnv(t)
	run := v.startRun(t)
	v.register(t, "alpha", []string{"coding"}, nil)

	_, err := v.e.OpenContract(context.Background(), OpenContractSpec{
		RunID: run.ID, PhaseOrd: 1, Capability: "triage",
	})
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
}

func TestRoutingPrefersLeastLoaded(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	v.register(t, "alpha", []string{"triage"}, nil)
	v.register(t, "beta", []string{"triage"}, nil)

	first, err := v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"})
	if err != nil {
		t.Fatal(err)
	}
	if first.AgentID == second.AgentID {
		t.Fatalf("both contracts routed to %s", first.AgentID)
	}
}

func TestDeliverAndAcceptFlow(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	v.register(t, "alpha", []string{"triage"}, nil)

	c, err := v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"})
	if err != nil {
		t.Fatal(err)
	}
	delivered, err := v.e.DeliverContract(ctx, c.ID, c.AgentID, goodOutput, deliveryClock(c))
	if err != nil {
		t.Fatal(err)
	}
	if delivered.Status != "delivered" {
		t.Fatalf("status %s", delivered.Status)
	}

	// Coordinator merged the delivery into its own clock.
	coord, err := v.e.ClockOf(ctx, CoordinatorID)
	if err != nil {
		t.Fatal(err)
	}
	if coord[c.AgentID] != 1 || coord[CoordinatorID] != 2 {
		t.Fatalf("coordinator clock %v", coord)
	}

	result, err := v.e.ReviewDelivery(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Pass {
		t.Fatalf("violations %+v", result.Violations)
	}
	got, err := v.e.Repo.GetContract(ctx, nil, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "accepted" {
		t.Fatalf("status %s", got.Status)
	}

	// Delivery event links back to the opening event.
	evts, err := v.e.Repo.LatestEvents(ctx, 0, run.ID, "contract.delivered", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || len(evts[0].Parents) != 1 || evts[0].Parents[0] != c.OpenEventID {
		t.Fatalf("delivery event parents %+v", evts)
	}
}

func TestDeliverRejectsClockRegression(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	v.register(t, "alpha", []string{"triage"}, nil)

	c, err := v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"})
	if err != nil {
		t.Fatal(err)
	}
	// Equal to the opening clock: nothing happened on the agent.
	_, err = v.e.DeliverContract(ctx, c.ID, c.AgentID, goodOutput, c.OpenClock.Copy())
	if !errors.Is(err, ErrClockRegression) {
		t.Fatalf("expected ErrClockRegression, got %v", err)
	}
	// A component moved backwards.
	back := deliveryClock(c)
	back[CoordinatorID] = 0
	_, err = v.e.DeliverContract(ctx, c.ID, c.AgentID, goodOutput, back)
	if !errors.Is(err, ErrClockRegression) {
		t.Fatalf("expected ErrClockRegression, got %v", err)
	}
	got, err := v.e.Repo.GetContract(ctx, nil, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "open" {
		t.Fatalf("refused delivery mutated contract to %s", got.Status)
	}
}

func TestDeliverRequiresOpenContract(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	v.register(t, "alpha", []string{"triage"}, nil)

	c, err := v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.e.CancelContract(ctx, c.ID, "superseded by plan change"); err != nil {
		t.Fatal(err)
	}
	_, err = v.e.DeliverContract(ctx, c.ID, c.AgentID, goodOutput, deliveryClock(c))
	if !errors.Is(err, ErrContractNotOpen) {
		t.Fatalf("expected ErrContractNotOpen, got %v", err)
	}
}

func TestDeliverAfterDeadlineExpiresContract(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	v.register(t, "slow", []string{"triage"}, nil)

	c, err := v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"})
	if err != nil {
		t.Fatal(err)
	}
	v.advance(time.Hour)
	_, err = v.e.DeliverContract(ctx, c.ID, c.AgentID, goodOutput, deliveryClock(c))
	if !errors.Is(err, ErrContractBreach) {
		t.Fatalf("expected ErrContractBreach, got %v", err)
	}
	got, err := v.e.Repo.GetContract(ctx, nil, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "expired" || got.Output != nil {
		t.Fatalf("contract %+v", got)
	}
	// The late output never reaches review.
	if _, err := v.e.ReviewDelivery(ctx, c.ID); err == nil {
		t.Fatal("review accepted an expired contract")
	}
	evts, err := v.e.Repo.LatestEvents(ctx, 0, run.ID, "contract.breach", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("breach events %d", len(evts))
	}
}

func TestReviewRejectsPlaceholderOutput(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	v.register(t, "alpha", []string{"triage"}, nil)

	c, err := v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.e.DeliverContract(ctx, c.ID, c.AgentID, placeholderOutput, deliveryClock(c)); err != nil {
		t.Fatal(err)
	}
	result, err := v.e.ReviewDelivery(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if result.Pass {
		t.Fatal("placeholder output passed validation")
	}
	got, err := v.e.Repo.GetContract(ctx, nil, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "rejected" || len(got.Reasons) == 0 {
		t.Fatalf("contract %+v", got)
	}
	evts, err := v.e.Repo.LatestEvents(ctx, 0, run.ID, "contract.breach", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].EntityID != c.ID {
		t.Fatalf("breach events %+v", evts)
	}
}

func TestReassignOpensNewVersion(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	a := v.register(t, "alpha", []string{"triage"}, nil)
	b := v.register(t, "beta", []string{"triage"}, nil)

	c, err := v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.e.CancelContract(ctx, c.ID, "agent went dark"); err != nil {
		t.Fatal(err)
	}
	next, err := v.e.ReassignContract(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next.Version != 2 || next.Supersedes == nil || *next.Supersedes != c.ID {
		t.Fatalf("reassigned contract %+v", next)
	}
	if next.AgentID == c.AgentID {
		t.Fatal("reassignment kept the same agent")
	}
	if next.AgentID != a.ID && next.AgentID != b.ID {
		t.Fatalf("unknown agent %s", next.AgentID)
	}
	// History is never rewritten.
	old, err := v.e.Repo.GetContract(ctx, nil, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != "expired" || old.Version != 1 {
		t.Fatalf("prior contract mutated: %+v", old)
	}
	n, err := v.e.ChainLength(ctx, next)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("chain length %d", n)
	}
}

func TestExpireOverdueSweep(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)
	v.register(t, "alpha", []string{"triage"}, nil)

	c, err := v.e.OpenContract(ctx, OpenContractSpec{RunID: run.ID, PhaseOrd: 1, Capability: "triage"})
	if err != nil {
		t.Fatal(err)
	}
	expired, err := v.e.ExpireOverdue(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Fatal("nothing should be overdue yet")
	}
	v.advance(time.Duration(v.cfg.Coordinator.ContractDeadlineSeconds+1) * time.Second)
	expired, err = v.e.ExpireOverdue(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != c.ID || expired[0].Status != "expired" {
		t.Fatalf("sweep result %+v", expired)
	}
	// Idempotent: already expired contracts are not touched again.
	expired, err = v.e.ExpireOverdue(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 0 {
		t.Fatalf("second sweep expired %d", len(expired))
	}
}

func TestRejectRequiresReason(t *testing.T) {
	v := newEnv(t)
	if _, err := v.e.RejectContract(context.Background(), "whatever", nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := v.e.RejectContract(context.Background(), "missing", []string{"bad"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
