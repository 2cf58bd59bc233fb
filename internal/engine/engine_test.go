package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"teamline/internal/config"
	"teamline/internal/db"
	"teamline/internal/domain"
	"teamline/internal/migrate"
)

const goodOutput = `{"summary":"work complete","artifacts":["/src/main.go"],"references":["commit 4f2a9c1 in /src/main.go"]}`
const placeholderOutput = `{"summary":"TODO: implement the thing","artifacts":["/src/main.go"],"references":["commit 4f2a9c1 in /src/main.go"]}`

type env struct {
	e    Engine
	cfg  *config.Config
	nowv time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("run-test")
	cfg.Run.Goal = "ship the gadget"
	e, err := New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	v := &env{cfg: cfg, nowv: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e.Now = func() time.Time { return v.nowv }
	e.Events.Now = e.Now
	v.e = e
	return v
}

func (v *env) advance(d time.Duration) {
	v.nowv = v.nowv.Add(d)
}

func (v *env) startRun(t *testing.T) domain.Run {
	t.Helper()
	run, err := v.e.StartRun(context.Background(), "")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return run
}

func (v *env) register(t *testing.T, name string, caps []string, w Worker) domain.Agent {
	t.Helper()
	a, err := v.e.RegisterAgent(context.Background(), name, caps, w)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return a
}

// deliveryClock builds the clock a well-behaved agent reports: the opening
// clock with its own component advanced.
func deliveryClock(c domain.Contract) domain.Clock {
	clock := c.OpenClock.Copy()
	clock[c.AgentID]++
	return clock
}

// scriptWorker answers Invoke from a script indexed by call count.
type scriptWorker struct {
	mu      sync.Mutex
	calls   int
	script  func(c domain.Contract, call int) (string, error)
	beatErr error
}

func newScriptWorker(output string) *scriptWorker {
	return &scriptWorker{script: func(domain.Contract, int) (string, error) { return output, nil }}
}

func (w *scriptWorker) Invoke(ctx context.Context, c domain.Contract) (string, domain.Clock, error) {
	w.mu.Lock()
	call := w.calls
	w.calls++
	w.mu.Unlock()
	out, err := w.script(c, call)
	if err != nil {
		return "", nil, err
	}
	return out, deliveryClock(c), nil
}

func (w *scriptWorker) Heartbeat(ctx context.Context) error {
	return w.beatErr
}

func TestStartRunSeedsLifecycle(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)

	if run.Status != "active" {
		t.Fatalf("run status %s", run.Status)
	}
	phases, err := v.e.Repo.ListPhases(ctx, nil, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(phases) != config.PhaseCount {
		t.Fatalf("seeded %d phases", len(phases))
	}
	for _, p := range phases {
		if p.Status != "pending" {
			t.Fatalf("phase %d starts %s", p.Ord, p.Status)
		}
	}
	clock, err := v.e.ClockOf(ctx, CoordinatorID)
	if err != nil {
		t.Fatalf("coordinator clock: %v", err)
	}
	if clock[CoordinatorID] != 0 {
		t.Fatalf("coordinator clock starts at %d", clock[CoordinatorID])
	}
	evts, err := v.e.Repo.LatestEvents(ctx, 0, run.ID, "run.started", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one run.started event, got %d", len(evts))
	}
	evt, err := v.e.Repo.GetEvent(ctx, evts[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Type != "run.started" || evt.RunID != run.ID {
		t.Fatalf("event %+v", evt)
	}
}

func TestFinishRunIsTerminal(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	run := v.startRun(t)

	if err := v.e.FinishRun(ctx, run.ID, "completed", "done"); err != nil {
		t.Fatal(err)
	}
	err := v.e.FinishRun(ctx, run.ID, "failed", "again")
	if !errors.Is(err, ErrRunFinished) {
		t.Fatalf("expected ErrRunFinished, got %v", err)
	}
	got, err := v.e.Repo.GetRun(ctx, nil, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" {
		t.Fatalf("run status %s", got.Status)
	}
}

func TestCriteriaFallback(t *testing.T) {
	v := newEnv(t)
	criteria := v.e.criteriaFor(1)
	if len(criteria) != 3 {
		t.Fatalf("default criteria %d", len(criteria))
	}
	v.cfg.Phases[0].Criteria = []config.CriterionConfig{{Name: "plan-present", Field: "plan"}}
	criteria = v.e.criteriaFor(1)
	if len(criteria) != 1 || criteria[0].Kind != "field" {
		t.Fatalf("explicit criteria %+v", criteria)
	}
}
