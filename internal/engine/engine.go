// Package engine implements the team-leader orchestration engine: run
// bootstrap, the capability registry, delegation contracts, vector clocks,
// the gated phase lifecycle, checkpoints, and rollback.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"teamline/internal/config"
	"teamline/internal/domain"
	"teamline/internal/engine/detect"
	"teamline/internal/events"
	"teamline/internal/repo"
)

// CoordinatorID is the reserved agent id of the team leader. Its clock
// component advances on every contract it opens and every delivery it merges.
const CoordinatorID = "team-leader"

var (
	ErrUnknownAgent          = errors.New("unknown agent")
	ErrClockRegression       = errors.New("clock regression")
	ErrContractNotOpen       = errors.New("contract not open")
	ErrNoDeadlineSlack       = errors.New("contract deadline leaves no slack")
	ErrCapabilityUnavailable = errors.New("no available agent for capability")
	ErrContractBreach        = errors.New("contract breached")
	ErrNoCheckpointAvailable = errors.New("no checkpoint available")
	ErrPhaseNotReady         = errors.New("phase entry gate not satisfied")
	ErrRunFinished           = errors.New("run already finished")
)

// Worker is the in-process execution side of an agent. The engine dispatches
// open contracts through Invoke and probes liveness through Heartbeat.
type Worker interface {
	Invoke(ctx context.Context, c domain.Contract) (output string, clock domain.Clock, err error)
	Heartbeat(ctx context.Context) error
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	clocks  *clockTable
	workers *workerSet
	rules   detect.Rules
}

// New wires an Engine over an open database.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	rules, err := detect.CompileRules(cfg.Detection.DenyPatterns, cfg.Detection.ClaimPatterns)
	if err != nil {
		return Engine{}, err
	}
	now := time.Now
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db, Now: now},
		Config:  cfg,
		Now:     now,
		clocks:  newClockTable(),
		workers: newWorkerSet(),
		rules:   rules,
	}, nil
}

func (e Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}

// StartRun creates the run row, persists its config, seeds the ten phase
// rows in pending status, and initializes the coordinator clock.
func (e Engine) StartRun(ctx context.Context, goal string) (domain.Run, error) {
	cfg := e.Config
	runID := cfg.Run.ID
	if runID == "" {
		runID = uuid.NewString()
		cfg.Run.ID = runID
	}
	if goal == "" {
		goal = cfg.Run.Goal
	}
	now := e.now()
	run := domain.Run{ID: runID, Goal: goal, Status: "active", CreatedAt: now, UpdatedAt: now}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Repo.UpsertRunConfigTx(ctx, tx, runID, cfg); err != nil {
		return domain.Run{}, fmt.Errorf("persist run config: %w", err)
	}
	for i, pc := range cfg.Phases {
		phase := domain.Phase{
			RunID:        runID,
			Ord:          i + 1,
			Name:         pc.Name,
			Capabilities: pc.Capabilities,
			Status:       "pending",
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertPhaseTx(ctx, tx, phase); err != nil {
			return domain.Run{}, fmt.Errorf("seed phase %d: %w", i+1, err)
		}
	}
	clock := domain.Clock{CoordinatorID: 0}
	if err := e.Repo.SaveClockTx(ctx, tx, CoordinatorID, clock, now); err != nil {
		return domain.Run{}, fmt.Errorf("init coordinator clock: %w", err)
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "run.started",
		RunID:      runID,
		EntityKind: "run",
		EntityID:   runID,
		AgentID:    CoordinatorID,
		Clock:      clock,
	}, events.EventPayload{"goal": goal, "phases": len(cfg.Phases)})
	if err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// FinishRun marks the run terminal and emits the closing event.
func (e Engine) FinishRun(ctx context.Context, runID, status, reason string) error {
	if status != "completed" && status != "failed" {
		return fmt.Errorf("invalid terminal run status %q", status)
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	run, err := e.Repo.GetRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	if run.Status != "active" {
		return ErrRunFinished
	}
	now := e.now()
	if err := e.Repo.UpdateRunStatusTx(ctx, tx, runID, status, now); err != nil {
		return err
	}
	_, err = e.Events.Append(ctx, tx, events.Record{
		Type:       "run." + status,
		RunID:      runID,
		EntityKind: "run",
		EntityID:   runID,
		AgentID:    CoordinatorID,
	}, events.EventPayload{"reason": reason})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// phaseConfig returns the config block for a phase ordinal.
func (e Engine) phaseConfig(ord int) (config.PhaseConfig, error) {
	if ord < 1 || ord > len(e.Config.Phases) {
		return config.PhaseConfig{}, fmt.Errorf("phase ordinal %d out of range", ord)
	}
	return e.Config.Phases[ord-1], nil
}

// criteriaFor resolves the acceptance criteria for a phase. Phases without
// explicit criteria fall back to the standard completeness set.
func (e Engine) criteriaFor(ord int) []domain.Criterion {
	pc, err := e.phaseConfig(ord)
	if err == nil && len(pc.Criteria) > 0 {
		out := make([]domain.Criterion, 0, len(pc.Criteria))
		for _, cr := range pc.Criteria {
			kind := cr.Kind
			if kind == "" {
				kind = "field"
			}
			out = append(out, domain.Criterion{Name: cr.Name, Field: cr.Field, Kind: kind})
		}
		return out
	}
	return []domain.Criterion{
		{Name: "summary-present", Field: "summary", Kind: "field"},
		{Name: "artifacts-present", Field: "artifacts", Kind: "field"},
		{Name: "references-verifiable", Field: detect.ReferencesField, Kind: "reference"},
	}
}

// --- shared in-process state ---
//
// The Engine value is copied freely; clockTable and workerSet are pointers so
// every copy observes the same locks and worker registrations.

type clockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newClockTable() *clockTable {
	return &clockTable{locks: map[string]*sync.Mutex{}}
}

// owner returns the mutex serializing clock updates for one owner id.
func (t *clockTable) owner(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[id]
	if !ok {
		m = &sync.Mutex{}
		t.locks[id] = m
	}
	return m
}

type workerSet struct {
	mu sync.RWMutex
	m  map[string]Worker
}

func newWorkerSet() *workerSet {
	return &workerSet{m: map[string]Worker{}}
}

func (s *workerSet) put(id string, w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = w
}

func (s *workerSet) get(id string) (Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.m[id]
	return w, ok
}

func (s *workerSet) drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

func (s *workerSet) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for id := range s.m {
		out = append(out, id)
	}
	return out
}
