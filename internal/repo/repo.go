package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"teamline/internal/config"
	"teamline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) on(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- runs ---

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO runs(id,goal,status,created_at,updated_at) VALUES (?,?,?,?,?)`,
		run.ID, run.Goal, run.Status, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	var run domain.Run
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,goal,status,created_at,updated_at FROM runs WHERE id=?`, id).
		Scan(&run.ID, &run.Goal, &run.Status, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) SingleRun(ctx context.Context) (domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,goal,status,created_at,updated_at FROM runs`)
	if err != nil {
		return domain.Run{}, err
	}
	defer rows.Close()
	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		if err := rows.Scan(&run.ID, &run.Goal, &run.Status, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return domain.Run{}, err
		}
		runs = append(runs, run)
	}
	if len(runs) == 0 {
		return domain.Run{}, ErrNotFound
	}
	if len(runs) > 1 {
		return domain.Run{}, fmt.Errorf("multiple runs exist; specify --run")
	}
	return runs[0], nil
}

func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,goal,status,created_at,updated_at FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		if err := rows.Scan(&run.ID, &run.Goal, &run.Status, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, nil
}

func (r Repo) UpdateRunStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE runs SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- run configs ---

func (r Repo) UpsertRunConfig(ctx context.Context, runID string, cfg *config.Config) error {
	return r.upsertRunConfig(ctx, nil, runID, cfg)
}

func (r Repo) UpsertRunConfigTx(ctx context.Context, tx *sql.Tx, runID string, cfg *config.Config) error {
	return r.upsertRunConfig(ctx, tx, runID, cfg)
}

func (r Repo) upsertRunConfig(ctx context.Context, tx *sql.Tx, runID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Run.ID = runID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO run_configs(run_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, runID, string(payload), now, now)
	return err
}

func (r Repo) GetRunConfig(ctx context.Context, runID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM run_configs WHERE run_id=?`, runID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Run.ID == "" {
		cfg.Run.ID = runID
	}
	return &cfg, cfg.Validate()
}

// --- agents ---

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var caps string
	err := scan(&a.ID, &a.Name, &caps, &a.Status, &a.MissedBeats, &a.RegisteredAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return a, fmt.Errorf("agent %s capabilities: %w", a.ID, err)
	}
	return a, nil
}

const agentColumns = `id,name,capabilities_json,status,missed_beats,registered_at`

func (r Repo) InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO agents(id,name,capabilities_json,status,missed_beats,registered_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Name, string(caps), a.Status, a.MissedBeats, a.RegisteredAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context, tx *sql.Tx) ([]domain.Agent, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) DeleteAgentTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateAgentStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE agents SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetAgentBeatsTx(ctx context.Context, tx *sql.Tx, id string, missed int, status string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE agents SET missed_beats=?, status=? WHERE id=?`, missed, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- clocks ---

func (r Repo) GetClock(ctx context.Context, tx *sql.Tx, ownerID string) (domain.Clock, error) {
	var payload string
	err := r.on(tx).QueryRowContext(ctx, `SELECT clock_json FROM clocks WHERE owner_id=?`, ownerID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c domain.Clock
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("clock %s: %w", ownerID, err)
	}
	return c, nil
}

func (r Repo) SaveClockTx(ctx context.Context, tx *sql.Tx, ownerID string, c domain.Clock, updatedAt string) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO clocks(owner_id,clock_json,updated_at) VALUES (?,?,?)
ON CONFLICT(owner_id) DO UPDATE SET clock_json=excluded.clock_json, updated_at=excluded.updated_at`, ownerID, string(payload), updatedAt)
	return err
}

func (r Repo) AllClocks(ctx context.Context, tx *sql.Tx) (map[string]domain.Clock, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT owner_id,clock_json FROM clocks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.Clock{}
	for rows.Next() {
		var owner, payload string
		if err := rows.Scan(&owner, &payload); err != nil {
			return nil, err
		}
		var c domain.Clock
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, fmt.Errorf("clock %s: %w", owner, err)
		}
		res[owner] = c
	}
	return res, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
