package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"teamline/internal/domain"
)

// --- phases ---

func scanPhase(scan func(dest ...any) error) (domain.Phase, error) {
	var p domain.Phase
	var caps string
	err := scan(&p.RunID, &p.Ord, &p.Name, &caps, &p.Status, &p.Attempts, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(caps), &p.Capabilities); err != nil {
		return p, fmt.Errorf("phase %d capabilities: %w", p.Ord, err)
	}
	return p, nil
}

const phaseColumns = `run_id,ord,name,capabilities_json,status,attempts,updated_at`

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO phases(run_id,ord,name,capabilities_json,status,attempts,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.RunID, p.Ord, p.Name, string(caps), p.Status, p.Attempts, p.UpdatedAt)
	return err
}

func (r Repo) GetPhase(ctx context.Context, tx *sql.Tx, runID string, ord int) (domain.Phase, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE run_id=? AND ord=?`, runID, ord)
	return scanPhase(row.Scan)
}

func (r Repo) ListPhases(ctx context.Context, tx *sql.Tx, runID string) ([]domain.Phase, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE run_id=? ORDER BY ord`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) UpdatePhaseStatusTx(ctx context.Context, tx *sql.Tx, runID string, ord int, status string, attempts int, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE phases SET status=?, attempts=?, updated_at=? WHERE run_id=? AND ord=?`,
		status, attempts, updatedAt, runID, ord)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivePhase returns the single phase currently in active or gated status.
func (r Repo) ActivePhase(ctx context.Context, runID string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE run_id=? AND status IN ('active','gated') ORDER BY ord LIMIT 1`, runID)
	return scanPhase(row.Scan)
}

// --- checkpoints ---

func scanCheckpoint(scan func(dest ...any) error) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var clocks, accepted string
	err := scan(&cp.ID, &cp.RunID, &cp.PhaseOrd, &clocks, &accepted, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal([]byte(clocks), &cp.Clocks); err != nil {
		return cp, fmt.Errorf("checkpoint %s clocks: %w", cp.ID, err)
	}
	if err := json.Unmarshal([]byte(accepted), &cp.AcceptedIDs); err != nil {
		return cp, fmt.Errorf("checkpoint %s accepted ids: %w", cp.ID, err)
	}
	return cp, nil
}

const checkpointColumns = `id,run_id,phase_ord,clocks_json,accepted_json,created_at`

func (r Repo) InsertCheckpointTx(ctx context.Context, tx *sql.Tx, cp domain.Checkpoint) error {
	clocks, err := json.Marshal(cp.Clocks)
	if err != nil {
		return err
	}
	accepted, err := json.Marshal(cp.AcceptedIDs)
	if err != nil {
		return err
	}
	if cp.AcceptedIDs == nil {
		accepted = []byte("[]")
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO checkpoints(id,run_id,phase_ord,clocks_json,accepted_json,created_at) VALUES (?,?,?,?,?,?)`,
		cp.ID, cp.RunID, cp.PhaseOrd, string(clocks), string(accepted), cp.CreatedAt)
	return err
}

// LatestCheckpointBefore returns the most recent checkpoint with phase ordinal
// strictly below the given one.
func (r Repo) LatestCheckpointBefore(ctx context.Context, tx *sql.Tx, runID string, phaseOrd int) (domain.Checkpoint, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id=? AND phase_ord<? ORDER BY phase_ord DESC, created_at DESC LIMIT 1`,
		runID, phaseOrd)
	return scanCheckpoint(row.Scan)
}

func (r Repo) ListCheckpoints(ctx context.Context, runID string) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE run_id=? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, nil
}

// --- validations ---

func scanValidation(scan func(dest ...any) error) (domain.ValidationResult, error) {
	var v domain.ValidationResult
	var pass int
	var violations string
	err := scan(&v.ID, &v.ContractID, &pass, &violations, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Pass = pass != 0
	if err := json.Unmarshal([]byte(violations), &v.Violations); err != nil {
		return v, fmt.Errorf("validation %s violations: %w", v.ID, err)
	}
	return v, nil
}

const validationColumns = `id,contract_id,pass,violations_json,created_at`

func (r Repo) InsertValidationTx(ctx context.Context, tx *sql.Tx, v domain.ValidationResult) error {
	violations, err := json.Marshal(v.Violations)
	if err != nil {
		return err
	}
	if v.Violations == nil {
		violations = []byte("[]")
	}
	pass := 0
	if v.Pass {
		pass = 1
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO validations(id,contract_id,pass,violations_json,created_at) VALUES (?,?,?,?,?)`,
		v.ID, v.ContractID, pass, string(violations), v.CreatedAt)
	return err
}

func (r Repo) ListValidationsByContract(ctx context.Context, contractID string) ([]domain.ValidationResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+validationColumns+` FROM validations WHERE contract_id=? ORDER BY created_at, id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationResult
	for rows.Next() {
		v, err := scanValidation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

// ListValidationsForPhase returns every validation recorded against the
// phase's contracts, newest first per contract insertion order.
func (r Repo) ListValidationsForPhase(ctx context.Context, tx *sql.Tx, runID string, phaseOrd int) ([]domain.ValidationResult, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT v.id,v.contract_id,v.pass,v.violations_json,v.created_at
FROM validations v JOIN contracts c ON c.id=v.contract_id
WHERE c.run_id=? AND c.phase_ord=? ORDER BY v.created_at, v.id`, runID, phaseOrd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationResult
	for rows.Next() {
		v, err := scanValidation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}
