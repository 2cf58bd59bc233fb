package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"teamline/internal/domain"
)

const contractColumns = `id,run_id,version,supersedes,phase_ord,capability,agent_id,payload_json,schema_ref,criteria_json,open_clock_json,open_event_id,deadline,status,output_json,reasons_json,created_at,updated_at`

func scanContract(scan func(dest ...any) error) (domain.Contract, error) {
	var c domain.Contract
	var supersedes, schemaRef, output, reasons sql.NullString
	var criteria, openClock string
	err := scan(&c.ID, &c.RunID, &c.Version, &supersedes, &c.PhaseOrd, &c.Capability, &c.AgentID,
		&c.Payload, &schemaRef, &criteria, &openClock, &c.OpenEventID, &c.Deadline, &c.Status,
		&output, &reasons, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if supersedes.Valid {
		c.Supersedes = &supersedes.String
	}
	if schemaRef.Valid {
		c.SchemaRef = schemaRef.String
	}
	if output.Valid {
		c.Output = &output.String
	}
	if err := json.Unmarshal([]byte(criteria), &c.Criteria); err != nil {
		return c, fmt.Errorf("contract %s criteria: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(openClock), &c.OpenClock); err != nil {
		return c, fmt.Errorf("contract %s open clock: %w", c.ID, err)
	}
	if reasons.Valid && reasons.String != "" {
		if err := json.Unmarshal([]byte(reasons.String), &c.Reasons); err != nil {
			return c, fmt.Errorf("contract %s reasons: %w", c.ID, err)
		}
	}
	return c, nil
}

func (r Repo) InsertContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	criteria, err := json.Marshal(c.Criteria)
	if err != nil {
		return err
	}
	openClock, err := json.Marshal(c.OpenClock)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO contracts(id,run_id,version,supersedes,phase_ord,capability,agent_id,payload_json,schema_ref,criteria_json,open_clock_json,open_event_id,deadline,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.RunID, c.Version, nullableStringPtr(c.Supersedes), c.PhaseOrd, c.Capability, c.AgentID,
		c.Payload, nullable(c.SchemaRef), string(criteria), string(openClock), c.OpenEventID, c.Deadline, c.Status,
		c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetContract(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id)
	return scanContract(row.Scan)
}

// ContractFilter narrows ListContracts. Zero values match everything.
type ContractFilter struct {
	RunID      string
	PhaseOrd   int
	Status     string
	Capability string
	AgentID    string
}

func (r Repo) ListContracts(ctx context.Context, tx *sql.Tx, f ContractFilter) ([]domain.Contract, error) {
	var clauses []string
	var args []any
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.PhaseOrd > 0 {
		clauses = append(clauses, "phase_ord=?")
		args = append(args, f.PhaseOrd)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Capability != "" {
		clauses = append(clauses, "capability=?")
		args = append(args, f.Capability)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	query := `SELECT ` + contractColumns + ` FROM contracts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func (r Repo) UpdateContractStatusTx(ctx context.Context, tx *sql.Tx, id, status string, reasons []string, updatedAt string) error {
	var reasonsJSON any
	if len(reasons) > 0 {
		b, err := json.Marshal(reasons)
		if err != nil {
			return err
		}
		reasonsJSON = string(b)
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE contracts SET status=?, reasons_json=COALESCE(?,reasons_json), updated_at=? WHERE id=?`,
		status, reasonsJSON, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetContractOutputTx(ctx context.Context, tx *sql.Tx, id, output, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE contracts SET output_json=?, status='delivered', updated_at=? WHERE id=?`,
		output, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOpenByAgent returns open contracts per agent id, for load-aware routing.
func (r Repo) CountOpenByAgent(ctx context.Context, tx *sql.Tx) (map[string]int, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT agent_id, COUNT(*) FROM contracts WHERE status='open' GROUP BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var agent string
		var n int
		if err := rows.Scan(&agent, &n); err != nil {
			return nil, err
		}
		res[agent] = n
	}
	return res, nil
}

// ExpireContractsAfterPhaseTx marks every contract beyond the given phase as
// expired and returns the affected ids. Used by rollback restoration only.
func (r Repo) ExpireContractsAfterPhaseTx(ctx context.Context, tx *sql.Tx, runID string, phaseOrd int, updatedAt string) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id FROM contracts WHERE run_id=? AND phase_ord>? AND status<>'expired'`, runID, phaseOrd)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = r.on(tx).ExecContext(ctx, `UPDATE contracts SET status='expired', updated_at=? WHERE run_id=? AND phase_ord>? AND status<>'expired'`,
		updatedAt, runID, phaseOrd)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r Repo) CountContractsByStatus(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM contracts WHERE run_id=? GROUP BY status`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, nil
}
