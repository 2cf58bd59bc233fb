package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"teamline/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(run_id,''),phase_ord,entity_kind,COALESCE(entity_id,''),agent_id,clock_json,parents_json,payload_json`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var clock, parents sql.NullString
	err := scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.PhaseOrd, &e.EntityKind, &e.EntityID, &e.AgentID, &clock, &parents, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if clock.Valid && clock.String != "" {
		if err := json.Unmarshal([]byte(clock.String), &e.Clock); err != nil {
			return e, fmt.Errorf("event %d clock: %w", e.ID, err)
		}
	}
	if parents.Valid && parents.String != "" {
		if err := json.Unmarshal([]byte(parents.String), &e.Parents); err != nil {
			return e, fmt.Errorf("event %d parents: %w", e.ID, err)
		}
	}
	return e, nil
}

func (r Repo) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

// LatestEvents returns the newest events matching the filters, oldest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{}
	args := []any{}
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	// reverse into chronological order
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

// EventsAfter returns up to limit events with id > after, oldest first.
// This is the webhook dispatcher's cursor query.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64, runID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id>?`
	args := []any{after}
	if runID != "" {
		query += " AND run_id=?"
		args = append(args, runID)
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

func (r Repo) LatestEventID(ctx context.Context, runID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	args := []any{}
	if runID != "" {
		query += " WHERE run_id=?"
		args = append(args, runID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}
