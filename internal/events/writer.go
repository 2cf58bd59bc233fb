package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"teamline/internal/domain"
)

// Writer appends to the immutable event log. Rows are never updated or
// deleted; rollback moves position pointers elsewhere, not here.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Record captures everything an appended event carries beyond its payload.
type Record struct {
	Type       string
	RunID      string
	PhaseOrd   int
	EntityKind string
	EntityID   string
	AgentID    string
	Clock      domain.Clock
	Parents    []int64
}

// Append writes one event inside the caller's transaction and returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	var clockJSON any
	if rec.Clock != nil {
		b, err := json.Marshal(rec.Clock)
		if err != nil {
			return 0, fmt.Errorf("marshal event clock: %w", err)
		}
		clockJSON = string(b)
	}
	var parentsJSON any
	if len(rec.Parents) > 0 {
		b, err := json.Marshal(rec.Parents)
		if err != nil {
			return 0, fmt.Errorf("marshal event parents: %w", err)
		}
		parentsJSON = string(b)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,phase_ord,entity_kind,entity_id,agent_id,clock_json,parents_json,payload_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, rec.Type, nullable(rec.RunID), rec.PhaseOrd, rec.EntityKind, nullable(rec.EntityID), rec.AgentID, clockJSON, parentsJSON, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
