package domain

// Clock is a vector clock: one counter per agent id.
type Clock map[string]uint64

// Copy returns an independent copy of the clock.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Equal reports whether both clocks carry identical counters.
func (c Clock) Equal(other Clock) bool {
	if len(c) != len(other) {
		// Zero entries on one side still compare equal.
		for k, v := range c {
			if other[k] != v {
				return false
			}
		}
		for k, v := range other {
			if c[k] != v {
				return false
			}
		}
		return true
	}
	for k, v := range c {
		if other[k] != v {
			return false
		}
	}
	return true
}

// Dominates reports whether every counter in other is <= the matching counter in c.
func (c Clock) Dominates(other Clock) bool {
	for k, v := range other {
		if c[k] < v {
			return false
		}
	}
	return true
}

type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status" enum:"available,busy,unreachable"`
	MissedBeats  int      `json:"missed_beats"`
	RegisteredAt string   `json:"registered_at" format:"date-time"`
}

// Criterion is one acceptance predicate on a contract delivery.
// Kind "field" requires the named payload field to be present and non-empty;
// kind "reference" additionally requires entries to carry a verifiable locator.
type Criterion struct {
	Name  string `json:"name"`
	Field string `json:"field"`
	Kind  string `json:"kind,omitempty" enum:"field,reference"`
}

type Contract struct {
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	Version     int         `json:"version"`
	Supersedes  *string     `json:"supersedes,omitempty"`
	PhaseOrd    int         `json:"phase_ord"`
	Capability  string      `json:"capability"`
	AgentID     string      `json:"agent_id"`
	Payload     string      `json:"payload"`
	SchemaRef   string      `json:"schema_ref,omitempty"`
	Criteria    []Criterion `json:"criteria"`
	OpenClock   Clock       `json:"open_clock"`
	OpenEventID int64       `json:"open_event_id"`
	Deadline    string      `json:"deadline" format:"date-time"`
	Status      string      `json:"status" enum:"open,delivered,accepted,rejected,expired"`
	Output      *string     `json:"output,omitempty"`
	Reasons     []string    `json:"reasons,omitempty"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the contract reached a final status.
func (c Contract) Terminal() bool {
	switch c.Status {
	case "accepted", "rejected", "expired":
		return true
	}
	return false
}

type Event struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts" format:"date-time"`
	Type       string  `json:"type"`
	RunID      string  `json:"run_id,omitempty"`
	PhaseOrd   int     `json:"phase_ord,omitempty"`
	EntityKind string  `json:"entity_kind"`
	EntityID   string  `json:"entity_id,omitempty"`
	AgentID    string  `json:"agent_id"`
	Clock      Clock   `json:"clock,omitempty"`
	Parents    []int64 `json:"parents,omitempty"`
	Payload    string  `json:"payload_json"`
}

type Phase struct {
	RunID        string   `json:"run_id"`
	Ord          int      `json:"ord"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status" enum:"pending,active,gated,passed,rolled_back"`
	Attempts     int      `json:"attempts"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

type Checkpoint struct {
	ID          string           `json:"id"`
	RunID       string           `json:"run_id"`
	PhaseOrd    int              `json:"phase_ord"`
	Clocks      map[string]Clock `json:"clocks"`
	AcceptedIDs []string         `json:"accepted_contract_ids"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
}

type Violation struct {
	Criterion string `json:"criterion"`
	Evidence  string `json:"evidence,omitempty"`
}

type ValidationResult struct {
	ID         string      `json:"id"`
	ContractID string      `json:"contract_id"`
	Pass       bool        `json:"pass"`
	Violations []Violation `json:"violations,omitempty"`
	CreatedAt  string      `json:"created_at" format:"date-time"`
}

type Run struct {
	ID        string `json:"id"`
	Goal      string `json:"goal"`
	Status    string `json:"status" enum:"active,completed,failed"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}
