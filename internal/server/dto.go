package server

import (
	"encoding/json"

	"teamline/internal/domain"
)

// Request payloads

type StartRunRequest struct {
	Goal string `json:"goal,omitempty"`
}

type RegisterAgentRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

type OpenContractRequest struct {
	RunID      string         `json:"run_id,omitempty"`
	PhaseOrd   int            `json:"phase_ord"`
	Capability string         `json:"capability"`
	Payload    map[string]any `json:"payload,omitempty"`
	SchemaRef  string         `json:"schema_ref,omitempty"`
	Deadline   string         `json:"deadline,omitempty" format:"date-time"`
}

type DeliverContractRequest struct {
	AgentID string         `json:"agent_id"`
	Output  map[string]any `json:"output"`
	Clock   domain.Clock   `json:"clock"`
}

type RejectContractRequest struct {
	Reasons []string `json:"reasons"`
}

type CancelContractRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RollbackRequest struct {
	PhaseOrd int    `json:"phase_ord"`
	Reason   string `json:"reason,omitempty"`
}

// Responses

type ContractResponse struct {
	ID          string             `json:"id"`
	RunID       string             `json:"run_id"`
	Version     int                `json:"version"`
	Supersedes  *string            `json:"supersedes,omitempty"`
	PhaseOrd    int                `json:"phase_ord"`
	Capability  string             `json:"capability"`
	AgentID     string             `json:"agent_id"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	SchemaRef   string             `json:"schema_ref,omitempty"`
	Criteria    []domain.Criterion `json:"criteria"`
	OpenClock   domain.Clock       `json:"open_clock"`
	OpenEventID int64              `json:"open_event_id"`
	Deadline    string             `json:"deadline"`
	Status      string             `json:"status"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Reasons     []string           `json:"reasons,omitempty"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
}

func contractResponse(c domain.Contract) ContractResponse {
	resp := ContractResponse{
		ID:          c.ID,
		RunID:       c.RunID,
		Version:     c.Version,
		Supersedes:  c.Supersedes,
		PhaseOrd:    c.PhaseOrd,
		Capability:  c.Capability,
		AgentID:     c.AgentID,
		SchemaRef:   c.SchemaRef,
		Criteria:    c.Criteria,
		OpenClock:   c.OpenClock,
		OpenEventID: c.OpenEventID,
		Deadline:    c.Deadline,
		Status:      c.Status,
		Reasons:     c.Reasons,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	if json.Valid([]byte(c.Payload)) {
		resp.Payload = json.RawMessage(c.Payload)
	}
	if c.Output != nil && json.Valid([]byte(*c.Output)) {
		resp.Output = json.RawMessage(*c.Output)
	}
	return resp
}

func contractResponses(cs []domain.Contract) []ContractResponse {
	out := make([]ContractResponse, 0, len(cs))
	for _, c := range cs {
		out = append(out, contractResponse(c))
	}
	return out
}

type StatusResponse struct {
	Run         domain.Run     `json:"run"`
	Phases      []domain.Phase `json:"phases"`
	ActiveOrd   int            `json:"active_phase_ord,omitempty"`
	Agents      int            `json:"agents"`
	Contracts   map[string]int `json:"contracts"`
	Checkpoints int            `json:"checkpoints"`
}
