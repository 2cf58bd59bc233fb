package teamlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client is a minimal Teamline HTTP API client for worker agents.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Clock is a vector clock keyed by owner id.
type Clock map[string]uint64

// Agent represents the API agent model (partial).
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
}

// Contract represents the API contract model (partial).
type Contract struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	Version    int             `json:"version"`
	PhaseOrd   int             `json:"phase_ord"`
	Capability string          `json:"capability"`
	AgentID    string          `json:"agent_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SchemaRef  string          `json:"schema_ref,omitempty"`
	OpenClock  Clock           `json:"open_clock"`
	Deadline   string          `json:"deadline"`
	Status     string          `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	RunID      string          `json:"run_id"`
	PhaseOrd   int             `json:"phase_ord"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	AgentID    string          `json:"agent_id"`
	Clock      Clock           `json:"clock,omitempty"`
	Payload    json.RawMessage `json:"payload_json"`
}

// ValidationResult reports delivery validation.
type ValidationResult struct {
	ID         string `json:"id"`
	ContractID string `json:"contract_id"`
	Pass       bool   `json:"pass"`
	Violations []struct {
		Criterion string `json:"criterion"`
		Evidence  string `json:"evidence"`
	} `json:"violations,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterAgent registers a worker and returns its assigned id.
func (c *Client) RegisterAgent(ctx context.Context, name string, capabilities []string) (Agent, error) {
	body := map[string]any{
		"name":         name,
		"capabilities": capabilities,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v0/agents", body, &resp)
	return resp, err
}

// Heartbeat reports liveness for an agent.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	endpoint := fmt.Sprintf("v0/agents/%s/heartbeat", url.PathEscape(agentID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// OpenContracts lists contracts currently assigned to the agent and awaiting delivery.
func (c *Client) OpenContracts(ctx context.Context, agentID string) ([]Contract, error) {
	endpoint := fmt.Sprintf("v0/contracts?status=open&agent_id=%s", url.QueryEscape(agentID))
	var resp []Contract
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetContract fetches a contract by id.
func (c *Client) GetContract(ctx context.Context, id string) (Contract, error) {
	var resp Contract
	endpoint := fmt.Sprintf("v0/contracts/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Deliver submits output against a contract with the given clock.
func (c *Client) Deliver(ctx context.Context, contractID, agentID string, output any, clock Clock) (Contract, error) {
	body := map[string]any{
		"agent_id": agentID,
		"output":   output,
		"clock":    clock,
	}
	var resp Contract
	endpoint := fmt.Sprintf("v0/contracts/%s/deliver", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Validations lists the validation results recorded for a contract.
func (c *Client) Validations(ctx context.Context, contractID string) ([]ValidationResult, error) {
	endpoint := fmt.Sprintf("v0/contracts/%s/validations", url.PathEscape(contractID))
	var resp []ValidationResult
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, optionally after a cursor.
func (c *Client) Events(ctx context.Context, runID string, after int64, limit int) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Handler produces contract output. The returned value is marshaled as the
// delivery output.
type Handler func(ctx context.Context, c Contract) (any, error)

// Worker polls for assigned contracts, runs the handler, and delivers with a
// correctly advanced vector clock. It keeps one clock per agent across
// deliveries so successive outputs stay causally ordered.
type Worker struct {
	Client  *Client
	AgentID string
	Handler Handler

	// PollInterval defaults to 2s, HeartbeatInterval to 10s.
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	mu    sync.Mutex
	clock Clock
}

// deliveryClock folds the contract's open clock into the worker's own clock
// and advances the worker's component. The result dominates the open clock
// and shows progress, which is what the server requires.
func (w *Worker) deliveryClock(c Contract) Clock {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.clock == nil {
		w.clock = Clock{}
	}
	for id, v := range c.OpenClock {
		if v > w.clock[id] {
			w.clock[id] = v
		}
	}
	w.clock[w.AgentID]++
	out := make(Clock, len(w.clock))
	for id, v := range w.clock {
		out[id] = v
	}
	return out
}

// Run polls until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	poll := w.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	beat := w.HeartbeatInterval
	if beat <= 0 {
		beat = 10 * time.Second
	}
	pollTicker := time.NewTicker(poll)
	defer pollTicker.Stop()
	beatTicker := time.NewTicker(beat)
	defer beatTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-beatTicker.C:
			if err := w.Client.Heartbeat(ctx, w.AgentID); err != nil {
				return err
			}
		case <-pollTicker.C:
			if err := w.step(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) step(ctx context.Context) error {
	contracts, err := w.Client.OpenContracts(ctx, w.AgentID)
	if err != nil {
		return err
	}
	for _, c := range contracts {
		output, err := w.Handler(ctx, c)
		if err != nil {
			// Leave the contract to expire; the coordinator reassigns it.
			continue
		}
		if _, err := w.Client.Deliver(ctx, c.ID, w.AgentID, output, w.deliveryClock(c)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
