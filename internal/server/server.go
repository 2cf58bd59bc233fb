// Package server exposes the orchestration engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"teamline/internal/domain"
	"teamline/internal/engine"
	"teamline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"contract_not_open"`
	Message string         `json:"message" example:"contract is already settled"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Teamline API. Background loops
// such as the webhook dispatcher stop when ctx is cancelled.
func New(ctx context.Context, cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Teamline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerContracts(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerCheckpoints(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(ctx, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownAgent):
		return newAPIError(http.StatusNotFound, "unknown_agent", err.Error(), nil)
	case errors.Is(err, engine.ErrContractNotOpen):
		return newAPIError(http.StatusConflict, "contract_not_open", err.Error(), nil)
	case errors.Is(err, engine.ErrClockRegression):
		return newAPIError(http.StatusConflict, "clock_regression", err.Error(), nil)
	case errors.Is(err, engine.ErrContractBreach):
		return newAPIError(http.StatusConflict, "contract_breach", err.Error(), nil)
	case errors.Is(err, engine.ErrNoDeadlineSlack):
		return newAPIError(http.StatusBadRequest, "no_deadline_slack", err.Error(), nil)
	case errors.Is(err, engine.ErrCapabilityUnavailable):
		return newAPIError(http.StatusConflict, "capability_unavailable", err.Error(), nil)
	case errors.Is(err, engine.ErrPhaseNotReady):
		return newAPIError(http.StatusConflict, "phase_not_ready", err.Error(), nil)
	case errors.Is(err, engine.ErrNoCheckpointAvailable):
		return newAPIError(http.StatusConflict, "no_checkpoint_available", err.Error(), nil)
	case errors.Is(err, engine.ErrRunFinished):
		return newAPIError(http.StatusConflict, "run_finished", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "expected delivered") || strings.Contains(lowered, "exhausted"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// resolveRun returns the run for an optional run id, falling back to the
// single existing run.
func resolveRun(ctx context.Context, e engine.Engine, runID string) (domain.Run, error) {
	if runID != "" {
		return e.Repo.GetRun(ctx, nil, runID)
	}
	return e.Repo.SingleRun(ctx)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status"`
		} `json:"body"`
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status"`
			} `json:"body"`
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Start a run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body StartRunRequest `json:"body"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.StartRun(ctx, input.Body.Goal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, nil, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Run status summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `query:"run_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		run, err := resolveRun(ctx, e, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		phases, err := e.Repo.ListPhases(ctx, nil, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		agents, err := e.Repo.ListAgents(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountContractsByStatus(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		cps, err := e.Repo.ListCheckpoints(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := StatusResponse{
			Run:         run,
			Phases:      phases,
			Agents:      len(agents),
			Contracts:   counts,
			Checkpoints: len(cps),
		}
		for _, p := range phases {
			if p.Status == "active" || p.Status == "gated" {
				resp.ActiveOrd = p.Ord
				break
			}
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		agent, err := e.RegisterAgent(ctx, input.Body.Name, input.Body.Capabilities, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		agents, err := e.Repo.ListAgents(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: agents}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		agent, err := e.Repo.GetAgent(ctx, nil, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deregister-agent",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}",
		Summary:     "Deregister agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct{}, error) {
		if err := e.DeregisterAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-heartbeat",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/heartbeat",
		Summary:     "Record agent heartbeat",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if err := e.RecordHeartbeat(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		agent, err := e.Repo.GetAgent(ctx, nil, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: agent}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Open a delegation contract",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body OpenContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		if input.Body.Capability == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "capability is required", nil)
		}
		if input.Body.PhaseOrd < 1 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "phase_ord is required", nil)
		}
		run, err := resolveRun(ctx, e, input.Body.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		payload := "{}"
		if input.Body.Payload != nil {
			b, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
			}
			payload = string(b)
		}
		c, err := e.OpenContract(ctx, engine.OpenContractSpec{
			RunID:      run.ID,
			PhaseOrd:   input.Body.PhaseOrd,
			Capability: input.Body.Capability,
			Payload:    payload,
			SchemaRef:  input.Body.SchemaRef,
			Deadline:   input.Body.Deadline,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
	}, func(ctx context.Context, input *struct {
		RunID      string `query:"run_id"`
		PhaseOrd   int    `query:"phase_ord"`
		Status     string `query:"status" enum:",open,delivered,accepted,rejected,expired"`
		Capability string `query:"capability"`
		AgentID    string `query:"agent_id"`
	}) (*struct {
		Body []ContractResponse `json:"body"`
	}, error) {
		cs, err := e.Repo.ListContracts(ctx, nil, repo.ContractFilter{
			RunID:      input.RunID,
			PhaseOrd:   input.PhaseOrd,
			Status:     input.Status,
			Capability: input.Capability,
			AgentID:    input.AgentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ContractResponse `json:"body"`
		}{Body: contractResponses(cs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}",
		Summary:     "Get contract",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetContract(ctx, nil, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/deliver",
		Summary:     "Deliver contract output",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string                 `path:"contract_id"`
		Body       DeliverContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		if len(input.Body.Clock) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "clock is required", nil)
		}
		output, err := json.Marshal(input.Body.Output)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid output", nil)
		}
		c, err := e.DeliverContract(ctx, input.ContractID, input.Body.AgentID, string(output), input.Body.Clock)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/review",
		Summary:     "Validate a delivery and settle the contract",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body domain.ValidationResult `json:"body"`
	}, error) {
		result, err := e.ReviewDelivery(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ValidationResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/accept",
		Summary:     "Force-accept a delivered contract",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := e.AcceptContract(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/reject",
		Summary:     "Reject a contract",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string                `path:"contract_id"`
		Body       RejectContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := e.RejectContract(ctx, input.ContractID, input.Body.Reasons)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/cancel",
		Summary:     "Cancel an open contract",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string                `path:"contract_id"`
		Body       CancelContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := e.CancelContract(ctx, input.ContractID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reassign-contract",
		Method:        http.MethodPost,
		Path:          "/contracts/{contract_id}/reassign",
		Summary:       "Reassign a breached contract",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := e.ReassignContract(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contract-validations",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/validations",
		Summary:     "List validations for a contract",
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body []domain.ValidationResult `json:"body"`
	}, error) {
		vs, err := e.Repo.ListValidationsByContract(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ValidationResult `json:"body"`
		}{Body: vs}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/phases",
		Summary:     "List run phases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []domain.Phase `json:"body"`
	}, error) {
		phases, err := e.Repo.ListPhases(ctx, nil, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Phase `json:"body"`
		}{Body: phases}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-phase",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/phases/{ord}/activate",
		Summary:     "Activate a phase",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Ord   int    `path:"ord"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		p, err := e.ActivatePhase(ctx, input.RunID, input.Ord)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "gate-phase",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/phases/{ord}/gate",
		Summary:     "Gate an active phase",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Ord   int    `path:"ord"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		p, err := e.GatePhase(ctx, input.RunID, input.Ord)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-phase",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/phases/{ord}/evaluate",
		Summary:     "Evaluate the exit gate for a gated phase",
		Errors:      []int{http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Ord   int    `path:"ord"`
	}) (*struct {
		Body engine.GateReport `json:"body"`
	}, error) {
		report, err := e.EvaluateExitGate(ctx, input.RunID, input.Ord)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.GateReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/rollback",
		Summary:     "Roll back to the latest checkpoint before a phase",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string          `path:"run_id"`
		Body  RollbackRequest `json:"body"`
	}) (*struct {
		Body domain.Checkpoint `json:"body"`
	}, error) {
		if input.Body.PhaseOrd < 1 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "phase_ord is required", nil)
		}
		cp, err := e.Rollback(ctx, input.RunID, input.Body.PhaseOrd, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Checkpoint `json:"body"`
		}{Body: cp}, nil
	})
}

func registerCheckpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/checkpoints",
		Summary:     "List run checkpoints",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []domain.Checkpoint `json:"body"`
	}, error) {
		cps, err := e.Repo.ListCheckpoints(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Checkpoint `json:"body"`
		}{Body: cps}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		RunID      string `query:"run_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		After      int64  `query:"after"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		var evts []domain.Event
		var err error
		if input.After > 0 {
			evts, err = e.Repo.EventsAfter(ctx, input.Limit, input.After, input.RunID)
		} else {
			evts, err = e.Repo.LatestEvents(ctx, input.Limit, input.RunID, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, req *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}
