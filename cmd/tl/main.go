package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"teamline/internal/config"
	"teamline/internal/db"
	"teamline/internal/domain"
	"teamline/internal/engine"
	"teamline/internal/migrate"
	"teamline/internal/repo"
	"teamline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Teamline CLI",
	Long: `Teamline coordinates a team of worker agents through a ten-phase run.
Core concepts:
- Workspace: your .teamline directory with the database; run config lives in the DB and can be imported from teamline.yml.
- Run: one goal pursued through ten ordered phases; each phase must pass its exit gate before the next can start.
- Contract: a unit of delegated work with acceptance criteria, a deadline, and the coordinator clock snapshotted at open time.
- Agent: a registered worker with capabilities; contracts are routed to the least-loaded capable agent.
- Vector clocks: every delivery carries the agent's clock so the log stays causally ordered; a delivery that shows no progress is refused.
- Validation: deliveries are checked for placeholder output, banned patterns, and unverifiable claims before acceptance.
- Checkpoint: each passed phase snapshots all clocks; rollback restores the newest checkpoint below the failing phase.
- Event log: append-only diary of the run, view with 'tl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TEAMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("run", "", "run id (overrides single-run lookup)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("run", rootCmd.PersistentFlags().Lookup("run"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
		Long:  "A run is one goal pursued through ten ordered phases, each gated on accepted contract deliveries.",
	}
	run.AddCommand(runStartCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runStatusCmd())
	run.AddCommand(runFinishCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var goal string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.StartRun(ctx, goal)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "run goal")
	return cmd
}

func runListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(runs)
			})
		},
	}
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runID, err := resolveRunID(ctx, r)
				if err != nil {
					return err
				}
				run, err := r.GetRun(ctx, nil, runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show run status",
		Long:  "The scoreboard for a run: phase states, contract counts per status, and checkpoints written so far.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runID, err := resolveRunID(ctx, r)
				if err != nil {
					return err
				}
				run, err := r.GetRun(ctx, nil, runID)
				if err != nil {
					return err
				}
				phases, err := r.ListPhases(ctx, nil, runID)
				if err != nil {
					return err
				}
				counts, err := r.CountContractsByStatus(ctx, runID)
				if err != nil {
					return err
				}
				checkpoints, err := r.ListCheckpoints(ctx, runID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"run":             run,
					"phases":          phases,
					"contract_counts": counts,
					"checkpoints":     len(checkpoints),
				}
				active, err := r.ActivePhase(ctx, runID)
				if err == nil {
					out["active_phase"] = active
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Run: %s (%s) goal=%q\n", run.ID, run.Status, run.Goal)
				if p, ok := out["active_phase"].(domain.Phase); ok {
					fmt.Printf("Active phase: %d %s (%s)\n", p.Ord, p.Name, p.Status)
				}
				fmt.Println("Phases:")
				for _, p := range phases {
					fmt.Printf("  %2d %-28s %-12s attempts=%d\n", p.Ord, p.Name, p.Status, p.Attempts)
				}
				fmt.Println("Contracts:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Checkpoints: %d\n", len(checkpoints))
				return nil
			})
		},
	}
	return cmd
}

func runFinishCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "finish",
		Short: "Finish a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "completed" && status != "failed" {
				return fmt.Errorf("--status must be completed or failed")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runID, err := resolveRunID(ctx, e.Repo)
				if err != nil {
					return err
				}
				return e.FinishRun(ctx, runID, status, reason)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "completed", "terminal status (completed or failed)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long:  "Agents are registered workers with capabilities. Routing picks the least-loaded reachable agent for each contract.",
	}
	a.AddCommand(agentRegisterCmd())
	a.AddCommand(agentListCmd())
	a.AddCommand(agentShowCmd())
	a.AddCommand(agentDeregisterCmd())
	a.AddCommand(agentHeartbeatCmd())
	return a
}

func agentRegisterCmd() *cobra.Command {
	var name string
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, name, capabilities, nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringArrayVar(&capabilities, "capability", []string{}, "capability (repeatable)")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				agents, err := r.ListAgents(ctx, nil)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Capabilities", "Status", "Missed beats"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Name, strings.Join(a.Capabilities, ","), a.Status, a.MissedBeats})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent and its clock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgent(ctx, nil, args[0])
				if err != nil {
					return err
				}
				clock, err := e.ClockOf(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"agent": a, "clock": clock})
			})
		},
	}
	return cmd
}

func agentDeregisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deregister <agent-id>",
		Short: "Deregister an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeregisterAgent(ctx, args[0])
			})
		},
	}
	return cmd
}

func agentHeartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat <agent-id>",
		Short: "Record a heartbeat for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RecordHeartbeat(ctx, args[0])
			})
		},
	}
	return cmd
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "contract",
		Short: "Manage contracts",
		Long:  "Contracts delegate one unit of work: payload, criteria, deadline, and the coordinator clock at open time. Statuses go open -> delivered -> accepted/rejected, or expire at the deadline.",
	}
	c.AddCommand(contractOpenCmd())
	c.AddCommand(contractListCmd())
	c.AddCommand(contractShowCmd())
	c.AddCommand(contractDeliverCmd())
	c.AddCommand(contractReviewCmd())
	c.AddCommand(contractAcceptCmd())
	c.AddCommand(contractRejectCmd())
	c.AddCommand(contractCancelCmd())
	c.AddCommand(contractReassignCmd())
	c.AddCommand(contractExpireCmd())
	c.AddCommand(contractValidationsCmd())
	return c
}

func contractOpenCmd() *cobra.Command {
	var phaseOrd int
	var capability, payloadJSON, schemaRef, deadline string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payloadJSON != "" && !json.Valid([]byte(payloadJSON)) {
				return fmt.Errorf("--payload-json is not valid JSON")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runID, err := resolveRunID(ctx, e.Repo)
				if err != nil {
					return err
				}
				c, err := e.OpenContract(ctx, engine.OpenContractSpec{
					RunID:      runID,
					PhaseOrd:   phaseOrd,
					Capability: capability,
					Payload:    payloadJSON,
					SchemaRef:  schemaRef,
					Deadline:   deadline,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().IntVar(&phaseOrd, "phase", 0, "phase ordinal")
	cmd.Flags().StringVar(&capability, "capability", "", "required capability")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "payload JSON")
	cmd.Flags().StringVar(&schemaRef, "schema-ref", "", "output schema reference")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("capability")
	return cmd
}

func contractListCmd() *cobra.Command {
	var f repo.ContractFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if f.RunID == "" {
					runID, err := resolveRunID(ctx, r)
					if err != nil {
						return err
					}
					f.RunID = runID
				}
				contracts, err := r.ListContracts(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(contracts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phase", "Capability", "Agent", "Status", "Version", "Deadline"})
				for _, c := range contracts {
					tw.AppendRow(table.Row{c.ID, c.PhaseOrd, c.Capability, c.AgentID, c.Status, c.Version, c.Deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RunID, "run-id", "", "run id filter")
	cmd.Flags().IntVar(&f.PhaseOrd, "phase", 0, "phase ordinal filter")
	cmd.Flags().StringVar(&f.Capability, "capability", "", "capability filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func contractShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetContract(ctx, nil, args[0])
				if err != nil {
					return err
				}
				reassignments, err := e.ChainLength(ctx, c)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"contract": c, "reassignments": reassignments})
			})
		},
	}
	return cmd
}

func contractDeliverCmd() *cobra.Command {
	var agentID, outputJSON, clockJSON string
	cmd := &cobra.Command{
		Use:   "deliver <contract-id>",
		Short: "Deliver output against a contract",
		Long:  "The clock must dominate the contract's open clock and show progress in the agent's own component, or the delivery is refused.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clock, err := parseClock(clockJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.DeliverContract(ctx, args[0], agentID, outputJSON, clock)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "delivering agent id")
	cmd.Flags().StringVar(&outputJSON, "output-json", "", "output JSON")
	cmd.Flags().StringVar(&clockJSON, "clock-json", "", `agent vector clock, e.g. '{"team-leader":3,"agent-1":2}'`)
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("output-json")
	_ = cmd.MarkFlagRequired("clock-json")
	return cmd
}

func contractReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review <contract-id>",
		Short: "Validate a delivery and accept or reject it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.ReviewDelivery(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	return cmd
}

func contractAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <contract-id>",
		Short: "Accept a delivered contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AcceptContract(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func contractRejectCmd() *cobra.Command {
	var reasons []string
	cmd := &cobra.Command{
		Use:   "reject <contract-id>",
		Short: "Reject a delivered contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RejectContract(ctx, args[0], reasons)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringArrayVar(&reasons, "reason", []string{}, "rejection reason (repeatable)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func contractCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <contract-id>",
		Short: "Cancel an open contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CancelContract(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func contractReassignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reassign <contract-id>",
		Short: "Reassign a settled contract to a fresh agent",
		Long:  "Opens a new contract version superseding the old one, excluding every agent in the supersession chain.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ReassignContract(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func contractExpireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire overdue open contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runID, err := resolveRunID(ctx, e.Repo)
				if err != nil {
					return err
				}
				expired, err := e.ExpireOverdue(ctx, runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(expired)
			})
		},
	}
	return cmd
}

func contractValidationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validations <contract-id>",
		Short: "List validation results for a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListValidationsByContract(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func phaseCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "phase",
		Short: "Manage phases",
		Long:  "Phases run strictly in order. Activation checks that every earlier phase passed; gating requires all contracts terminal; the exit gate judges the newest contract per required capability.",
	}
	p.AddCommand(phaseListCmd())
	p.AddCommand(phaseActivateCmd())
	p.AddCommand(phaseGateCmd())
	p.AddCommand(phaseEvaluateCmd())
	return p
}

func phaseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runID, err := resolveRunID(ctx, r)
				if err != nil {
					return err
				}
				phases, err := r.ListPhases(ctx, nil, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Ord", "Name", "Capabilities", "Status", "Attempts"})
				for _, p := range phases {
					tw.AppendRow(table.Row{p.Ord, p.Name, strings.Join(p.Capabilities, ","), p.Status, p.Attempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func phaseActivateCmd() *cobra.Command {
	var ord int
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate a phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runID, err := resolveRunID(ctx, e.Repo)
				if err != nil {
					return err
				}
				p, err := e.ActivatePhase(ctx, runID, ord)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().IntVar(&ord, "phase", 0, "phase ordinal")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func phaseGateCmd() *cobra.Command {
	var ord int
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Gate an active phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runID, err := resolveRunID(ctx, e.Repo)
				if err != nil {
					return err
				}
				p, err := e.GatePhase(ctx, runID, ord)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().IntVar(&ord, "phase", 0, "phase ordinal")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func phaseEvaluateCmd() *cobra.Command {
	var ord int
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a gated phase's exit gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runID, err := resolveRunID(ctx, e.Repo)
				if err != nil {
					return err
				}
				report, err := e.EvaluateExitGate(ctx, runID, ord)
				if err != nil {
					return err
				}
				validations, err := e.Repo.ListValidationsForPhase(ctx, nil, runID, ord)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"report": report, "validations": validations})
			})
		},
	}
	cmd.Flags().IntVar(&ord, "phase", 0, "phase ordinal")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect checkpoints",
	}
	cp.AddCommand(checkpointListCmd())
	return cp
}

func checkpointListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runID, err := resolveRunID(ctx, r)
				if err != nil {
					return err
				}
				items, err := r.ListCheckpoints(ctx, runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func rollbackCmd() *cobra.Command {
	var ord int
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back to the checkpoint below a phase",
		Long:  "Restores all clocks from the newest checkpoint strictly below the given phase, expires later contracts, and resets later phases to pending. The event log is never rewritten.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runID, err := resolveRunID(ctx, e.Repo)
				if err != nil {
					return err
				}
				cp, err := e.Rollback(ctx, runID, ord, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	cmd.Flags().IntVar(&ord, "phase", 0, "failing phase ordinal")
	cmd.Flags().StringVar(&reason, "reason", "", "rollback reason")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only diary of the run: contract lifecycle, clock ticks, phase gates, checkpoints, and rollbacks.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logShowCmd())
	return log
}

func logShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("event id must be numeric: %w", err)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evt, err := r.GetEvent(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runID, err := resolveRunID(ctx, r)
				if err != nil {
					return err
				}
				events, err := r.LatestEvents(ctx, n, runID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect run config",
		Long:  "Config is the rulebook (stored in DB): phase names and capabilities, acceptance criteria, coordinator bounds, and detection patterns. Import from teamline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configExportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default teamline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(runID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "default-run", "run id for the generated config")
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertRunConfig(ctx, cfg.Run.ID, cfg); err != nil {
					return err
				}
				fmt.Printf("imported config for run %s\n", cfg.Run.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file path (defaults to workspace teamline.yml)")
	return cmd
}

func configExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print stored config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := yaml.Marshal(e.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := resolveConfig(cmd.Context(), repo.Repo{DB: conn})
			if err != nil {
				return err
			}
			e, err := engine.New(conn, cfg)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TEAMLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				fmt.Println("warning: TEAMLINE_JWT_SECRET not set, bearer auth disabled")
			}
			handler, err := server.New(cmd.Context(), server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			go func() {
				if err := e.MonitorHeartbeats(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
					fmt.Fprintf(os.Stderr, "heartbeat monitor stopped: %v\n", err)
				}
			}()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Teamline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(ctx, repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// resolveConfig prefers the stored config of the selected run, then the
// workspace teamline.yml, then built-in defaults.
func resolveConfig(ctx context.Context, r repo.Repo) (*config.Config, error) {
	if runID := strings.TrimSpace(viper.GetString("run")); runID != "" {
		cfg, err := r.GetRunConfig(ctx, runID)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	if run, err := r.SingleRun(ctx); err == nil {
		if cfg, err := r.GetRunConfig(ctx, run.ID); err == nil {
			return cfg, nil
		}
	}
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	return config.Default("default-run"), nil
}

func resolveRunID(ctx context.Context, r repo.Repo) (string, error) {
	if runID := strings.TrimSpace(viper.GetString("run")); runID != "" {
		return runID, nil
	}
	run, err := r.SingleRun(ctx)
	if err != nil {
		return "", fmt.Errorf("run not specified; use --run")
	}
	return run.ID, nil
}

func parseClock(raw string) (domain.Clock, error) {
	var c domain.Clock
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("parse clock: %w", err)
	}
	return c, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
