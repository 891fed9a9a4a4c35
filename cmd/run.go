package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/voxflow/internal/audit"
	"github.com/nextlevelbuilder/voxflow/internal/bus"
	"github.com/nextlevelbuilder/voxflow/internal/config"
	"github.com/nextlevelbuilder/voxflow/internal/engine"
	"github.com/nextlevelbuilder/voxflow/internal/factory"
	"github.com/nextlevelbuilder/voxflow/internal/gates"
	"github.com/nextlevelbuilder/voxflow/internal/planner"
	"github.com/nextlevelbuilder/voxflow/internal/tools"
	"github.com/nextlevelbuilder/voxflow/internal/webhooks"
	"github.com/nextlevelbuilder/voxflow/internal/workset"
)

// runCmd executes one utterance end to end and prints the workflow result.
func runCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run \"<utterance>\"",
		Short: "Compile and execute a single voice command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			utterance := strings.TrimSpace(args[0])

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			eventBus := bus.New()
			defer eventBus.Shutdown()

			store := workset.New(cfg.Store.SnapshotPath)
			defer store.Close()

			sink, err := audit.Open(cfg.Audit)
			if err != nil {
				return err
			}
			defer sink.Close()
			sink.Bind(eventBus)

			provider := buildProvider(cfg)
			eng := engine.New(engine.Config{
				Compiler: planner.New(compilerProvider(cfg, provider)),
				Factory:  factory.New(),
				Gates:    gates.NewEngine(provider, cfg.Engine.JudgeModel, nil),
				Bus:      eventBus,
				Webhooks: webhooks.NewManager(cfg.Webhooks.RateLimitRPS),
				Store:    store,
				Tools:    tools.Default(cfg.Engine.Workspace),
				Provider: provider,
			})

			wf, err := eng.ProcessVoiceCommand(ctx, utterance, map[string]any{"source": "cli"})
			if err != nil {
				return err
			}
			slog.Info("run.workflow_created", "workflow_id", wf.WorkflowID, "agents", len(wf.Plan.Children))

			execErr := eng.ExecuteWorkflow(ctx, wf.WorkflowID)
			final, err := eng.GetWorkflow(wf.WorkflowID)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(final)
			}

			fmt.Printf("workflow %s: %s\n", final.WorkflowID, final.State)
			for role, agent := range final.ChildAgents {
				line := string(agent.State)
				if agent.Error != "" {
					line += " (" + agent.Error + ")"
				}
				fmt.Printf("  %-12s %s\n", role, line)
				if agent.Output != "" {
					fmt.Printf("    %s\n", agent.Output)
				}
			}
			return execErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the final workflow as JSON")
	return cmd
}
