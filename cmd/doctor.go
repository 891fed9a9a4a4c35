package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/voxflow/internal/audit"
	"github.com/nextlevelbuilder/voxflow/internal/config"
	"github.com/nextlevelbuilder/voxflow/internal/planner"
	"github.com/nextlevelbuilder/voxflow/internal/workset"
)

// doctorCmd checks the local setup: config, snapshot, audit DB, compiler
// rule path, and LLM credentials.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local voxflow setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			check := func(name string, err error) {
				if err != nil {
					fmt.Printf("✗ %-22s %v\n", name, err)
					return
				}
				fmt.Printf("✓ %s\n", name)
			}

			cfg, err := config.Load(resolveConfigPath())
			check("config", err)
			if err != nil {
				return nil
			}

			store := workset.New(cfg.Store.SnapshotPath)
			st := store.Statistics()
			fmt.Printf("✓ workset snapshot        threads=%d items=%d attachments=%d\n",
				st.Threads.Total, st.Items.Total, st.Attachments.Total)
			store.Close()

			sink, err := audit.Open(cfg.Audit)
			check("audit database", err)
			if err == nil {
				sink.Close()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			_, err = planner.New(nil).Compile(ctx, "write a smoke test", nil)
			check("rule-path compiler", err)

			if cfg.Providers.Anthropic.APIKey == "" && cfg.Providers.OpenAI.APIKey == "" {
				fmt.Println("! llm provider            no API key set; the compiler uses keyword rules only")
			} else {
				fmt.Println("✓ llm provider")
			}
			return nil
		},
	}
}
