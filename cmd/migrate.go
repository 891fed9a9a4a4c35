package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/voxflow/internal/audit"
	"github.com/nextlevelbuilder/voxflow/internal/config"
)

// migrateCmd applies the audit schema migrations and exits. The hub also
// migrates on startup; this exists for deploy pipelines that migrate first.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply audit database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			sink, err := audit.Open(cfg.Audit)
			if err != nil {
				return err
			}
			defer sink.Close()
			fmt.Println("migrations applied")
			return nil
		},
	}
}
