package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/treasury-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "treasury-cli",
	Short: "Holdings verification and reconciliation engine",
	Long:  "Monitors public companies' digital-asset treasury disclosures, extracts balance-sheet facts, maintains an event-sourced field ledger, and reconciles it against independent sources.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		mode := "cli"
		if cmd.Name() == "serve" {
			mode = "serve"
		}
		if err := cfg.Validate(mode); err != nil {
			return err
		}

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
