package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/monitor"
)

var (
	monitorTickers string
	monitorForce   bool
	monitorRunType string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run one monitoring batch over tracked companies",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		opts := monitor.Options{
			Force:   monitorForce,
			RunType: model.RunType(monitorRunType),
		}
		if monitorTickers != "" {
			opts.Tickers = splitTickers(monitorTickers)
		}

		run, err := env.Orchestrator.Run(cmd.Context(), opts)
		if err != nil {
			return err
		}

		fmt.Printf("Run %s %s\n", run.ID, run.Status)
		fmt.Printf("  companies checked:  %d\n", run.Stats.CompaniesChecked)
		fmt.Printf("  sources checked:    %d\n", run.Stats.SourcesChecked)
		fmt.Printf("  updates detected:   %d\n", run.Stats.UpdatesDetected)
		fmt.Printf("  auto-approved:      %d\n", run.Stats.UpdatesAutoApproved)
		fmt.Printf("  pending review:     %d\n", run.Stats.UpdatesPendingReview)
		fmt.Printf("  facts discarded:    %d\n", run.Stats.FactsDiscarded)
		fmt.Printf("  errors:             %d\n", run.Stats.ErrorsCount)
		for _, detail := range run.Stats.ErrorDetails {
			fmt.Printf("    - %s\n", detail)
		}
		return nil
	},
}

func splitTickers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func init() {
	monitorCmd.Flags().StringVar(&monitorTickers, "tickers", "", "comma-separated tickers (default: all active)")
	monitorCmd.Flags().BoolVar(&monitorForce, "force", false, "bypass the last-checked throttle")
	monitorCmd.Flags().StringVar(&monitorRunType, "run-type", "manual", "run type (manual|scheduled)")
	rootCmd.AddCommand(monitorCmd)
}
