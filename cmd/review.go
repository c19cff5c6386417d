package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/store"
)

var (
	reviewStatus   string
	reviewTicker   string
	reviewNotes    string
	reviewReviewer string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the pending-update review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List updates in the review queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		updates, err := env.Queue.List(cmd.Context(), store.UpdateFilter{
			Status: model.UpdateStatus(reviewStatus),
			Ticker: reviewTicker,
		})
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			fmt.Println("No updates.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTICKER\tFIELD\tVALUE\tPREV\tTRUST\tCONF\tSTATUS\tEVIDENCE")
		for _, u := range updates {
			prev := "-"
			if u.PreviousValue != nil {
				prev = u.PreviousValue.String()
			}
			evidence := u.QuoteOrAnchor
			if len(evidence) > 60 {
				evidence = evidence[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
				u.ID, u.Ticker, u.Field, u.DetectedValue, prev, u.TrustLevel, u.ConfidenceScore, u.Status, evidence)
		}
		return w.Flush()
	},
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve a pending update into the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		u, err := env.Queue.Approve(cmd.Context(), args[0], reviewReviewer, reviewNotes)
		if err != nil {
			return err
		}
		fmt.Printf("Approved %s: %s %s = %s\n", u.ID, u.Ticker, u.Field, u.DetectedValue)
		return nil
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Reject a pending update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		u, err := env.Queue.Reject(cmd.Context(), args[0], reviewReviewer, reviewNotes)
		if err != nil {
			return err
		}
		fmt.Printf("Rejected %s: %s %s = %s\n", u.ID, u.Ticker, u.Field, u.DetectedValue)
		return nil
	},
}

func init() {
	reviewListCmd.Flags().StringVar(&reviewStatus, "status", "pending", "filter by status (pending|approved|rejected|superseded, empty for all)")
	reviewListCmd.Flags().StringVar(&reviewTicker, "ticker", "", "filter by ticker")
	for _, c := range []*cobra.Command{reviewApproveCmd, reviewRejectCmd} {
		c.Flags().StringVar(&reviewNotes, "notes", "", "resolution notes")
		c.Flags().StringVar(&reviewReviewer, "reviewer", defaultReviewer(), "reviewer name")
	}
	reviewCmd.AddCommand(reviewListCmd, reviewApproveCmd, reviewRejectCmd)
	rootCmd.AddCommand(reviewCmd)
}

func defaultReviewer() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
