package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/store"
)

var (
	verifyTickers   string
	verifyStatus    string
	verifySeverity  string
	verifySinceDays int
	verifyNotes     string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Reconcile ledger values against reference sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		found, err := runVerifyPass(cmd.Context(), env, splitTickers(verifyTickers))
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Println("No discrepancies.")
			return nil
		}
		for _, d := range found {
			fmt.Printf("%s  %s %s: ours=%s deviation=%s%% severity=%s\n",
				d.ID, d.Ticker, d.Field, d.OurValue, d.MaxDeviationPct.Round(2), d.Severity)
		}
		return nil
	},
}

// runVerifyPass checks every (company, field) pair and returns the open
// discrepancies found or refreshed in this pass.
func runVerifyPass(ctx context.Context, env *appEnv, tickers []string) ([]model.Discrepancy, error) {
	var companies []model.Company
	if len(tickers) == 0 {
		var err error
		companies, err = env.Store.ListCompanies(ctx, true)
		if err != nil {
			return nil, err
		}
	} else {
		for _, t := range tickers {
			c, err := env.Store.GetCompany(ctx, t)
			if err != nil {
				return nil, eris.Wrapf(err, "company %s", t)
			}
			companies = append(companies, *c)
		}
	}

	var found []model.Discrepancy
	for _, company := range companies {
		for _, field := range model.Fields {
			d, err := env.Detector.Check(ctx, company, field)
			if err != nil {
				return nil, eris.Wrapf(err, "check %s/%s", company.Ticker, field)
			}
			if d != nil {
				found = append(found, *d)
			}
		}
	}
	return found, nil
}

var verifyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded discrepancies",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		discs, err := env.Store.ListDiscrepancies(cmd.Context(), store.DiscrepancyFilter{
			Status:    model.DiscrepancyStatus(verifyStatus),
			Severity:  model.DiscrepancySeverity(verifySeverity),
			SinceDays: verifySinceDays,
		})
		if err != nil {
			return err
		}
		if len(discs) == 0 {
			fmt.Println("No discrepancies.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTICKER\tFIELD\tOURS\tDEV%\tSEVERITY\tSTATUS\tDETECTED")
		for _, d := range discs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				d.ID, d.Ticker, d.Field, d.OurValue, d.MaxDeviationPct.Round(2),
				d.Severity, d.Status, d.DetectedAt.Format("2006-01-02"))
		}
		return w.Flush()
	},
}

var verifyResolveCmd = &cobra.Command{
	Use:   "resolve ID VALUE",
	Short: "Resolve a discrepancy with the verified value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := decimal.NewFromString(args[1])
		if err != nil {
			return eris.Wrap(err, "parse value")
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Detector.Resolve(cmd.Context(), args[0], value, verifyNotes); err != nil {
			return err
		}
		fmt.Printf("Resolved %s with value %s\n", args[0], value)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyTickers, "tickers", "", "comma-separated tickers (default: all active)")
	verifyListCmd.Flags().StringVar(&verifyStatus, "status", "", "filter by status (pending|resolved|dismissed)")
	verifyListCmd.Flags().StringVar(&verifySeverity, "severity", "", "filter by severity (minor|moderate|major)")
	verifyListCmd.Flags().IntVar(&verifySinceDays, "since-days", 0, "only discrepancies detected in the last N days")
	verifyResolveCmd.Flags().StringVar(&verifyNotes, "notes", "", "resolution notes")
	verifyCmd.AddCommand(verifyListCmd, verifyResolveCmd)
	rootCmd.AddCommand(verifyCmd)
}
