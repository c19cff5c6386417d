package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sells-group/treasury-cli/internal/ledger"
	"github.com/sells-group/treasury-cli/internal/model"
)

var ledgerAsOf string

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query and maintain the field ledger",
}

var ledgerCurrentCmd = &cobra.Command{
	Use:   "current TICKER FIELD",
	Short: "Show the current (or as-of) value for a company field",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, err := model.ParseField(args[1])
		if err != nil {
			return err
		}
		asOf := time.Now().UTC()
		if ledgerAsOf != "" {
			asOf, err = time.Parse("2006-01-02", ledgerAsOf)
			if err != nil {
				return eris.Wrap(err, "parse --as-of")
			}
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		val, err := env.Ledger.CurrentValue(cmd.Context(), args[0], field, asOf)
		if err != nil {
			if eris.Is(err, ledger.ErrNoValue) {
				fmt.Printf("%s %s: no value\n", args[0], field)
				return nil
			}
			return err
		}
		fmt.Printf("%s %s = %s (as of %s, document %s)\n",
			args[0], field, val.Value, val.AsOfEventDate.Format("2006-01-02"), val.SourceDocumentID)
		return nil
	},
}

var ledgerHistoryCmd = &cobra.Command{
	Use:   "history TICKER FIELD",
	Short: "Show the fold-ordered value series for a company field",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, err := model.ParseField(args[1])
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		series, err := env.Ledger.History(cmd.Context(), args[0], field)
		if err != nil {
			return err
		}
		if len(series) == 0 {
			fmt.Printf("%s %s: no history\n", args[0], field)
			return nil
		}
		for _, v := range series {
			fmt.Printf("%s  %s\n", v.AsOfEventDate.Format("2006-01-02"), v.Value)
		}
		return nil
	},
}

var ledgerBaselineCmd = &cobra.Command{
	Use:   "baseline TICKER FIELD VALUE DATE",
	Short: "Establish a verified baseline for a company field",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		field, err := model.ParseField(args[1])
		if err != nil {
			return err
		}
		value, err := decimal.NewFromString(args[2])
		if err != nil {
			return eris.Wrap(err, "parse value")
		}
		asOf, err := time.Parse("2006-01-02", args[3])
		if err != nil {
			return eris.Wrap(err, "parse date")
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		b, err := env.Ledger.EstablishBaseline(cmd.Context(), args[0], field, value, asOf, model.EstablishedManual)
		if err != nil {
			return err
		}
		fmt.Printf("Baseline %s: %s %s = %s as of %s\n",
			b.ID, b.Ticker, b.Field, b.Value, b.AsOfDate.Format("2006-01-02"))
		return nil
	},
}

func init() {
	ledgerCurrentCmd.Flags().StringVar(&ledgerAsOf, "as-of", "", "value as of a date (YYYY-MM-DD)")
	ledgerCmd.AddCommand(ledgerCurrentCmd, ledgerHistoryCmd, ledgerBaselineCmd)
	rootCmd.AddCommand(ledgerCmd)
}
