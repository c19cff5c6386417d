package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/treasury-cli/internal/model"
)

var (
	companyName       string
	companyAsset      string
	companyRegistryID string
	companiesAll      bool
)

var companiesCmd = &cobra.Command{
	Use:   "companies",
	Short: "Manage the tracked-company registry",
}

var companiesAddCmd = &cobra.Command{
	Use:   "add TICKER",
	Short: "Add or update a tracked company",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		c := model.Company{
			Ticker:     strings.ToUpper(args[0]),
			Name:       companyName,
			Asset:      strings.ToUpper(companyAsset),
			RegistryID: companyRegistryID,
			Active:     true,
			CreatedAt:  time.Now().UTC(),
		}
		if err := env.Store.UpsertCompany(cmd.Context(), c); err != nil {
			return err
		}
		fmt.Printf("Tracking %s (%s, %s)\n", c.Ticker, c.Name, c.Asset)
		return nil
	},
}

var companiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked companies",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		companies, err := env.Store.ListCompanies(cmd.Context(), !companiesAll)
		if err != nil {
			return err
		}
		if len(companies) == 0 {
			fmt.Println("No companies.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TICKER\tNAME\tASSET\tREGISTRY\tACTIVE\tLAST CHECKED")
		for _, c := range companies {
			last := "-"
			if c.LastChecked != nil {
				last = c.LastChecked.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
				c.Ticker, c.Name, c.Asset, c.RegistryID, c.Active, last)
		}
		return w.Flush()
	},
}

func init() {
	companiesAddCmd.Flags().StringVar(&companyName, "name", "", "company name")
	companiesAddCmd.Flags().StringVar(&companyAsset, "asset", "BTC", "treasury asset symbol")
	companiesAddCmd.Flags().StringVar(&companyRegistryID, "registry-id", "", "filing registry identifier (CIK for US filers)")
	companiesListCmd.Flags().BoolVar(&companiesAll, "all", false, "include inactive companies")
	companiesCmd.AddCommand(companiesAddCmd, companiesListCmd)
	rootCmd.AddCommand(companiesCmd)
}
