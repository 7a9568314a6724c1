package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dealbrief/internal/model"
)

var dealsCmd = &cobra.Command{
	Use:   "deals",
	Short: "Inspect submitted deals",
	Long:  "Commands for listing and viewing deals and their extraction results.",
}

// -- deals list --

var dealsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent deals, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		deals, err := st.ListDeals(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "deals list")
		}

		if len(deals) == 0 {
			fmt.Fprintln(os.Stderr, "No deals found.")
			return nil
		}

		formatDealsList(os.Stdout, deals)
		return nil
	},
}

// -- deals show --

var dealsShowCmd = &cobra.Command{
	Use:   "show <deal-id>",
	Short: "Show full details of a deal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		deal, err := st.GetDeal(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "deals show %s", args[0])
		}

		out, err := json.MarshalIndent(deal, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal deal")
		}
		fmt.Println(string(out))
		return nil
	},
}

func formatDealsList(w io.Writer, deals []model.DealSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCOMPANY\tCREATED")
	for _, d := range deals {
		company := d.CompanyName
		if company == "" {
			company = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			d.ID, d.Status, company, d.CreatedAt.Local().Format(time.RFC3339))
	}
	tw.Flush()
}

func init() {
	dealsListCmd.Flags().Int("limit", 10, "maximum deals to list")
	dealsCmd.AddCommand(dealsListCmd)
	dealsCmd.AddCommand(dealsShowCmd)
	rootCmd.AddCommand(dealsCmd)
}
