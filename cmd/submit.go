package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dealbrief/internal/model"
	"github.com/sells-group/dealbrief/internal/store"
)

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit deal text and wait for extraction",
	Long: `Submits deal text for extraction and streams status transitions to the
terminal until the deal completes or fails. Reads from the given file, or
from stdin when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var (
			raw []byte
			err error
		)
		if len(args) == 1 {
			raw, err = os.ReadFile(args[0])
		} else {
			raw, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return eris.Wrap(err, "read input")
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		deal, err := env.Service.Submit(ctx, string(raw))
		if err != nil {
			var dup *store.DuplicateError
			if errors.As(err, &dup) {
				fmt.Printf("Duplicate submission; existing deal: %s\n", dup.ExistingID)
				return nil
			}
			return err
		}

		fmt.Printf("Deal %s accepted\n", deal.ID)

		sub := env.Service.Watch(deal.ID)
		defer sub.Close()

		// The deal may already be terminal by the time the subscription
		// registers; check the store so we never wait on a closed run.
		if current, err := env.Service.GetDeal(ctx, deal.ID); err == nil && current.Status.Terminal() {
			if current.Status == model.StatusCompleted && current.Extracted != nil {
				fmt.Printf("  %s  company=%s\n", current.Status, current.Extracted.CompanyName)
			} else if current.LastError != nil {
				fmt.Printf("  %s  %s\n", current.Status, *current.LastError)
			} else {
				fmt.Printf("  %s\n", current.Status)
			}
			return nil
		}

		for ev := range sub.C {
			switch ev.Status {
			case model.StatusCompleted:
				fmt.Printf("  %s  company=%s\n", ev.Status, ev.Extracted.CompanyName)
				return nil
			case model.StatusFailed:
				fmt.Printf("  %s  %s\n", ev.Status, ev.Error)
				return nil
			default:
				fmt.Printf("  %s\n", ev.Status)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
}
