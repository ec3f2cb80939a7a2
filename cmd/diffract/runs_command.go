package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"diffract/internal/runledger"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent processing runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := ctx.openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			runs, err := ledger.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			rows := make([][]string, 0, len(runs))
			for _, run := range runs {
				rows = append(rows, []string{
					shortRunID(run.ID),
					run.Sample,
					run.Stage,
					run.Identity,
					run.Status,
					frameCounts(run),
					fmt.Sprintf("%d", run.CellFailures),
					startedLabel(run),
				})
			}
			headers := []string{"Run", "Sample", "Stage", "Identity", "Status", "Frames", "Cell fails", "Started"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}
			fmt.Fprintln(out, renderTable(headers, rows, aligns))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	return cmd
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func frameCounts(run runledger.Run) string {
	if run.Status == runledger.StatusRunning {
		return fmt.Sprintf("-/%d", run.RequestedFrames)
	}
	return fmt.Sprintf("%d/%d", run.CompletedFrames, run.RequestedFrames)
}

func startedLabel(run runledger.Run) string {
	return run.CreatedAt.Local().Format("2006-01-02 15:04")
}
