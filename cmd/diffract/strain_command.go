package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStrainCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "strain <dataset-dir> <reference-dir>",
		Short: "Recompute strain against a reference dataset",
		Long: "Averages the reference dataset over its frame axis and rewrites the " +
			"strain column of the target dataset in place. Only chunks whose " +
			"contents change are rewritten.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := ctx.newPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := p.Strain(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Strain updated: %d chunk(s) rewritten, %d unchanged\n",
				report.ChunksWritten, report.ChunksSkipped)
			if len(report.MissingChunks) > 0 {
				fmt.Fprintf(out, "WARNING: %d chunk(s) could not be written\n", len(report.MissingChunks))
			}
			return nil
		},
	}
}
