package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"diffract/internal/pipeline"
	"diffract/internal/recipe"
)

const timeRounding = 100 * time.Millisecond

func newProcessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "process <recipe.json>",
		Short: "Process one recipe into a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := recipe.Load(args[0])
			if err != nil {
				return err
			}
			if err := ctx.preflight(); err != nil {
				return err
			}

			p, cleanup, err := ctx.newPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := p.Run(runCtx, rec)
			// An interrupted run still persists the finished fraction, so
			// the summary is rendered before the error surfaces.
			if summary != nil {
				renderSummary(cmd.OutOrStdout(), summary)
			}
			return err
		},
	}
}

func renderSummary(out io.Writer, s *pipeline.Summary) {
	rows := [][]string{
		{"Sample", s.Sample},
		{"Stage", s.Stage},
		{"Identity", s.Identity},
		{"Frames", s.FrameCounts()},
		{"Missing frames", fmt.Sprintf("%d", s.MissingFrames)},
		{"Cell failures", fmt.Sprintf("%d", s.CellFailures)},
		{"Chunks written", fmt.Sprintf("%d", s.ChunksWritten)},
		{"Chunks reused", fmt.Sprintf("%d", s.ChunksSkipped)},
		{"Strain", yesNo(s.StrainApplied)},
		{"Duration", s.Duration.Round(timeRounding).String()},
		{"Dataset", s.DatasetDir},
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, nil))
	if len(s.MissingChunks) > 0 {
		fmt.Fprintf(out, "WARNING: %d chunk(s) could not be written:\n", len(s.MissingChunks))
		for _, chunk := range s.MissingChunks {
			fmt.Fprintf(out, "  %s\n", chunk)
		}
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
