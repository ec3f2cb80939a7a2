package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"diffract/internal/zarrstore"
)

func newDatasetCommand(ctx *commandContext) *cobra.Command {
	datasetCmd := &cobra.Command{
		Use:         "dataset",
		Short:       "Inspect persisted datasets",
		Annotations: map[string]string{"skipConfigLoad": "true"},
	}
	datasetCmd.AddCommand(newDatasetInfoCommand())
	return datasetCmd
}

func newDatasetInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <dataset-dir>",
		Short: "Show dataset metadata and chunk layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, geom, err := zarrstore.ReadMetadata(args[0])
			if err != nil {
				return err
			}

			columns := make([]string, len(meta.Columns))
			for name, idx := range meta.Columns {
				if idx >= 0 && idx < len(columns) {
					columns[idx] = name
				}
			}
			peaks := append([]string(nil), meta.MillerIndices...)
			sort.Strings(peaks)

			rows := [][]string{
				{"Sample", meta.Sample},
				{"Stage", meta.Stage},
				{"Identity", meta.Identity},
				{"Created", meta.CreatedAt.Format(time.RFC3339)},
				{"Peaks", fmt.Sprintf("%d (%s)", meta.PeakCount, strings.Join(peaks, ", "))},
				{"Frames", fmt.Sprintf("%d", meta.FrameCount)},
				{"Azimuth bins", fmt.Sprintf("%d", meta.AzimuthCount)},
				{"Columns", strings.Join(columns, ", ")},
				{"Chunk shape", fmt.Sprintf("%d frames x %d azimuths", geom.ChunkFrames, geom.ChunkAzimuths)},
				{"Theta window", fmt.Sprintf("[%g, %g]", meta.Params.ThetaLo, meta.Params.ThetaHi)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}
