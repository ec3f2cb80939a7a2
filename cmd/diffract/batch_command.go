package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"diffract/internal/recipe"
	"diffract/internal/services"
)

// processedDirName is where batch moves recipes it has finished with.
const processedDirName = "processed"

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var keep bool

	cmd := &cobra.Command{
		Use:   "batch <dir>",
		Short: "Process every recipe in a directory",
		Long: "Processes all *.json recipes found in the directory, in name order. " +
			"Each recipe that completes is moved into a processed/ subdirectory so " +
			"an interrupted batch can be rerun without repeating finished work.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			recipes, err := listRecipes(dir)
			if err != nil {
				return err
			}
			if len(recipes) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No recipes found in %s\n", dir)
				return nil
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

			out := cmd.OutOrStdout()
			var failures []string
			for _, path := range recipes {
				if runCtx.Err() != nil {
					return runCtx.Err()
				}
				name := filepath.Base(path)
				fmt.Fprintf(out, "Processing %s\n", name)

				rec, err := recipe.Load(path)
				if err != nil {
					failures = append(failures, fmt.Sprintf("%s: %v", name, err))
					fmt.Fprintf(out, "  FAILED: %v\n", err)
					continue
				}
				summary, err := p.Run(runCtx, rec)
				if err != nil {
					failures = append(failures, fmt.Sprintf("%s: %v", name, err))
					fmt.Fprintf(out, "  FAILED: %v\n", err)
					if services.Fatal(err) {
						break
					}
					continue
				}
				if summary != nil {
					fmt.Fprintf(out, "  %s frames -> %s\n", summary.FrameCounts(), summary.DatasetDir)
				}
				if !keep {
					if err := moveToProcessed(dir, path); err != nil {
						fmt.Fprintf(out, "  WARNING: %v\n", err)
					}
				}
			}

			if len(failures) > 0 {
				return fmt.Errorf("batch finished with %d failure(s):\n  %s",
					len(failures), strings.Join(failures, "\n  "))
			}
			fmt.Fprintf(out, "Batch complete: %d recipe(s)\n", len(recipes))
			return nil
		},
	}

	cmd.Flags().BoolVar(&keep, "keep", false, "Leave completed recipes in place instead of moving them")
	return cmd
}

func listRecipes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read recipe directory %q: %w", dir, err)
	}
	var recipes []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		recipes = append(recipes, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(recipes)
	return recipes, nil
}

func moveToProcessed(dir, path string) error {
	processed := filepath.Join(dir, processedDirName)
	if err := os.MkdirAll(processed, 0o755); err != nil {
		return fmt.Errorf("create processed directory: %w", err)
	}
	target := filepath.Join(processed, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("move completed recipe: %w", err)
	}
	return nil
}
