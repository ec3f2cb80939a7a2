package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"diffract/internal/recipe"
)

func newRecipeCommand(ctx *commandContext) *cobra.Command {
	recipeCmd := &cobra.Command{
		Use:         "recipe",
		Short:       "Recipe utilities",
		Annotations: map[string]string{"skipConfigLoad": "true"},
	}

	recipeCmd.AddCommand(newRecipeValidateCommand())
	recipeCmd.AddCommand(newRecipeExampleCommand())

	return recipeCmd
}

func newRecipeValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <recipe.json>",
		Short: "Validate a recipe file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := recipe.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Recipe valid: %s\n", rec.Label())
			fmt.Fprintf(out, "  frames: %s  azimuth bins: %d  peaks: %d\n",
				frameRangeLabel(rec), rec.BinCount(), len(rec.ActivePeaks))
			return nil
		},
	}
}

func newRecipeExampleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "example",
		Short: "Print a complete example recipe",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := recipe.MarshalDocument(recipe.Example())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(doc)
			return err
		},
	}
}

func frameRangeLabel(rec *recipe.Recipe) string {
	if rec.FrameEnd < 0 {
		return fmt.Sprintf("%d..end step %d", rec.FrameStart, rec.Step)
	}
	return fmt.Sprintf("%d..%d step %d", rec.FrameStart, rec.FrameEnd, rec.Step)
}
