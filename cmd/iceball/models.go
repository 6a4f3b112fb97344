package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iceball/predictor/internal/catalog"
)

var flagDeprecated bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "models lists and manages segmentation models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list prints models of the catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		for i, d := range cat.Models(flagDeprecated) {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("%s\n%s\n", d.ID, d.Details())
		}
		return nil
	},
}

var modelsPathCmd = &cobra.Command{
	Use:   "path <model-id>",
	Short: "path prints the local directory of a model, downloading it when missing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		dir, err := cat.LocalPath(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(dir)
		return nil
	},
}

var modelsDownloadCmd = &cobra.Command{
	Use:   "download [model-id...]",
	Short: "download fetches models, all current models by default",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			for _, d := range cat.Models(false) {
				args = append(args, d.ID)
			}
		}
		for _, id := range args {
			dir, err := cat.Download(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", id, dir)
		}
		return nil
	},
}

var modelsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "clear deletes all downloaded models",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		return cat.DeleteAll()
	},
}

var modelsMergeCmd = &cobra.Command{
	Use:   "merge-results <catalog.json> <results.json>",
	Short: "merge-results copies measured segmentation times and segment names into a catalog file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return catalog.MergeTestResults(args[0], args[1])
	},
}

func init() {
	modelsListCmd.Flags().BoolVar(&flagDeprecated, "deprecated", false, "include deprecated model versions")
	modelsCmd.AddCommand(modelsListCmd, modelsPathCmd, modelsDownloadCmd, modelsClearCmd, modelsMergeCmd)
}
