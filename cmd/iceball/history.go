package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iceball/predictor/internal/store"
)

var flagLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history prints recent pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		j, err := store.Open(cmd.Context(), historyPath())
		if err != nil {
			return err
		}
		defer func() {
			_ = j.Close()
		}()
		rows, err := j.Recent(cmd.Context(), flagLimit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%s %s\n", r.Started.Local().Format(time.DateTime), r)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&flagLimit, "limit", "n", 20, "number of runs to print")
}
