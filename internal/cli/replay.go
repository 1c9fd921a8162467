package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var replaySync bool

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Feed a telemetry file (JSON lines or CSV) through the rules once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := getApp().Replay(cmd.Context(), args[0], replaySync)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "batches: %d\nactors: %d\nfaulted: %d\nfailures: %d\n", res.Batches, res.Actors, res.Faulted, res.Failures)
		return nil
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replaySync, "sync", false, "Push insights to Command while replaying")
}
