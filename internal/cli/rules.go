package cli

import (
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect rule catalogs",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a rule catalog and compile its expressions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ValidateRules(args[0], cmd.OutOrStdout())
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
}
