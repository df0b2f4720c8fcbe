package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(blockCmd, allowCmd, blockedCmd)
}

var blockCmd = &cobra.Command{
	Use:   "block <address>",
	Short: "Add a contract to the block list (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Block(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", args[0])
		return err
	},
}

var allowCmd = &cobra.Command{
	Use:   "allow <address>",
	Short: "Add a contract to the allow list (admin)",
	Long:  "Has no effect unless the server runs in allow-list mode.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		added, err := newClient().Allow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !added {
			return fmt.Errorf("allow list is not enabled on the server")
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "allowed %s\n", args[0])
		return err
	},
}

var blockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "List blocked contracts (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newClient().Blocked(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		for _, a := range list {
			fmt.Fprintln(cmd.OutOrStdout(), a)
		}
		return nil
	},
}
