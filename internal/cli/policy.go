package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/txfirewall/internal/policyfile"
)

func init() {
	policyCmd.AddCommand(policyValidateCmd)
	rootCmd.AddCommand(policyCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with policy files",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Parse a policy file and report its entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := policyfile.Load(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "policy valid: %d blocked, %d allowed\n", len(p.Blocklist), len(p.Allowlist))
		return err
	},
}
