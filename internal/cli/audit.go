package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/txfirewall/internal/audit"
)

var auditOut string

func init() {
	auditExportCmd.Flags().StringVarP(&auditOut, "output", "o", "", "write to file instead of stdout")
	auditCmd.AddCommand(auditExportCmd, auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Export and verify the hash-chained audit log",
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download the audit log as JSON lines (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := newClient().ExportAudit(cmd.Context())
		if err != nil {
			return err
		}
		if res := audit.Verify(bytes.NewReader(data)); !res.Valid {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: exported log fails verification at line %d: %s\n", res.ErrorLine, res.Error)
		}
		if auditOut != "" {
			return os.WriteFile(auditOut, data, 0o600)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Verify the hash chain of an exported audit log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		res := audit.Verify(f)
		if !res.Valid {
			return fmt.Errorf("audit log invalid at line %d: %s", res.ErrorLine, res.Error)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "audit log valid: %d entries\n", res.Lines)
		return err
	},
}
