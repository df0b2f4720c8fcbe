package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	webhookEvents []string
	webhookCodes  []string
)

func init() {
	webhooksAddCmd.Flags().StringSliceVar(&webhookEvents, "event", nil, "decision.rejected and/or decision.allowed (default rejections only)")
	webhooksAddCmd.Flags().StringSliceVar(&webhookCodes, "code", nil, "only notify for these result codes")
	webhooksCmd.AddCommand(webhooksAddCmd, webhooksListCmd, webhooksRemoveCmd)
	rootCmd.AddCommand(webhooksCmd)
}

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Manage decision notifications (admin)",
}

var webhooksAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Subscribe an endpoint to firewall decisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hook, secret, err := newClient().CreateWebhook(cmd.Context(), args[0], webhookEvents, webhookCodes)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"webhook": hook, "secret": secret})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "created %s\n", hook.ID)
		fmt.Fprintf(out, "secret: %s\n", secret)
		fmt.Fprintln(out, "store the secret now; it is not shown again")
		return nil
	},
}

var webhooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		hooks, err := newClient().Webhooks(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), hooks)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tURL\tACTIVE\tFAILURES")
		for _, h := range hooks {
			fmt.Fprintf(w, "%s\t%s\t%t\t%d\n", h.ID, h.URL, h.Active, h.ConsecutiveFailures)
		}
		return w.Flush()
	},
}

var webhooksRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a webhook subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeleteWebhook(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
		return err
	},
}
