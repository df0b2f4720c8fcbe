package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/txfirewall/internal/client"
)

func init() {
	rootCmd.AddCommand(recordCmd, confirmCmd, releaseCmd, reservationsCmd, resetCmd, remainingCmd)
}

var recordCmd = &cobra.Command{
	Use:   "record <amount-eth>",
	Short: "Record realized spend after broadcasting an unreserved transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rem, err := newClient().RecordSpend(cmd.Context(), args[0])
		return printRemaining(cmd, rem, err)
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <reservation-id>",
	Short: "Confirm a reservation as spent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rem, err := newClient().Confirm(cmd.Context(), args[0])
		return printRemaining(cmd, rem, err)
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <reservation-id>",
	Short: "Release a reservation without spending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rem, err := newClient().Release(cmd.Context(), args[0])
		return printRemaining(cmd, rem, err)
	},
}

var reservationsCmd = &cobra.Command{
	Use:   "reservations",
	Short: "List reservations that are neither confirmed nor released",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newClient().Reservations(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		w := cmd.OutOrStdout()
		if len(list) == 0 {
			_, err = fmt.Fprintln(w, "no reservations")
			return err
		}
		for _, r := range list {
			if _, err := fmt.Fprintf(w, "%s  %s ETH  expires %s\n",
				r.ID, r.Amount.Eth, r.ExpiresAt.Format(time.RFC3339)); err != nil {
				return err
			}
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Zero the current period's recorded spend and drop reservations (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rem, err := newClient().ResetPeriodSpend(cmd.Context())
		return printRemaining(cmd, rem, err)
	},
}

var remainingCmd = &cobra.Command{
	Use:   "remaining",
	Short: "Show what may still be spent this period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rem, err := newClient().Remaining(cmd.Context())
		return printRemaining(cmd, rem, err)
	},
}

func printRemaining(cmd *cobra.Command, rem *client.Amount, err error) error {
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), rem)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "remaining: %s ETH (%s wei)\n", rem.Eth, rem.Wei)
	return err
}
