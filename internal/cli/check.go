package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/mbd888/txfirewall/internal/client"
	"github.com/mbd888/txfirewall/internal/intent"
)

var (
	checkTo       string
	checkValueEth string
	checkValueWei string
	checkData     string
	checkFrom     string
	checkGas      uint64
	checkReserve  bool

	approveToken   string
	approveSpender string
	approveAmount  string
)

func init() {
	checkCmd.Flags().StringVar(&checkTo, "to", "", "destination address")
	checkCmd.Flags().StringVar(&checkValueEth, "value-eth", "", "value in ETH")
	checkCmd.Flags().StringVar(&checkValueWei, "value", "", "value in wei")
	checkCmd.Flags().StringVar(&checkData, "data", "", "calldata as 0x-prefixed hex")
	checkCmd.Flags().StringVar(&checkFrom, "from", "", "sender address")
	checkCmd.Flags().Uint64Var(&checkGas, "gas", 0, "gas limit, if known")
	checkCmd.Flags().BoolVar(&checkReserve, "reserve", false, "hold the estimated spend if allowed")
	_ = checkCmd.MarkFlagRequired("to")
	checkCmd.MarkFlagsMutuallyExclusive("value-eth", "value")

	approveCmd.Flags().StringVar(&approveToken, "token", "", "ERC-20 token address")
	approveCmd.Flags().StringVar(&approveSpender, "spender", "", "spender address")
	approveCmd.Flags().StringVar(&approveAmount, "amount", "", "allowance in base units, or 'unlimited'")
	_ = approveCmd.MarkFlagRequired("token")
	_ = approveCmd.MarkFlagRequired("spender")
	_ = approveCmd.MarkFlagRequired("amount")

	rootCmd.AddCommand(checkCmd, approveCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check a transaction intent",
	Long:  "Runs the intent through the firewall. Exits with status 2 when it is rejected.",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

var approveCmd = &cobra.Command{
	Use:   "check-approve",
	Short: "Check an ERC-20 approve call",
	Args:  cobra.NoArgs,
	RunE:  runCheckApprove,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	return doCheck(cmd, client.CheckRequest{
		To:       checkTo,
		Value:    checkValueWei,
		ValueEth: checkValueEth,
		Data:     checkData,
		From:     checkFrom,
		Gas:      checkGas,
	}, checkReserve)
}

func runCheckApprove(cmd *cobra.Command, _ []string) error {
	amount := intent.Unlimited()
	if !strings.EqualFold(approveAmount, "unlimited") {
		var err error
		if amount, err = uint256.FromDecimal(approveAmount); err != nil {
			return fmt.Errorf("invalid amount %q: %w", approveAmount, err)
		}
	}
	in, err := intent.ERC20Approve(approveToken, approveSpender, amount)
	if err != nil {
		return err
	}
	return doCheck(cmd, client.CheckRequest{To: in.To, Data: hexutil.Encode(in.Data)}, false)
}

func doCheck(cmd *cobra.Command, req client.CheckRequest, reserve bool) error {
	c := newClient()
	var (
		d   *client.Decision
		err error
	)
	if reserve {
		d, err = c.CheckAndReserve(cmd.Context(), req)
	} else {
		d, err = c.Check(cmd.Context(), req)
	}
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(w, d); err != nil {
			return err
		}
	} else {
		printDecision(w, d)
	}
	if !d.Allowed {
		return ErrRejected
	}
	return nil
}

func printDecision(w io.Writer, d *client.Decision) {
	if d.Allowed {
		fmt.Fprintf(w, "ALLOWED  %s\n", d.CheckID)
	} else {
		fmt.Fprintf(w, "REJECTED %s  %s at %s: %s\n", d.CheckID, d.Code, d.Stage, d.Reason)
	}
	if d.EstimatedSpend != nil {
		fmt.Fprintf(w, "  estimated spend: %s ETH\n", d.EstimatedSpend.Eth)
	}
	if d.ReservationID != "" {
		fmt.Fprintf(w, "  reservation:     %s\n", d.ReservationID)
	}
	for _, c := range d.ContractChecks {
		fmt.Fprintf(w, "  contract %s: %s\n", c.Address, c.Status)
	}
	for _, warn := range d.Warnings {
		fmt.Fprintf(w, "  warning [%s] %s\n", warn.Code, warn.Message)
	}
}
