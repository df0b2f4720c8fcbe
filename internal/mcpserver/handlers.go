package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/txfirewall/internal/client"
	"github.com/mbd888/txfirewall/internal/intent"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *client.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(c *client.Client) *Handlers {
	return &Handlers{client: c}
}

// HandleCheckTransfer checks a native transfer.
func (h *Handlers) HandleCheckTransfer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to := req.GetString("to", "")
	amount := req.GetString("amount_eth", "")
	if to == "" || amount == "" {
		return mcp.NewToolResultError("to and amount_eth are required"), nil
	}
	return h.check(ctx, client.CheckRequest{To: to, ValueEth: amount}, req.GetBool("reserve", false))
}

// HandleCheckApprove builds approve(spender, amount) calldata and checks it.
func (h *Handlers) HandleCheckApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := req.GetString("token", "")
	spender := req.GetString("spender", "")
	amountStr := strings.TrimSpace(req.GetString("amount", ""))
	if token == "" || spender == "" || amountStr == "" {
		return mcp.NewToolResultError("token, spender and amount are required"), nil
	}

	var amount *uint256.Int
	if strings.EqualFold(amountStr, "unlimited") || strings.EqualFold(amountStr, "max") {
		amount = intent.Unlimited()
	} else {
		var err error
		amount, err = uint256.FromDecimal(amountStr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("amount must be an integer in base units or 'unlimited': %v", err)), nil
		}
	}

	in, err := intent.ERC20Approve(token, spender, amount)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return h.check(ctx, client.CheckRequest{To: in.To, Data: hexutil.Encode(in.Data)}, false)
}

// HandleCheckTransaction checks an arbitrary call.
func (h *Handlers) HandleCheckTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to := req.GetString("to", "")
	if to == "" {
		return mcp.NewToolResultError("to is required"), nil
	}
	gas := req.GetInt("gas", 0)
	if gas < 0 {
		return mcp.NewToolResultError("gas must not be negative"), nil
	}
	return h.check(ctx, client.CheckRequest{
		To:       to,
		ValueEth: req.GetString("value_eth", ""),
		Data:     req.GetString("data", ""),
		Gas:      uint64(gas),
	}, req.GetBool("reserve", false))
}

// HandleRecordSpend confirms a reservation or records an amount.
func (h *Handlers) HandleRecordSpend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("reservation_id", "")
	amount := req.GetString("amount_eth", "")

	var (
		rem *client.Amount
		err error
	)
	switch {
	case id != "":
		rem, err = h.client.Confirm(ctx, id)
	case amount != "":
		rem, err = h.client.RecordSpend(ctx, amount)
	default:
		return mcp.NewToolResultError("reservation_id or amount_eth is required"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record spend: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Spend recorded. Remaining this period: %s ETH", rem.Eth)), nil
}

// HandleReleaseReservation drops a reservation.
func (h *Handlers) HandleReleaseReservation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("reservation_id", "")
	if id == "" {
		return mcp.NewToolResultError("reservation_id is required"), nil
	}
	rem, err := h.client.Release(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to release reservation: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reservation released. Remaining this period: %s ETH", rem.Eth)), nil
}

// HandleFirewallStatus reports ledger and classifier state.
func (h *Handlers) HandleFirewallStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}
	text, err := formatStatus(raw)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (h *Handlers) check(ctx context.Context, req client.CheckRequest, reserve bool) (*mcp.CallToolResult, error) {
	var (
		d   *client.Decision
		err error
	)
	if reserve {
		d, err = h.client.CheckAndReserve(ctx, req)
	} else {
		d, err = h.client.Check(ctx, req)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Firewall check failed: %v. Do not send the transaction.", err)), nil
	}
	return mcp.NewToolResultText(formatDecision(d)), nil
}

func formatDecision(d *client.Decision) string {
	var sb strings.Builder
	if d.Allowed {
		fmt.Fprintf(&sb, "ALLOWED (check %s)\n", d.CheckID)
	} else {
		fmt.Fprintf(&sb, "REJECTED (check %s): do not send this transaction.\n", d.CheckID)
		fmt.Fprintf(&sb, "  Code:   %s\n", d.Code)
		if d.Stage != "" {
			fmt.Fprintf(&sb, "  Stage:  %s\n", d.Stage)
		}
		fmt.Fprintf(&sb, "  Reason: %s\n", d.Reason)
	}
	if d.EstimatedSpend != nil {
		fmt.Fprintf(&sb, "Estimated spend: %s ETH\n", d.EstimatedSpend.Eth)
	}
	if d.ReservationID != "" {
		fmt.Fprintf(&sb, "Reservation: %s (record_spend after sending, or release_reservation)\n", d.ReservationID)
	}
	if s := d.Simulation; s != nil && s.Success {
		fmt.Fprintf(&sb, "Simulation: succeeded after %d attempt(s)\n", s.Attempts)
	}
	if len(d.Warnings) > 0 {
		sb.WriteString("Warnings:\n")
		for _, w := range d.Warnings {
			fmt.Fprintf(&sb, "  - [%s] %s\n", w.Code, w.Message)
		}
	}
	return sb.String()
}

func formatStatus(raw json.RawMessage) (string, error) {
	var st struct {
		Ledger struct {
			PeriodKey     string         `json:"periodKey"`
			PeriodSpend   *client.Amount `json:"periodSpend"`
			PeriodPending *client.Amount `json:"periodPending"`
			PeriodCap     *client.Amount `json:"periodCap"`
			PerTxCap      *client.Amount `json:"perTxCap"`
			Remaining     *client.Amount `json:"remaining"`
			Reservations  int            `json:"reservations"`
		} `json:"ledger"`
		Classifier map[string]any `json:"classifier"`
		Simulation bool           `json:"simulationRequired"`
		Payer      string         `json:"payer"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", err
	}
	if st.Ledger.PeriodCap == nil {
		return "", fmt.Errorf("unexpected status response format")
	}

	eth := func(a *client.Amount) string {
		if a == nil {
			return "0"
		}
		return a.Eth
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Firewall status (period %s):\n", st.Ledger.PeriodKey)
	if st.Payer != "" {
		fmt.Fprintf(&sb, "  Payer:        %s\n", st.Payer)
	}
	fmt.Fprintf(&sb, "  Spent:        %s ETH\n", eth(st.Ledger.PeriodSpend))
	fmt.Fprintf(&sb, "  Reserved:     %s ETH (%d holds)\n", eth(st.Ledger.PeriodPending), st.Ledger.Reservations)
	fmt.Fprintf(&sb, "  Remaining:    %s ETH\n", eth(st.Ledger.Remaining))
	fmt.Fprintf(&sb, "  Period cap:   %s ETH\n", eth(st.Ledger.PeriodCap))
	fmt.Fprintf(&sb, "  Per-tx cap:   %s ETH\n", eth(st.Ledger.PerTxCap))
	fmt.Fprintf(&sb, "  Contracts:    %s mode\n", getString(st.Classifier, "mode"))
	fmt.Fprintf(&sb, "  Simulation:   %s\n", map[bool]string{true: "required", false: "optional"}[st.Simulation])
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
