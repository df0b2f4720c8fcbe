package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the firewall MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckTransfer = mcp.NewTool("check_transfer",
	mcp.WithDescription(
		"Ask the transaction firewall whether a native ETH transfer may be signed. "+
			"Checks the destination against the block/allow lists, the per-transaction and period spend caps, "+
			"and dry-runs the transfer. Call this BEFORE sending any funds and do not send if it is rejected."),
	mcp.WithString("to",
		mcp.Required(),
		mcp.Description("Recipient address (e.g. '0x1234...')")),
	mcp.WithString("amount_eth",
		mcp.Required(),
		mcp.Description("Amount in ETH (e.g. '0.05')")),
	mcp.WithBoolean("reserve",
		mcp.Description("Hold the estimated spend against the period cap if allowed. "+
			"Use record_spend with the reservation_id after broadcasting, or release it if you do not send.")),
)

var ToolCheckApprove = mcp.NewTool("check_approve",
	mcp.WithDescription(
		"Ask the transaction firewall whether an ERC-20 approve(spender, amount) call may be signed. "+
			"Approvals let the spender move your tokens later; unlimited approvals are flagged."),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("ERC-20 token contract address")),
	mcp.WithString("spender",
		mcp.Required(),
		mcp.Description("Address being granted the allowance")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Allowance in the token's base units (e.g. '1000000' for 1 USDC), or 'unlimited'")),
)

var ToolCheckTransaction = mcp.NewTool("check_transaction",
	mcp.WithDescription(
		"Ask the transaction firewall whether an arbitrary contract call may be signed. "+
			"Use this for any transaction that is not a plain transfer or approval."),
	mcp.WithString("to",
		mcp.Required(),
		mcp.Description("Contract address")),
	mcp.WithString("value_eth",
		mcp.Description("Native value in ETH sent with the call (default 0)")),
	mcp.WithString("data",
		mcp.Description("Calldata as 0x-prefixed hex")),
	mcp.WithNumber("gas",
		mcp.Description("Gas limit, if already known")),
	mcp.WithBoolean("reserve",
		mcp.Description("Hold the estimated spend against the period cap if allowed")),
)

var ToolRecordSpend = mcp.NewTool("record_spend",
	mcp.WithDescription(
		"Tell the firewall a transaction was broadcast so its cost counts toward the period cap. "+
			"Pass the reservation_id from a reserved check, or amount_eth for an unreserved one."),
	mcp.WithString("reservation_id",
		mcp.Description("Reservation to confirm (from a check with reserve=true)")),
	mcp.WithString("amount_eth",
		mcp.Description("Realized spend in ETH, when no reservation was made")),
)

var ToolReleaseReservation = mcp.NewTool("release_reservation",
	mcp.WithDescription(
		"Release a spend reservation for a transaction you decided not to send."),
	mcp.WithString("reservation_id",
		mcp.Required(),
		mcp.Description("Reservation to release")),
)

var ToolFirewallStatus = mcp.NewTool("firewall_status",
	mcp.WithDescription(
		"Show the firewall's spend caps, how much has been spent and reserved this period, "+
			"what remains, and the contract classification mode."),
)
