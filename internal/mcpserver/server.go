package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/txfirewall/internal/client"
)

// NewMCPServer creates a configured MCP server with all firewall tools registered.
func NewMCPServer(cfg client.Config, version string) *server.MCPServer {
	s := server.NewMCPServer("txfirewall", version)
	h := NewHandlers(client.New(cfg))

	s.AddTool(ToolCheckTransfer, h.HandleCheckTransfer)
	s.AddTool(ToolCheckApprove, h.HandleCheckApprove)
	s.AddTool(ToolCheckTransaction, h.HandleCheckTransaction)
	s.AddTool(ToolRecordSpend, h.HandleRecordSpend)
	s.AddTool(ToolReleaseReservation, h.HandleReleaseReservation)
	s.AddTool(ToolFirewallStatus, h.HandleFirewallStatus)

	return s
}
