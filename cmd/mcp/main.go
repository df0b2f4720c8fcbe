// txfirewall MCP server - lets an LLM agent ask the firewall before it signs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/txfirewall/internal/client"
	"github.com/mbd888/txfirewall/internal/logging"
	"github.com/mbd888/txfirewall/internal/mcpserver"
)

var version = "dev"

func main() {
	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, envOrDefault("LOG_LEVEL", "info"), "text")

	cfg := client.Config{
		APIURL:      envOrDefault("TXFIREWALL_API_URL", "http://localhost:8080"),
		APIKey:      os.Getenv("TXFIREWALL_API_KEY"),
		AdminSecret: os.Getenv("TXFIREWALL_ADMIN_SECRET"),
	}
	logger.Info("starting MCP server", "api_url", cfg.APIURL, "version", version)

	s := mcpserver.NewMCPServer(cfg, version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
