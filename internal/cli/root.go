// Package cli implements fwctl, the operator command line for a running
// firewall server.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/txfirewall/internal/client"
)

// ErrRejected is returned by check commands when the firewall rejects the
// intent, so scripts can gate on the exit status.
var ErrRejected = errors.New("transaction rejected")

var (
	apiURL      string
	apiKey      string
	adminSecret string
	timeout     time.Duration
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:           "fwctl",
	Short:         "Operate a transaction firewall",
	Long:          "Checks transaction intents against a running firewall, manages spend reservations, and edits the contract block and allow lists.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("TXFIREWALL_API_URL", "http://localhost:8080"), "firewall server base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("TXFIREWALL_API_KEY"), "API key for check and spend commands")
	rootCmd.PersistentFlags().StringVar(&adminSecret, "admin-secret", os.Getenv("TXFIREWALL_ADMIN_SECRET"), "admin secret for policy and reset commands")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
}

// Execute runs the root command and exits non-zero on failure: 2 when a
// check was rejected, 1 for any other error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, ErrRejected) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(client.Config{APIURL: apiURL, APIKey: apiKey, AdminSecret: adminSecret, Timeout: timeout})
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
