package mcpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfirewall/internal/classifier"
	"github.com/mbd888/txfirewall/internal/client"
	"github.com/mbd888/txfirewall/internal/firewall"
	"github.com/mbd888/txfirewall/internal/units"
)

const (
	dest    = "0x3fc91a3afd70395cd496c647d5a6cc9d4b2b7fad"
	blocked = "0xbad0000000000000000000000000000000000bad"
	token   = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
)

// --- Test helpers ---

func newTestSetup(t *testing.T) *Handlers {
	t.Helper()
	gin.SetMode(gin.TestMode)

	periodCap, _ := units.ParseEther("10")
	perTx, _ := units.ParseEther("1")
	p, err := firewall.New(context.Background(), firewall.Config{
		Payer:      "0x1234567890123456789012345678901234567890",
		PeriodCap:  periodCap,
		PerTxCap:   perTx,
		Classifier: classifier.Config{Blocklist: []string{blocked}},
	})
	require.NoError(t, err)

	r := gin.New()
	h := firewall.NewHandler(p)
	h.RegisterRoutes(r.Group("/v1"))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return NewHandlers(client.New(client.Config{APIURL: ts.URL}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func TestHandleCheckTransfer(t *testing.T) {
	h := newTestSetup(t)
	ctx := context.Background()

	res, err := h.HandleCheckTransfer(ctx, makeRequest(map[string]any{"to": dest, "amount_eth": "0.1"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "ALLOWED")
	assert.Contains(t, text, "Estimated spend: 0.11 ETH")

	res, err = h.HandleCheckTransfer(ctx, makeRequest(map[string]any{"to": dest, "amount_eth": "5"}))
	require.NoError(t, err)
	text = resultText(t, res)
	assert.Contains(t, text, "REJECTED")
	assert.Contains(t, text, "limit_per_tx")

	res, err = h.HandleCheckTransfer(ctx, makeRequest(map[string]any{"to": blocked, "amount_eth": "0.1"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "contract_blocked")

	res, err = h.HandleCheckTransfer(ctx, makeRequest(map[string]any{"to": dest}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleCheckTransfer_ReserveThenRecord(t *testing.T) {
	h := newTestSetup(t)
	ctx := context.Background()

	res, err := h.HandleCheckTransfer(ctx, makeRequest(map[string]any{"to": dest, "amount_eth": "0.5", "reserve": true}))
	require.NoError(t, err)
	text := resultText(t, res)
	require.Contains(t, text, "Reservation: rsv_")

	_, after, _ := strings.Cut(text, "Reservation: ")
	id, _, _ := strings.Cut(after, " ")
	res, err = h.HandleRecordSpend(ctx, makeRequest(map[string]any{"reservation_id": id}))
	require.NoError(t, err)
	assert.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "Remaining this period: 9.49 ETH")

	res, err = h.HandleReleaseReservation(ctx, makeRequest(map[string]any{"reservation_id": id}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "confirmed reservation cannot be released")
}

func TestHandleCheckApprove(t *testing.T) {
	h := newTestSetup(t)
	ctx := context.Background()

	res, err := h.HandleCheckApprove(ctx, makeRequest(map[string]any{"token": token, "spender": dest, "amount": "unlimited"}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "ALLOWED")
	assert.Contains(t, text, "[unlimited_approval]")
	assert.Contains(t, text, "[approval]")

	res, err = h.HandleCheckApprove(ctx, makeRequest(map[string]any{"token": token, "spender": dest, "amount": "0"}))
	require.NoError(t, err)
	text = resultText(t, res)
	assert.Contains(t, text, "[approval]")
	assert.NotContains(t, text, "[unlimited_approval]")

	res, err = h.HandleCheckApprove(ctx, makeRequest(map[string]any{"token": token, "spender": dest, "amount": "1.5"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = h.HandleCheckApprove(ctx, makeRequest(map[string]any{"token": "0x12", "spender": dest, "amount": "1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleCheckTransaction(t *testing.T) {
	h := newTestSetup(t)
	ctx := context.Background()

	res, err := h.HandleCheckTransaction(ctx, makeRequest(map[string]any{
		"to":   dest,
		"data": "0x2e1a7d4d0000000000000000000000000000000000000000000000000000000000000001",
		"gas":  float64(80000),
	}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "ALLOWED")
	assert.Contains(t, text, "[withdrawal]")

	res, err = h.HandleCheckTransaction(ctx, makeRequest(map[string]any{"to": dest, "data": "0xzz"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "Do not send")
}

func TestHandleFirewallStatus(t *testing.T) {
	h := newTestSetup(t)
	ctx := context.Background()

	_, err := h.HandleRecordSpend(ctx, makeRequest(map[string]any{"amount_eth": "2"}))
	require.NoError(t, err)

	res, err := h.HandleFirewallStatus(ctx, makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "Spent:        2 ETH")
	assert.Contains(t, text, "Remaining:    8 ETH")
	assert.Contains(t, text, "default_allow mode")
	assert.Contains(t, text, "optional")
}

func TestHandleRecordSpend_RequiresInput(t *testing.T) {
	h := newTestSetup(t)
	res, err := h.HandleRecordSpend(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandlers_ServerDown(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	h := NewHandlers(client.New(client.Config{APIURL: ts.URL}))

	res, err := h.HandleCheckTransfer(context.Background(), makeRequest(map[string]any{"to": dest, "amount_eth": "0.1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "503")
}
