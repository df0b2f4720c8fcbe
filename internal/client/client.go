// Package client is an HTTP client for the firewall API, shared by the
// operator CLI and the MCP server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the configuration for connecting to a firewall server.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	APIKey      string // sk_ key, when the server requires one
	AdminSecret string // sent as X-Admin-Secret; needed for admin routes
	Timeout     time.Duration
}

// Client is a pure HTTP client for the firewall API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is an error response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.Status)
}

// Amount is an amount as the server renders it.
type Amount struct {
	Wei string `json:"wei"`
	Eth string `json:"eth"`
}

// Reservation is a live hold against the period cap.
type Reservation struct {
	ID        string    `json:"id"`
	Amount    Amount    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Warning is an advisory attached to a decision.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ContractCheck is the classification of one destination.
type ContractCheck struct {
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Simulation summarizes the dry run.
type Simulation struct {
	Success  bool   `json:"success"`
	Attempts int    `json:"attempts"`
	GasUsed  uint64 `json:"gasUsed,omitempty"`
	Failure  string `json:"failure,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Decision is the firewall's verdict on one intent.
type Decision struct {
	CheckID        string          `json:"checkId"`
	Allowed        bool            `json:"allowed"`
	Code           string          `json:"code"`
	Stage          string          `json:"stage,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Warnings       []Warning       `json:"warnings"`
	ContractChecks []ContractCheck `json:"contractChecks"`
	Simulation     *Simulation     `json:"simulation,omitempty"`
	EstimatedSpend *Amount         `json:"estimatedSpend,omitempty"`
	ReservationID  string          `json:"reservationId,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// CheckRequest is a transaction intent. Value is in wei; ValueEth is the
// ether alternative.
type CheckRequest struct {
	To       string `json:"to"`
	Value    string `json:"value,omitempty"`
	ValueEth string `json:"valueEth,omitempty"`
	Data     string `json:"data,omitempty"`
	From     string `json:"from,omitempty"`
	Gas      uint64 `json:"gas,omitempty"`
}

// doRequest makes an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}
	return respBody, nil
}

func (c *Client) decode(ctx context.Context, method, path string, body, out any) error {
	raw, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Check asks the firewall whether an intent may be signed.
func (c *Client) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	var out struct {
		Decision Decision `json:"decision"`
	}
	if err := c.decode(ctx, http.MethodPost, "/v1/check", req, &out); err != nil {
		return nil, err
	}
	return &out.Decision, nil
}

// CheckAndReserve is Check that also holds the estimated spend.
func (c *Client) CheckAndReserve(ctx context.Context, req CheckRequest) (*Decision, error) {
	var out struct {
		Decision Decision `json:"decision"`
	}
	if err := c.decode(ctx, http.MethodPost, "/v1/check/reserve", req, &out); err != nil {
		return nil, err
	}
	return &out.Decision, nil
}

func (c *Client) remaining(ctx context.Context, method, path string, body any) (*Amount, error) {
	var out struct {
		Remaining Amount `json:"remaining"`
	}
	if err := c.decode(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out.Remaining, nil
}

// RecordSpend reports realized spend in ether and returns what remains.
func (c *Client) RecordSpend(ctx context.Context, amountEth string) (*Amount, error) {
	return c.remaining(ctx, http.MethodPost, "/v1/spend/record", map[string]string{"amountEth": amountEth})
}

// Confirm turns a reservation into recorded spend.
func (c *Client) Confirm(ctx context.Context, reservationID string) (*Amount, error) {
	return c.remaining(ctx, http.MethodPost, "/v1/spend/reservations/"+url.PathEscape(reservationID)+"/confirm", nil)
}

// Release drops a reservation.
func (c *Client) Release(ctx context.Context, reservationID string) (*Amount, error) {
	return c.remaining(ctx, http.MethodPost, "/v1/spend/reservations/"+url.PathEscape(reservationID)+"/release", nil)
}

// Reservations lists live reservations, oldest first.
func (c *Client) Reservations(ctx context.Context) ([]Reservation, error) {
	var out struct {
		Reservations []Reservation `json:"reservations"`
	}
	if err := c.decode(ctx, http.MethodGet, "/v1/spend/reservations", nil, &out); err != nil {
		return nil, err
	}
	return out.Reservations, nil
}

// ResetPeriodSpend zeroes the period's spend and drops every reservation.
// Requires the admin secret.
func (c *Client) ResetPeriodSpend(ctx context.Context) (*Amount, error) {
	return c.remaining(ctx, http.MethodPost, "/v1/spend/reset", nil)
}

// Remaining returns what may still be spent this period.
func (c *Client) Remaining(ctx context.Context) (*Amount, error) {
	return c.remaining(ctx, http.MethodGet, "/v1/spend/remaining", nil)
}

// Block adds an address to the block list. Requires the admin secret.
func (c *Client) Block(ctx context.Context, address string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/contracts/block", map[string]string{"address": address})
	return err
}

// Allow adds an address to the allow list. It reports false when the
// server is not in allow-list mode. Requires the admin secret.
func (c *Client) Allow(ctx context.Context, address string) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/contracts/allow", map[string]string{"address": address})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return false, nil
	}
	return err == nil, err
}

// Blocked lists the block list. Requires the admin secret.
func (c *Client) Blocked(ctx context.Context) ([]string, error) {
	var out struct {
		Blocked []string `json:"blocked"`
	}
	if err := c.decode(ctx, http.MethodGet, "/v1/contracts/blocked", nil, &out); err != nil {
		return nil, err
	}
	return out.Blocked, nil
}

// Status returns the raw status document.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	var out struct {
		Status json.RawMessage `json:"status"`
	}
	if err := c.decode(ctx, http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return out.Status, nil
}

// ExportAudit returns the audit log as JSON lines. Requires the admin secret.
func (c *Client) ExportAudit(ctx context.Context) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/audit/export", nil)
}

// Health returns the raw health report.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	return json.RawMessage(raw), err
}

// Webhook is a decision notification subscription.
type Webhook struct {
	ID                  string     `json:"id"`
	URL                 string     `json:"url"`
	Events              []string   `json:"events"`
	Codes               []string   `json:"codes,omitempty"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// CreateWebhook registers endpoint for decision notifications and returns the
// subscription with its signing secret. Empty events means rejections only.
// Requires the admin secret.
func (c *Client) CreateWebhook(ctx context.Context, endpoint string, events, codes []string) (*Webhook, string, error) {
	var out struct {
		Webhook Webhook `json:"webhook"`
		Secret  string  `json:"secret"`
	}
	body := map[string]any{"url": endpoint, "events": events, "codes": codes}
	if err := c.decode(ctx, http.MethodPost, "/v1/admin/webhooks", body, &out); err != nil {
		return nil, "", err
	}
	return &out.Webhook, out.Secret, nil
}

// Webhooks lists subscriptions. Requires the admin secret.
func (c *Client) Webhooks(ctx context.Context) ([]Webhook, error) {
	var out struct {
		Webhooks []Webhook `json:"webhooks"`
	}
	if err := c.decode(ctx, http.MethodGet, "/v1/admin/webhooks", nil, &out); err != nil {
		return nil, err
	}
	return out.Webhooks, nil
}

// DeleteWebhook removes a subscription. Requires the admin secret.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/v1/admin/webhooks/"+url.PathEscape(id), nil)
	return err
}
