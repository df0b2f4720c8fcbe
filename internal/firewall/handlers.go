package firewall

import (
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/mbd888/txfirewall/internal/intent"
	"github.com/mbd888/txfirewall/internal/spend"
	"github.com/mbd888/txfirewall/internal/units"
	"github.com/mbd888/txfirewall/internal/validation"
)

// CheckRequest is the JSON form of a transaction intent.
type CheckRequest struct {
	To       string `json:"to"`
	Value    string `json:"value,omitempty"`    // wei, base 10
	ValueEth string `json:"valueEth,omitempty"` // alternative to Value
	Data     string `json:"data,omitempty"`     // 0x-prefixed hex
	From     string `json:"from,omitempty"`
	Gas      uint64 `json:"gas,omitempty"`
}

// Intent validates the request and converts it.
func (r CheckRequest) Intent() (intent.Intent, validation.ValidationErrors) {
	errs := validation.Validate(
		validation.ValidAddress("to", r.To),
		validation.ValidAddress("from", r.From),
		validation.ValidWei("value", r.Value),
		validation.ValidCalldata("data", r.Data),
	)
	if r.Value != "" && r.ValueEth != "" {
		errs = append(errs, validation.ValidationError{Field: "valueEth", Message: "cannot be combined with value"})
	}
	if len(errs) > 0 {
		return intent.Intent{}, errs
	}

	in := intent.Intent{
		To:   validation.SanitizeAddress(r.To),
		From: validation.SanitizeAddress(r.From),
		Gas:  r.Gas,
	}
	var err error
	switch {
	case r.Value != "":
		in.Value, err = units.ParseWei(r.Value)
	case r.ValueEth != "":
		in.Value, err = units.ParseEther(r.ValueEth)
	}
	if err != nil {
		return intent.Intent{}, validation.ValidationErrors{{Field: "value", Message: err.Error()}}
	}
	if r.Data != "" && r.Data != "0x" {
		in.Data, err = hexutil.Decode(r.Data)
		if err != nil {
			return intent.Intent{}, validation.ValidationErrors{{Field: "data", Message: err.Error()}}
		}
	}
	return in, nil
}

// AmountRequest carries an amount in wei or ether.
type AmountRequest struct {
	Amount    string `json:"amount,omitempty"`    // wei
	AmountEth string `json:"amountEth,omitempty"` // ether
}

func (r AmountRequest) parse() (*uint256.Int, error) {
	if r.Amount != "" {
		return units.ParseWei(r.Amount)
	}
	return units.ParseEther(r.AmountEth)
}

// AddressRequest names a contract address.
type AddressRequest struct {
	Address string `json:"address" binding:"required"`
}

// Handler provides HTTP endpoints for the firewall.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates a new firewall handler.
func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p}
}

// RegisterRoutes sets up check, spend and status routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/check", h.Check)
	r.POST("/check/reserve", h.CheckAndReserve)
	r.POST("/spend/record", h.RecordSpend)
	r.GET("/spend/reservations", h.ListReservations)
	r.POST("/spend/reservations/:id/confirm", h.ConfirmReservation)
	r.POST("/spend/reservations/:id/release", h.ReleaseReservation)
	r.GET("/spend/remaining", h.Remaining)
	r.GET("/status", h.Status)
}

// RegisterAdminRoutes sets up routes that change policy or erase spend.
// The caller is expected to guard r with admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/spend/reset", h.ResetPeriodSpend)
	r.POST("/contracts/block", h.Block)
	r.POST("/contracts/allow", h.Allow)
	r.GET("/contracts/blocked", h.ListBlocked)
	r.GET("/audit/export", h.ExportAudit)
}

// Check handles POST /v1/check
func (h *Handler) Check(c *gin.Context) {
	in, ok := bindIntent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": h.pipeline.Check(c.Request.Context(), in)})
}

// CheckAndReserve handles POST /v1/check/reserve
func (h *Handler) CheckAndReserve(c *gin.Context) {
	in, ok := bindIntent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": h.pipeline.CheckAndReserve(c.Request.Context(), in)})
}

// RecordSpend handles POST /v1/spend/record
func (h *Handler) RecordSpend(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Amount == "" && req.AmountEth == "") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount or amountEth is required",
		})
		return
	}
	amt, err := req.parse()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}

	if err := h.pipeline.RecordSpend(c.Request.Context(), amt); err != nil {
		writeLedgerError(c, err)
		return
	}
	h.writeRemaining(c)
}

// ConfirmReservation handles POST /v1/spend/reservations/:id/confirm
func (h *Handler) ConfirmReservation(c *gin.Context) {
	if err := h.pipeline.Confirm(c.Request.Context(), c.Param("id")); err != nil {
		writeLedgerError(c, err)
		return
	}
	h.writeRemaining(c)
}

// ReleaseReservation handles POST /v1/spend/reservations/:id/release
func (h *Handler) ReleaseReservation(c *gin.Context) {
	if err := h.pipeline.Release(c.Request.Context(), c.Param("id")); err != nil {
		writeLedgerError(c, err)
		return
	}
	h.writeRemaining(c)
}

type reservationJSON struct {
	ID        string      `json:"id"`
	Amount    *amountJSON `json:"amount"`
	CreatedAt time.Time   `json:"createdAt"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// ListReservations handles GET /v1/spend/reservations
func (h *Handler) ListReservations(c *gin.Context) {
	list, err := h.pipeline.Reservations(c.Request.Context())
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	out := make([]reservationJSON, 0, len(list))
	for _, r := range list {
		out = append(out, reservationJSON{ID: r.ID, Amount: amount(r.Amount), CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt})
	}
	c.JSON(http.StatusOK, gin.H{"reservations": out, "count": len(out)})
}

// ResetPeriodSpend handles POST /v1/spend/reset
func (h *Handler) ResetPeriodSpend(c *gin.Context) {
	if err := h.pipeline.ResetPeriodSpend(c.Request.Context()); err != nil {
		writeLedgerError(c, err)
		return
	}
	h.writeRemaining(c)
}

// Remaining handles GET /v1/spend/remaining
func (h *Handler) Remaining(c *gin.Context) {
	h.writeRemaining(c)
}

// Block handles POST /v1/contracts/block
func (h *Handler) Block(c *gin.Context) {
	req, ok := bindAddress(c)
	if !ok {
		return
	}
	if err := h.pipeline.Block(c.Request.Context(), req.Address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": true, "address": validation.SanitizeAddress(req.Address)})
}

// Allow handles POST /v1/contracts/allow. It answers 409 when the
// firewall is not in allow-list mode.
func (h *Handler) Allow(c *gin.Context) {
	req, ok := bindAddress(c)
	if !ok {
		return
	}
	added, err := h.pipeline.Allow(c.Request.Context(), req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return
	}
	if !added {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "allowlist_disabled",
			"message": "Allow list is not enabled; every destination not blocked is already allowed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": true, "address": validation.SanitizeAddress(req.Address)})
}

// ListBlocked handles GET /v1/contracts/blocked
func (h *Handler) ListBlocked(c *gin.Context) {
	blocked := h.pipeline.BlockedContracts()
	c.JSON(http.StatusOK, gin.H{"blocked": blocked, "count": len(blocked)})
}

// Status handles GET /v1/status
func (h *Handler) Status(c *gin.Context) {
	st, err := h.pipeline.Status(c.Request.Context())
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st})
}

// ExportAudit handles GET /v1/audit/export
func (h *Handler) ExportAudit(c *gin.Context) {
	data, err := h.pipeline.ExportAudit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to export audit log",
		})
		return
	}
	if data == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Audit log is not enabled",
		})
		return
	}
	c.Data(http.StatusOK, "application/x-ndjson", data)
}

func (h *Handler) writeRemaining(c *gin.Context) {
	rem, err := h.pipeline.Remaining(c.Request.Context())
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining": amount(rem)})
}

func bindIntent(c *gin.Context) (intent.Intent, bool) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return intent.Intent{}, false
	}
	in, errs := req.Intent()
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return intent.Intent{}, false
	}
	return in, true
}

func bindAddress(c *gin.Context) (AddressRequest, bool) {
	var req AddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address is required",
		})
		return req, false
	}
	return req, true
}

func writeLedgerError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := string(CodeLedgerUnavailable)
	switch {
	case errors.Is(err, spend.ErrReservationNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, spend.ErrOverflow):
		status = http.StatusUnprocessableEntity
		code = "overflow"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
