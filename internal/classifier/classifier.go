// Package classifier decides whether a destination contract may be called.
//
// Precedence is fixed: the block list wins over everything, then the
// system-safe set (when honored), then the allow list (only in allow-list
// mode). In default-allow mode any address not blocked passes.
package classifier

import (
	"fmt"

	"github.com/mbd888/txfirewall/internal/validation"
)

// Status is the classification of one address.
type Status string

const (
	StatusBlocked        Status = "blocked"
	StatusSystemSafe     Status = "system_safe"
	StatusAllowed        Status = "allowed"
	StatusNotInAllowlist Status = "not_in_allowlist"
)

// Mode names the classification mode.
type Mode string

const (
	ModeDefaultAllow Mode = "default_allow"
	ModeAllowlist    Mode = "allowlist"
)

// KnownMalicious seeds every block list.
var KnownMalicious = []string{
	"0xd90e2f925DA726b50C4Ed8D0Fb90Ad053324F31b", // Tornado Cash: Router
	"0xA160cdAB225685dA1d56aa342Ad8841c3b53f291", // Tornado Cash: 100 ETH
	"0x722122dF12D4e14e13Ac3b6895a86e84145b6967", // Tornado Cash: Proxy
	"0x910Cbd523D972eb0a6f4cAe4618aD62622b39DbF", // Tornado Cash: 10 ETH
}

// SystemSafe lists predeploys and infrastructure contracts on OP-stack
// chains that agents routinely call.
var SystemSafe = []string{
	"0x4200000000000000000000000000000000000006", // WETH
	"0x4200000000000000000000000000000000000010", // L2StandardBridge
	"0x4200000000000000000000000000000000000016", // L2ToL1MessagePasser
	"0xcA11bde05977b3631167028862bE2a173976CA11", // Multicall3
}

// Result is the outcome of classifying one address.
type Result struct {
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Status  Status `json:"status"`
}

// Config configures a Classifier.
type Config struct {
	Blocklist       []string
	Allowlist       []string
	AllowlistMode   bool
	HonorSystemSafe bool
}

// Summary describes the classifier's current configuration.
type Summary struct {
	Mode              Mode `json:"mode"`
	BlockedCount      int  `json:"blockedCount"`
	AllowedCount      int  `json:"allowedCount"`
	SystemSafeCount   int  `json:"systemSafeCount"`
	SystemSafeHonored bool `json:"systemSafeHonored"`
}

// Classifier owns the block, allow, and system-safe sets. It is safe for
// concurrent use.
type Classifier struct {
	block     *AddressSet
	allow     *AddressSet // nil in default-allow mode
	safe      *AddressSet
	honorSafe bool
}

// New creates a Classifier. The block list is seeded with KnownMalicious.
func New(cfg Config) *Classifier {
	c := &Classifier{
		block:     NewAddressSet(KnownMalicious...),
		safe:      NewAddressSet(SystemSafe...),
		honorSafe: cfg.HonorSystemSafe,
	}
	for _, a := range cfg.Blocklist {
		c.block.Add(a)
	}
	if cfg.AllowlistMode || len(cfg.Allowlist) > 0 {
		c.allow = NewAddressSet(cfg.Allowlist...)
	}
	return c
}

// Classify applies the precedence rules to addr. Malformed input is
// classified on its normalized literal form and never errors.
func (c *Classifier) Classify(addr string) Result {
	norm := validation.SanitizeAddress(addr)
	switch {
	case c.block.Contains(norm):
		return Result{
			Address: norm,
			Status:  StatusBlocked,
			Reason:  fmt.Sprintf("contract %s is on the block list", norm),
		}
	case c.honorSafe && c.safe.Contains(norm):
		return Result{Address: norm, Allowed: true, Status: StatusSystemSafe}
	case c.allow == nil:
		return Result{Address: norm, Allowed: true, Status: StatusAllowed}
	case c.allow.Contains(norm):
		return Result{Address: norm, Allowed: true, Status: StatusAllowed}
	default:
		return Result{
			Address: norm,
			Status:  StatusNotInAllowlist,
			Reason:  fmt.Sprintf("contract %s is not on the allow list", norm),
		}
	}
}

// ClassifyAll classifies each address independently, preserving order.
func (c *Classifier) ClassifyAll(addrs []string) []Result {
	out := make([]Result, len(addrs))
	for i, a := range addrs {
		out[i] = c.Classify(a)
	}
	return out
}

// Block adds addr to the block list.
func (c *Classifier) Block(addr string) {
	c.block.Add(addr)
}

// Allow adds addr to the allow list. It is a no-op returning false in
// default-allow mode.
func (c *Classifier) Allow(addr string) bool {
	if c.allow == nil {
		return false
	}
	c.allow.Add(addr)
	return true
}

// Mode reports whether the classifier runs with an allow list.
func (c *Classifier) Mode() Mode {
	if c.allow == nil {
		return ModeDefaultAllow
	}
	return ModeAllowlist
}

// Blocked returns the block list in sorted order.
func (c *Classifier) Blocked() []string {
	return c.block.List()
}

// Summary returns counts for status reporting.
func (c *Classifier) Summary() Summary {
	s := Summary{
		Mode:              c.Mode(),
		BlockedCount:      c.block.Len(),
		SystemSafeCount:   c.safe.Len(),
		SystemSafeHonored: c.honorSafe,
	}
	if c.allow != nil {
		s.AllowedCount = c.allow.Len()
	}
	return s
}
