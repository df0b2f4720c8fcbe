// Package advisory defines the non-fatal warnings attached to firewall
// decisions. A warning never blocks a transaction.
package advisory

import "fmt"

// Warning codes.
const (
	CodeApproval          = "approval"
	CodeUnlimitedApproval = "unlimited_approval"
	CodeIncreaseAllowance = "increase_allowance"
	CodeOperatorApproval  = "operator_approval"
	CodeWithdrawal        = "withdrawal"
	CodeRiskySelector     = "risky_selector"
	CodeZeroValueCall     = "zero_value_call"
	CodeHighGas           = "high_gas"
	CodeGasPriceFallback  = "gas_price_fallback"
	CodeGasFallback       = "gas_estimate_fallback"
	CodeSpendFallback     = "spend_estimate_fallback"
	CodeRevertPayload     = "revert_payload"
	CodePanicPayload      = "panic_payload"
	CodeCheckBalance      = "check_balance"
	CodeWouldRevert       = "would_revert"
	CodeLimitsUnenforced  = "limits_unenforced"
)

// Warning is one advisory finding.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New builds a warning with a formatted message.
func New(code, format string, args ...any) Warning {
	return Warning{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (w Warning) String() string {
	return w.Code + ": " + w.Message
}

// List accumulates warnings, keeping one per code. The first message
// recorded for a code wins.
type List struct {
	items []Warning
	seen  map[string]struct{}
}

// Add appends ws, skipping any whose code is already present.
func (l *List) Add(ws ...Warning) {
	if l.seen == nil {
		l.seen = make(map[string]struct{})
	}
	for _, w := range ws {
		if _, ok := l.seen[w.Code]; ok {
			continue
		}
		l.seen[w.Code] = struct{}{}
		l.items = append(l.items, w)
	}
}

// Map returns a copy of the list with every message passed through fn.
func (l *List) Map(fn func(string) string) []Warning {
	out := l.Items()
	for i := range out {
		out[i].Message = fn(out[i].Message)
	}
	return out
}

// Items returns the warnings in insertion order. Never nil.
func (l *List) Items() []Warning {
	out := make([]Warning, len(l.items))
	copy(out, l.items)
	return out
}
