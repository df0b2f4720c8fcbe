// Package calldata flags high-risk contract calls from their payload.
//
// The set of risky operations is closed: each RiskKind carries its own
// function signature and detection rule, and Scan matches exhaustively
// over Kinds. Findings are advisory and never block a transaction.
package calldata

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/txfirewall/internal/advisory"
)

// SelectorLen is the length of a function selector in bytes.
const SelectorLen = 4

const slotLen = 32

// RiskKind enumerates the known high-risk operations.
type RiskKind int

const (
	RiskNone RiskKind = iota
	RiskApprove
	RiskIncreaseAllowance
	RiskSetApprovalForAll
	RiskWithdraw
)

// Kinds lists every detectable RiskKind.
var Kinds = []RiskKind{RiskApprove, RiskIncreaseAllowance, RiskSetApprovalForAll, RiskWithdraw}

// Signature returns the canonical function signature for the kind.
func (k RiskKind) Signature() string {
	switch k {
	case RiskApprove:
		return "approve(address,uint256)"
	case RiskIncreaseAllowance:
		return "increaseAllowance(address,uint256)"
	case RiskSetApprovalForAll:
		return "setApprovalForAll(address,bool)"
	case RiskWithdraw:
		return "withdraw(uint256)"
	default:
		return ""
	}
}

func (k RiskKind) String() string {
	switch k {
	case RiskApprove:
		return "approve"
	case RiskIncreaseAllowance:
		return "increase_allowance"
	case RiskSetApprovalForAll:
		return "set_approval_for_all"
	case RiskWithdraw:
		return "withdraw"
	default:
		return "none"
	}
}

var selectors = func() map[RiskKind][SelectorLen]byte {
	m := make(map[RiskKind][SelectorLen]byte, len(Kinds))
	for _, k := range Kinds {
		var sel [SelectorLen]byte
		copy(sel[:], crypto.Keccak256([]byte(k.Signature()))[:SelectorLen])
		m[k] = sel
	}
	return m
}()

// Selector returns the 4-byte selector for the kind. RiskNone has none.
func (k RiskKind) Selector() [SelectorLen]byte {
	return selectors[k]
}

// Detect returns the risky operation data invokes, or RiskNone.
func Detect(data []byte) RiskKind {
	if len(data) < SelectorLen {
		return RiskNone
	}
	for _, k := range Kinds {
		sel := selectors[k]
		if bytes.Equal(data[:SelectorLen], sel[:]) {
			return k
		}
	}
	return RiskNone
}

// Scan returns the advisory warnings for data. Empty or short calldata
// yields none.
func Scan(data []byte) []advisory.Warning {
	kind := Detect(data)
	switch kind {
	case RiskApprove:
		ws := []advisory.Warning{advisory.New(advisory.CodeApproval,
			"token approval grants %s permission to move your tokens", spender(data))}
		if isUnlimited(slot(data, 1)) {
			ws = append(ws, advisory.New(advisory.CodeUnlimitedApproval,
				"unlimited token approval to %s: the spender can drain the full balance", spender(data)))
		}
		return ws
	case RiskIncreaseAllowance:
		return []advisory.Warning{advisory.New(advisory.CodeIncreaseAllowance,
			"allowance increase for %s", spender(data))}
	case RiskSetApprovalForAll:
		return []advisory.Warning{advisory.New(advisory.CodeOperatorApproval,
			"setApprovalForAll grants %s control of every token in the collection", spender(data))}
	case RiskWithdraw:
		return []advisory.Warning{advisory.New(advisory.CodeWithdrawal,
			"withdrawal call: verify the destination contract")}
	case RiskNone:
		return nil
	default:
		return nil
	}
}

// slot returns the i-th 32-byte argument word, or nil if data is too short.
func slot(data []byte, i int) []byte {
	start := SelectorLen + i*slotLen
	if len(data) < start+slotLen {
		return nil
	}
	return data[start : start+slotLen]
}

func isUnlimited(word []byte) bool {
	if len(word) != slotLen {
		return false
	}
	for _, b := range word {
		if b != 0xff {
			return false
		}
	}
	return true
}

// spender decodes the first argument as an address.
func spender(data []byte) string {
	word := slot(data, 0)
	if word == nil {
		return "an unknown address"
	}
	return common.BytesToAddress(word).Hex()
}
