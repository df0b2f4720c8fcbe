// Package intent describes a transaction an agent wants to send and builds
// the common ones (native transfer, ERC-20 transfer and approve).
package intent

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/txfirewall/internal/validation"
)

// ERC20 minimal ABI for the calls agents build
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var parsedERC20 = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic("intent: parse erc20 abi: " + err.Error())
	}
	return a
}()

// ErrInvalidAddress is returned when a builder gets a malformed address.
var ErrInvalidAddress = errors.New("intent: invalid address")

// Intent is one transaction submitted for checking. It is immutable for the
// duration of a check.
type Intent struct {
	To    string       // destination; empty means contract creation
	Value *uint256.Int // native value in wei; nil means zero
	Data  []byte       // calldata, possibly empty
	From  string       // sender, optional
	Gas   uint64       // gas limit, zero when unknown
}

// ValueOrZero returns Value, or zero when unset.
func (in Intent) ValueOrZero() *uint256.Int {
	if in.Value == nil {
		return new(uint256.Int)
	}
	return in.Value
}

// IsCreation reports whether the intent deploys a contract.
func (in Intent) IsCreation() bool {
	return strings.TrimSpace(in.To) == ""
}

// Destinations returns the addresses the intent touches. A contract
// creation has none.
func (in Intent) Destinations() []string {
	if in.IsCreation() {
		return nil
	}
	return []string{in.To}
}

// Unlimited is the maximum uint256 value, used for unbounded approvals.
func Unlimited() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

// NativeTransfer sends value wei to to.
func NativeTransfer(to string, value *uint256.Int) (Intent, error) {
	if !validation.IsValidEthAddress(to) {
		return Intent{}, fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	return Intent{To: to, Value: value}, nil
}

// ERC20Transfer builds transfer(to, amount) on token.
func ERC20Transfer(token, to string, amount *uint256.Int) (Intent, error) {
	return erc20Call(token, "transfer", to, amount)
}

// ERC20Approve builds approve(spender, amount) on token.
func ERC20Approve(token, spender string, amount *uint256.Int) (Intent, error) {
	return erc20Call(token, "approve", spender, amount)
}

func erc20Call(token, method, addr string, amount *uint256.Int) (Intent, error) {
	for _, a := range []string{token, addr} {
		if !validation.IsValidEthAddress(a) {
			return Intent{}, fmt.Errorf("%w: %q", ErrInvalidAddress, a)
		}
	}
	amt := new(big.Int)
	if amount != nil {
		amt = amount.ToBig()
	}
	data, err := parsedERC20.Pack(method, common.HexToAddress(addr), amt)
	if err != nil {
		return Intent{}, fmt.Errorf("intent: pack %s: %w", method, err)
	}
	return Intent{To: token, Value: new(uint256.Int), Data: data}, nil
}
