// Package chain is the firewall's read-only view of the network: dry-run
// calls, gas estimation, and gas price. Node errors are classified once,
// here, into retryable and terminal kinds so callers never inspect text.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Reader abstracts the go-ethereum client for testing.
type Reader interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Prober reports which network a node serves.
type Prober interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Compile-time interface checks
var (
	_ Reader = (*ethclient.Client)(nil)
	_ Prober = (*ethclient.Client)(nil)
)

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	return c, nil
}

// Kind classifies a failed chain call.
type Kind int

const (
	// KindTransient covers network errors, timeouts, and anything the node
	// did not explain. Only this kind is retried.
	KindTransient Kind = iota
	// KindRevert means execution reverted.
	KindRevert
	// KindInsufficientFunds means the sender cannot cover value plus gas.
	KindInsufficientFunds
	// KindUnavailable means the circuit breaker refused the call.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRevert:
		return "revert"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified chain failure.
type Error struct {
	Op     string // RPC method
	Kind   Kind
	Reason string // decoded revert reason, if any
	Data   []byte // raw revert payload, if any
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("chain: %s %s", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// KindOf returns the Kind of err, treating unclassified errors as transient.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// Classify wraps a raw node error for op. Context errors and nil pass
// through unchanged.
func Classify(op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	e := &Error{Op: op, Kind: KindTransient, Err: err}
	if data, ok := revertData(err); ok {
		e.Kind = KindRevert
		e.Data = data
		e.Reason = DecodeRevert(data)
		return e
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient balance"):
		e.Kind = KindInsufficientFunds
	case strings.Contains(msg, "revert"):
		e.Kind = KindRevert
		if _, reason, ok := strings.Cut(err.Error(), "reverted: "); ok {
			e.Reason = strings.TrimSpace(reason)
		}
	}
	return e
}

// revertData extracts the payload carried by a JSON-RPC execution error.
func revertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}
	switch v := de.ErrorData().(type) {
	case string:
		b, derr := hexutil.Decode(v)
		if derr != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return v, true
	default:
		return nil, false
	}
}

// DecodeRevert renders a revert payload. Error(string) and Panic(uint256)
// are decoded; custom errors are shown by selector.
func DecodeRevert(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if len(data) >= 4 {
		return "custom error " + hexutil.Encode(data[:4])
	}
	return "malformed revert data " + hexutil.Encode(data)
}
