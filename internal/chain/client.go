package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"

	"github.com/mbd888/txfirewall/internal/circuitbreaker"
	"github.com/mbd888/txfirewall/internal/health"
)

// RPC method names, also used as circuit breaker keys.
const (
	OpCall        = "eth_call"
	OpEstimateGas = "eth_estimateGas"
	OpGasPrice    = "eth_gasPrice"
)

// Client wraps a Reader with error classification and a per-method
// circuit breaker. Reverts and insufficient funds are answers, not outages,
// so only transient failures count toward tripping the breaker.
type Client struct {
	reader  Reader
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBreaker replaces the default breaker (5 failures, 30s cooldown).
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient wraps r.
func NewClient(r Reader, opts ...Option) *Client {
	c := &Client{
		reader:  r,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call executes a read-only call against the latest block.
func (c *Client) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.do(OpCall, func() error {
		var err error
		out, err = c.reader.CallContract(ctx, msg, nil)
		return Classify(OpCall, err)
	})
	return out, err
}

// EstimateGas asks the node for a gas estimate.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.do(OpEstimateGas, func() error {
		var err error
		gas, err = c.reader.EstimateGas(ctx, msg)
		return Classify(OpEstimateGas, err)
	})
	return gas, err
}

// GasPrice returns the node's suggested gas price in wei.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.do(OpGasPrice, func() error {
		var err error
		price, err = c.reader.SuggestGasPrice(ctx)
		return Classify(OpGasPrice, err)
	})
	return price, err
}

// Breakers returns the breaker state per RPC method.
func (c *Client) Breakers() map[string]string {
	return c.breaker.Snapshot()
}

func (c *Client) do(op string, fn func() error) error {
	err := c.breaker.Do(op, IsTransient, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		c.logger.Warn("rpc circuit open, failing closed", "op", op)
		return &Error{Op: op, Kind: KindUnavailable, Err: err}
	}
	return err
}

// HealthChecker probes the node and verifies it serves wantChainID.
func HealthChecker(p Prober, wantChainID int64) health.Checker {
	return func(ctx context.Context) health.Status {
		id, err := p.ChainID(ctx)
		if err != nil {
			return health.Status{Healthy: false, Detail: err.Error()}
		}
		if wantChainID != 0 && id.Int64() != wantChainID {
			return health.Status{Healthy: false, Detail: "unexpected chain id " + id.String()}
		}
		return health.Status{Healthy: true, Detail: "chain " + id.String()}
	}
}
