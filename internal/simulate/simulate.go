// Package simulate dry-runs a transaction intent against current chain state
// and estimates what it will cost the payer.
//
// Only the dry-run call is retried, and only for transient failures. Every
// network operation runs under the simulator's overall timeout; hitting it
// is reported as a failed simulation, never as a pass.
package simulate

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/txfirewall/internal/advisory"
	"github.com/mbd888/txfirewall/internal/chain"
	"github.com/mbd888/txfirewall/internal/intent"
)

// Defaults
const (
	DefaultMaxRetries       = 2
	DefaultRetryDelay       = 100 * time.Millisecond
	DefaultTimeout          = 10 * time.Second
	DefaultHighGasThreshold = uint64(500_000)

	// TransferGas is the fallback gas for a plain value transfer.
	TransferGas = uint64(21_000)
	// ContractCallGas is the fallback gas when calldata is present.
	ContractCallGas = uint64(100_000)
)

var (
	// DefaultGasPrice is used when the node cannot quote one (1 gwei).
	DefaultGasPrice = uint256.NewInt(1_000_000_000)
	// ConservativeSpend is added to value when neither gas price nor gas
	// could be estimated (0.01 ETH).
	ConservativeSpend = uint256.NewInt(10_000_000_000_000_000)
)

// Chain is the read-only chain access the simulator needs. *chain.Client
// satisfies it.
type Chain interface {
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
}

var _ Chain = (*chain.Client)(nil)

// FailureKind classifies a failed simulation.
type FailureKind string

const (
	FailureInsufficientFunds FailureKind = "insufficient_funds"
	FailureRevert            FailureKind = "revert"
	FailureUnknown           FailureKind = "unknown"
)

// ErrNoChain is returned when a simulation is requested without chain access.
var ErrNoChain = errors.New("simulate: no chain access configured")

// SimulationError explains why a dry run failed.
type SimulationError struct {
	Kind   FailureKind
	Reason string // decoded revert reason, when known
	Err    error
}

func (e *SimulationError) Error() string {
	switch e.Kind {
	case FailureInsufficientFunds:
		return "simulation failed: insufficient funds for value plus gas"
	case FailureRevert:
		if e.Reason != "" {
			return "simulation failed: transaction would revert: " + e.Reason
		}
		return "simulation failed: transaction would revert"
	default:
		if e.Err != nil {
			return "simulation failed: " + e.Err.Error()
		}
		return "simulation failed"
	}
}

func (e *SimulationError) Unwrap() error { return e.Err }

// Outcome is the result of one dry run.
type Outcome struct {
	Success    bool               `json:"success"`
	GasUsed    uint64             `json:"gasUsed,omitempty"`
	ReturnData []byte             `json:"returnData,omitempty"`
	Warnings   []advisory.Warning `json:"warnings"`
	Error      *SimulationError   `json:"-"`
	Attempts   int                `json:"attempts"`
}

// FailureKind returns the failure kind, or "" on success.
func (o Outcome) FailureKind() FailureKind {
	if o.Error == nil {
		return ""
	}
	return o.Error.Kind
}

// Config configures a Simulator.
type Config struct {
	MaxRetries       int           // total call attempts; default 2
	RetryDelay       time.Duration // base for linear backoff; default 100ms
	Timeout          time.Duration // overall bound per operation; default 10s
	HighGasThreshold uint64        // default 500,000
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HighGasThreshold == 0 {
		c.HighGasThreshold = DefaultHighGasThreshold
	}
	return c
}

// Simulator holds only configuration and chain access; it keeps no state
// between calls.
type Simulator struct {
	chain  Chain
	cfg    Config
	logger *slog.Logger
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Simulator) { s.logger = logger }
}

// New creates a Simulator. c may be nil, in which case every simulation
// fails closed and spend estimates use fallbacks.
func New(c Chain, cfg Config, opts ...Option) *Simulator {
	s := &Simulator{
		chain:  c,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Simulator) Config() Config {
	return s.cfg
}

// ExtractDestinations returns the intent's destination, if any.
func ExtractDestinations(in intent.Intent) []string {
	return in.Destinations()
}

func callMsg(in intent.Intent, from string) ethereum.CallMsg {
	msg := ethereum.CallMsg{
		Gas:   in.Gas,
		Value: in.ValueOrZero().ToBig(),
		Data:  in.Data,
	}
	if !in.IsCreation() {
		to := common.HexToAddress(in.To)
		msg.To = &to
	}
	if from == "" {
		from = in.From
	}
	if from != "" {
		msg.From = common.HexToAddress(from)
	}
	return msg
}
