package simulate

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/mbd888/txfirewall/internal/advisory"
	"github.com/mbd888/txfirewall/internal/calldata"
	"github.com/mbd888/txfirewall/internal/intent"
	"github.com/mbd888/txfirewall/internal/traces"
	"github.com/mbd888/txfirewall/internal/units"
)

// SpendEstimate is the projected cost of an intent to its payer.
type SpendEstimate struct {
	EstimatedSpend *uint256.Int       `json:"-"`
	GasPrice       *uint256.Int       `json:"-"`
	GasEstimate    uint64             `json:"gasEstimate"`
	Fallback       bool               `json:"fallback"`
	Warnings       []advisory.Warning `json:"warnings"`
}

// EstimateSpend returns value + gasPrice × gas for in when paid by payer.
// It never fails: a missing gas price or estimate falls back to a default
// with a warning, and when both are missing the value plus
// ConservativeSpend is returned so limit checks still have a number.
func (s *Simulator) EstimateSpend(ctx context.Context, in intent.Intent, payer string) SpendEstimate {
	ctx, span := traces.StartSpan(ctx, "simulate.estimate_spend", traces.Payer(payer))
	defer span.End()

	var warnings advisory.List
	value := in.ValueOrZero()

	price, priceOK := s.gasPrice(ctx)
	if !priceOK {
		warnings.Add(advisory.New(advisory.CodeGasPriceFallback,
			"gas price unavailable, assuming %s gwei", units.FormatGwei(DefaultGasPrice)))
	}

	gas, gasOK := s.gasEstimate(ctx, in, payer)
	if !gasOK {
		warnings.Add(advisory.New(advisory.CodeGasFallback,
			"gas estimation failed, assuming %d gas", gas))
	}

	est := SpendEstimate{GasPrice: price, GasEstimate: gas}
	if !priceOK && !gasOK {
		est.Fallback = true
		est.EstimatedSpend = units.SaturatingAdd(value, ConservativeSpend)
		warnings.Add(advisory.New(advisory.CodeSpendFallback,
			"could not estimate gas cost, using value plus %s ETH", units.FormatEther(ConservativeSpend)))
	} else {
		est.EstimatedSpend = total(value, price, gas)
	}

	if kind := calldata.Detect(in.Data); kind != calldata.RiskNone {
		warnings.Add(advisory.New(advisory.CodeRiskySelector, "calldata invokes %s", kind.Signature()))
	}
	if value.IsZero() && len(in.Data) > 0 {
		warnings.Add(advisory.New(advisory.CodeZeroValueCall,
			"zero-value call with calldata; token approvals often look like this"))
	}
	if gas > s.cfg.HighGasThreshold {
		warnings.Add(highGas(gas, s.cfg.HighGasThreshold))
	}

	est.Warnings = warnings.Items()
	return est
}

func (s *Simulator) gasPrice(ctx context.Context) (*uint256.Int, bool) {
	if s.chain == nil {
		return new(uint256.Int).Set(DefaultGasPrice), false
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	p, err := s.chain.GasPrice(ctx)
	if err != nil || p == nil || p.Sign() < 0 {
		return new(uint256.Int).Set(DefaultGasPrice), false
	}
	v, overflow := uint256.FromBig(p)
	if overflow {
		return new(uint256.Int).Set(DefaultGasPrice), false
	}
	return v, true
}

func (s *Simulator) gasEstimate(ctx context.Context, in intent.Intent, payer string) (uint64, bool) {
	if in.Gas > 0 {
		return in.Gas, true
	}
	fallback := TransferGas
	if len(in.Data) > 0 {
		fallback = ContractCallGas
	}
	if s.chain == nil {
		return fallback, false
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	gas, err := s.chain.EstimateGas(ctx, callMsg(in, payer))
	if err != nil {
		return fallback, false
	}
	return gas, true
}

// total computes value + price × gas, saturating at the maximum uint256 so
// an absurd estimate still trips the spend caps.
func total(value, price *uint256.Int, gas uint64) *uint256.Int {
	cost, err := units.Mul(price, uint256.NewInt(gas))
	if err != nil {
		return new(uint256.Int).SetAllOne()
	}
	return units.SaturatingAdd(value, cost)
}
