// Package firewall runs every transaction intent through a fixed sequence
// of checks before it may be signed: contract classification, spend limits,
// an optional dry run, and a calldata risk scan.
//
// Each stage can end the check with a rejection; later stages then do not
// run. Check always returns a Decision. Limit and contract rejections,
// failed simulations, exhausted retries, and even panics inside a stage
// become rejected decisions with a machine-readable Code.
package firewall

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/mbd888/txfirewall/internal/advisory"
	"github.com/mbd888/txfirewall/internal/classifier"
	"github.com/mbd888/txfirewall/internal/simulate"
	"github.com/mbd888/txfirewall/internal/spend"
	"github.com/mbd888/txfirewall/internal/units"
)

// Code classifies a decision.
type Code string

const (
	CodeOK                          Code = "ok"
	CodeContractBlocked             Code = "contract_blocked"
	CodeContractNotAllowlisted      Code = "contract_not_allowlisted"
	CodeLimitPerTx                  Code = "limit_per_tx"
	CodeLimitPeriod                 Code = "limit_period"
	CodeSimulationInsufficientFunds Code = "simulation_insufficient_funds"
	CodeSimulationRevert            Code = "simulation_revert"
	CodeSimulationFailed            Code = "simulation_failed"
	CodeLedgerUnavailable           Code = "ledger_unavailable"
	CodeInternalError               Code = "internal_error"
)

// Stage names a pipeline step.
type Stage string

const (
	StageClassify Stage = "classify"
	StageSpend    Stage = "spend"
	StageSimulate Stage = "simulate"
	StageScan     Stage = "scan"
)

// Decision is the immutable result of one check.
type Decision struct {
	CheckID        string
	Allowed        bool
	Code           Code
	Stage          Stage // stage that rejected; empty when allowed
	Reason         string
	Warnings       []advisory.Warning
	ContractChecks []classifier.Result
	Simulation     *simulate.Outcome
	EstimatedSpend *uint256.Int
	Spend          *spend.CheckResult
	ReservationID  string
	Timestamp      time.Time
}

type decisionJSON struct {
	CheckID        string              `json:"checkId"`
	Allowed        bool                `json:"allowed"`
	Code           Code                `json:"code"`
	Stage          Stage               `json:"stage,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	Warnings       []advisory.Warning  `json:"warnings"`
	ContractChecks []classifier.Result `json:"contractChecks"`
	Simulation     *simulationJSON     `json:"simulation,omitempty"`
	EstimatedSpend *amountJSON         `json:"estimatedSpend,omitempty"`
	Spend          *spendJSON          `json:"spend,omitempty"`
	ReservationID  string              `json:"reservationId,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}

type simulationJSON struct {
	Success    bool               `json:"success"`
	Attempts   int                `json:"attempts"`
	GasUsed    uint64             `json:"gasUsed,omitempty"`
	ReturnData string             `json:"returnData,omitempty"`
	Failure    string             `json:"failure,omitempty"`
	Error      string             `json:"error,omitempty"`
	Warnings   []advisory.Warning `json:"warnings"`
}

type spendJSON struct {
	Allowed            bool             `json:"allowed"`
	Scope              spend.LimitScope `json:"scope,omitempty"`
	CurrentPeriodSpend *amountJSON      `json:"currentPeriodSpend,omitempty"`
	RemainingPeriod    *amountJSON      `json:"remainingPeriod,omitempty"`
}

type amountJSON struct {
	Wei string `json:"wei"`
	Eth string `json:"eth"`
}

func amount(v *uint256.Int) *amountJSON {
	if v == nil {
		return nil
	}
	return &amountJSON{Wei: v.Dec(), Eth: units.FormatEther(v)}
}

// MarshalJSON renders amounts as decimal strings in both wei and ether.
func (d Decision) MarshalJSON() ([]byte, error) {
	out := decisionJSON{
		CheckID:        d.CheckID,
		Allowed:        d.Allowed,
		Code:           d.Code,
		Stage:          d.Stage,
		Reason:         d.Reason,
		Warnings:       d.Warnings,
		ContractChecks: d.ContractChecks,
		EstimatedSpend: amount(d.EstimatedSpend),
		ReservationID:  d.ReservationID,
		Timestamp:      d.Timestamp,
	}
	if out.Warnings == nil {
		out.Warnings = []advisory.Warning{}
	}
	if out.ContractChecks == nil {
		out.ContractChecks = []classifier.Result{}
	}
	if s := d.Simulation; s != nil {
		sj := &simulationJSON{
			Success:  s.Success,
			Attempts: s.Attempts,
			GasUsed:  s.GasUsed,
			Warnings: s.Warnings,
		}
		if len(s.ReturnData) > 0 {
			sj.ReturnData = hexutil.Encode(s.ReturnData)
		}
		if s.Error != nil {
			sj.Failure = string(s.Error.Kind)
			sj.Error = s.Error.Error()
		}
		out.Simulation = sj
	}
	if r := d.Spend; r != nil {
		out.Spend = &spendJSON{
			Allowed:            r.Allowed,
			Scope:              r.Scope,
			CurrentPeriodSpend: amount(r.CurrentPeriodSpend),
			RemainingPeriod:    amount(r.RemainingPeriod),
		}
	}
	return json.Marshal(out)
}

// Status reports the pipeline's configuration and ledger state.
type Status struct {
	Ledger             spend.Status       `json:"-"`
	Classifier         classifier.Summary `json:"classifier"`
	SimulationRequired bool               `json:"simulationRequired"`
	Payer              string             `json:"payer,omitempty"`
}

// MarshalJSON renders ledger amounts as decimal strings.
func (s Status) MarshalJSON() ([]byte, error) {
	type ledgerJSON struct {
		PeriodKey     string      `json:"periodKey"`
		PeriodSpend   *amountJSON `json:"periodSpend"`
		PeriodPending *amountJSON `json:"periodPending"`
		PeriodCap     *amountJSON `json:"periodCap"`
		PerTxCap      *amountJSON `json:"perTxCap"`
		Remaining     *amountJSON `json:"remaining"`
		Reservations  int         `json:"reservations"`
	}
	return json.Marshal(struct {
		Ledger             ledgerJSON         `json:"ledger"`
		Classifier         classifier.Summary `json:"classifier"`
		SimulationRequired bool               `json:"simulationRequired"`
		Payer              string             `json:"payer,omitempty"`
	}{
		Ledger: ledgerJSON{
			PeriodKey:     s.Ledger.PeriodKey,
			PeriodSpend:   amount(s.Ledger.PeriodSpend),
			PeriodPending: amount(s.Ledger.PeriodPending),
			PeriodCap:     amount(s.Ledger.PeriodCap),
			PerTxCap:      amount(s.Ledger.PerTxCap),
			Remaining:     amount(s.Ledger.Remaining),
			Reservations:  s.Ledger.Reservations,
		},
		Classifier:         s.Classifier,
		SimulationRequired: s.SimulationRequired,
		Payer:              s.Payer,
	})
}
