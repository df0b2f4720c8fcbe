package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/txfirewall/internal/advisory"
	"github.com/mbd888/txfirewall/internal/audit"
	"github.com/mbd888/txfirewall/internal/calldata"
	"github.com/mbd888/txfirewall/internal/classifier"
	"github.com/mbd888/txfirewall/internal/config"
	"github.com/mbd888/txfirewall/internal/idgen"
	"github.com/mbd888/txfirewall/internal/intent"
	"github.com/mbd888/txfirewall/internal/logging"
	"github.com/mbd888/txfirewall/internal/metrics"
	"github.com/mbd888/txfirewall/internal/simulate"
	"github.com/mbd888/txfirewall/internal/spend"
	"github.com/mbd888/txfirewall/internal/traces"
	"github.com/mbd888/txfirewall/internal/validation"
)

// defaultPrincipal keys the ledger when no payer is configured.
const defaultPrincipal = "default"

// AuditLog records decisions and operator actions.
type AuditLog interface {
	Log(ctx context.Context, e audit.Entry) (string, error)
	Export(ctx context.Context) ([]byte, error)
}

// Publisher receives every decision as it is made.
type Publisher interface {
	Publish(d Decision)
}

// Redactor strips secrets from text before it leaves the firewall.
type Redactor interface {
	Redact(text string) (clean string, count int)
}

// Config configures a Pipeline.
type Config struct {
	Payer             string // spend is only checked when set
	PeriodCap         *uint256.Int
	PerTxCap          *uint256.Int
	PeriodLocation    *time.Location
	ReservationTTL    time.Duration // unconfirmed holds expire after this; 0 means the ledger default
	Classifier        classifier.Config
	RequireSimulation bool
	Simulation        simulate.Config
}

// Pipeline owns one classifier and one ledger; nothing else mutates them.
// It is safe for concurrent use.
type Pipeline struct {
	cfg        Config
	classifier *classifier.Classifier
	ledger     *spend.Ledger
	sim        *simulate.Simulator
	audit      AuditLog
	publishers []Publisher
	redactor   Redactor
	logger     *slog.Logger
	now        func() time.Time

	// construction-only collaborators
	chain simulate.Chain
	store spend.Store
	clock spend.Clock
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithChain provides read-only chain access for simulation and estimates.
func WithChain(c simulate.Chain) Option {
	return func(p *Pipeline) { p.chain = c }
}

// WithStore sets the ledger's persistence boundary.
func WithStore(s spend.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithClock sets the clock used for spend periods and decision timestamps.
func WithClock(c spend.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithAuditLog records every decision and operator action.
func WithAuditLog(a AuditLog) Option {
	return func(p *Pipeline) { p.audit = a }
}

// WithPublisher streams every decision. Repeat it to fan out to several
// publishers; each sees decisions in the order they were made.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publishers = append(p.publishers, pub) }
}

// WithRedactor scrubs decision reasons, which may echo contract output.
func WithRedactor(r Redactor) Option {
	return func(p *Pipeline) { p.redactor = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New builds a pipeline together with the classifier and ledger it owns.
// Invalid caps or payer are reported as *config.ConfigurationError.
func New(ctx context.Context, cfg Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.Payer != "" && !validation.IsValidEthAddress(cfg.Payer) {
		return nil, &config.ConfigurationError{Field: "payer", Message: "must be a valid Ethereum address (0x...)"}
	}
	if cfg.PeriodCap != nil && cfg.PerTxCap != nil && cfg.PerTxCap.Gt(cfg.PeriodCap) {
		return nil, &config.ConfigurationError{Field: "per-transaction cap", Message: "must not exceed the period cap"}
	}

	principal := defaultPrincipal
	if cfg.Payer != "" {
		principal = validation.SanitizeAddress(cfg.Payer)
	}
	ledgerOpts := []spend.Option{spend.WithLogger(p.logger)}
	if p.store != nil {
		ledgerOpts = append(ledgerOpts, spend.WithStore(p.store))
	}
	p.now = time.Now
	if p.clock != nil {
		ledgerOpts = append(ledgerOpts, spend.WithClock(p.clock))
		p.now = p.clock.Now
	}
	ledger, err := spend.New(ctx, spend.Config{
		Principal: principal,
		PeriodCap: cfg.PeriodCap,
		PerTxCap:  cfg.PerTxCap,
		Location:  cfg.PeriodLocation,

		ReservationTTL: cfg.ReservationTTL,
	}, ledgerOpts...)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "spend ledger", Message: err.Error()}
	}

	p.ledger = ledger
	p.classifier = classifier.New(cfg.Classifier)
	p.sim = simulate.New(p.chain, cfg.Simulation, simulate.WithLogger(p.logger))
	return p, nil
}

// checkState accumulates one decision as it moves through the stages.
type checkState struct {
	d        Decision
	warnings advisory.List
	stage    Stage
}

func (s *checkState) reject(code Code, reason string) {
	s.d.Allowed = false
	s.d.Code = code
	s.d.Stage = s.stage
	s.d.Reason = reason
}

// Check evaluates in without reserving spend. Callers report realized
// spend later with RecordSpend.
func (p *Pipeline) Check(ctx context.Context, in intent.Intent) Decision {
	return p.evaluate(ctx, in, false)
}

// CheckAndReserve evaluates in and, if the spend stage passes, holds the
// estimated spend against the period cap. The hold is released when a
// later stage rejects; otherwise the caller must Confirm or Release the
// returned ReservationID.
func (p *Pipeline) CheckAndReserve(ctx context.Context, in intent.Intent) Decision {
	return p.evaluate(ctx, in, true)
}

func (p *Pipeline) evaluate(ctx context.Context, in intent.Intent, reserve bool) (d Decision) {
	checkID := idgen.WithPrefix(idgen.PrefixCheck)
	ctx = logging.WithCheckID(ctx, checkID)
	ctx, span := traces.StartSpan(ctx, "firewall.check",
		traces.CheckID(checkID), traces.To(in.To), traces.ValueWei(in.ValueOrZero().Dec()))
	defer span.End()

	st := &checkState{d: Decision{CheckID: checkID, Timestamp: p.now()}}

	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("panic in firewall check",
				"stage", st.stage, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			st.reject(CodeInternalError, fmt.Sprintf("internal error during %s stage", st.stage))
		}
		if !st.d.Allowed && st.d.ReservationID != "" {
			p.releaseHold(ctx, st.d.ReservationID)
			st.d.ReservationID = ""
		}
		st.d.Warnings = st.warnings.Map(p.redact)
		st.d.Reason = p.redact(st.d.Reason)
		if st.d.Simulation != nil {
			st.d.Simulation = p.redactOutcome(*st.d.Simulation)
		}
		d = st.d
		span.SetAttributes(traces.DecisionCode(string(d.Code)))
		p.record(ctx, in, d, reserve)
	}()

	if !p.classify(st, in) {
		return
	}
	if !p.checkSpend(ctx, st, in, reserve) {
		return
	}
	if !p.simulate(ctx, st, in) {
		return
	}
	p.scan(st, in)

	st.stage = ""
	st.d.Allowed = true
	st.d.Code = CodeOK
	return
}

// classify rejects the first destination that is not allowed.
func (p *Pipeline) classify(st *checkState, in intent.Intent) bool {
	st.stage = StageClassify
	defer metrics.ObserveStage(string(StageClassify), time.Now())

	st.d.ContractChecks = p.classifier.ClassifyAll(in.Destinations())
	for _, r := range st.d.ContractChecks {
		if r.Allowed {
			continue
		}
		code := CodeContractBlocked
		if r.Status == classifier.StatusNotInAllowlist {
			code = CodeContractNotAllowlisted
		}
		st.reject(code, r.Reason)
		return false
	}
	return true
}

// checkSpend validates the intent's projected cost against the ledger.
// The value alone is a lower bound on the cost, so it is checked first
// and a transfer that can never fit is rejected without any RPC call.
func (p *Pipeline) checkSpend(ctx context.Context, st *checkState, in intent.Intent, reserve bool) bool {
	st.stage = StageSpend
	defer metrics.ObserveStage(string(StageSpend), time.Now())

	if p.cfg.Payer == "" {
		st.warnings.Add(advisory.New(advisory.CodeLimitsUnenforced,
			"no payer configured; spend limits are not enforced"))
		return true
	}

	pre, err := p.ledger.Check(ctx, in.ValueOrZero())
	if err != nil {
		st.reject(CodeLedgerUnavailable, "spend ledger unavailable: "+err.Error())
		return false
	}
	if !pre.Allowed {
		st.d.Spend = &pre
		st.reject(limitCode(pre.Scope), pre.Reason)
		return false
	}

	est := p.sim.EstimateSpend(ctx, in, p.cfg.Payer)
	st.d.EstimatedSpend = est.EstimatedSpend
	st.warnings.Add(est.Warnings...)

	var res spend.CheckResult
	if reserve {
		var r *spend.Reservation
		r, res, err = p.ledger.Reserve(ctx, est.EstimatedSpend)
		if r != nil {
			st.d.ReservationID = r.ID
		}
	} else {
		res, err = p.ledger.Check(ctx, est.EstimatedSpend)
	}
	if err != nil {
		st.reject(CodeLedgerUnavailable, "spend ledger unavailable: "+err.Error())
		return false
	}
	st.d.Spend = &res
	if !res.Allowed {
		st.reject(limitCode(res.Scope), res.Reason)
		return false
	}
	return true
}

func (p *Pipeline) simulate(ctx context.Context, st *checkState, in intent.Intent) bool {
	if !p.cfg.RequireSimulation {
		return true
	}
	st.stage = StageSimulate
	defer metrics.ObserveStage(string(StageSimulate), time.Now())

	out := p.sim.Simulate(ctx, in)
	st.d.Simulation = &out
	st.warnings.Add(out.Warnings...)
	if !out.Success {
		st.reject(simulationCode(out.FailureKind()), out.Error.Error())
		return false
	}
	return true
}

func (p *Pipeline) scan(st *checkState, in intent.Intent) {
	st.stage = StageScan
	defer metrics.ObserveStage(string(StageScan), time.Now())

	ws := calldata.Scan(in.Data)
	for _, w := range ws {
		metrics.CalldataWarningsTotal.WithLabelValues(w.Code).Inc()
	}
	st.warnings.Add(ws...)
}

func (p *Pipeline) releaseHold(ctx context.Context, id string) {
	// The check's own context may be what failed; release on a fresh one.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.ledger.Release(rctx, id); err != nil {
		logging.L(ctx).Error("failed to release reservation", "reservation_id", id, "error", err)
	}
}

// redact scrubs text that leaves the pipeline. Identity without a Redactor.
func (p *Pipeline) redact(text string) string {
	if p.redactor == nil || text == "" {
		return text
	}
	clean, _ := p.redactor.Redact(text)
	return clean
}

// redactOutcome returns a copy of o whose warnings and error text are redacted.
// The copied error still unwraps to the original.
func (p *Pipeline) redactOutcome(o simulate.Outcome) *simulate.Outcome {
	if p.redactor == nil {
		return &o
	}
	ws := make([]advisory.Warning, len(o.Warnings))
	for i, w := range o.Warnings {
		ws[i] = advisory.Warning{Code: w.Code, Message: p.redact(w.Message)}
	}
	o.Warnings = ws
	if o.Error != nil {
		e := *o.Error
		e.Reason = p.redact(e.Reason)
		if e.Err != nil {
			e.Err = &redactedError{msg: p.redact(e.Err.Error()), err: e.Err}
		}
		o.Error = &e
	}
	return &o
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// record reports d to metrics, the log, the audit log and every publisher.
// A panicking collaborator is logged and never reaches the caller.
func (p *Pipeline) record(ctx context.Context, in intent.Intent, d Decision, reserve bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("panic while recording firewall decision",
				"check_id", d.CheckID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	metrics.DecisionsTotal.WithLabelValues(string(d.Code)).Inc()

	log := logging.L(ctx)
	if d.Allowed {
		log.Debug("transaction allowed", "to", in.To, "warnings", len(d.Warnings))
	} else {
		log.Info("transaction rejected", "stage", d.Stage, "code", d.Code, "to", in.To, "reason", d.Reason)
	}

	if p.audit != nil {
		action := audit.ActionCheck
		if reserve {
			action = audit.ActionReserve
		}
		amt := in.ValueOrZero()
		if d.EstimatedSpend != nil {
			amt = d.EstimatedSpend
		}
		_, err := p.audit.Log(ctx, audit.Entry{
			Action:    action,
			CheckID:   d.CheckID,
			Subject:   strings.ToLower(in.To),
			AmountWei: amt.Dec(),
			Allowed:   d.Allowed,
			Code:      string(d.Code),
			Reason:    d.Reason,
		})
		if err != nil {
			log.Warn("failed to write audit entry", "error", err)
		}
	}
	for _, pub := range p.publishers {
		pub.Publish(d)
	}
}

func limitCode(scope spend.LimitScope) Code {
	if scope == spend.ScopePerTx {
		return CodeLimitPerTx
	}
	return CodeLimitPeriod
}

func simulationCode(kind simulate.FailureKind) Code {
	switch kind {
	case simulate.FailureInsufficientFunds:
		return CodeSimulationInsufficientFunds
	case simulate.FailureRevert:
		return CodeSimulationRevert
	default:
		return CodeSimulationFailed
	}
}
