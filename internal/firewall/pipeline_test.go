package firewall

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfirewall/internal/advisory"
	"github.com/mbd888/txfirewall/internal/audit"
	"github.com/mbd888/txfirewall/internal/classifier"
	"github.com/mbd888/txfirewall/internal/config"
	"github.com/mbd888/txfirewall/internal/intent"
	"github.com/mbd888/txfirewall/internal/simulate"
	"github.com/mbd888/txfirewall/internal/units"
)

const (
	dest  = "0x3fc91a3afd70395cd496c647d5a6cc9d4b2b7fad"
	other = "0x1111111111111111111111111111111111111111"
	payer = "0x1234567890123456789012345678901234567890"
)

// countingChain answers every call successfully unless scripted otherwise
// and counts each RPC.
type countingChain struct {
	mu       sync.Mutex
	callErrs []error
	panicky  bool
	calls    atomic.Int32
	gasCalls atomic.Int32
	prices   atomic.Int32
	price    *big.Int
}

func (f *countingChain) Call(_ context.Context, _ ethereum.CallMsg) ([]byte, error) {
	f.calls.Add(1)
	if f.panicky {
		panic("node exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.callErrs) > 0 {
		err := f.callErrs[0]
		f.callErrs = f.callErrs[1:]
		return nil, err
	}
	return nil, nil
}

func (f *countingChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.gasCalls.Add(1)
	return 21_000, nil
}

func (f *countingChain) GasPrice(context.Context) (*big.Int, error) {
	f.prices.Add(1)
	if f.price != nil {
		return f.price, nil
	}
	return big.NewInt(1_000_000_000), nil
}

func (f *countingChain) total() int {
	return int(f.calls.Load() + f.gasCalls.Load() + f.prices.Load())
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type recordingPublisher struct {
	mu        sync.Mutex
	decisions []Decision
}

func (r *recordingPublisher) Publish(d Decision) {
	r.mu.Lock()
	r.decisions = append(r.decisions, d)
	r.mu.Unlock()
}

type panickingPublisher struct{}

func (panickingPublisher) Publish(Decision) { panic("subscriber exploded") }

type panickingAudit struct{}

func (panickingAudit) Log(context.Context, audit.Entry) (string, error) { panic("disk exploded") }
func (panickingAudit) Export(context.Context) ([]byte, error) { return nil, nil }

type secretRedactor struct{}

func (secretRedactor) Redact(text string) (string, int) {
	n := strings.Count(text, "hunter2")
	return strings.ReplaceAll(text, "hunter2", "[REDACTED]"), n
}

func eth(s string) *uint256.Int {
	v, err := units.ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testConfig() Config {
	return Config{
		Payer:             payer,
		PeriodCap:         eth("10"),
		PerTxCap:          eth("1"),
		RequireSimulation: true,
		Simulation:        simulate.Config{MaxRetries: 2, RetryDelay: time.Millisecond, Timeout: 2 * time.Second},
	}
}

func newTestPipeline(t *testing.T, cfg Config, opts ...Option) (*Pipeline, *countingChain) {
	t.Helper()
	fc := &countingChain{}
	opts = append([]Option{
		WithChain(fc),
		WithClock(&fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}),
	}, opts...)
	p, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	return p, fc
}

func transfer(to, value string) intent.Intent {
	return intent.Intent{To: to, Value: eth(value)}
}

func warningCodes(ws []advisory.Warning) []string {
	codes := make([]string, 0, len(ws))
	for _, w := range ws {
		codes = append(codes, w.Code)
	}
	return codes
}

func TestNew_RejectsBadConfiguration(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Payer = "not-an-address"
	_, err := New(ctx, cfg)
	var ce *config.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "payer", ce.Field)

	cfg = testConfig()
	cfg.PerTxCap = eth("11")
	_, err = New(ctx, cfg)
	assert.ErrorAs(t, err, &ce)

	cfg = testConfig()
	cfg.PeriodCap = new(uint256.Int)
	_, err = New(ctx, cfg)
	assert.ErrorAs(t, err, &ce)
}

func TestCheck_PerTxLimitRejectsWithoutRPC(t *testing.T) {
	p, fc := newTestPipeline(t, testConfig())

	d := p.Check(context.Background(), transfer(dest, "2"))

	assert.False(t, d.Allowed)
	assert.Equal(t, CodeLimitPerTx, d.Code)
	assert.Equal(t, StageSpend, d.Stage)
	assert.Contains(t, d.Reason, "per-transaction")
	assert.Nil(t, d.Simulation)
	assert.Zero(t, fc.total(), "no RPC call may be made")
}

func TestCheck_BlockedDestinationStopsAtClassification(t *testing.T) {
	cfg := testConfig()
	cfg.Classifier = classifier.Config{Blocklist: []string{dest}}
	p, fc := newTestPipeline(t, cfg)

	d := p.Check(context.Background(), transfer(dest, "0.1"))

	assert.False(t, d.Allowed)
	assert.Equal(t, CodeContractBlocked, d.Code)
	assert.Equal(t, StageClassify, d.Stage)
	require.Len(t, d.ContractChecks, 1)
	assert.Equal(t, classifier.StatusBlocked, d.ContractChecks[0].Status)
	assert.Nil(t, d.EstimatedSpend)
	assert.Nil(t, d.Simulation)
	assert.Zero(t, fc.total())
}

func TestCheck_AllowedTransfer(t *testing.T) {
	p, fc := newTestPipeline(t, testConfig())

	d := p.Check(context.Background(), transfer(dest, "0.5"))

	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, CodeOK, d.Code)
	assert.Empty(t, d.Stage)
	assert.True(t, strings.HasPrefix(d.CheckID, "chk_"))
	assert.Equal(t, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC), d.Timestamp)

	// 0.5 ETH + 21000 gas at 1 gwei
	assert.Equal(t, "0.500021", units.FormatEther(d.EstimatedSpend))
	require.NotNil(t, d.Simulation)
	assert.True(t, d.Simulation.Success)
	assert.Equal(t, 1, d.Simulation.Attempts)
	require.NotNil(t, d.Spend)
	assert.True(t, d.Spend.Allowed)
	assert.Equal(t, int32(1), fc.calls.Load())
	assert.Empty(t, d.ReservationID, "plain check never reserves")

	// Check alone does not move the ledger.
	rem, err := p.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10", units.FormatEther(rem))
}

func TestCheck_AllowlistMode(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Classifier = classifier.Config{Allowlist: []string{other}}
	p, _ := newTestPipeline(t, cfg)

	d := p.Check(ctx, transfer(dest, "0.1"))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeContractNotAllowlisted, d.Code)

	added, err := p.Allow(ctx, dest)
	require.NoError(t, err)
	assert.True(t, added)

	d = p.Check(ctx, transfer(dest, "0.1"))
	assert.True(t, d.Allowed, d.Reason)
}

func TestAllow_DefaultModeReportsFalse(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig())

	added, err := p.Allow(context.Background(), dest)
	require.NoError(t, err)
	assert.False(t, added)

	_, err = p.Allow(context.Background(), "0xnope")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestBlock_DominatesLaterChecks(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, testConfig())

	require.NoError(t, p.Block(ctx, strings.ToUpper(dest[2:])))
	d := p.Check(ctx, transfer(dest, "0.1"))
	assert.Equal(t, CodeContractBlocked, d.Code)
	assert.Contains(t, p.BlockedContracts(), dest)

	assert.ErrorIs(t, p.Block(ctx, "bogus"), ErrInvalidAddress)
}

func TestCheck_PeriodLimit(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, testConfig())

	require.NoError(t, p.RecordSpend(ctx, eth("9.9")))

	d := p.Check(ctx, transfer(dest, "0.5"))
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeLimitPeriod, d.Code)
	require.NotNil(t, d.Spend)
	assert.Equal(t, "0.1", units.FormatEther(d.Spend.RemainingPeriod))
}

func TestCheck_SimulationFailures(t *testing.T) {
	tests := []struct {
		name     string
		errs     []error
		code     Code
		attempts int
		warning  string
	}{
		{
			name:     "revert is not retried",
			errs:     []error{errors.New("execution reverted: ERC20: transfer amount exceeds balance")},
			code:     CodeSimulationRevert,
			attempts: 1,
			warning:  advisory.CodeWouldRevert,
		},
		{
			name:     "insufficient funds is not retried",
			errs:     []error{errors.New("insufficient funds for gas * price + value")},
			code:     CodeSimulationInsufficientFunds,
			attempts: 1,
			warning:  advisory.CodeCheckBalance,
		},
		{
			name:     "transient errors exhaust the budget",
			errs:     []error{errors.New("connection reset by peer"), errors.New("connection reset by peer")},
			code:     CodeSimulationFailed,
			attempts: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, fc := newTestPipeline(t, testConfig())
			fc.callErrs = tt.errs

			d := p.Check(context.Background(), transfer(dest, "0.1"))

			assert.False(t, d.Allowed)
			assert.Equal(t, tt.code, d.Code)
			assert.Equal(t, StageSimulate, d.Stage)
			assert.NotEmpty(t, d.Reason)
			require.NotNil(t, d.Simulation)
			assert.Equal(t, tt.attempts, d.Simulation.Attempts)
			assert.Equal(t, int32(tt.attempts), fc.calls.Load())
			if tt.warning != "" {
				assert.Contains(t, warningCodes(d.Warnings), tt.warning)
			}
		})
	}
}

func TestCheck_TransientThenSuccess(t *testing.T) {
	p, fc := newTestPipeline(t, testConfig())
	fc.callErrs = []error{errors.New("i/o timeout")}

	d := p.Check(context.Background(), transfer(dest, "0.1"))

	assert.True(t, d.Allowed, d.Reason)
	assert.Equal(t, 2, d.Simulation.Attempts)
}

func TestCheck_NoChainFailsClosed(t *testing.T) {
	p, err := New(context.Background(), testConfig())
	require.NoError(t, err)

	d := p.Check(context.Background(), transfer(dest, "0.1"))

	assert.False(t, d.Allowed)
	assert.Equal(t, CodeSimulationFailed, d.Code)
	assert.Contains(t, warningCodes(d.Warnings), advisory.CodeSpendFallback)
}

func TestCheck_SimulationOptional(t *testing.T) {
	cfg := testConfig()
	cfg.RequireSimulation = false
	p, fc := newTestPipeline(t, cfg)

	d := p.Check(context.Background(), transfer(dest, "0.1"))

	assert.True(t, d.Allowed)
	assert.Nil(t, d.Simulation)
	assert.Zero(t, fc.calls.Load())
}

func TestCheck_WithoutPayerSkipsLimits(t *testing.T) {
	cfg := testConfig()
	cfg.Payer = ""
	cfg.RequireSimulation = false
	p, fc := newTestPipeline(t, cfg)

	d := p.Check(context.Background(), transfer(dest, "50"))

	assert.True(t, d.Allowed, d.Reason)
	assert.Nil(t, d.Spend)
	assert.Nil(t, d.EstimatedSpend)
	assert.Contains(t, warningCodes(d.Warnings), advisory.CodeLimitsUnenforced)
	assert.Zero(t, fc.gasCalls.Load()+fc.prices.Load(), "no estimate without a payer")
}

func TestCheck_UnlimitedApprovalWarns(t *testing.T) {
	in, err := intent.ERC20Approve(dest, other, intent.Unlimited())
	require.NoError(t, err)
	p, _ := newTestPipeline(t, testConfig())

	d := p.Check(context.Background(), in)

	require.True(t, d.Allowed, d.Reason)
	codes := warningCodes(d.Warnings)
	assert.Contains(t, codes, advisory.CodeApproval)
	assert.Contains(t, codes, advisory.CodeUnlimitedApproval)
	assert.Contains(t, codes, advisory.CodeZeroValueCall)
}

func TestCheck_PanicBecomesInternalError(t *testing.T) {
	ctx := context.Background()
	p, fc := newTestPipeline(t, testConfig())
	fc.panicky = true

	d := p.CheckAndReserve(ctx, transfer(dest, "0.5"))

	assert.False(t, d.Allowed)
	assert.Equal(t, CodeInternalError, d.Code)
	assert.Equal(t, StageSimulate, d.Stage)
	assert.Empty(t, d.ReservationID)

	st, err := p.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Ledger.PeriodPending.IsZero(), "hold must be released after a panic")
}

func TestCheckAndReserve_HoldsAndConfirms(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, testConfig())

	d := p.CheckAndReserve(ctx, transfer(dest, "0.5"))
	require.True(t, d.Allowed, d.Reason)
	require.True(t, strings.HasPrefix(d.ReservationID, "rsv_"))

	st, err := p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Ledger.Reservations)
	assert.True(t, st.Ledger.PeriodPending.Eq(d.EstimatedSpend))

	require.NoError(t, p.Confirm(ctx, d.ReservationID))
	st, err = p.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Ledger.Reservations)
	assert.True(t, st.Ledger.PeriodSpend.Eq(d.EstimatedSpend))
}

func TestCheckAndReserve_LaterRejectionReleasesHold(t *testing.T) {
	ctx := context.Background()
	p, fc := newTestPipeline(t, testConfig())
	fc.callErrs = []error{errors.New("execution reverted")}

	d := p.CheckAndReserve(ctx, transfer(dest, "0.5"))
	assert.Equal(t, CodeSimulationRevert, d.Code)
	assert.Empty(t, d.ReservationID)

	rem, err := p.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10", units.FormatEther(rem))
}

func TestCheckAndReserve_ConcurrentCallersNeverOverspend(t *testing.T) {
	ctx := context.Background()
	p, fc := newTestPipeline(t, testConfig())
	fc.price = big.NewInt(0) // estimate equals value

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.CheckAndReserve(ctx, transfer(dest, "1")).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
	st, err := p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10", units.FormatEther(st.Ledger.PeriodPending))
	assert.True(t, st.Ledger.Remaining.IsZero())
}

func TestRelease_UnknownReservation(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig())
	assert.Error(t, p.Release(context.Background(), "rsv_missing"))
}

func TestResetPeriodSpend(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, testConfig())

	require.NoError(t, p.RecordSpend(ctx, eth("10")))
	d := p.Check(ctx, transfer(dest, "0.1"))
	assert.Equal(t, CodeLimitPeriod, d.Code)

	require.NoError(t, p.ResetPeriodSpend(ctx))
	d = p.Check(ctx, transfer(dest, "0.1"))
	assert.True(t, d.Allowed, d.Reason)
}

func TestResetPeriodSpend_DropsAbandonedReservations(t *testing.T) {
	ctx := context.Background()
	p, fc := newTestPipeline(t, testConfig())
	fc.price = big.NewInt(0)

	for i := 0; i < 10; i++ {
		require.True(t, p.CheckAndReserve(ctx, transfer(dest, "1")).Allowed)
	}
	list, err := p.Reservations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 10)
	assert.Equal(t, CodeLimitPeriod, p.Check(ctx, transfer(dest, "0.000001")).Code)

	require.NoError(t, p.ResetPeriodSpend(ctx))

	d := p.Check(ctx, transfer(dest, "0.000001"))
	assert.True(t, d.Allowed, d.Reason)
	list, err = p.Reservations(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCheck_AuditsPublishesAndRedacts(t *testing.T) {
	ctx := context.Background()
	log := audit.NewLog()
	pub := &recordingPublisher{}
	p, fc := newTestPipeline(t, testConfig(), WithAuditLog(log), WithPublisher(pub), WithRedactor(secretRedactor{}))
	fc.callErrs = []error{errors.New("execution reverted: password hunter2")}

	d := p.Check(ctx, transfer(dest, "0.1"))
	assert.Equal(t, CodeSimulationRevert, d.Code)
	assert.NotContains(t, d.Reason, "hunter2")
	assert.Contains(t, d.Reason, "[REDACTED]")
	require.NotNil(t, d.Simulation)
	require.NotNil(t, d.Simulation.Error)
	assert.NotContains(t, d.Simulation.Error.Error(), "hunter2")
	assert.Equal(t, simulate.FailureRevert, d.Simulation.FailureKind())
	for _, w := range append(d.Warnings, d.Simulation.Warnings...) {
		assert.NotContains(t, w.Message, "hunter2", w.Code)
	}
	body, err := json.Marshal(d)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "hunter2")
	assert.Contains(t, string(body), "[REDACTED]")

	require.NoError(t, p.RecordSpend(ctx, eth("0.2")))
	require.NoError(t, p.Block(ctx, other))

	entries := log.Entries(0)
	require.Len(t, entries, 3)
	assert.Equal(t, audit.ActionCheck, entries[0].Action)
	assert.Equal(t, d.CheckID, entries[0].CheckID)
	assert.Equal(t, string(CodeSimulationRevert), entries[0].Code)
	assert.NotContains(t, entries[0].Reason, "hunter2")
	assert.Equal(t, audit.ActionRecord, entries[1].Action)
	assert.Equal(t, eth("0.2").Dec(), entries[1].AmountWei)
	assert.Equal(t, audit.ActionBlock, entries[2].Action)
	assert.Equal(t, other, entries[2].Subject)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.decisions, 1)
	assert.Equal(t, d.CheckID, pub.decisions[0].CheckID)

	pubBody, err := json.Marshal(pub.decisions[0])
	require.NoError(t, err)
	assert.NotContains(t, string(pubBody), "hunter2")

	exported, err := p.ExportAudit(ctx)
	require.NoError(t, err)
	assert.True(t, audit.Verify(strings.NewReader(string(exported))).Valid)
	assert.NotContains(t, string(exported), "hunter2")
}

func TestCheck_PanickingCollaboratorsDoNotEscape(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"publisher", WithPublisher(panickingPublisher{})},
		{"audit log", WithAuditLog(panickingAudit{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPipeline(t, testConfig(), tt.opt)

			var d Decision
			require.NotPanics(t, func() { d = p.Check(context.Background(), transfer(dest, "0.1")) })
			assert.True(t, d.Allowed, d.Reason)
			assert.Equal(t, CodeOK, d.Code)
		})
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t, testConfig())
	require.NoError(t, p.RecordSpend(ctx, eth("2.5")))

	st, err := p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", st.Ledger.PeriodKey)
	assert.Equal(t, "2.5", units.FormatEther(st.Ledger.PeriodSpend))
	assert.Equal(t, "7.5", units.FormatEther(st.Ledger.Remaining))
	assert.Equal(t, classifier.ModeDefaultAllow, st.Classifier.Mode)
	assert.True(t, st.SimulationRequired)
	assert.Equal(t, payer, st.Payer)
}
