package spend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfirewall/internal/units"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func eth(s string) *uint256.Int {
	v, err := units.ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestLedger(t *testing.T, periodCap, perTxCap string) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	l, err := New(context.Background(), Config{
		Principal: "0xPayer",
		PeriodCap: eth(periodCap),
		PerTxCap:  eth(perTxCap),
	}, WithClock(clock))
	require.NoError(t, err)
	return l, clock
}

func TestNew_RejectsZeroCaps(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{PeriodCap: new(uint256.Int), PerTxCap: eth("1")})
	assert.ErrorIs(t, err, ErrInvalidCap)

	_, err = New(ctx, Config{PeriodCap: eth("1")})
	assert.ErrorIs(t, err, ErrInvalidCap)
}

func TestCheck_PerTxCapWinsRegardlessOfPeriodSpend(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10", "1")

	for _, amount := range []string{"1.000000000000000001", "2", "50"} {
		res, err := l.Check(ctx, eth(amount))
		require.NoError(t, err)
		assert.False(t, res.Allowed, amount)
		assert.Equal(t, ScopePerTx, res.Scope)
		assert.Contains(t, res.Reason, "per-transaction cap")
	}
}

func TestCheck_PeriodBoundary(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10", "10")

	require.NoError(t, l.RecordSpend(ctx, eth("9")))

	res, err := l.Check(ctx, eth("1"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.RemainingPeriod.IsZero())
	assert.True(t, res.CurrentPeriodSpend.Eq(eth("9")))

	over := new(uint256.Int).Add(eth("1"), uint256.NewInt(1))
	res, err = l.Check(ctx, over)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ScopePeriod, res.Scope)
	assert.Contains(t, res.Reason, "current spend 9 ETH")
	assert.Contains(t, res.Reason, "cap 10 ETH")
}

func TestCheck_DoesNotMutate(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10", "5")

	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, eth("5"))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.PeriodSpend.IsZero())
}

func TestRecordSpend_SumsWithinPeriod(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10", "2")

	amounts := []string{"0.5", "1.25", "2", "0.000000001"}
	total := new(uint256.Int)
	for _, a := range amounts {
		res, err := l.Check(ctx, eth(a))
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.NoError(t, l.RecordSpend(ctx, eth(a)))
		total.Add(total, eth(a))
	}

	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.PeriodSpend.Eq(total))
	assert.False(t, st.PeriodSpend.Gt(st.PeriodCap))
	assert.Equal(t, "2", units.FormatEther(st.PerTxCap))
}

func TestRecordSpend_OverflowIsReported(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10", "1")

	require.NoError(t, l.RecordSpend(ctx, eth("1")))
	err := l.RecordSpend(ctx, new(uint256.Int).SetAllOne())
	assert.ErrorIs(t, err, ErrOverflow)

	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.PeriodSpend.Eq(eth("1")), "state must be untouched after overflow")
}

func TestPeriodRollover(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t, "10", "10")

	require.NoError(t, l.RecordSpend(ctx, eth("10")))
	res, err := l.Check(ctx, eth("0.1"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Still the same calendar day.
	clock.Advance(11 * time.Hour)
	res, err = l.Check(ctx, eth("0.1"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Cross midnight UTC.
	clock.Advance(time.Hour)
	res, err = l.Check(ctx, eth("10"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.CurrentPeriodSpend.IsZero())

	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15", st.PeriodKey)
}

func TestPeriodRollover_OnRecordSpend(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t, "10", "10")

	require.NoError(t, l.RecordSpend(ctx, eth("4")))
	clock.Advance(24 * time.Hour)
	require.NoError(t, l.RecordSpend(ctx, eth("1")))

	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.PeriodSpend.Eq(eth("1")))
}

func TestPeriodRollover_UsesReferenceTimezone(t *testing.T) {
	ctx := context.Background()
	loc := time.FixedZone("UTC+10", 10*60*60)
	// 13:30 UTC is 23:30 at UTC+10.
	clock := &fakeClock{now: time.Date(2026, 3, 14, 13, 30, 0, 0, time.UTC)}
	l, err := New(ctx, Config{Principal: "p", PeriodCap: eth("1"), PerTxCap: eth("1"), Location: loc}, WithClock(clock))
	require.NoError(t, err)

	require.NoError(t, l.RecordSpend(ctx, eth("1")))
	clock.Advance(time.Hour)

	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15", st.PeriodKey)
	assert.True(t, st.PeriodSpend.IsZero())
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10", "10")

	require.NoError(t, l.RecordSpend(ctx, eth("7")))
	require.NoError(t, l.Reset(ctx))

	remaining, err := l.Remaining(ctx)
	require.NoError(t, err)
	assert.True(t, remaining.Eq(eth("10")))
}

func TestReset_DropsReservations(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10", "10")

	r, _, err := l.Reserve(ctx, eth("10"))
	require.NoError(t, err)
	require.NotNil(t, r)
	require.NoError(t, l.Reset(ctx))

	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Remaining.Eq(eth("10")))
	assert.True(t, st.PeriodPending.IsZero())
	assert.Zero(t, st.Reservations)
	assert.ErrorIs(t, l.Confirm(ctx, r.ID), ErrReservationNotFound)
}

func TestNew_RejectsNegativeTTL(t *testing.T) {
	_, err := New(context.Background(), Config{PeriodCap: eth("1"), PerTxCap: eth("1"), ReservationTTL: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestReserve_AbandonedHoldsExpire(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t, "10", "1")

	var ids []string
	for i := 0; i < 10; i++ {
		r, res, err := l.Reserve(ctx, eth("1"))
		require.NoError(t, err)
		require.True(t, res.Allowed, res.Reason)
		ids = append(ids, r.ID)
	}
	res, err := l.Check(ctx, eth("0.000001"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	clock.Advance(30 * 24 * time.Hour)

	res, err = l.Check(ctx, eth("0.000001"))
	require.NoError(t, err)
	assert.True(t, res.Allowed, res.Reason)
	assert.True(t, res.CurrentPeriodSpend.IsZero())

	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Remaining.Eq(eth("10")))
	assert.Zero(t, st.Reservations)
	assert.ErrorIs(t, l.Confirm(ctx, ids[0]), ErrReservationNotFound)
}

func TestReserve_ExpiresWithinPeriod(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t, "10", "10")

	_, _, err := l.Reserve(ctx, eth("4"))
	require.NoError(t, err)

	clock.Advance(DefaultReservationTTL - time.Second)
	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Reservations)

	clock.Advance(time.Second)
	st, err = l.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Reservations)
	assert.True(t, st.Remaining.Eq(eth("10")))
	assert.Equal(t, "2026-03-14", st.PeriodKey)
}

func TestReserve_LiveHoldCarriesAcrossRollover(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 23, 55, 0, 0, time.UTC)}
	l, err := New(ctx, Config{Principal: "p", PeriodCap: eth("10"), PerTxCap: eth("5")}, WithClock(clock))
	require.NoError(t, err)

	r, _, err := l.Reserve(ctx, eth("4"))
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15", st.PeriodKey)
	assert.True(t, st.PeriodPending.Eq(eth("4")))

	require.NoError(t, l.Confirm(ctx, r.ID))
	st, err = l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.PeriodSpend.Eq(eth("4")))
	assert.True(t, st.Remaining.Eq(eth("6")))
}

func TestReservations_ListsLiveHoldsOldestFirst(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t, "10", "5")

	first, _, err := l.Reserve(ctx, eth("1"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, _, err := l.Reserve(ctx, eth("2"))
	require.NoError(t, err)

	list, err := l.Reservations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.True(t, list[1].Amount.Eq(eth("2")))
	assert.Equal(t, first.ExpiresAt, list[0].ExpiresAt)
	assert.Equal(t, first.CreatedAt.Add(DefaultReservationTTL), list[0].ExpiresAt)

	require.NoError(t, l.Release(ctx, first.ID))
	list, err = l.Reservations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
}

func TestReserve_HoldsCountAgainstCap(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10", "6")

	r1, res, err := l.Reserve(ctx, eth("6"))
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.NotNil(t, r1)
	assert.True(t, res.RemainingPeriod.Eq(eth("4")))

	r2, res, err := l.Reserve(ctx, eth("5"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Nil(t, r2)
	assert.Equal(t, ScopePeriod, res.Scope)

	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.PeriodSpend.IsZero())
	assert.True(t, st.PeriodPending.Eq(eth("6")))
	assert.Equal(t, 1, st.Reservations)
}

func TestReserve_ConfirmAndRelease(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10", "5")

	confirmed, _, err := l.Reserve(ctx, eth("3"))
	require.NoError(t, err)
	released, _, err := l.Reserve(ctx, eth("5"))
	require.NoError(t, err)

	require.NoError(t, l.Confirm(ctx, confirmed.ID))
	require.NoError(t, l.Release(ctx, released.ID))

	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.PeriodSpend.Eq(eth("3")))
	assert.True(t, st.PeriodPending.IsZero())
	assert.True(t, st.Remaining.Eq(eth("7")))

	assert.ErrorIs(t, l.Confirm(ctx, confirmed.ID), ErrReservationNotFound)
	assert.ErrorIs(t, l.Release(ctx, "rsv_missing"), ErrReservationNotFound)
}

func TestReserve_ConcurrentNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, "10", "1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, _, err := l.Reserve(ctx, eth("1"))
			if err != nil || r == nil {
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
			_ = l.Confirm(ctx, r.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.PeriodSpend.Eq(eth("10")))
}

func TestLedger_RestoresFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)}
	cfg := Config{Principal: "0xABC", PeriodCap: eth("10"), PerTxCap: eth("5")}

	l1, err := New(ctx, cfg, WithStore(store), WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, l1.RecordSpend(ctx, eth("2")))
	r, _, err := l1.Reserve(ctx, eth("1"))
	require.NoError(t, err)

	l2, err := New(ctx, cfg, WithStore(store), WithClock(clock))
	require.NoError(t, err)
	st, err := l2.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.PeriodSpend.Eq(eth("2")))
	assert.True(t, st.PeriodPending.Eq(eth("1")))
	require.NoError(t, l2.Confirm(ctx, r.ID))
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) Save(ctx context.Context, principal string, st *State) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, principal, st)
}

func TestLedger_SaveFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	l, err := New(ctx, Config{Principal: "p", PeriodCap: eth("10"), PerTxCap: eth("5")}, WithStore(store))
	require.NoError(t, err)

	store.fail = true
	assert.Error(t, l.RecordSpend(ctx, eth("1")))
	_, _, err = l.Reserve(ctx, eth("1"))
	assert.Error(t, err)

	store.fail = false
	st, err := l.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.PeriodSpend.IsZero())
	assert.Equal(t, 0, st.Reservations)
}

func TestLedger_CancelledContext(t *testing.T) {
	l, _ := newTestLedger(t, "10", "1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Check(ctx, eth("1"))
	assert.ErrorIs(t, err, context.Canceled)
}
