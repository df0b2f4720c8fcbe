package spend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/txfirewall/internal/idgen"
	"github.com/mbd888/txfirewall/internal/metrics"
	"github.com/mbd888/txfirewall/internal/syncutil"
	"github.com/mbd888/txfirewall/internal/units"
)

// Ledger enforces the caps for one principal. All methods are safe for
// concurrent use; every read-modify-write runs under a single lock and is
// written through to the Store before it becomes visible.
type Ledger struct {
	mu     syncutil.ContextMutex
	cfg    Config
	clock  Clock
	store  Store
	logger *slog.Logger
	state  *State
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithStore sets the persistence boundary. Defaults to a MemoryStore.
func WithStore(s Store) Option {
	return func(l *Ledger) { l.store = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger, restoring any state previously saved for the principal.
func New(ctx context.Context, cfg Config, opts ...Option) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ReservationTTL == 0 {
		cfg.ReservationTTL = DefaultReservationTTL
	}

	l := &Ledger{
		cfg:    cfg,
		clock:  SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}

	st, err := l.store.Load(ctx, cfg.Principal)
	switch {
	case errors.Is(err, ErrStateNotFound):
		st = newState(l.periodKey())
		if err := l.store.Save(ctx, cfg.Principal, st); err != nil {
			return nil, fmt.Errorf("spend: save initial state: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("spend: load state: %w", err)
	}
	l.state = st
	l.observe()
	return l, nil
}

// Check validates amount without committing anything.
func (l *Ledger) Check(ctx context.Context, amount *uint256.Int) (CheckResult, error) {
	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	defer unlock()

	next, err := l.rolled(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	return l.evaluate(next, amount), nil
}

// Reserve validates amount and, if allowed, holds it as pending in the same
// critical section. The returned reservation is nil when the check rejects.
func (l *Ledger) Reserve(ctx context.Context, amount *uint256.Int) (*Reservation, CheckResult, error) {
	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return nil, CheckResult{}, err
	}
	defer unlock()

	cur, err := l.rolled(ctx)
	if err != nil {
		return nil, CheckResult{}, err
	}
	res := l.evaluate(cur, amount)
	if !res.Allowed {
		return nil, res, nil
	}

	next := cur.clone()

	now := l.clock.Now()
	r := &Reservation{
		ID:        idgen.WithPrefix(idgen.PrefixReservation),
		Amount:    new(uint256.Int).Set(amount),
		PeriodKey: next.PeriodKey,
		CreatedAt: now,
		ExpiresAt: now.Add(l.cfg.ReservationTTL),
	}
	next.Holds[r.ID] = Hold{Amount: r.Amount, CreatedAt: r.CreatedAt}
	if err := l.commit(ctx, next); err != nil {
		return nil, CheckResult{}, err
	}
	return r, res, nil
}

// Confirm converts a held reservation into period spend. A hold created in
// an earlier period is charged to the current one. An expired hold is gone
// and reports ErrReservationNotFound.
func (l *Ledger) Confirm(ctx context.Context, id string) error {
	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := l.rolled(ctx)
	if err != nil {
		return err
	}
	next := cur.clone()
	h, ok := next.Holds[id]
	if !ok {
		return ErrReservationNotFound
	}
	delete(next.Holds, id)
	spent, err := units.Add(next.PeriodSpend, h.Amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOverflow, err)
	}
	next.PeriodSpend = spent
	return l.commit(ctx, next)
}

// Release drops a held reservation without charging it.
func (l *Ledger) Release(ctx context.Context, id string) error {
	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := l.rolled(ctx)
	if err != nil {
		return err
	}
	next := cur.clone()
	if _, ok := next.Holds[id]; !ok {
		return ErrReservationNotFound
	}
	delete(next.Holds, id)
	return l.commit(ctx, next)
}

// RecordSpend adds amount to the period spend. It never rejects on caps;
// call it only after the matching transaction has been broadcast.
// An accumulator overflow is reported as ErrOverflow and leaves state untouched.
func (l *Ledger) RecordSpend(ctx context.Context, amount *uint256.Int) error {
	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := l.rolled(ctx)
	if err != nil {
		return err
	}
	next := cur.clone()
	spent, err := units.Add(next.PeriodSpend, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOverflow, err)
	}
	next.PeriodSpend = spent
	return l.commit(ctx, next)
}

// Reset zeroes the period spend and drops every outstanding reservation,
// restoring the full period cap. Confirming a dropped reservation afterwards
// reports ErrReservationNotFound.
func (l *Ledger) Reset(ctx context.Context) error {
	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	dropped := len(l.state.Holds)
	next := newState(l.periodKey())
	l.logger.Info("spend ledger reset",
		"principal", l.cfg.Principal, "period", next.PeriodKey, "dropped_reservations", dropped)
	return l.commit(ctx, next)
}

// Status returns a snapshot of spend and caps.
func (l *Ledger) Status(ctx context.Context) (Status, error) {
	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return Status{}, err
	}
	defer unlock()

	st, err := l.rolled(ctx)
	if err != nil {
		return Status{}, err
	}
	pending := st.pending()
	return Status{
		PeriodKey:     st.PeriodKey,
		PeriodSpend:   new(uint256.Int).Set(st.PeriodSpend),
		PeriodPending: pending,
		PeriodCap:     new(uint256.Int).Set(l.cfg.PeriodCap),
		PerTxCap:      new(uint256.Int).Set(l.cfg.PerTxCap),
		Remaining:     units.Sub(l.cfg.PeriodCap, units.SaturatingAdd(st.PeriodSpend, pending)),
		Reservations:  len(st.Holds),
	}, nil
}

// Reservations lists the live holds, oldest first.
func (l *Ledger) Reservations(ctx context.Context) ([]Reservation, error) {
	unlock, err := l.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := l.rolled(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Reservation, 0, len(st.Holds))
	for id, h := range st.Holds {
		out = append(out, Reservation{
			ID:        id,
			Amount:    new(uint256.Int).Set(h.Amount),
			PeriodKey: st.PeriodKey,
			CreatedAt: h.CreatedAt,
			ExpiresAt: h.CreatedAt.Add(l.cfg.ReservationTTL),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Remaining returns the headroom left in the current period.
func (l *Ledger) Remaining(ctx context.Context) (*uint256.Int, error) {
	st, err := l.Status(ctx)
	if err != nil {
		return nil, err
	}
	return st.Remaining, nil
}

// rolled drops expired holds and applies a pending period rollover,
// persisting the result if anything changed. Caller must hold l.mu.
func (l *Ledger) rolled(ctx context.Context) (*State, error) {
	now := l.clock.Now()
	var expired []string
	for id, h := range l.state.Holds {
		if h.expired(now, l.cfg.ReservationTTL) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 && l.state.PeriodKey == l.periodKey() {
		return l.state, nil
	}

	next := l.state.clone()
	for _, id := range expired {
		l.logger.Warn("spend reservation expired",
			"principal", l.cfg.Principal,
			"reservation_id", id,
			"amount_eth", units.FormatEther(next.Holds[id].Amount),
		)
		delete(next.Holds, id)
	}
	if len(expired) > 0 {
		metrics.LedgerReservationsExpiredTotal.WithLabelValues(l.cfg.Principal).Add(float64(len(expired)))
	}
	next = l.rollover(next)
	if err := l.commit(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// rollover resets period spend if the clock has moved into a new period.
func (l *Ledger) rollover(st *State) *State {
	key := l.periodKey()
	if st.PeriodKey != key {
		l.logger.Info("spend period rolled over",
			"principal", l.cfg.Principal,
			"from", st.PeriodKey,
			"to", key,
			"previous_spend_eth", units.FormatEther(st.PeriodSpend),
		)
		st.PeriodKey = key
		st.PeriodSpend = new(uint256.Int)
	}
	return st
}

// evaluate applies the per-transaction cap first, then the period cap.
func (l *Ledger) evaluate(st *State, amount *uint256.Int) CheckResult {
	committed := units.SaturatingAdd(st.PeriodSpend, st.pending())
	res := CheckResult{
		CurrentPeriodSpend: committed,
		RemainingPeriod:    units.Sub(l.cfg.PeriodCap, committed),
	}

	if amount.Gt(l.cfg.PerTxCap) {
		lim := &LimitError{Scope: ScopePerTx, Amount: amount, Cap: l.cfg.PerTxCap}
		res.Reason, res.Scope = lim.Error(), lim.Scope
		return res
	}

	projected, overflow := new(uint256.Int).AddOverflow(committed, amount)
	if overflow || projected.Gt(l.cfg.PeriodCap) {
		lim := &LimitError{Scope: ScopePeriod, Amount: amount, Cap: l.cfg.PeriodCap, Current: committed}
		res.Reason, res.Scope = lim.Error(), lim.Scope
		return res
	}

	res.Allowed = true
	res.RemainingPeriod = new(uint256.Int).Sub(l.cfg.PeriodCap, projected)
	return res
}

// commit persists next and swaps it in. Caller must hold l.mu.
func (l *Ledger) commit(ctx context.Context, next *State) error {
	if err := l.store.Save(ctx, l.cfg.Principal, next); err != nil {
		return fmt.Errorf("spend: save state: %w", err)
	}
	l.state = next
	l.observe()
	return nil
}

func (l *Ledger) observe() {
	metrics.SetWeiGauge(metrics.LedgerPeriodSpend.WithLabelValues(l.cfg.Principal), l.state.PeriodSpend)
	metrics.SetWeiGauge(metrics.LedgerPeriodPending.WithLabelValues(l.cfg.Principal), l.state.pending())
}

func (l *Ledger) periodKey() string {
	return l.clock.Now().In(l.cfg.Location).Format(periodKeyLayout)
}
