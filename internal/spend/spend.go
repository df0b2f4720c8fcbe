// Package spend tracks how much value a principal has committed within an
// accounting period and enforces a per-transaction cap and a period cap.
//
// The period is a calendar day in a fixed reference timezone (UTC unless
// configured otherwise). It is not a rolling 24-hour window: a principal can
// spend up to the period cap just before midnight and again just after it.
//
// Spend moves through two phases. Reserve validates an amount against both
// caps and holds it as pending in one atomic step; Confirm turns the hold
// into period spend once the transaction is broadcast, and Release drops it
// if the transaction is never sent. Check and RecordSpend remain available
// for callers that track broadcast themselves, but only Reserve closes the
// window between validation and commitment.
//
// A hold that is neither confirmed nor released within the reservation TTL
// expires and stops counting against the cap. Reset drops every hold.
package spend

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/txfirewall/internal/units"
)

// periodKeyLayout formats the calendar date that identifies a period.
const periodKeyLayout = "2006-01-02"

// DefaultReservationTTL bounds how long an unconfirmed hold counts as pending.
const DefaultReservationTTL = 15 * time.Minute

var (
	ErrInvalidCap          = errors.New("spend: caps must be greater than zero")
	ErrInvalidTTL          = errors.New("spend: reservation TTL must not be negative")
	ErrOverflow            = errors.New("spend: accumulator overflow")
	ErrReservationNotFound = errors.New("spend: reservation not found")
	ErrStateNotFound       = errors.New("spend: no stored state")
)

// LimitScope names which cap rejected an amount.
type LimitScope string

const (
	ScopePerTx  LimitScope = "per_tx"
	ScopePeriod LimitScope = "period"
)

// LimitError describes a cap violation. It is carried inside CheckResult
// rather than returned, since a limit rejection is an expected outcome.
type LimitError struct {
	Scope   LimitScope
	Amount  *uint256.Int
	Cap     *uint256.Int
	Current *uint256.Int // committed period spend, period scope only
}

func (e *LimitError) Error() string {
	if e.Scope == ScopePerTx {
		return fmt.Sprintf("amount %s ETH exceeds per-transaction cap of %s ETH",
			units.FormatEther(e.Amount), units.FormatEther(e.Cap))
	}
	return fmt.Sprintf("period limit exceeded: current spend %s ETH + attempted %s ETH > cap %s ETH",
		units.FormatEther(e.Current), units.FormatEther(e.Amount), units.FormatEther(e.Cap))
}

// Clock supplies the current time. Tests inject a fake to cross period
// boundaries deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Config holds the fixed caps of a ledger.
type Config struct {
	Principal string // store key, usually the payer address
	PeriodCap *uint256.Int
	PerTxCap  *uint256.Int
	Location  *time.Location // period reference timezone, UTC if nil

	// ReservationTTL is how long a hold lives before it expires.
	// Zero means DefaultReservationTTL.
	ReservationTTL time.Duration
}

// Validate rejects zero or missing caps and a negative TTL.
func (c Config) Validate() error {
	if c.PeriodCap == nil || c.PeriodCap.IsZero() {
		return fmt.Errorf("%w: period cap", ErrInvalidCap)
	}
	if c.PerTxCap == nil || c.PerTxCap.IsZero() {
		return fmt.Errorf("%w: per-transaction cap", ErrInvalidCap)
	}
	if c.ReservationTTL < 0 {
		return ErrInvalidTTL
	}
	return nil
}

// CheckResult is the outcome of validating an amount against the caps.
type CheckResult struct {
	Allowed            bool         `json:"allowed"`
	Reason             string       `json:"reason,omitempty"`
	Scope              LimitScope   `json:"scope,omitempty"`
	CurrentPeriodSpend *uint256.Int `json:"-"` // confirmed spend plus pending holds
	RemainingPeriod    *uint256.Int `json:"-"`
}

// Reservation is a provisional hold against the period cap.
type Reservation struct {
	ID        string       `json:"id"`
	Amount    *uint256.Int `json:"-"`
	PeriodKey string       `json:"periodKey"`
	CreatedAt time.Time    `json:"createdAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// Status is a snapshot of the ledger.
type Status struct {
	PeriodKey     string       `json:"periodKey"`
	PeriodSpend   *uint256.Int `json:"-"`
	PeriodPending *uint256.Int `json:"-"`
	PeriodCap     *uint256.Int `json:"-"`
	PerTxCap      *uint256.Int `json:"-"`
	Remaining     *uint256.Int `json:"-"`
	Reservations  int          `json:"reservations"`
}

// Hold is a pending reservation as stored. A hold still live after a
// rollover counts against the new period.
type Hold struct {
	Amount    *uint256.Int
	CreatedAt time.Time
}

func (h Hold) expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(h.CreatedAt.Add(ttl))
}

// State is the persisted form of a ledger.
type State struct {
	PeriodKey   string
	PeriodSpend *uint256.Int
	Holds       map[string]Hold
}

func newState(periodKey string) *State {
	return &State{
		PeriodKey:   periodKey,
		PeriodSpend: new(uint256.Int),
		Holds:       make(map[string]Hold),
	}
}

func (s *State) clone() *State {
	cp := &State{
		PeriodKey:   s.PeriodKey,
		PeriodSpend: new(uint256.Int).Set(s.PeriodSpend),
		Holds:       make(map[string]Hold, len(s.Holds)),
	}
	for id, h := range s.Holds {
		cp.Holds[id] = Hold{Amount: new(uint256.Int).Set(h.Amount), CreatedAt: h.CreatedAt}
	}
	return cp
}

// pending sums all outstanding holds. Holds are individually bounded by the
// per-transaction cap, so the sum saturates rather than wrapping.
func (s *State) pending() *uint256.Int {
	total := new(uint256.Int)
	for _, h := range s.Holds {
		total = units.SaturatingAdd(total, h.Amount)
	}
	return total
}
