package spend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// PostgresStore persists ledger state in PostgreSQL. Amounts are stored as
// NUMERIC(78,0), wide enough for any uint256.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger table. Mirrors migrations/001_spend_ledgers.sql.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS spend_ledgers (
			principal     VARCHAR(64) PRIMARY KEY,
			period_key    VARCHAR(10) NOT NULL,
			period_spend  NUMERIC(78,0) NOT NULL DEFAULT 0,
			holds         JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_period_spend_nonneg CHECK (period_spend >= 0)
		);
	`)
	return err
}

type holdRow struct {
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

func (p *PostgresStore) Load(ctx context.Context, principal string) (*State, error) {
	var (
		periodKey string
		spent     string
		holdsJSON []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT period_key, period_spend::TEXT, holds
		FROM spend_ledgers WHERE principal = $1
	`, strings.ToLower(principal)).Scan(&periodKey, &spent, &holdsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load spend ledger: %w", err)
	}

	st := newState(periodKey)
	if st.PeriodSpend, err = uint256.FromDecimal(spent); err != nil {
		return nil, fmt.Errorf("failed to parse period spend %q: %w", spent, err)
	}

	var rows map[string]holdRow
	if err := json.Unmarshal(holdsJSON, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal holds: %w", err)
	}
	for id, r := range rows {
		amount, err := uint256.FromDecimal(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse hold %s amount: %w", id, err)
		}
		st.Holds[id] = Hold{Amount: amount, CreatedAt: r.CreatedAt}
	}
	return st, nil
}

func (p *PostgresStore) Save(ctx context.Context, principal string, st *State) error {
	rows := make(map[string]holdRow, len(st.Holds))
	for id, h := range st.Holds {
		rows[id] = holdRow{Amount: h.Amount.Dec(), CreatedAt: h.CreatedAt}
	}
	holdsJSON, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to marshal holds: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO spend_ledgers (principal, period_key, period_spend, holds, updated_at)
		VALUES ($1, $2, $3::NUMERIC(78,0), $4, NOW())
		ON CONFLICT (principal) DO UPDATE SET
			period_key   = EXCLUDED.period_key,
			period_spend = EXCLUDED.period_spend,
			holds        = EXCLUDED.holds,
			updated_at   = NOW()
	`, strings.ToLower(principal), st.PeriodKey, st.PeriodSpend.Dec(), holdsJSON)
	if err != nil {
		return fmt.Errorf("failed to save spend ledger: %w", err)
	}
	return nil
}
