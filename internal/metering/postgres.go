package metering

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Ledger = (*PostgresLedger)(nil)

// Schema creates the ledger tables.
const Schema = `
CREATE TABLE IF NOT EXISTS user_credits (
    user_id    TEXT PRIMARY KEY,
    remaining  BIGINT NOT NULL CHECK (remaining >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_charges (
    user_id    TEXT NOT NULL,
    charge_key TEXT NOT NULL,
    charged_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, charge_key)
);
`

// PostgresLedger keeps balances in Postgres. Each decrement runs in one
// transaction: the charge row is the idempotency key and the conditional
// update the compare-and-decrement.
type PostgresLedger struct {
	pool           *pgxpool.Pool
	defaultCredits int64
}

// NewPostgresLedger creates a ledger on pool.
func NewPostgresLedger(pool *pgxpool.Pool, defaultCredits int64) *PostgresLedger {
	return &PostgresLedger{pool: pool, defaultCredits: defaultCredits}
}

// EnsureSchema creates the ledger tables if they do not exist.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("creating ledger schema: %w", err)
	}
	return nil
}

// Decrement implements Ledger.
func (l *PostgresLedger) Decrement(ctx context.Context, userID, chargeKey string) (ChargeResult, error) {
	var result ChargeResult
	err := l.withTx(ctx, func(tx pgx.Tx) error {
		if err := l.seed(ctx, tx, userID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_charges (user_id, charge_key) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			userID, chargeKey)
		if err != nil {
			return fmt.Errorf("recording charge: %w", err)
		}
		if tag.RowsAffected() == 0 {
			result = AlreadyCharged
			return nil
		}

		tag, err = tx.Exec(ctx,
			`UPDATE user_credits SET remaining = remaining - 1, updated_at = now()
			 WHERE user_id = $1 AND remaining > 0`,
			userID)
		if err != nil {
			return fmt.Errorf("decrementing credits: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientCredits
		}

		result = Charged
		return nil
	})
	if err != nil {
		return Skipped, err
	}
	return result, nil
}

// Balance implements Ledger.
func (l *PostgresLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var remaining int64
	err := l.pool.QueryRow(ctx,
		`SELECT remaining FROM user_credits WHERE user_id = $1`, userID,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return l.defaultCredits, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	return remaining, nil
}

// Grant implements Ledger.
func (l *PostgresLedger) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	var remaining int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO user_credits (user_id, remaining) VALUES ($1, $2::bigint + $3::bigint)
		 ON CONFLICT (user_id) DO UPDATE
		 SET remaining = user_credits.remaining + $3::bigint, updated_at = now()
		 RETURNING remaining`,
		userID, l.defaultCredits, amount,
	).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("granting credits: %w", err)
	}
	return remaining, nil
}

func (l *PostgresLedger) seed(ctx context.Context, tx pgx.Tx, userID string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO user_credits (user_id, remaining) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, l.defaultCredits)
	if err != nil {
		return fmt.Errorf("seeding balance: %w", err)
	}
	return nil
}

func (l *PostgresLedger) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	// No-op once committed.
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
