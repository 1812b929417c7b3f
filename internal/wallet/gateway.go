// Package wallet provides the PostgreSQL-backed wallet gateway. The balance
// is only ever mutated through atomic conditional statements so that
// concurrent billing ticks, message-triggered checks, and transfers can never
// drive it negative or lose an update. The guard lives in the SQL, not in an
// in-process lock.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Transaction kinds recorded in the wallet_transactions log.
const (
	KindDeduction   = "deduction"
	KindRecharge    = "recharge"
	KindTransferIn  = "transfer_in"
	KindTransferOut = "transfer_out"
)

// ErrNoWallet is returned when a user has no wallet_balance row.
var ErrNoWallet = errors.New("wallet: no balance row for user")

// Gateway performs wallet operations against PostgreSQL.
type Gateway struct {
	db *sql.DB
}

// NewGateway creates a wallet gateway backed by the given database handle.
func NewGateway(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

// Balance returns the user's current point balance.
func (g *Gateway) Balance(ctx context.Context, userID int64) (float64, error) {
	const query = `SELECT points FROM wallet_balance WHERE user_id = $1`

	var points float64
	err := g.db.QueryRowContext(ctx, query, userID).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoWallet
	}
	if err != nil {
		return 0, fmt.Errorf("wallet: read balance: %w", err)
	}
	return points, nil
}

// ConditionalDecrement atomically subtracts amount from the user's balance,
// guarded by balance >= amount. It returns the new balance and ok=true on
// success, or ok=false if the guard failed (insufficient points). The guard
// failure is not an error — it is the designed terminal signal for billing.
func (g *Gateway) ConditionalDecrement(ctx context.Context, userID int64, amount float64) (float64, bool, error) {
	const query = `
		UPDATE wallet_balance
		SET points = points - $1, updated_at = NOW()
		WHERE user_id = $2 AND points >= $1
		RETURNING points`

	var remaining float64
	err := g.db.QueryRowContext(ctx, query, amount, userID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("wallet: conditional decrement: %w", err)
	}
	return remaining, true, nil
}

// ConditionalIncrement atomically adds amount to the user's balance and
// returns the new balance.
func (g *Gateway) ConditionalIncrement(ctx context.Context, userID int64, amount float64) (float64, error) {
	const query = `
		UPDATE wallet_balance
		SET points = points + $1, updated_at = NOW()
		WHERE user_id = $2
		RETURNING points`

	var points float64
	err := g.db.QueryRowContext(ctx, query, amount, userID).Scan(&points)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoWallet
	}
	if err != nil {
		return 0, fmt.Errorf("wallet: conditional increment: %w", err)
	}
	return points, nil
}

// AppendTransaction inserts one row into the wallet transaction log. The
// billing engine batches these (one row per N ticks), so the log reflects
// cumulative consumption without a write per second.
func (g *Gateway) AppendTransaction(ctx context.Context, userID int64, amount, points float64, kind, description, referenceID string) error {
	const query = `
		INSERT INTO wallet_transactions (user_id, amount, points, type, description, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := g.db.ExecContext(ctx, query, userID, amount, points, kind, description, referenceID)
	if err != nil {
		return fmt.Errorf("wallet: append transaction: %w", err)
	}
	return nil
}

// Recharge credits purchased points to a user and logs the recharge in a
// single SQL transaction. amount is the money paid, points the credited
// point count. Returns the new balance.
func (g *Gateway) Recharge(ctx context.Context, userID int64, amount, points float64) (float64, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("wallet: recharge begin: %w", err)
	}
	defer tx.Rollback()

	var balance float64
	err = tx.QueryRowContext(ctx, `
		UPDATE wallet_balance
		SET points = points + $1, updated_at = NOW()
		WHERE user_id = $2
		RETURNING points`, points, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoWallet
	}
	if err != nil {
		return 0, fmt.Errorf("wallet: recharge update: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (user_id, amount, points, type, description)
		VALUES ($1, $2, $3, $4, 'Wallet recharge')`,
		userID, amount, points, KindRecharge)
	if err != nil {
		return 0, fmt.Errorf("wallet: recharge log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("wallet: recharge commit: %w", err)
	}
	return balance, nil
}

// Transfer moves points from one user to another. The debit side carries the
// balance guard, so a transfer can never overdraw the sender; both sides are
// logged. Returns the sender's new balance and ok=false if the sender lacked
// the points.
func (g *Gateway) Transfer(ctx context.Context, fromID, toID int64, points float64) (float64, bool, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("wallet: transfer begin: %w", err)
	}
	defer tx.Rollback()

	var remaining float64
	err = tx.QueryRowContext(ctx, `
		UPDATE wallet_balance
		SET points = points - $1, updated_at = NOW()
		WHERE user_id = $2 AND points >= $1
		RETURNING points`, points, fromID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("wallet: transfer debit: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE wallet_balance
		SET points = points + $1, updated_at = NOW()
		WHERE user_id = $2`, points, toID); err != nil {
		return 0, false, fmt.Errorf("wallet: transfer credit: %w", err)
	}

	ref := fmt.Sprintf("transfer_%d_%d", fromID, toID)
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (user_id, amount, points, type, description, reference_id)
		VALUES ($1, 0, $2, $3, 'Coin transfer sent', $4),
		       ($5, 0, $6, $7, 'Coin transfer received', $4)`,
		fromID, -points, KindTransferOut, ref,
		toID, points, KindTransferIn); err != nil {
		return 0, false, fmt.Errorf("wallet: transfer log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("wallet: transfer commit: %w", err)
	}
	return remaining, true, nil
}
