// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresRepository implements Repository on PostgreSQL. It expects:
//
//	accounts(id TEXT PRIMARY KEY, balance NUMERIC(20,8) NOT NULL DEFAULT 0,
//	         created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ)
//	ledger_entries(id UUID PRIMARY KEY, account_id TEXT, kind TEXT, amount NUMERIC(20,8),
//	               balance_after NUMERIC(20,8), reference TEXT, created_at TIMESTAMPTZ)
//	fulfilled_sessions(session_id TEXT PRIMARY KEY, account_id TEXT,
//	                   amount NUMERIC(20,8), fulfilled_at TIMESTAMPTZ)
//
// Balance changes are single UPDATE ... RETURNING statements, so concurrent
// mutations on one account serialize on the row lock.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *PostgresRepository) EnsureAccount(ctx context.Context, accountID string) error {
	query := `
		INSERT INTO accounts (id, balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, accountID, r.now()); err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (r *PostgresRepository) Debit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*Entry, error) {
	return r.mutate(ctx, accountID, EntryDebit, amount, reference, nil)
}

func (r *PostgresRepository) Credit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*Entry, error) {
	return r.mutate(ctx, accountID, EntryCredit, amount, reference, nil)
}

func (r *PostgresRepository) CreditOnce(ctx context.Context, accountID, sessionID string, amount decimal.Decimal) (*Entry, error) {
	claim := func(tx *sql.Tx) error {
		query := `
			INSERT INTO fulfilled_sessions (session_id, account_id, amount, fulfilled_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (session_id) DO NOTHING
		`
		result, err := tx.ExecContext(ctx, query, sessionID, accountID, amount, r.now())
		if err != nil {
			return fmt.Errorf("failed to record fulfilled session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check affected rows: %w", err)
		}
		if rows == 0 {
			return ErrAlreadyFulfilled
		}
		return nil
	}
	return r.mutate(ctx, accountID, EntryCredit, amount, sessionID, claim)
}

// mutate applies one balance change and its ledger entry in a transaction.
// before, when set, runs first inside the same transaction.
func (r *PostgresRepository) mutate(ctx context.Context, accountID string, kind EntryKind, amount decimal.Decimal, reference string, before func(*sql.Tx) error) (*Entry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if before != nil {
		if err := before(tx); err != nil {
			return nil, err
		}
	}

	delta := amount
	if kind == EntryDebit {
		delta = amount.Neg()
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = $3 WHERE id = $1 RETURNING balance`,
		accountID, delta, r.now(),
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s: %w", kind, err)
	}

	entry := &Entry{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balance,
		Reference:    reference,
		CreatedAt:    r.now(),
	}

	insert := `
		INSERT INTO ledger_entries (id, account_id, kind, amount, balance_after, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, insert,
		entry.ID, entry.AccountID, string(entry.Kind), entry.Amount, entry.BalanceAfter,
		nullString(entry.Reference), entry.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to record ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s: %w", kind, err)
	}
	return entry, nil
}

func (r *PostgresRepository) IsFulfilled(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM fulfilled_sessions WHERE session_id = $1)`, sessionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check fulfilled session: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) Entries(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	query := `
		SELECT id, account_id, kind, amount, balance_after, reference, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var reference sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &e.Amount, &e.BalanceAfter, &reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Kind = EntryKind(kind)
		e.Reference = reference.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, nil
}

// nullString returns nil for empty strings so they are stored as NULL
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
