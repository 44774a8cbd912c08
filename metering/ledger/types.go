// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package ledger owns account balances. Every mutation is an atomic
// read-modify-write serialized per account and leaves an Entry behind.
//
// The ledger enforces no business rules: balances may go negative and a debit
// never fails for lack of funds. Callers check affordability before debiting.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind distinguishes debits from credits
type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryCredit EntryKind = "credit"
)

// Entry records one balance mutation.
type Entry struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Kind         EntryKind       `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Reference    string          `json:"reference,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Repository is the storage contract behind Ledger.
type Repository interface {
	// EnsureAccount creates the account with a zero balance if it is missing.
	EnsureAccount(ctx context.Context, accountID string) error
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	Debit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*Entry, error)
	Credit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*Entry, error)
	// CreditOnce credits amount and marks sessionID fulfilled in one atomic
	// step. A session already fulfilled yields ErrAlreadyFulfilled.
	CreditOnce(ctx context.Context, accountID, sessionID string, amount decimal.Decimal) (*Entry, error)
	IsFulfilled(ctx context.Context, sessionID string) (bool, error)
	Entries(ctx context.Context, accountID string, limit int) ([]Entry, error)
}
