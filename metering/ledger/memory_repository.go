// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository keeps balances in process. Each account has its own
// mutex; the fulfilled-session set has another. It backs tests and local
// runs without DATABASE_URL.
type MemoryRepository struct {
	mu        sync.RWMutex
	accounts  map[string]*memoryAccount
	sessionMu sync.Mutex
	fulfilled map[string]struct{}
}

type memoryAccount struct {
	mu      sync.Mutex
	balance decimal.Decimal
	entries []Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:  make(map[string]*memoryAccount),
		fulfilled: make(map[string]struct{}),
	}
}

// Seed sets an opening balance, creating the account if needed.
func (r *MemoryRepository) Seed(accountID string, balance decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[accountID] = &memoryAccount{balance: balance}
}

func (r *MemoryRepository) account(accountID string) (*memoryAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct, nil
}

func (r *MemoryRepository) EnsureAccount(_ context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[accountID]; !ok {
		r.accounts[accountID] = &memoryAccount{}
	}
	return nil
}

func (r *MemoryRepository) Balance(_ context.Context, accountID string) (decimal.Decimal, error) {
	acct, err := r.account(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance, nil
}

func (r *MemoryRepository) Debit(_ context.Context, accountID string, amount decimal.Decimal, reference string) (*Entry, error) {
	return r.apply(accountID, EntryDebit, amount, reference)
}

func (r *MemoryRepository) Credit(_ context.Context, accountID string, amount decimal.Decimal, reference string) (*Entry, error) {
	return r.apply(accountID, EntryCredit, amount, reference)
}

func (r *MemoryRepository) CreditOnce(_ context.Context, accountID, sessionID string, amount decimal.Decimal) (*Entry, error) {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()

	if _, done := r.fulfilled[sessionID]; done {
		return nil, ErrAlreadyFulfilled
	}
	entry, err := r.apply(accountID, EntryCredit, amount, sessionID)
	if err != nil {
		return nil, err
	}
	r.fulfilled[sessionID] = struct{}{}
	return entry, nil
}

func (r *MemoryRepository) apply(accountID string, kind EntryKind, amount decimal.Decimal, reference string) (*Entry, error) {
	acct, err := r.account(accountID)
	if err != nil {
		return nil, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if kind == EntryDebit {
		acct.balance = acct.balance.Sub(amount)
	} else {
		acct.balance = acct.balance.Add(amount)
	}

	entry := Entry{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: acct.balance,
		Reference:    reference,
		CreatedAt:    time.Now().UTC(),
	}
	acct.entries = append(acct.entries, entry)
	return &entry, nil
}

func (r *MemoryRepository) IsFulfilled(_ context.Context, sessionID string) (bool, error) {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()
	_, ok := r.fulfilled[sessionID]
	return ok, nil
}

// Entries returns the newest entries first.
func (r *MemoryRepository) Entries(_ context.Context, accountID string, limit int) ([]Entry, error) {
	acct, err := r.account(accountID)
	if err != nil {
		return nil, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()

	out := make([]Entry, 0, len(acct.entries))
	for i := len(acct.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, acct.entries[i])
	}
	return out, nil
}
