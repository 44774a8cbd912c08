// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"conduit/platform/shared/logger"
)

const defaultHistoryLimit = 50

// Ledger is the service callers use to read and move credits.
type Ledger struct {
	repo Repository
	log  *logger.Logger
}

// New creates a Ledger. A nil logger selects the default "ledger" logger.
func New(repo Repository, log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.New("ledger")
	}
	return &Ledger{repo: repo, log: log}
}

// OpenAccount makes sure accountID exists with at least a zero balance.
func (l *Ledger) OpenAccount(ctx context.Context, accountID string) error {
	if accountID == "" {
		return ErrInvalidAccountID
	}
	return l.repo.EnsureAccount(ctx, accountID)
}

func (l *Ledger) BalanceOf(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return l.repo.Balance(ctx, accountID)
}

// Debit subtracts amount. The resulting balance may be negative.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*Entry, error) {
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	entry, err := l.repo.Debit(ctx, accountID, amount, reference)
	if err != nil {
		l.log.ErrorWithCode(accountID, reference, "debit failed", "LEDGER_DEBIT_FAILED", err, map[string]interface{}{
			"amount": amount.String(),
		})
		return nil, err
	}
	if entry.BalanceAfter.IsNegative() {
		l.log.Warn(accountID, reference, "balance overdrawn after debit", map[string]interface{}{
			"amount":        amount.String(),
			"balance_after": entry.BalanceAfter.String(),
		})
	}
	return entry, nil
}

func (l *Ledger) Credit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (*Entry, error) {
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	entry, err := l.repo.Credit(ctx, accountID, amount, reference)
	if err != nil {
		l.log.ErrorWithCode(accountID, reference, "credit failed", "LEDGER_CREDIT_FAILED", err, nil)
		return nil, err
	}
	return entry, nil
}

// CreditOnce credits a payment session at most once.
func (l *Ledger) CreditOnce(ctx context.Context, accountID, sessionID string, amount decimal.Decimal) (*Entry, error) {
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	entry, err := l.repo.CreditOnce(ctx, accountID, sessionID, amount)
	switch {
	case errors.Is(err, ErrAlreadyFulfilled):
		l.log.Info(accountID, sessionID, "payment session already fulfilled", nil)
		return nil, err
	case err != nil:
		l.log.ErrorWithCode(accountID, sessionID, "session credit failed", "LEDGER_CREDIT_FAILED", err, nil)
		return nil, err
	}
	l.log.Info(accountID, sessionID, "payment session credited", map[string]interface{}{
		"amount":        amount.String(),
		"balance_after": entry.BalanceAfter.String(),
	})
	return entry, nil
}

func (l *Ledger) IsFulfilled(ctx context.Context, sessionID string) (bool, error) {
	return l.repo.IsFulfilled(ctx, sessionID)
}

// History returns the newest entries for an account.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	if _, err := l.repo.Balance(ctx, accountID); err != nil {
		return nil, err
	}
	return l.repo.Entries(ctx, accountID, limit)
}
