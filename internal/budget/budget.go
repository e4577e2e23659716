// Package budget tracks a spending balance with per-run reservations.
// A run reserves its full ceiling up front; on settlement the unspent
// remainder returns to the balance.
package budget

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLedger is an in-process ledger. Suitable for single-instance
// deployments and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	balance  float64
	reserved map[string]float64
}

// NewMemoryLedger creates a ledger with the given starting balance.
func NewMemoryLedger(balance float64) *MemoryLedger {
	return &MemoryLedger{
		balance:  balance,
		reserved: make(map[string]float64),
	}
}

// Reserve holds amount for the run. Returns false without error when the
// balance cannot cover it.
func (l *MemoryLedger) Reserve(ctx context.Context, runID string, amount float64) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("negative reservation %v", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reserved[runID]; ok {
		return false, fmt.Errorf("run %s already holds a reservation", runID)
	}
	if l.balance < amount {
		return false, nil
	}
	l.balance -= amount
	l.reserved[runID] = amount
	return true, nil
}

// Settle releases the run's reservation, charging spent and refunding the
// remainder. Overspend beyond the reservation is absorbed, never owed.
func (l *MemoryLedger) Settle(ctx context.Context, runID string, spent float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.reserved[runID]
	if !ok {
		return 0, fmt.Errorf("run %s holds no reservation", runID)
	}
	delete(l.reserved, runID)
	refund := held - spent
	if refund < 0 {
		refund = 0
	}
	l.balance += refund
	return refund, nil
}

// Deposit adds funds to the balance.
func (l *MemoryLedger) Deposit(ctx context.Context, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance += amount
	return l.balance, nil
}

// Balance returns the available balance, excluding held reservations.
func (l *MemoryLedger) Balance(ctx context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, nil
}
