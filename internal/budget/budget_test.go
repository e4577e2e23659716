package budget

import (
	"context"
	"testing"
)

func TestReserveAndSettleRefundsRemainder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(10)

	ok, err := l.Reserve(ctx, "run-1", 4)
	if err != nil || !ok {
		t.Fatalf("reserve = %v, %v", ok, err)
	}
	if bal, _ := l.Balance(ctx); bal != 6 {
		t.Fatalf("balance after reserve = %v, want 6", bal)
	}

	refund, err := l.Settle(ctx, "run-1", 1.5)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if refund != 2.5 {
		t.Errorf("refund = %v, want 2.5", refund)
	}
	if bal, _ := l.Balance(ctx); bal != 8.5 {
		t.Errorf("balance after settle = %v, want 8.5", bal)
	}
}

func TestReserveDeclinesWhenShort(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(3)

	ok, err := l.Reserve(ctx, "run-1", 5)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Fatal("reservation beyond balance must be declined")
	}
	if bal, _ := l.Balance(ctx); bal != 3 {
		t.Errorf("declined reservation must not touch the balance, got %v", bal)
	}
}

func TestDoubleReservationRejected(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(10)

	if ok, _ := l.Reserve(ctx, "run-1", 2); !ok {
		t.Fatal("first reserve declined")
	}
	if _, err := l.Reserve(ctx, "run-1", 2); err == nil {
		t.Error("second reservation for the same run should error")
	}
}

func TestSettleWithoutReservationErrors(t *testing.T) {
	l := NewMemoryLedger(10)
	if _, err := l.Settle(context.Background(), "unknown", 1); err == nil {
		t.Error("settling an unknown run should error")
	}
}

func TestOverspendAbsorbed(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(10)

	l.Reserve(ctx, "run-1", 2)
	refund, err := l.Settle(ctx, "run-1", 3)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if refund != 0 {
		t.Errorf("refund = %v, overspend must not produce a negative refund", refund)
	}
	if bal, _ := l.Balance(ctx); bal != 8 {
		t.Errorf("balance = %v, want 8", bal)
	}
}

func TestDeposit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(1)
	if bal, _ := l.Deposit(ctx, 4); bal != 5 {
		t.Errorf("balance after deposit = %v, want 5", bal)
	}
}
