package agents

import (
	"errors"
	"math"
	"testing"

	"macrosim.ai/internal/sim/money"
)

func TestBook_RangeIsSortedByID(t *testing.T) {
	b := NewBook()
	for _, id := range []ID{42, 7, 100, 1} {
		if err := b.Add(NewAccount(id, KindHousehold, "")); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}
	var got []ID
	b.Range(func(a FinancialAgent) bool {
		got = append(got, a.ID())
		return true
	})
	want := []ID{1, 7, 42, 100}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}

	if _, ok := b.Remove(7); !ok {
		t.Fatalf("remove 7: not found")
	}
	if _, ok := b.Resolve(7); ok {
		t.Fatalf("7 still resolvable after remove")
	}
	if ids := b.IDs(); len(ids) != 3 || ids[1] != 42 {
		t.Fatalf("ids after remove: %v", ids)
	}
}

func TestBook_DuplicateRejected(t *testing.T) {
	b := NewBook()
	if err := b.Add(NewAccount(1, KindFirm, "")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.Add(NewAccount(1, KindFirm, "")); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestAccount_WithdrawGuards(t *testing.T) {
	a := NewAccount(1, KindHousehold, "h")
	a.SetBalance(money.DefaultCurrency, 100)
	if err := a.Withdraw(150, money.DefaultCurrency); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if a.Balance(money.DefaultCurrency) != 100 {
		t.Fatalf("balance changed on failed withdraw")
	}
	if err := a.Deposit(-1, money.DefaultCurrency); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	cb := NewAccount(0, KindCentralBank, "cb")
	if err := cb.Withdraw(500, ""); err != nil {
		t.Fatalf("central bank overdraft: %v", err)
	}
	if got := cb.Balance(money.DefaultCurrency); got != -500 {
		t.Fatalf("cb balance: got %d want -500", got)
	}
}

func TestAccount_OverflowRejected(t *testing.T) {
	a := NewAccount(1, KindHousehold, "h")
	a.SetBalance(money.DefaultCurrency, 1000)
	if err := a.Deposit(math.MaxInt64, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if got := a.Balance(""); got != 1000 {
		t.Fatalf("balance after overflowing deposit: got %d want 1000", got)
	}

	cb := NewAccount(0, KindCentralBank, "cb")
	cb.SetBalance(money.DefaultCurrency, -10)
	if err := cb.Withdraw(math.MaxInt64, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if got := cb.Balance(""); got != -10 {
		t.Fatalf("cb balance after underflowing withdraw: got %d want -10", got)
	}
}

func TestSum(t *testing.T) {
	b := NewBook()
	for i, bal := range []money.Pennies{100, 250, 50} {
		a := NewAccount(ID(i+1), KindHousehold, "")
		a.SetBalance(money.DefaultCurrency, bal)
		a.SetBalance("EUR", 7)
		_ = b.Add(a)
	}
	if got := Sum(b, money.DefaultCurrency); got != 400 {
		t.Fatalf("sum USD: got %d want 400", got)
	}
	if got := Sum(b, "EUR"); got != 21 {
		t.Fatalf("sum EUR: got %d want 21", got)
	}
}
