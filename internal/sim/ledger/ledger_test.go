package ledger

import (
	"errors"
	"math"
	"testing"

	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/money"
	"macrosim.ai/internal/sim/txn"
)

func newBook(t *testing.T, balances ...money.Pennies) *agents.Book {
	t.Helper()
	b := agents.NewBook()
	for i, v := range balances {
		a := agents.NewAccount(agents.ID(i+1), agents.KindHousehold, "")
		a.SetBalance(money.DefaultCurrency, v)
		if err := b.Add(a); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	return b
}

func TestRecord_MovesExpected(t *testing.T) {
	l := New(newBook(t, 100, 200))
	l.SetExpectedM2(300, "")

	if _, err := l.Record(50, "stimulus", 4, Issuance, ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := l.Record(20, "tax burn", 4, Destruction, money.DefaultCurrency); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := l.ExpectedM2(""); got != 330 {
		t.Fatalf("expected m2: got %d want 330", got)
	}
	tot := l.Totals(money.DefaultCurrency)
	if tot.Issued != 50 || tot.Destroyed != 20 {
		t.Fatalf("totals: %+v", tot)
	}
	if got := l.TotalM2(""); got != 300 {
		t.Fatalf("live m2: got %d want 300", got)
	}

	es := l.Entries()
	if len(es) != 2 || es[0].Seq != 1 || es[1].Seq != 2 || es[1].Kind != Destruction {
		t.Fatalf("entries: %+v", es)
	}
	es[0].Amount = 999
	if l.Entries()[0].Amount != 50 {
		t.Fatalf("Entries must return a copy")
	}
}

func TestRecord_OverflowLeavesLedgerUntouched(t *testing.T) {
	l := New(newBook(t, 1000))
	l.SetExpectedM2(1000, "")

	_, err := l.Record(math.MaxInt64, "mint", 3, Issuance, "")
	if !errors.Is(err, agents.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if got := l.ExpectedM2(""); got != 1000 {
		t.Fatalf("expected m2 moved: got %d", got)
	}
	if tot := l.Totals(""); tot.Issued != 0 {
		t.Fatalf("totals moved: %+v", tot)
	}
	if n := len(l.Entries()); n != 0 {
		t.Fatalf("entries appended: %d", n)
	}

	l.SetExpectedM2(-10, "")
	if _, err := l.Record(math.MaxInt64, "burn", 3, Destruction, ""); !errors.Is(err, agents.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount on destruction, got %v", err)
	}
	if got := l.ExpectedM2(""); got != -10 {
		t.Fatalf("expected m2 moved on destruction: got %d", got)
	}
}

func TestRecord_RejectsNonPositive(t *testing.T) {
	l := New(newBook(t))
	if _, err := l.Record(0, "x", 1, Issuance, ""); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := l.Record(-5, "x", 1, Destruction, ""); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if l.Len() != 0 || l.ExpectedM2("") != 0 {
		t.Fatalf("rejected records must not change state")
	}
}

func TestProcessTransactions_FoldsUnrecordedMarkers(t *testing.T) {
	l := New(newBook(t))
	n := l.ProcessTransactions([]txn.Transaction{
		{Type: txn.TypeCreditCreation, Amount: 400, Tick: 2},
		{Type: txn.TypeCreditDestruction, Amount: 150, Tick: 2},
		{Type: txn.TypeCreditCreation, Amount: 999, Tick: 2, Metadata: map[string]string{txn.MetaLedger: txn.MetaLedgerRecorded}},
		{Type: "goods", Amount: 70, Tick: 2},
	})
	if n != 2 {
		t.Fatalf("folded: got %d want 2", n)
	}
	if got := l.ExpectedM2(""); got != 250 {
		t.Fatalf("expected m2: got %d want 250", got)
	}
}

func TestEntriesSince(t *testing.T) {
	l := New(newBook(t))
	for i := 0; i < 3; i++ {
		if _, err := l.Record(10, "x", uint64(i), Issuance, ""); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if got := l.EntriesSince(1); len(got) != 2 || got[0].Seq != 2 {
		t.Fatalf("since 1: %+v", got)
	}
	if got := l.EntriesSince(3); got != nil {
		t.Fatalf("since 3: %+v", got)
	}
}

func TestRestore_RebuildsTotals(t *testing.T) {
	l := New(newBook(t))
	l.Restore([]Entry{
		{Seq: 1, Kind: Issuance, Amount: 30, Currency: "USD"},
		{Seq: 2, Kind: Destruction, Amount: 10, Currency: "USD"},
	}, map[money.Currency]money.Pennies{"USD": 1020})
	if l.ExpectedM2("USD") != 1020 {
		t.Fatalf("expected: %d", l.ExpectedM2("USD"))
	}
	if tot := l.Totals("USD"); tot.Issued != 30 || tot.Destroyed != 10 {
		t.Fatalf("totals: %+v", tot)
	}
	if _, err := l.Record(5, "y", 9, Issuance, "USD"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if l.Entries()[2].Seq != 3 {
		t.Fatalf("seq after restore: %+v", l.Entries()[2])
	}
}
