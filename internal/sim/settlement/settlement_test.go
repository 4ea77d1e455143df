package settlement

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/ledger"
	"macrosim.ai/internal/sim/money"
)

const (
	cbID  agents.ID = 0
	govID agents.ID = 1
	aID   agents.ID = 2
	bID   agents.ID = 3
)

type brokenAgent struct{ *agents.Account }

func (brokenAgent) Deposit(money.Pennies, money.Currency) error {
	return errors.New("account frozen")
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fixture(t *testing.T, balances map[agents.ID]money.Pennies) (*System, *agents.Book) {
	t.Helper()
	book := agents.NewBook()
	kinds := map[agents.ID]agents.Kind{cbID: agents.KindCentralBank, govID: agents.KindGovernment}
	for id, bal := range balances {
		k, found := kinds[id]
		if !found {
			k = agents.KindHousehold
		}
		a := agents.NewAccount(id, k, "")
		a.SetBalance("", bal)
		if err := book.Add(a); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}
	l := ledger.New(book)
	l.SetExpectedM2(agents.Sum(book, ""), "")
	return New(book, l, cbID, WithLogger(quiet())), book
}

func balance(t *testing.T, b *agents.Book, id agents.ID) money.Pennies {
	t.Helper()
	a, found := b.Resolve(id)
	if !found {
		t.Fatalf("agent %d missing", id)
	}
	return a.Balance("")
}

func TestTransfer_SplitScenario(t *testing.T) {
	s, book := fixture(t, map[agents.ID]money.Pennies{cbID: 0, govID: 0, aID: 1000, bID: 0})

	r := s.Transfer(aID, []Split{{Target: bID, Amount: 700}, {Target: govID, Amount: 100, Memo: "tax"}}, "", 1)
	if !r.OK {
		t.Fatalf("transfer failed: %s", r.Reason)
	}
	if balance(t, book, aID) != 200 || balance(t, book, bID) != 700 || balance(t, book, govID) != 100 {
		t.Fatalf("balances: a=%d b=%d gov=%d", balance(t, book, aID), balance(t, book, bID), balance(t, book, govID))
	}
	if s.Ledger().Len() != 0 {
		t.Fatalf("transfers must not touch the ledger")
	}
}

func TestTransfer_InsufficientFundsIsNoOp(t *testing.T) {
	s, book := fixture(t, map[agents.ID]money.Pennies{cbID: 0, govID: 0, aID: 500, bID: 0})

	r := s.Transfer(aID, []Split{{Target: bID, Amount: 700}, {Target: govID, Amount: 100}}, "", 1)
	if r.OK || r.Reason != ReasonInsufficientFunds {
		t.Fatalf("want insufficient_funds, got %+v", r)
	}
	if balance(t, book, aID) != 500 || balance(t, book, bID) != 0 || balance(t, book, govID) != 0 {
		t.Fatalf("balances changed on failed transfer")
	}
}

func TestTransfer_UnknownTargetAndBadAmount(t *testing.T) {
	s, book := fixture(t, map[agents.ID]money.Pennies{aID: 500, bID: 0})

	if r := s.Transfer(aID, []Split{{Target: bID, Amount: 10}, {Target: 99, Amount: 10}}, "", 1); r.Reason != ReasonAgentNotFound {
		t.Fatalf("want agent_not_found, got %+v", r)
	}
	if r := s.Transfer(aID, []Split{{Target: bID, Amount: 0}}, "", 1); r.Reason != ReasonInvalidAmount {
		t.Fatalf("want invalid_amount, got %+v", r)
	}
	if r := s.Transfer(aID, nil, "", 1); r.Reason != ReasonInvalidAmount {
		t.Fatalf("want invalid_amount for no splits, got %+v", r)
	}
	if balance(t, book, aID) != 500 || balance(t, book, bID) != 0 {
		t.Fatalf("balances changed")
	}
}

func TestTransfer_DepositFailureRollsBack(t *testing.T) {
	s, book := fixture(t, map[agents.ID]money.Pennies{aID: 1000, bID: 0})
	frozen := brokenAgent{agents.NewAccount(7, agents.KindFirm, "frozen")}
	if err := book.Add(frozen); err != nil {
		t.Fatalf("add: %v", err)
	}

	r := s.Transfer(aID, []Split{{Target: bID, Amount: 300}, {Target: 7, Amount: 200}}, "", 1)
	if r.OK || r.Reason != ReasonDepositFailed {
		t.Fatalf("want deposit_failed, got %+v", r)
	}
	if balance(t, book, aID) != 1000 || balance(t, book, bID) != 0 {
		t.Fatalf("rollback incomplete: a=%d b=%d", balance(t, book, aID), balance(t, book, bID))
	}
}

func TestMintAndDistribute(t *testing.T) {
	s, book := fixture(t, map[agents.ID]money.Pennies{cbID: 0, 42: 100})
	before := s.Ledger().ExpectedM2("")

	if !s.MintAndDistribute(42, 5000, 10, "stimulus") {
		t.Fatalf("mint failed")
	}
	if got := balance(t, book, 42); got != 5100 {
		t.Fatalf("balance: got %d want 5100", got)
	}
	es := s.Ledger().Entries()
	if len(es) != 1 || es[0].Kind != ledger.Issuance || es[0].Amount != 5000 || es[0].Tick != 10 || es[0].Reason != "stimulus" {
		t.Fatalf("ledger entries: %+v", es)
	}
	if s.Ledger().ExpectedM2("") != before+5000 {
		t.Fatalf("expected m2 did not move by 5000")
	}
	if o := s.AuditTotalM2(s.Ledger().ExpectedM2("")); o.Breached || o.Delta != 0 {
		t.Fatalf("audit after mint: %+v", o)
	}

	if s.MintAndDistribute(404, 10, 10, "x") {
		t.Fatalf("mint to unknown agent must fail")
	}
	if s.Ledger().Len() != 1 {
		t.Fatalf("failed mint recorded an entry")
	}
}

func TestTransferAndDestroy(t *testing.T) {
	s, book := fixture(t, map[agents.ID]money.Pennies{cbID: 0, govID: 0, aID: 900})

	if !s.TransferAndDestroy(aID, cbID, 400, 3, "burn") {
		t.Fatalf("destroy failed")
	}
	if balance(t, book, aID) != 500 || balance(t, book, cbID) != 0 {
		t.Fatalf("destroy must debit source only: a=%d cb=%d", balance(t, book, aID), balance(t, book, cbID))
	}
	if tot := s.Ledger().Totals(""); tot.Destroyed != 400 {
		t.Fatalf("totals: %+v", tot)
	}

	// non-authority sink is a plain transfer
	if !s.TransferAndDestroy(aID, govID, 100, 3, "fee") {
		t.Fatalf("transfer to gov failed")
	}
	if balance(t, book, govID) != 100 || s.Ledger().Len() != 1 {
		t.Fatalf("gov=%d ledger=%d", balance(t, book, govID), s.Ledger().Len())
	}

	if s.TransferAndDestroy(aID, cbID, 10_000, 3, "too much") {
		t.Fatalf("overdraw destroy must fail")
	}
}

func TestCreateAndTransfer(t *testing.T) {
	s, book := fixture(t, map[agents.ID]money.Pennies{cbID: 0, aID: 300, bID: 0})

	if !s.CreateAndTransfer(cbID, bID, 50, 2, "qe") {
		t.Fatalf("authority create failed")
	}
	if !s.CreateAndTransfer(aID, bID, 100, 2, "gift") {
		t.Fatalf("ordinary transfer failed")
	}
	if balance(t, book, bID) != 150 || balance(t, book, aID) != 200 {
		t.Fatalf("balances: a=%d b=%d", balance(t, book, aID), balance(t, book, bID))
	}
	if tot := s.Ledger().Totals(""); tot.Issued != 50 {
		t.Fatalf("only the authority path issues money: %+v", tot)
	}
}

func TestAuditTotalM2_Tolerance(t *testing.T) {
	s, book := fixture(t, map[agents.ID]money.Pennies{aID: 1_000_000})

	if o := s.AuditTotalM2(1_000_000); o.Breached || o.Tolerance != 1000 {
		t.Fatalf("clean audit: %+v", o)
	}
	a, _ := book.Resolve(aID)
	a.(*agents.Account).SetBalance("", 1_000_900)
	if o := s.AuditTotalM2(1_000_000); o.Breached {
		t.Fatalf("900 within tolerance of 1000: %+v", o)
	}
	a.(*agents.Account).SetBalance("", 1_002_000)
	o := s.AuditTotalM2(1_000_000)
	if !o.Breached || o.Delta != 2000 {
		t.Fatalf("breach not reported: %+v", o)
	}

	if got := DefaultTolerance.For(500); got != 10 {
		t.Fatalf("min tolerance: got %d", got)
	}
}
