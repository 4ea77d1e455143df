package settlement

import (
	"testing"

	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/money"
)

func TestEstate_DistributeAndClose(t *testing.T) {
	s, book := fixture(t, map[agents.ID]money.Pennies{cbID: 0, aID: 1000, bID: 0, 4: 0})

	e, r := s.OpenEstate(aID, 5)
	if !r.OK || e.Escrow != 1000 || e.Status != EstateOpen {
		t.Fatalf("open: %+v %+v", e, r)
	}
	e, _ = s.ExecuteEstate(e.ID, [][]Split{
		{{Target: bID, Amount: 600}},
		{{Target: 4, Amount: 900}}, // overdraws remaining escrow
		{{Target: 4, Amount: 400}},
	}, 5)
	if e.Distributed != 1000 || e.Skipped != 1 {
		t.Fatalf("execute: %+v", e)
	}
	e, r = s.CloseEstate(e.ID, 5)
	if !r.OK || e.Status != EstateClosed || e.Leaked != 0 {
		t.Fatalf("close: %+v %+v", e, r)
	}
	if balance(t, book, bID) != 600 || balance(t, book, 4) != 400 {
		t.Fatalf("heirs: b=%d 4=%d", balance(t, book, bID), balance(t, book, 4))
	}
	if _, r := s.CloseEstate(e.ID, 6); r.OK {
		t.Fatalf("closing twice must fail")
	}
}

func TestEstate_LeakIsBurned(t *testing.T) {
	s, book := fixture(t, map[agents.ID]money.Pennies{cbID: 0, aID: 1000, bID: 0})
	expected := s.Ledger().ExpectedM2("")

	e, _ := s.OpenEstate(aID, 1)
	e, _ = s.ExecuteEstate(e.ID, [][]Split{{{Target: bID, Amount: 250}}}, 1)
	e, r := s.CloseEstate(e.ID, 1)
	if !r.OK || e.Status != EstateClosedWithLeak || e.Leaked != 750 {
		t.Fatalf("close: %+v %+v", e, r)
	}
	if balance(t, book, aID) != 0 {
		t.Fatalf("deceased balance not cleared")
	}
	if got := s.Ledger().ExpectedM2(""); got != expected-750 {
		t.Fatalf("expected m2: got %d want %d", got, expected-750)
	}
	if o := s.AuditTotalM2(s.Ledger().ExpectedM2("")); o.Breached {
		t.Fatalf("leak burn broke conservation: %+v", o)
	}
	if len(s.Estates()) != 1 {
		t.Fatalf("estates: %+v", s.Estates())
	}
}

func TestRecordLiquidation(t *testing.T) {
	s, book := fixture(t, map[agents.ID]money.Pennies{govID: 0, aID: 120})

	l, r := s.RecordLiquidation(aID, 500, 300, 200, "bankrupt", 8, govID)
	if !r.OK {
		t.Fatalf("liquidation failed: %s", r.Reason)
	}
	if l.Loss != 600 || l.Escheated != 120 {
		t.Fatalf("liquidation: %+v", l)
	}
	if balance(t, book, govID) != 120 || balance(t, book, aID) != 0 {
		t.Fatalf("escheat not applied")
	}
	if s.TotalLiquidationLoss() != 600 || len(s.Liquidations()) != 1 {
		t.Fatalf("loss tracking: %d", s.TotalLiquidationLoss())
	}
	if _, r := s.RecordLiquidation(99, 0, 0, 0, "x", 8, govID); r.Reason != ReasonAgentNotFound {
		t.Fatalf("unknown agent: %+v", r)
	}
}
