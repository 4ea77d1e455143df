package txn

import "testing"

func TestDeferred_NotReleasedSameTick(t *testing.T) {
	d := Defer(10, Transaction{Type: "inheritance", Amount: 50})
	if d.Due() != 11 {
		t.Fatalf("due: got %d want 11", d.Due())
	}
	if _, ok := d.Release(10); ok {
		t.Fatalf("released in the tick it was deferred")
	}
	tx, ok := d.Release(11)
	if !ok || tx.Amount != 50 {
		t.Fatalf("release at 11: ok=%v tx=%+v", ok, tx)
	}
}

func TestPromote_PreservesOrder(t *testing.T) {
	q := []Deferred[Transaction]{
		Defer(1, Transaction{ItemID: "a"}),
		Defer(5, Transaction{ItemID: "late"}),
		Defer(2, Transaction{ItemID: "b"}),
	}
	released, pending := Promote(q, 3)
	if len(released) != 2 || released[0].ItemID != "a" || released[1].ItemID != "b" {
		t.Fatalf("released: %+v", released)
	}
	if len(pending) != 1 || pending[0].Due() != 6 {
		t.Fatalf("pending: %+v", pending)
	}
}
