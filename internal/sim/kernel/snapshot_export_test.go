package kernel

import (
	"context"
	"path/filepath"
	"testing"

	"macrosim.ai/internal/persistence/snapshot"
	"macrosim.ai/internal/sim/command"
	"macrosim.ai/internal/sim/settlement"
	"macrosim.ai/internal/sim/txn"
)

func resumablePhases() []Phase {
	return []Phase{
		PhaseFunc{PhaseName: "qe", PhaseStage: StageProduction, Fn: func(_ context.Context, snap *Snapshot) {
			snap.Settlement.Mint(hh1, 10, "", snap.Tick, "qe")
		}},
		PhaseFunc{PhaseName: "coupon", PhaseStage: StagePostSequence, Fn: func(_ context.Context, snap *Snapshot) {
			snap.Defer(txn.Transaction{BuyerID: hh1, SellerID: hh2, Amount: 5, Type: "coupon",
				Metadata: map[string]string{"issued": "yes"}})
		}},
		PhaseFunc{PhaseName: "retire", PhaseStage: StageLifecycle, Fn: func(_ context.Context, snap *Snapshot) {
			if snap.Tick == 2 {
				snap.Deactivate(hh2)
			}
		}},
	}
}

func TestExportRestore_ResumesWithIdenticalDigests(t *testing.T) {
	w := newTestWorld(t, WorldConfig{RunID: "resume"})
	s := newTestScheduler(t, w, resumablePhases())
	for i := 0; i < 3; i++ {
		if _, err := s.RunTick(context.Background()); err != nil {
			t.Fatalf("RunTick: %v", err)
		}
	}
	if _, err := w.Params().Set(command.ParamIncomeTax, 0.3); err != nil {
		t.Fatalf("set param: %v", err)
	}

	snap := w.ExportSnapshot()
	if snap.Header.Tick != 3 || snap.Header.RunID != "resume" || len(snap.Deferred) != 1 || len(snap.Inactive) != 1 {
		t.Fatalf("snapshot: header=%+v deferred=%d inactive=%d", snap.Header, len(snap.Deferred), len(snap.Inactive))
	}

	path := filepath.Join(t.TempDir(), "3.snap.zst")
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	params, err := command.NewParams(command.DefaultBounds(), command.DefaultValues())
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	w2, err := RestoreWorld(WorldConfig{}, loaded, params, quiet())
	if err != nil {
		t.Fatalf("RestoreWorld: %v", err)
	}
	if w2.Tick() != 3 || w2.Baseline() != w.Baseline() || w2.IsActive(hh2) {
		t.Fatalf("restored tick=%d baseline=%d active=%v", w2.Tick(), w2.Baseline(), w2.IsActive(hh2))
	}
	if got, _ := w2.Params().Get(command.ParamIncomeTax); got != 0.3 {
		t.Fatalf("income tax=%v", got)
	}
	if w2.Ledger().Len() != w.Ledger().Len() {
		t.Fatalf("ledger len=%d want %d", w2.Ledger().Len(), w.Ledger().Len())
	}

	s2 := newTestScheduler(t, w2, resumablePhases())
	for i := 0; i < 2; i++ {
		a, err := s.RunTick(context.Background())
		if err != nil {
			t.Fatalf("original: %v", err)
		}
		b, err := s2.RunTick(context.Background())
		if err != nil {
			t.Fatalf("restored: %v", err)
		}
		if a.Digest != b.Digest {
			t.Fatalf("tick %d: digest %s != %s", a.Tick, a.Digest, b.Digest)
		}
		if b.Audit.ToleranceBreached {
			t.Fatalf("restored run breached: %+v", b.Audit)
		}
	}
}

func TestExportRestore_CarriesEstatesAndLiquidations(t *testing.T) {
	w := newTestWorld(t, WorldConfig{RunID: "estates"})
	s := newTestScheduler(t, w, nil)
	if _, err := s.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	est, r := w.Settlement().OpenEstate(hh2, 1)
	if !r.OK || est.Escrow != 500 {
		t.Fatalf("open estate: %+v %s", est, r.Reason)
	}
	if _, r := w.Settlement().RecordLiquidation(hh1, 100, 50, 30, "bankrupt", 1, cbID); !r.OK {
		t.Fatalf("liquidation: %s", r.Reason)
	}

	path := filepath.Join(t.TempDir(), "1.snap.zst")
	if err := snapshot.WriteSnapshot(path, w.ExportSnapshot()); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(loaded.Estates) != 1 || len(loaded.Liquidations) != 1 {
		t.Fatalf("snapshot estates=%d liquidations=%d", len(loaded.Estates), len(loaded.Liquidations))
	}

	params, err := command.NewParams(command.DefaultBounds(), command.DefaultValues())
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	w2, err := RestoreWorld(WorldConfig{}, loaded, params, quiet())
	if err != nil {
		t.Fatalf("RestoreWorld: %v", err)
	}
	liqs := w2.Settlement().Liquidations()
	if len(liqs) != 1 || liqs[0].Loss != 120 || liqs[0].Escheated != 1000 || liqs[0].Reason != "bankrupt" {
		t.Fatalf("liquidations: %+v", liqs)
	}
	if got := w2.Settlement().TotalLiquidationLoss(); got != 120 {
		t.Fatalf("liquidation loss=%d", got)
	}

	closed, r := w2.Settlement().CloseEstate(est.ID, 2)
	if !r.OK {
		t.Fatalf("close restored estate: %s", r.Reason)
	}
	if closed.Status != settlement.EstateClosedWithLeak || closed.Leaked != 500 || closed.OpenedTick != 1 {
		t.Fatalf("closed estate: %+v", closed)
	}
	next, r := w2.Settlement().OpenEstate(hh1, 2)
	if !r.OK || next.ID != est.ID+1 {
		t.Fatalf("estate id after restore: %+v", next)
	}
}
