package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	persistlog "macrosim.ai/internal/persistence/log"
	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/command"
	"macrosim.ai/internal/sim/kernel"
	"macrosim.ai/internal/sim/ledger"
	"macrosim.ai/internal/sim/settlement"
	"macrosim.ai/internal/sim/tuning"
)

func writeRun(t *testing.T, ticks int) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tune := tuning.Default()
	tune.Genesis = append(tune.Genesis, tuning.GenesisAccount{ID: 42, Kind: "household", Name: "hh", Balance: 1000})
	book, err := tune.Book()
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	params, err := tune.Params()
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	w, err := kernel.NewWorld(kernel.WorldConfig{RunID: tune.RunID}, book, params, logger)
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	sched, err := kernel.NewScheduler(w, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	runDir := t.TempDir()
	tl := persistlog.NewTickLogger(runDir, 2)
	sched.SetTickLogger(tl)

	for i := 1; i <= ticks; i++ {
		if i == 2 {
			msg, err := protocol.DecodeCommand([]byte(`{"type":"INJECT_MONEY","payload":{"target":42,"amount":250}}`))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			cmd, err := command.FromWire(msg)
			if err != nil {
				t.Fatalf("FromWire: %v", err)
			}
			if err := w.Commands().Enqueue(cmd); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
		if _, err := sched.RunTick(context.Background()); err != nil {
			t.Fatalf("RunTick %d: %v", i, err)
		}
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return runDir
}

func TestVerifier_AcceptsKernelLog(t *testing.T) {
	runDir := writeRun(t, 5)
	v := &verifier{tol: settlement.DefaultTolerance, snapshot: map[uint64]int64{}}
	if err := persistlog.ReadTicks(runDir, v.check); err != nil {
		t.Fatalf("ReadTicks: %v", err)
	}
	if err := v.done(); err != nil {
		t.Fatalf("done: %v", err)
	}
	if v.checked != 5 || v.first != 1 || v.last != 5 || v.issued != 250 || v.breaches != 0 {
		t.Fatalf("verifier=%+v", v)
	}
}

func TestVerifier_Range(t *testing.T) {
	runDir := writeRun(t, 5)
	v := &verifier{tol: settlement.DefaultTolerance, from: 3, to: 4, snapshot: map[uint64]int64{}}
	if err := persistlog.ReadTicks(runDir, v.check); err != nil && !errors.Is(err, persistlog.ErrStop) {
		t.Fatalf("ReadTicks: %v", err)
	}
	if v.checked != 2 || v.first != 3 || v.last != 4 {
		t.Fatalf("verifier=%+v", v)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	good := func(tick uint64, expected int64) kernel.TickRecord {
		return kernel.TickRecord{
			Tick:   tick,
			Digest: "d",
			Audit: protocol.TickAudit{
				Tick: tick, Currency: "USD", Digest: "d",
				CurrentM2: expected, ExpectedM2: expected, Tolerance: 10,
			},
		}
	}

	cases := map[string]func() []kernel.TickRecord{
		"gap": func() []kernel.TickRecord {
			return []kernel.TickRecord{good(1, 1000), good(3, 1000)}
		},
		"digest": func() []kernel.TickRecord {
			r := good(1, 1000)
			r.Digest = ""
			return []kernel.TickRecord{r}
		},
		"unrecorded issuance": func() []kernel.TickRecord {
			return []kernel.TickRecord{good(1, 1000), good(2, 1250)}
		},
		"breach flag": func() []kernel.TickRecord {
			r := good(1, 1000)
			r.Audit.CurrentM2 = 1500
			r.Audit.Delta = 500
			return []kernel.TickRecord{r}
		},
	}
	for name, recs := range cases {
		v := &verifier{tol: settlement.DefaultTolerance, snapshot: map[uint64]int64{}}
		var err error
		for _, r := range recs() {
			if err = v.check(r); err != nil {
				break
			}
		}
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	v := &verifier{tol: settlement.DefaultTolerance, snapshot: map[uint64]int64{}}
	r2 := good(2, 1250)
	r2.LedgerEntries = []ledger.Entry{{Tick: 2, Kind: ledger.Issuance, Amount: 250, Currency: "USD"}}
	for _, r := range []kernel.TickRecord{good(1, 1000), r2} {
		if err := v.check(r); err != nil {
			t.Fatalf("recorded issuance: %v", err)
		}
	}

	strict := &verifier{tol: settlement.DefaultTolerance, strict: true, snapshot: map[uint64]int64{}}
	r := good(1, 1000)
	r.Audit.CurrentM2, r.Audit.Delta, r.Audit.ToleranceBreached = 1500, 500, true
	if err := strict.check(r); err == nil || !strings.Contains(err.Error(), "outside tolerance") {
		t.Fatalf("strict err=%v", err)
	}
}
