package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	persistlog "macrosim.ai/internal/persistence/log"
	"macrosim.ai/internal/persistence/snapshot"
	"macrosim.ai/internal/sim/kernel"
	"macrosim.ai/internal/sim/ledger"
	"macrosim.ai/internal/sim/money"
	"macrosim.ai/internal/sim/settlement"
	"macrosim.ai/internal/sim/tuning"
)

func main() {
	var (
		runDir   = flag.String("run", "", "run directory containing ticks/ (e.g. data/runs/run_1)")
		config   = flag.String("config", "", "tuning file used by the run (optional; tolerance defaults otherwise)")
		snapPath = flag.String("snapshot", "", "cross-check this snapshot against the tick log (optional)")
		fromTick = flag.Uint64("from_tick", 0, "start verifying from tick (inclusive, optional)")
		toTick   = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
		strict   = flag.Bool("strict", false, "treat tolerance breaches as failures")
	)
	flag.Parse()

	if *runDir == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}
	tune, err := tuning.Load(*config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}

	v := &verifier{
		tol:      tune.Tolerance(),
		from:     *fromTick,
		to:       *toTick,
		strict:   *strict,
		snapshot: map[uint64]int64{},
	}
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d run=%s tick=%d agents=%d ledger=%d baseline=%s\n",
			snap.Header.Version, snap.Header.RunID, snap.Header.Tick,
			len(snap.Agents), len(snap.Ledger), humanize.Comma(snap.Baseline))
		v.snapshot[snap.Header.Tick] = snap.Expected[snap.Currency]
	}

	if err := persistlog.ReadTicks(*runDir, v.check); err != nil && !errors.Is(err, persistlog.ErrStop) {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if err := v.done(); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: run=%s checked=%d ticks [%d..%d] issued=%s destroyed=%s breaches=%d\n",
		filepath.Base(*runDir), v.checked, v.first, v.last,
		humanize.Comma(v.issued), humanize.Comma(v.destroyed), v.breaches)
}

// verifier checks a tick log offline: ticks are contiguous, every tick has a
// digest, each audit is internally consistent, and expected M2 moves exactly
// by the ledger entries recorded in that tick.
type verifier struct {
	tol    settlement.Tolerance
	from   uint64
	to     uint64
	strict bool

	// snapshot tick -> expected M2 captured in the snapshot
	snapshot map[uint64]int64

	started      bool
	first, last  uint64
	prevExpected int64

	checked   uint64
	breaches  uint64
	issued    int64
	destroyed int64
}

func (v *verifier) check(rec kernel.TickRecord) error {
	if rec.Tick < v.from {
		return nil
	}
	if v.to != 0 && rec.Tick > v.to {
		return persistlog.ErrStop
	}
	a := rec.Audit
	if rec.Tick != a.Tick {
		return fmt.Errorf("tick %d: audit is for tick %d", rec.Tick, a.Tick)
	}
	if rec.Digest == "" || rec.Digest != a.Digest {
		return fmt.Errorf("tick %d: digest missing or inconsistent (record=%q audit=%q)", rec.Tick, rec.Digest, a.Digest)
	}
	if a.Delta != a.CurrentM2-a.ExpectedM2 {
		return fmt.Errorf("tick %d: delta %d != current %d - expected %d", rec.Tick, a.Delta, a.CurrentM2, a.ExpectedM2)
	}
	tol := int64(v.tol.For(money.Pennies(a.ExpectedM2)))
	if a.Tolerance != tol {
		return fmt.Errorf("tick %d: tolerance %d, want %d", rec.Tick, a.Tolerance, tol)
	}
	breached := abs(a.Delta) > tol
	if breached != a.ToleranceBreached {
		return fmt.Errorf("tick %d: breach flag %v, want %v", rec.Tick, a.ToleranceBreached, breached)
	}
	if breached {
		v.breaches++
		if v.strict {
			return fmt.Errorf("tick %d: m2 delta %s outside tolerance %s", rec.Tick, humanize.Comma(a.Delta), humanize.Comma(tol))
		}
	}

	var net int64
	for _, e := range rec.LedgerEntries {
		if string(e.Currency) != a.Currency {
			continue
		}
		switch e.Kind {
		case ledger.Issuance:
			net += int64(e.Amount)
			v.issued += int64(e.Amount)
		case ledger.Destruction:
			net -= int64(e.Amount)
			v.destroyed += int64(e.Amount)
		}
	}
	if v.started {
		if rec.Tick != v.last+1 {
			return fmt.Errorf("tick gap: %d followed by %d", v.last, rec.Tick)
		}
		if want := v.prevExpected + net; a.ExpectedM2 != want {
			return fmt.Errorf("tick %d: expected m2 %d, ledger implies %d", rec.Tick, a.ExpectedM2, want)
		}
	} else {
		v.started = true
		v.first = rec.Tick
	}
	if exp, ok := v.snapshot[rec.Tick]; ok && exp != a.ExpectedM2 {
		return fmt.Errorf("tick %d: snapshot expected m2 %d, log has %d", rec.Tick, exp, a.ExpectedM2)
	}

	v.last = rec.Tick
	v.prevExpected = a.ExpectedM2
	v.checked++
	return nil
}

func (v *verifier) done() error {
	if v.checked == 0 {
		return errors.New("no ticks in range")
	}
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
