package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"

	"macrosim.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "control":
			controlCmd(os.Args[2:])
			return
		case "submit":
			submitCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(filepath.Join(*dataDir, "runs"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		latest, _ := snapshot.Latest(filepath.Join(*dataDir, "runs", e.Name(), "snapshots"))
		if latest == "" {
			fmt.Println(e.Name())
			continue
		}
		h, err := snapshot.ReadHeader(latest)
		if err != nil {
			fmt.Printf("%s\tbad snapshot: %v\n", e.Name(), err)
			continue
		}
		fmt.Printf("%s\tlatest_snapshot_tick=%d\n", e.Name(), h.Tick)
	}
}

// snapshotCmd prints the balances and monetary state captured in a snapshot.
func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	runID := fs.String("run", "run_1", "run id")
	snapPath := fs.String("path", "", "snapshot path (optional; defaults to the latest of -run)")
	_ = fs.Parse(args)

	path := *snapPath
	if path == "" {
		var err error
		path, err = snapshot.Latest(filepath.Join(*dataDir, "runs", *runID, "snapshots"))
		if err != nil || path == "" {
			fmt.Fprintln(os.Stderr, "no snapshot found for run", *runID)
			os.Exit(2)
		}
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	fmt.Printf("run=%s tick=%d currency=%s authority=%d baseline=%s ledger_entries=%d deferred=%d estates=%d liquidations=%d\n",
		snap.Header.RunID, snap.Header.Tick, snap.Currency, snap.Authority,
		humanize.Comma(snap.Baseline), len(snap.Ledger), len(snap.Deferred), len(snap.Estates), len(snap.Liquidations))

	curs := make([]string, 0, len(snap.Expected))
	for c := range snap.Expected {
		curs = append(curs, c)
	}
	sort.Strings(curs)
	for _, c := range curs {
		fmt.Printf("expected_m2[%s]=%s\n", c, humanize.Comma(snap.Expected[c]))
	}

	inactive := map[int64]uint64{}
	for _, in := range snap.Inactive {
		inactive[in.ID] = in.Tick
	}
	for _, a := range snap.Agents {
		state := "active"
		if t, ok := inactive[a.ID]; ok {
			state = fmt.Sprintf("inactive@%d", t)
		}
		fmt.Printf("%6d %-13s %-20s %-12s %s\n", a.ID, a.Kind, a.Name, state, humanize.Comma(a.Balances[snap.Currency]))
	}
}
