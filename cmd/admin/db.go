package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"macrosim.ai/internal/persistence/indexdb"
)

// dbCmd queries the read-model index of a run:
//
//	admin db [-run id] ledger|breaches|commands|meta|transactions
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	runID := fs.String("run", "run_1", "run id (ignored with -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	from := fs.Uint64("from", 0, "first tick (ledger)")
	to := fs.Uint64("to", 0, "last tick (ledger; 0 = latest)")
	tick := fs.Uint64("tick", 0, "tick (commands)")
	limit := fs.Int("limit", 20, "result limit (breaches)")
	key := fs.String("key", "tuning_digest", "meta key (meta)")
	txType := fs.String("type", "", "transaction type (transactions)")
	_ = fs.Parse(args)

	q := "breaches"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "runs", *runID, "index.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "index:", err)
		os.Exit(1)
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out any
	switch q {
	case "ledger":
		hi := *to
		if hi == 0 {
			hi = 1<<63 - 1
		}
		out, err = idx.LedgerEntries(ctx, *from, hi)
	case "breaches":
		out, err = idx.Breaches(ctx, *limit)
	case "commands":
		out, err = idx.Commands(ctx, *tick)
	case "meta":
		out, err = idx.Meta(ctx, *key)
	case "transactions":
		var n int
		n, err = idx.TransactionCount(ctx, *txType)
		out = map[string]any{"type": *txType, "count": n}
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
