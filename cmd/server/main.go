package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"macrosim.ai/internal/observability"
	"macrosim.ai/internal/persistence/indexdb"
	persistlog "macrosim.ai/internal/persistence/log"
	"macrosim.ai/internal/persistence/snapshot"
	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/kernel"
	"macrosim.ai/internal/sim/tuning"
	"macrosim.ai/internal/sim/txn"
	"macrosim.ai/internal/transport/ws"
)

type serverFlags struct {
	addr       string
	config     string
	dataDir    string
	snapPath   string
	loadLatest bool
	disableDB  bool
}

func main() {
	var f serverFlags
	flag.StringVar(&f.addr, "addr", ":8080", "http listen address")
	flag.StringVar(&f.config, "config", "", "path to tuning.yaml or tuning.toml (optional)")
	flag.StringVar(&f.dataDir, "data", "", "runtime data directory (overrides persistence.data_dir)")
	flag.StringVar(&f.snapPath, "snapshot", "", "path to snapshot to resume from (optional)")
	flag.BoolVar(&f.loadLatest, "load_latest_snapshot", true, "resume from the newest snapshot of the run if present (when -snapshot is empty)")
	flag.BoolVar(&f.disableDB, "disable_db", false, "disable the sqlite read-model index")
	flag.Parse()

	if err := run(f); err != nil {
		log.Fatalf("[server] %v", err)
	}
}

func run(f serverFlags) error {
	tune, err := tuning.Load(f.config)
	if err != nil {
		return fmt.Errorf("load tuning: %w", err)
	}
	if f.dataDir != "" {
		tune.Persistence.DataDir = f.dataDir
	}

	logger, closeLog, err := observability.NewLogger(tune.Log, os.Stdout)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, tune.OTel)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx2)
	}()

	km, err := observability.NewKernelMetrics(nil)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	runDir := filepath.Join(tune.Persistence.DataDir, "runs", tune.RunID)
	snapDir := filepath.Join(runDir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return err
	}

	w, err := openWorld(tune, f, snapDir, logger)
	if err != nil {
		return err
	}

	// Monetary markers are symbolic; transfers and estates were settled when
	// they were created, so the handlers only acknowledge them.
	disp := txn.NewDispatcher(logger.With("component", "txn"))
	settled := txn.HandlerFunc(func(context.Context, txn.Transaction) error { return nil })
	disp.Register(txn.TypeTransfer, settled)
	disp.Register(txn.TypeEstate, settled)

	sched, err := kernel.NewScheduler(w, nil,
		kernel.WithProcessor(disp),
		kernel.WithInstruments(km),
		kernel.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	if tune.Persistence.TickLog {
		tl := persistlog.NewTickLogger(runDir, persistlog.DefaultSegmentTicks)
		defer tl.Close()
		sched.SetTickLogger(tl)
	}
	if tune.Persistence.AuditLog {
		al := persistlog.NewAuditLogger(runDir, persistlog.DefaultSegmentTicks)
		defer al.Close()
		sched.SetAuditLogger(al)
	}

	var idx *indexdb.SQLiteIndex
	if !f.disableDB {
		path := tune.Persistence.IndexDB
		if path == "" {
			path = filepath.Join(runDir, "index.sqlite")
		}
		idx, err = indexdb.OpenSQLite(path)
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
		if err := idx.UpsertTuning(ctx, tune); err != nil {
			logger.Warn("index: upsert tuning failed", "err", err)
		}
		sched.AddHook(idx)
	}

	snaps := make(chan snapshot.SnapshotV1, 2)
	sched.SetSnapshotSink(snaps)

	srv := ws.NewServer(sched, logger.With("component", "ws"))
	sched.AddAuditObserver(srv.BroadcastAudit)

	runner := kernel.NewRunner(sched, tune.TickRateHz)
	a := &api{runner: runner, metrics: km, idx: idx, log: logger}
	httpSrv := &http.Server{
		Addr:              f.addr,
		Handler:           a.routes(srv),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := runner.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			logger.Error("runner stopped", "tick", w.Tick(), "err", err)
		}
		return err
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case snap := <-snaps:
				persistSnapshot(snapDir, snap, idx, logger)
			}
		}
	})
	g.Go(func() error {
		logger.Info("listening", "addr", f.addr, "run_id", tune.RunID, "tick", w.Tick(), "phases", strings.Join(sched.PhaseNames(), ","))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		runner.Stop()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(ctx2)
	})
	runErr := g.Wait()

	// The runner has stopped; the world is quiescent.
	if sched.State().State != kernel.StateAborted && w.Tick() > 0 {
		persistSnapshot(snapDir, w.ExportSnapshot(), idx, logger)
	}
	if idx != nil {
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = idx.Sync(ctx2)
		cancel()
	}
	return runErr
}

// openWorld resumes from a snapshot when one is given or found, otherwise
// builds the genesis world from tuning.
func openWorld(tune tuning.Tuning, f serverFlags, snapDir string, logger *slog.Logger) (*kernel.World, error) {
	cfg := kernel.WorldConfig{
		RunID:              tune.RunID,
		Currency:           tune.ReportingCurrency(),
		Authority:          agents.ID(tune.AuthorityID),
		Tolerance:          tune.Tolerance(),
		MaxPendingCommands: tune.MaxPendingCommands,
		SnapshotEveryTicks: tune.SnapshotEveryTicks,
	}
	params, err := tune.Params()
	if err != nil {
		return nil, err
	}

	path := strings.TrimSpace(f.snapPath)
	if path == "" && f.loadLatest {
		if path, err = snapshot.Latest(snapDir); err != nil {
			return nil, fmt.Errorf("find latest snapshot: %w", err)
		}
	}
	if path != "" {
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		if snap.Header.RunID != "" && snap.Header.RunID != tune.RunID {
			return nil, fmt.Errorf("snapshot run id mismatch: tuning=%s snap=%s", tune.RunID, snap.Header.RunID)
		}
		w, err := kernel.RestoreWorld(cfg, snap, params, logger)
		if err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
		logger.Info("resumed from snapshot", "path", filepath.Base(path), "tick", w.Tick())
		return w, nil
	}

	book, err := tune.Book()
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	w, err := kernel.NewWorld(cfg, book, params, logger)
	if err != nil {
		return nil, fmt.Errorf("world: %w", err)
	}
	logger.Info("genesis world", "run_id", tune.RunID, "agents", len(tune.Genesis), "currency", cfg.Currency)
	return w, nil
}

func persistSnapshot(dir string, snap snapshot.SnapshotV1, idx *indexdb.SQLiteIndex, logger *slog.Logger) {
	path := snapshot.PathFor(dir, snap.Header.Tick)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		logger.Error("snapshot write failed", "tick", snap.Header.Tick, "err", err)
		return
	}
	if idx != nil {
		idx.RecordSnapshot(path, snap)
	}
	logger.Info("snapshot written", "tick", snap.Header.Tick, "path", filepath.Base(path))
}
