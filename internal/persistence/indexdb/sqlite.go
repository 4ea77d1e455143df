package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"macrosim.ai/internal/persistence/snapshot"
	"macrosim.ai/internal/sim/kernel"
	"macrosim.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable read model of finalized ticks. Writes are queued and
// applied by a single writer goroutine; the JSONL tick log stays the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick     atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqSnapshot
	reqSync
)

type req struct {
	kind reqKind

	tick     kernel.TickRecord
	snapshot snapshotRow
	done     chan struct{}
}

type snapshotRow struct {
	Tick     uint64
	Path     string
	Agents   int
	Ledger   int
	Baseline int64
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{db: db, ch: make(chan req, queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			digest TEXT NOT NULL,
			currency TEXT NOT NULL,
			current_m2 INTEGER NOT NULL,
			expected_m2 INTEGER NOT NULL,
			baseline INTEGER NOT NULL,
			delta INTEGER NOT NULL,
			breached INTEGER NOT NULL,
			panic_index REAL NOT NULL,
			transactions INTEGER NOT NULL,
			unprocessed INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_breached ON ticks(breached, tick);`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq INTEGER PRIMARY KEY,
			tick INTEGER NOT NULL,
			kind TEXT NOT NULL,
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			reason TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_tick ON ledger_entries(tick);`,
		`CREATE TABLE IF NOT EXISTS commands (
			tick INTEGER NOT NULL,
			command_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			success INTEGER NOT NULL,
			failure_reason TEXT,
			rollback INTEGER NOT NULL,
			m2_delta INTEGER NOT NULL,
			PRIMARY KEY (tick, command_id)
		);`,
		`CREATE TABLE IF NOT EXISTS transactions (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			buyer_id INTEGER NOT NULL,
			seller_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			item_id TEXT,
			quantity INTEGER NOT NULL,
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_type_tick ON transactions(type, tick);`,
		`CREATE TABLE IF NOT EXISTS deactivations (
			tick INTEGER NOT NULL,
			agent_id INTEGER NOT NULL,
			PRIMARY KEY (tick, agent_id)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			agents INTEGER NOT NULL,
			ledger_entries INTEGER NOT NULL,
			baseline INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordTick implements kernel.PersistenceHook. It never blocks the tick goroutine.
func (s *SQLiteIndex) RecordTick(rec kernel.TickRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: rec}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Tick:     snap.Header.Tick,
		Path:     path,
		Agents:   len(snap.Agents),
		Ledger:   len(snap.Ledger),
		Baseline: snap.Baseline,
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// Sync waits until every queued write has been committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// UpsertTuning stores the configuration the run actually applies.
func (s *SQLiteIndex) UpsertTuning(ctx context.Context, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for k, v := range map[string]string{
		"schema_version": "1",
		"run_id":         tune.RunID,
		"currency":       tune.Currency,
		"tuning":         string(b),
		"tuning_digest":  hex.EncodeToString(sum[:]),
	} {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,digest,currency,current_m2,expected_m2,baseline,delta,breached,panic_index,transactions,unprocessed,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertLedger, _ := s.db.Prepare(`INSERT OR REPLACE INTO ledger_entries(seq,tick,kind,amount,currency,reason) VALUES(?,?,?,?,?,?)`)
	insertCommand, _ := s.db.Prepare(`INSERT OR REPLACE INTO commands(tick,command_id,kind,success,failure_reason,rollback,m2_delta) VALUES(?,?,?,?,?,?,?)`)
	insertTx, _ := s.db.Prepare(`INSERT OR REPLACE INTO transactions(tick,seq,buyer_id,seller_id,type,item_id,quantity,amount,currency) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertDeactivation, _ := s.db.Prepare(`INSERT OR REPLACE INTO deactivations(tick,agent_id) VALUES(?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,agents,ledger_entries,baseline) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertLedger, insertCommand, insertTx, insertDeactivation, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			rec := r.tick
			a := rec.Audit
			raw, _ := json.Marshal(a)
			if !exec(insertTick, int64(rec.Tick), rec.Digest, a.Currency, a.CurrentM2, a.ExpectedM2, a.Baseline,
				a.Delta, boolInt(a.ToleranceBreached), a.PanicIndex, a.Transactions, a.Unprocessed, string(raw)) {
				continue
			}
			ok := true
			for _, e := range rec.LedgerEntries {
				if ok = exec(insertLedger, int64(e.Seq), int64(e.Tick), string(e.Kind), int64(e.Amount), string(e.Currency), e.Reason); !ok {
					break
				}
			}
			for _, c := range rec.Commands {
				if !ok {
					break
				}
				ok = exec(insertCommand, int64(c.Tick), c.CommandID, c.Kind, boolInt(c.Success), c.FailureReason, boolInt(c.RollbackPerformed), c.M2Delta)
			}
			for i, t := range rec.Transactions {
				if !ok {
					break
				}
				ok = exec(insertTx, int64(rec.Tick), i, int64(t.BuyerID), int64(t.SellerID), t.Type, t.ItemID, t.Quantity, int64(t.Amount), string(t.Currency.OrDefault()))
			}
			for _, id := range rec.Deactivated {
				if !ok {
					break
				}
				ok = exec(insertDeactivation, int64(rec.Tick), int64(id))
			}

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Tick), sn.Path, sn.Agents, sn.Ledger, sn.Baseline)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
