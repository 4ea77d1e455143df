package indexdb

import (
	"context"

	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/ledger"
	"macrosim.ai/internal/sim/money"
)

type TickRow struct {
	Tick       uint64  `json:"tick"`
	Digest     string  `json:"digest"`
	CurrentM2  int64   `json:"current_m2"`
	ExpectedM2 int64   `json:"expected_m2"`
	Delta      int64   `json:"delta"`
	Breached   bool    `json:"breached"`
	PanicIndex float64 `json:"panic_index"`
}

// LedgerEntries returns entries recorded in ticks [from, to], in sequence order.
func (s *SQLiteIndex) LedgerEntries(ctx context.Context, from, to uint64) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq,tick,kind,amount,currency,reason FROM ledger_entries WHERE tick BETWEEN ? AND ? ORDER BY seq`,
		int64(from), int64(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Entry
	for rows.Next() {
		var (
			e        ledger.Entry
			seq      int64
			tick     int64
			kind     string
			amount   int64
			currency string
		)
		if err := rows.Scan(&seq, &tick, &kind, &amount, &currency, &e.Reason); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Tick = uint64(tick)
		e.Kind = ledger.Kind(kind)
		e.Amount = money.Pennies(amount)
		e.Currency = money.Currency(currency)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Breaches lists the most recent ticks whose audit exceeded tolerance.
func (s *SQLiteIndex) Breaches(ctx context.Context, limit int) ([]TickRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tick,digest,current_m2,expected_m2,delta,breached,panic_index FROM ticks WHERE breached=1 ORDER BY tick DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TickRow
	for rows.Next() {
		var (
			r        TickRow
			tick     int64
			breached int
		)
		if err := rows.Scan(&tick, &r.Digest, &r.CurrentM2, &r.ExpectedM2, &r.Delta, &breached, &r.PanicIndex); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		r.Breached = breached != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Commands(ctx context.Context, tick uint64) ([]protocol.CommandResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT command_id,kind,success,COALESCE(failure_reason,''),rollback,m2_delta FROM commands WHERE tick=? ORDER BY rowid`,
		int64(tick))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []protocol.CommandResult
	for rows.Next() {
		var (
			c                 protocol.CommandResult
			success, rollback int
		)
		if err := rows.Scan(&c.CommandID, &c.Kind, &success, &c.FailureReason, &rollback, &c.M2Delta); err != nil {
			return nil, err
		}
		c.Tick = tick
		c.Success = success != 0
		c.RollbackPerformed = rollback != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransactionCount counts indexed transactions of a type, or all types when typ is empty.
func (s *SQLiteIndex) TransactionCount(ctx context.Context, typ string) (int, error) {
	var n int
	var err error
	if typ == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE type=?`, typ).Scan(&n)
	}
	return n, err
}

func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	return v, err
}
