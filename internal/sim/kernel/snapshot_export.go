package kernel

import (
	"fmt"
	"log/slog"
	"sort"

	"macrosim.ai/internal/persistence/snapshot"
	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/command"
	"macrosim.ai/internal/sim/ledger"
	"macrosim.ai/internal/sim/money"
	"macrosim.ai/internal/sim/settlement"
	"macrosim.ai/internal/sim/txn"
)

// ExportSnapshot captures the World at a tick boundary. Only *agents.Account
// agents are exported; other registry implementations own their persistence.
func (w *World) ExportSnapshot() snapshot.SnapshotV1 {
	tick := w.tick.Load()
	out := snapshot.SnapshotV1{
		Header:      snapshot.Header{Version: snapshot.Version, RunID: w.cfg.RunID, Tick: tick},
		Currency:    string(w.cfg.Currency),
		Authority:   int64(w.cfg.Authority),
		Seeded:      w.seeded,
		Baseline:    int64(w.baseline),
		Expected:    map[string]int64{},
		NextAgentID: int64(w.nextAgentID),
		Params:      w.params.Values(),
	}
	for c, v := range w.ledger.Expected() {
		out.Expected[string(c)] = int64(v)
	}
	w.agents.Range(func(a agents.FinancialAgent) bool {
		acc, ok := a.(*agents.Account)
		if !ok {
			w.log.Warn("snapshot: skipping non-account agent", "agent", a.ID())
			return true
		}
		av := snapshot.AgentV1{ID: int64(acc.ID()), Kind: string(acc.Kind), Name: acc.Name, Balances: map[string]int64{}}
		for c, v := range acc.Balances() {
			av.Balances[string(c)] = int64(v)
		}
		out.Agents = append(out.Agents, av)
		return true
	})
	for id, t := range w.inactive {
		out.Inactive = append(out.Inactive, snapshot.InactiveV1{ID: int64(id), Tick: t})
	}
	sort.Slice(out.Inactive, func(i, j int) bool { return out.Inactive[i].ID < out.Inactive[j].ID })
	for _, e := range w.ledger.Entries() {
		out.Ledger = append(out.Ledger, snapshot.LedgerEntryV1{
			Seq: e.Seq, Tick: e.Tick, Kind: string(e.Kind), Amount: int64(e.Amount),
			Currency: string(e.Currency), Reason: e.Reason,
		})
	}
	for _, d := range w.deferred {
		tx, _ := d.Release(d.Due())
		out.Deferred = append(out.Deferred, snapshot.DeferredV1{
			Due: d.Due(), BuyerID: int64(tx.BuyerID), SellerID: int64(tx.SellerID), ItemID: tx.ItemID,
			Quantity: tx.Quantity, Amount: int64(tx.Amount), Currency: string(tx.Currency),
			Type: tx.Type, Tick: tx.Tick, Metadata: tx.Metadata,
		})
	}
	for _, e := range w.settle.Estates() {
		out.Estates = append(out.Estates, snapshot.EstateV1{
			ID: e.ID, Deceased: int64(e.Deceased), Currency: string(e.Currency), OpenedTick: e.OpenedTick,
			Escrow: int64(e.Escrow), Distributed: int64(e.Distributed), Leaked: int64(e.Leaked),
			Skipped: e.Skipped, Status: string(e.Status),
		})
	}
	for _, l := range w.settle.Liquidations() {
		out.Liquidations = append(out.Liquidations, snapshot.LiquidationV1{
			Agent: int64(l.Agent), Tick: l.Tick, Inventory: int64(l.Inventory), Capital: int64(l.Capital),
			Recovered: int64(l.Recovered), Loss: int64(l.Loss), Escheated: int64(l.Escheated), Reason: l.Reason,
		})
	}
	return out
}

// RestoreWorld rebuilds a World from a snapshot. Parameter values from the
// snapshot override the defaults in params.
func RestoreWorld(cfg WorldConfig, snap snapshot.SnapshotV1, params *command.Params, logger *slog.Logger) (*World, error) {
	if snap.Currency != "" {
		cfg.Currency = money.Currency(snap.Currency)
	}
	cfg.Authority = agents.ID(snap.Authority)
	if snap.Header.RunID != "" {
		cfg.RunID = snap.Header.RunID
	}

	book := agents.NewBook()
	for _, av := range snap.Agents {
		acc := agents.NewAccount(agents.ID(av.ID), agents.Kind(av.Kind), av.Name)
		for c, v := range av.Balances {
			acc.SetBalance(money.Currency(c), money.Pennies(v))
		}
		if err := book.Add(acc); err != nil {
			return nil, fmt.Errorf("restore: %w", err)
		}
	}
	for k, v := range snap.Params {
		if _, err := params.Set(k, v); err != nil {
			return nil, fmt.Errorf("restore param: %w", err)
		}
	}

	w, err := NewWorld(cfg, book, params, logger)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	w.tick.Store(snap.Header.Tick)
	w.seeded = snap.Seeded
	w.baseline = money.Pennies(snap.Baseline)
	if snap.NextAgentID > int64(w.nextAgentID) {
		w.nextAgentID = agents.ID(snap.NextAgentID)
	}
	for _, in := range snap.Inactive {
		w.inactive[agents.ID(in.ID)] = in.Tick
	}

	entries := make([]ledger.Entry, len(snap.Ledger))
	for i, e := range snap.Ledger {
		entries[i] = ledger.Entry{
			Seq: e.Seq, Tick: e.Tick, Kind: ledger.Kind(e.Kind), Amount: money.Pennies(e.Amount),
			Currency: money.Currency(e.Currency), Reason: e.Reason,
		}
	}
	expected := map[money.Currency]money.Pennies{}
	for c, v := range snap.Expected {
		expected[money.Currency(c)] = money.Pennies(v)
	}
	w.ledger.Restore(entries, expected)

	for _, d := range snap.Deferred {
		tx := txn.Transaction{
			BuyerID: agents.ID(d.BuyerID), SellerID: agents.ID(d.SellerID), ItemID: d.ItemID,
			Quantity: d.Quantity, Amount: money.Pennies(d.Amount), Currency: money.Currency(d.Currency),
			Type: d.Type, Tick: d.Tick, Metadata: d.Metadata,
		}
		// Due is always one tick after the deferral.
		w.deferred = append(w.deferred, txn.Defer(d.Due-1, tx))
	}

	estates := make([]settlement.Estate, len(snap.Estates))
	for i, e := range snap.Estates {
		estates[i] = settlement.Estate{
			ID: e.ID, Deceased: agents.ID(e.Deceased), Currency: money.Currency(e.Currency), OpenedTick: e.OpenedTick,
			Escrow: money.Pennies(e.Escrow), Distributed: money.Pennies(e.Distributed), Leaked: money.Pennies(e.Leaked),
			Skipped: e.Skipped, Status: settlement.EstateStatus(e.Status),
		}
	}
	liqs := make([]settlement.Liquidation, len(snap.Liquidations))
	for i, l := range snap.Liquidations {
		liqs[i] = settlement.Liquidation{
			Agent: agents.ID(l.Agent), Tick: l.Tick, Inventory: money.Pennies(l.Inventory), Capital: money.Pennies(l.Capital),
			Recovered: money.Pennies(l.Recovered), Loss: money.Pennies(l.Loss), Escheated: money.Pennies(l.Escheated), Reason: l.Reason,
		}
	}
	w.settle.RestoreEstates(estates, liqs)
	return w, nil
}
