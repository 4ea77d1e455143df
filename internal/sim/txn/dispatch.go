package txn

import (
	"context"
	"log/slog"
)

// Handler applies one business-specific transaction type.
// A returned error is a local failure: it is counted and logged, never propagated.
type Handler interface {
	Handle(ctx context.Context, tx Transaction) error
}

type HandlerFunc func(ctx context.Context, tx Transaction) error

func (f HandlerFunc) Handle(ctx context.Context, tx Transaction) error { return f(ctx, tx) }

type ProcessReport struct {
	Handled   int `json:"handled"`
	Symbolic  int `json:"symbolic"`
	Unhandled int `json:"unhandled"`
	Failed    int `json:"failed"`
}

// Dispatcher routes transactions to handlers keyed by type.
type Dispatcher struct {
	handlers map[string]Handler
	fallback Handler
	log      *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handlers: map[string]Handler{}, log: logger}
}

func (d *Dispatcher) Register(txType string, h Handler) { d.handlers[txType] = h }

// SetDefault installs the handler used when no type-specific handler matches.
func (d *Dispatcher) SetDefault(h Handler) { d.fallback = h }

func isSymbolic(txType string) bool {
	switch txType {
	case TypeCreditCreation, TypeCreditDestruction, TypeMoneyCreation, TypeMoneyDestruction:
		return true
	}
	return false
}

func (d *Dispatcher) Process(ctx context.Context, tick uint64, txs []Transaction) ProcessReport {
	var rep ProcessReport
	for _, tx := range txs {
		h := d.handlers[tx.Type]
		if h == nil {
			// Monetary markers are settled at creation time; the ledger folds them at finalize.
			if isSymbolic(tx.Type) {
				rep.Symbolic++
				continue
			}
			h = d.fallback
		}
		if h == nil {
			rep.Unhandled++
			d.log.Warn("no handler for transaction type", "tick", tick, "type", tx.Type)
			continue
		}
		if err := h.Handle(ctx, tx); err != nil {
			rep.Failed++
			d.log.Warn("transaction handler failed", "tick", tick, "type", tx.Type, "buyer", tx.BuyerID, "seller", tx.SellerID, "err", err)
			continue
		}
		rep.Handled++
	}
	return rep
}
