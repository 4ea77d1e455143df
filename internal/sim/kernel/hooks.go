package kernel

import (
	"context"
	"time"

	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/ledger"
	"macrosim.ai/internal/sim/money"
	"macrosim.ai/internal/sim/txn"
)

// FlowResetter is implemented by collaborators that keep per-tick flow counters.
type FlowResetter interface {
	ResetTickFlow()
}

// BankCapability exposes the banking sector's flows for the panic index:
// withdrawals made this tick and the total deposit stock. The index is
// withdrawals/deposits clamped to 1, and 0 when there are no deposits.
type BankCapability interface {
	TickFlows() (withdrawals, deposits money.Pennies)
}

// TransactionProcessor applies the business meaning of logged transactions.
type TransactionProcessor interface {
	Process(ctx context.Context, tick uint64, txs []txn.Transaction) txn.ProcessReport
}

// TickRecord is everything a finalized tick produced.
type TickRecord struct {
	Tick          uint64                   `json:"tick"`
	Audit         protocol.TickAudit       `json:"audit"`
	Transactions  []txn.Transaction        `json:"transactions"`
	Effects       []txn.Effect             `json:"effects,omitempty"`
	Commands      []protocol.CommandResult `json:"commands,omitempty"`
	LedgerEntries []ledger.Entry           `json:"ledger,omitempty"`
	Deactivated   []agents.ID              `json:"deactivated,omitempty"`
	Digest        string                   `json:"digest"`
}

type TickLogger interface {
	WriteTick(rec TickRecord) error
}

type AuditLogger interface {
	WriteAudit(a protocol.TickAudit) error
}

// PersistenceHook receives every finalized tick, e.g. for a read-model index.
type PersistenceHook interface {
	RecordTick(rec TickRecord) error
}

// Instruments receives kernel measurements. Implementations must not block.
type Instruments interface {
	TickFinalized(ctx context.Context, a protocol.TickAudit, elapsed time.Duration)
	TickAborted(ctx context.Context, tick uint64, phase string)
	CommandApplied(ctx context.Context, r protocol.CommandResult)
}
