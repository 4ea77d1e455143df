package kernel

import (
	"context"

	"macrosim.ai/internal/sim/command"
	"macrosim.ai/internal/sim/txn"
)

const (
	SovereignCommandPhaseName = "sovereign_command"
	TransactionPhaseName      = "transactions"
)

// SovereignCommandPhase applies the tick's command batch before any business phase.
type SovereignCommandPhase struct {
	svc *command.Service
}

func NewSovereignCommandPhase(svc *command.Service) *SovereignCommandPhase {
	return &SovereignCommandPhase{svc: svc}
}

func (*SovereignCommandPhase) Name() string { return SovereignCommandPhaseName }
func (*SovereignCommandPhase) Stage() Stage { return StageSovereignCommand }

func (p *SovereignCommandPhase) Execute(ctx context.Context, snap *Snapshot) *Snapshot {
	if snap.batch.Len() == 0 {
		return snap
	}
	out := p.svc.ExecuteBatch(ctx, snap.batch, snap.Baseline())
	snap.results = append(snap.results, out.Results...)
	if out.Committed {
		snap.baselineDelta += out.Delta
	}
	return snap
}

// TransactionPhase hands every logged transaction not yet processed to the
// processor, once per tick. Transactions queued by later phases are reported as
// unprocessed at finalize.
type TransactionPhase struct {
	proc TransactionProcessor
}

func NewTransactionPhase(proc TransactionProcessor) *TransactionPhase {
	return &TransactionPhase{proc: proc}
}

func (*TransactionPhase) Name() string { return TransactionPhaseName }
func (*TransactionPhase) Stage() Stage { return StageSettlement }

func (p *TransactionPhase) Execute(ctx context.Context, snap *Snapshot) *Snapshot {
	log := snap.world.txLog
	if snap.processed >= len(log) {
		return snap
	}
	pending := append([]txn.Transaction(nil), log[snap.processed:]...)
	snap.processed = len(log)
	rep := p.proc.Process(ctx, snap.Tick, pending)
	snap.report.Handled += rep.Handled
	snap.report.Symbolic += rep.Symbolic
	snap.report.Unhandled += rep.Unhandled
	snap.report.Failed += rep.Failed
	return snap
}
