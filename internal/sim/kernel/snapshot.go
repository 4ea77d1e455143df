package kernel

import (
	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/command"
	"macrosim.ai/internal/sim/ledger"
	"macrosim.ai/internal/sim/money"
	"macrosim.ai/internal/sim/settlement"
	"macrosim.ai/internal/sim/txn"
)

// Snapshot is the per-tick view handed to phases.
//
// The exported references point into the World and must never be rebound; the
// scheduler checks them by identity after every phase. The queues are owned by
// the snapshot and reachable only through methods, so a phase can append to them
// but never replace them. Everything queued is moved into the World by the drain
// that follows the phase.
type Snapshot struct {
	Tick       uint64
	Currency   money.Currency
	Agents     *agents.Book
	Ledger     *ledger.Ledger
	Settlement *settlement.System
	Params     *command.Params

	world *World

	transactions  []txn.Transaction
	effects       []txn.Effect
	deferrals     []txn.Deferred[txn.Transaction]
	deactivated   []agents.ID
	nextAgentID   agents.ID
	baselineDelta money.Pennies
	processed     int
	report        txn.ProcessReport

	batch   command.Batch
	results []command.Result
}

func newSnapshot(w *World, tick uint64, batch command.Batch) *Snapshot {
	return &Snapshot{
		Tick:        tick,
		Currency:    w.cfg.Currency,
		Agents:      w.agents,
		Ledger:      w.ledger,
		Settlement:  w.settle,
		Params:      w.params,
		world:       w,
		nextAgentID: w.nextAgentID,
		processed:   w.processed,
		batch:       batch,
	}
}

// QueueTransaction records tx in this tick's log. Tick defaults to the current tick.
func (s *Snapshot) QueueTransaction(tx txn.Transaction) {
	if tx.Tick == 0 {
		tx.Tick = s.Tick
	}
	s.transactions = append(s.transactions, tx)
}

func (s *Snapshot) QueueEffect(e txn.Effect) {
	if e.Tick == 0 {
		e.Tick = s.Tick
	}
	s.effects = append(s.effects, e)
}

// Defer schedules tx for the next tick. It cannot be observed by this tick.
func (s *Snapshot) Defer(tx txn.Transaction) {
	s.deferrals = append(s.deferrals, txn.Defer(s.Tick, tx))
}

// Deactivate marks an agent inactive from the next drain on. Its balances stay
// in the registry so the money supply is unaffected.
func (s *Snapshot) Deactivate(id agents.ID) {
	s.deactivated = append(s.deactivated, id)
}

func (s *Snapshot) AllocAgentID() agents.ID {
	id := s.nextAgentID
	s.nextAgentID++
	return id
}

func (s *Snapshot) IsActive(id agents.ID) bool { return s.world.IsActive(id) }

// Baseline is the money supply the tick started from, plus committed command deltas.
func (s *Snapshot) Baseline() money.Pennies { return s.world.baseline + s.baselineDelta }

// Committed returns a copy of the transactions already drained into the World this tick.
func (s *Snapshot) Committed() []txn.Transaction { return s.world.TransactionLog() }

// Batch is the command batch drained for this tick.
func (s *Snapshot) Batch() command.Batch { return s.batch }

// CommandResults returns the results of this tick's command batch.
func (s *Snapshot) CommandResults() []command.Result {
	out := append([]command.Result(nil), s.world.commandResults...)
	return append(out, s.results...)
}

// Pending reports how many items each queue holds; zero after a drain.
func (s *Snapshot) Pending() (transactions, effects, deferrals, deactivated int) {
	return len(s.transactions), len(s.effects), len(s.deferrals), len(s.deactivated)
}
