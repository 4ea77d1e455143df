package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"macrosim.ai/internal/persistence/snapshot"
	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/command"
	"macrosim.ai/internal/sim/txn"
)

type State int32

const (
	StateIdle State = iota
	StateBuildSnapshot
	StateRunPhase
	StateDrain
	StateFinalize
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBuildSnapshot:
		return "BUILD_SNAPSHOT"
	case StateRunPhase:
		return "RUN_PHASE"
	case StateDrain:
		return "DRAIN"
	case StateFinalize:
		return "FINALIZE"
	case StateAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

type Status struct {
	State     State  `json:"state"`
	Phase     int    `json:"phase"`
	PhaseName string `json:"phase_name,omitempty"`
	Tick      uint64 `json:"tick"`
}

type TickReport struct {
	Tick        uint64
	Audit       protocol.TickAudit
	Commands    []command.Result
	Processed   txn.ProcessReport
	Deactivated []agents.ID
	Digest      string
}

// Scheduler runs ticks over a World. It is driven from a single goroutine;
// State, Metrics and LastError may be read from anywhere.
type Scheduler struct {
	world  *World
	phases []Phase
	log    *slog.Logger
	tracer trace.Tracer

	processor TransactionProcessor
	resetters []FlowResetter
	bank      BankCapability
	instr     Instruments

	tickLogger   TickLogger
	auditLogger  AuditLogger
	hooks        []PersistenceHook
	observers    []func(protocol.TickAudit)
	snapshotSink chan<- snapshot.SnapshotV1

	state    atomic.Int32
	phaseIdx atomic.Int32
	metrics  atomic.Value

	lastErr atomic.Pointer[TickAbortedError]

	breaches   uint64
	aborted    uint64
	ledgerMark int
	held       inflight
}

// inflight is what buildSnapshot took out of the World's queues for the
// current tick. Reset puts back whatever the aborted tick never consumed.
type inflight struct {
	tick     uint64
	released []txn.Transaction
	commands []command.Command
}

type Option func(*Scheduler)

// WithProcessor installs the transaction phase backed by p.
func WithProcessor(p TransactionProcessor) Option { return func(s *Scheduler) { s.processor = p } }

// WithCollaborators resolves optional capabilities of business collaborators once,
// at wiring time.
func WithCollaborators(cs ...any) Option {
	return func(s *Scheduler) {
		for _, c := range cs {
			if r, ok := c.(FlowResetter); ok {
				s.resetters = append(s.resetters, r)
			}
			if b, ok := c.(BankCapability); ok && s.bank == nil {
				s.bank = b
			}
		}
	}
}

func WithBank(b BankCapability) Option { return func(s *Scheduler) { s.bank = b } }

func WithInstruments(i Instruments) Option { return func(s *Scheduler) { s.instr = i } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// NewScheduler orders phases by stage. The sovereign command phase is always
// first; the transaction phase is added when a processor is configured.
func NewScheduler(w *World, phases []Phase, opts ...Option) (*Scheduler, error) {
	if w == nil {
		return nil, errors.New("new scheduler: nil world")
	}
	s := &Scheduler{
		world:  w,
		log:    w.log,
		tracer: otel.Tracer("macrosim.ai/kernel"),
	}
	for _, o := range opts {
		o(s)
	}
	for _, p := range phases {
		if p != nil && p.Stage() == StageSovereignCommand {
			return nil, fmt.Errorf("new scheduler: phase %q: stage %s is reserved", p.Name(), StageSovereignCommand)
		}
	}
	all := []Phase{NewSovereignCommandPhase(w.service)}
	all = append(all, phases...)
	if s.processor != nil {
		all = append(all, NewTransactionPhase(s.processor))
	}
	ordered, err := orderPhases(all)
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	s.phases = ordered
	s.setState(StateIdle, -1)
	s.metrics.Store(Metrics{})
	return s, nil
}

func (s *Scheduler) SetTickLogger(l TickLogger)                     { s.tickLogger = l }
func (s *Scheduler) SetAuditLogger(l AuditLogger)                   { s.auditLogger = l }
func (s *Scheduler) SetSnapshotSink(ch chan<- snapshot.SnapshotV1)  { s.snapshotSink = ch }
func (s *Scheduler) AddHook(h PersistenceHook)                      { s.hooks = append(s.hooks, h) }
func (s *Scheduler) AddAuditObserver(fn func(a protocol.TickAudit)) { s.observers = append(s.observers, fn) }

func (s *Scheduler) World() *World { return s.world }

// PhaseNames lists the phases in execution order.
func (s *Scheduler) PhaseNames() []string {
	out := make([]string, len(s.phases))
	for i, p := range s.phases {
		out[i] = p.Name()
	}
	return out
}

func (s *Scheduler) setState(st State, phase int) {
	s.phaseIdx.Store(int32(phase))
	s.state.Store(int32(st))
}

func (s *Scheduler) State() Status {
	st := Status{
		State: State(s.state.Load()),
		Phase: int(s.phaseIdx.Load()),
		Tick:  s.world.Tick(),
	}
	if st.Phase >= 0 && st.Phase < len(s.phases) {
		st.PhaseName = s.phases[st.Phase].Name()
	}
	return st
}

// LastError returns the error that aborted the scheduler, if any.
// Safe for concurrent use.
func (s *Scheduler) LastError() error {
	if e := s.lastErr.Load(); e != nil {
		return e
	}
	return nil
}

// Reset leaves the aborted state. Tick-scoped World collections left over from
// the aborted tick are discarded. Promoted deferrals the transaction phase never
// received go back on the deferred queue, and a command batch the sovereign
// phase never applied goes back to the front of the command queue; both are
// picked up by the next tick.
func (s *Scheduler) Reset() {
	if State(s.state.Load()) != StateAborted {
		return
	}
	w := s.world
	var restored []txn.Deferred[txn.Transaction]
	if w.processed < len(s.held.released) {
		for _, tx := range s.held.released[w.processed:] {
			restored = append(restored, txn.Defer(s.held.tick-1, tx))
		}
		w.deferred = append(restored, w.deferred...)
	}
	if len(s.held.commands) > 0 {
		w.commands.Requeue(s.held.commands)
	}
	s.log.Info("scheduler reset", "tick", w.Tick(),
		"requeued_deferred", len(restored), "requeued_commands", len(s.held.commands))
	s.held = inflight{}
	w.clearTickScoped()
	s.lastErr.Store(nil)
	s.setState(StateIdle, -1)
}

// RunTick executes one full tick: build snapshot, every phase followed by a
// drain, then finalize. Any panic or structural violation aborts the tick.
func (s *Scheduler) RunTick(ctx context.Context) (TickReport, error) {
	if State(s.state.Load()) == StateAborted {
		return TickReport{}, ErrAborted
	}
	start := time.Now()
	w := s.world
	tick := w.tick.Add(1)

	ctx, span := s.tracer.Start(ctx, "kernel.tick", trace.WithAttributes(attribute.Int64("tick", int64(tick))))
	defer span.End()

	s.setState(StateBuildSnapshot, -1)
	snap := s.buildSnapshot(tick)

	var (
		deactivated []agents.ID
		timings     = make([]protocol.PhaseTiming, 0, len(s.phases))
	)
	for i, p := range s.phases {
		s.setState(StateRunPhase, i)
		phaseStart := time.Now()
		if err := s.runPhase(ctx, p, snap); err != nil {
			return TickReport{}, s.abort(ctx, span, tick, p.Name(), err)
		}
		if p.Stage() == StageSovereignCommand {
			s.held.commands = nil
		}
		timings = append(timings, protocol.PhaseTiming{
			Name:   p.Name(),
			Stage:  p.Stage().String(),
			Micros: time.Since(phaseStart).Microseconds(),
		})

		s.setState(StateDrain, i)
		name := p.Name()
		if err := guard(name, func() error { return s.drain(name, snap, &deactivated) }); err != nil {
			return TickReport{}, s.abort(ctx, span, tick, name, err)
		}
	}

	s.setState(StateFinalize, -1)
	var rep TickReport
	if err := guard("finalize", func() error {
		rep = s.finalize(ctx, tick, deactivated, timings, start)
		return nil
	}); err != nil {
		return TickReport{}, s.abort(ctx, span, tick, "finalize", err)
	}
	s.setState(StateIdle, -1)
	return rep, nil
}

func guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PhasePanic{Phase: name, Value: r}
		}
	}()
	return fn()
}

func (s *Scheduler) abort(ctx context.Context, span trace.Span, tick uint64, phase string, err error) error {
	s.aborted++
	aerr := &TickAbortedError{Tick: tick, Phase: phase, Err: err}
	s.lastErr.Store(aerr)
	s.setState(StateAborted, int(s.phaseIdx.Load()))
	span.RecordError(aerr)
	span.SetStatus(codes.Error, "tick aborted")
	s.log.Error("tick aborted", "tick", tick, "phase", phase, "err", err)
	if s.instr != nil {
		s.instr.TickAborted(ctx, tick, phase)
	}
	m := s.Metrics()
	m.State = StateAborted.String()
	m.AbortedTicks = s.aborted
	s.metrics.Store(m)
	return aerr
}

func (s *Scheduler) buildSnapshot(tick uint64) *Snapshot {
	w := s.world
	cur := w.cfg.Currency
	if !w.seeded {
		w.baseline = agents.Sum(w.agents, cur)
		w.ledger.SetExpectedM2(w.baseline, cur)
		w.seeded = true
		s.log.Info("MONEY_SUPPLY_BASELINE", "tick", tick, "baseline", w.baseline, "currency", cur)
	}
	for _, r := range s.resetters {
		r.ResetTickFlow()
	}
	s.ledgerMark = w.ledger.Len()
	released, pending := txn.Promote(w.deferred, tick)
	w.deferred = pending
	for _, tx := range released {
		tx.Tick = tick
		w.txLog = append(w.txLog, tx)
	}
	batch := w.commands.Drain(tick)
	s.held = inflight{tick: tick, released: released, commands: batch.Commands}
	return newSnapshot(w, tick, batch)
}

func (s *Scheduler) runPhase(ctx context.Context, p Phase, snap *Snapshot) error {
	ctx, span := s.tracer.Start(ctx, "kernel.phase", trace.WithAttributes(
		attribute.String("phase", p.Name()),
		attribute.String("stage", p.Stage().String()),
	))
	defer span.End()
	return guard(p.Name(), func() error {
		if out := p.Execute(ctx, snap); out != snap {
			return &StructuralViolation{Phase: p.Name()}
		}
		return nil
	})
}

// drain moves every snapshot queue into the World, clears it and syncs scalars.
// Shared references are checked by identity first; a rebound reference aborts
// the tick before anything is merged.
func (s *Scheduler) drain(phase string, snap *Snapshot, deactivated *[]agents.ID) error {
	w := s.world
	switch {
	case snap.Agents != w.agents:
		return &ReassignmentViolation{Phase: phase, Field: "Agents"}
	case snap.Ledger != w.ledger:
		return &ReassignmentViolation{Phase: phase, Field: "Ledger"}
	case snap.Settlement != w.settle:
		return &ReassignmentViolation{Phase: phase, Field: "Settlement"}
	case snap.Params != w.params:
		return &ReassignmentViolation{Phase: phase, Field: "Params"}
	}

	w.txLog = append(w.txLog, snap.transactions...)
	w.effects = append(w.effects, snap.effects...)
	w.deferred = append(w.deferred, snap.deferrals...)
	for _, id := range snap.deactivated {
		if _, done := w.inactive[id]; done {
			continue
		}
		w.inactive[id] = snap.Tick
		*deactivated = append(*deactivated, id)
	}
	w.commandResults = append(w.commandResults, snap.results...)
	w.report.Handled += snap.report.Handled
	w.report.Symbolic += snap.report.Symbolic
	w.report.Unhandled += snap.report.Unhandled
	w.report.Failed += snap.report.Failed

	w.nextAgentID = snap.nextAgentID
	w.processed = snap.processed
	w.baseline += snap.baselineDelta

	snap.transactions = nil
	snap.effects = nil
	snap.deferrals = nil
	snap.deactivated = nil
	snap.results = nil
	snap.report = txn.ProcessReport{}
	snap.baselineDelta = 0
	return nil
}

func (s *Scheduler) finalize(ctx context.Context, tick uint64, deactivated []agents.ID, timings []protocol.PhaseTiming, start time.Time) TickReport {
	w := s.world
	cur := w.cfg.Currency

	w.ledger.ProcessTransactions(w.txLog)
	expected := w.ledger.ExpectedM2(cur)
	obs := w.settle.AuditTotalM2(expected)
	if obs.Breached {
		s.breaches++
		s.log.Warn("MONEY_SUPPLY_CHECK",
			"tick", tick, "current", obs.Current, "expected", obs.Expected,
			"delta", obs.Delta, "tolerance", obs.Tolerance)
	} else {
		s.log.Info("MONEY_SUPPLY_CHECK",
			"tick", tick, "current", obs.Current, "expected", obs.Expected,
			"delta", obs.Delta, "m2", humanize.Comma(int64(obs.Current)))
	}

	panicIndex := 0.0
	if s.bank != nil {
		withdrawals, deposits := s.bank.TickFlows()
		if deposits > 0 {
			panicIndex = float64(withdrawals) / float64(deposits)
		}
		if panicIndex > 1 {
			panicIndex = 1
		}
	}

	unprocessed := 0
	if s.processor != nil {
		unprocessed = len(w.txLog) - w.processed
		if unprocessed > 0 {
			s.log.Warn("transactions queued after processing", "tick", tick, "count", unprocessed)
		}
	}

	digest := w.stateDigest(tick)

	results := append([]command.Result(nil), w.commandResults...)
	records := make([]protocol.CommandResult, len(results))
	for i, r := range results {
		records[i] = r.Record(tick)
		if s.instr != nil {
			s.instr.CommandApplied(ctx, records[i])
		}
	}

	audit := protocol.TickAudit{
		Type:              protocol.TypeTickAudit,
		ProtocolVersion:   protocol.Version,
		Tick:              tick,
		Currency:          string(cur),
		CurrentM2:         int64(obs.Current),
		ExpectedM2:        int64(obs.Expected),
		Baseline:          int64(w.baseline),
		Delta:             int64(obs.Delta),
		Tolerance:         int64(obs.Tolerance),
		ToleranceBreached: obs.Breached,
		PanicIndex:        panicIndex,
		Digest:            digest,
		Transactions:      len(w.txLog),
		Unprocessed:       unprocessed,
		Commands:          records,
		Phases:            timings,
	}
	rec := TickRecord{
		Tick:          tick,
		Audit:         audit,
		Transactions:  append([]txn.Transaction(nil), w.txLog...),
		Effects:       append([]txn.Effect(nil), w.effects...),
		Commands:      records,
		LedgerEntries: w.ledger.EntriesSince(uint64(s.ledgerMark)),
		Deactivated:   deactivated,
		Digest:        digest,
	}

	if s.tickLogger != nil {
		if err := s.tickLogger.WriteTick(rec); err != nil {
			s.log.Warn("tick log write failed", "tick", tick, "err", err)
		}
	}
	if s.auditLogger != nil {
		if err := s.auditLogger.WriteAudit(audit); err != nil {
			s.log.Warn("audit log write failed", "tick", tick, "err", err)
		}
	}
	for _, h := range s.hooks {
		if err := h.RecordTick(rec); err != nil {
			s.log.Warn("persistence hook failed", "tick", tick, "err", err)
		}
	}
	for _, fn := range s.observers {
		fn(audit)
	}

	report := TickReport{
		Tick:        tick,
		Audit:       audit,
		Commands:    results,
		Processed:   w.report,
		Deactivated: deactivated,
		Digest:      digest,
	}

	w.clearTickScoped()
	w.baseline = expected
	s.held = inflight{}

	// Snapshot every N ticks, taken after the tick-scoped state is cleared.
	if s.snapshotSink != nil && w.cfg.SnapshotEveryTicks > 0 && tick%uint64(w.cfg.SnapshotEveryTicks) == 0 {
		select {
		case s.snapshotSink <- w.ExportSnapshot():
		default:
			s.log.Warn("snapshot sink full, dropping snapshot", "tick", tick)
		}
	}

	elapsed := time.Since(start)
	if s.instr != nil {
		s.instr.TickFinalized(ctx, audit, elapsed)
	}
	s.metrics.Store(Metrics{
		Tick:              tick,
		State:             StateIdle.String(),
		Baseline:          int64(w.baseline),
		CurrentM2:         audit.CurrentM2,
		ExpectedM2:        audit.ExpectedM2,
		Delta:             audit.Delta,
		ToleranceBreached: audit.ToleranceBreached,
		Breaches:          s.breaches,
		AbortedTicks:      s.aborted,
		PanicIndex:        panicIndex,
		QueueDepth:        w.commands.Len(),
		DeferredDepth:     len(w.deferred),
		Agents:            w.agents.Len(),
		Inactive:          len(w.inactive),
		StepMS:            float64(elapsed.Microseconds()) / 1000.0,
		Digest:            digest,
	})
	return report
}
