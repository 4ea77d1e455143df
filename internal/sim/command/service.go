package command

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/money"
	"macrosim.ai/internal/sim/settlement"
)

const (
	ReasonAuditFailed  = "M2 Integrity Audit Failed"
	ReasonBatchAborted = "batch_aborted"
	ReasonRollback     = "GodMode_Rollback"
)

type Result struct {
	CommandID         uuid.UUID     `json:"command_id"`
	Kind              string        `json:"kind"`
	Success           bool          `json:"success"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	RollbackPerformed bool          `json:"rollback_performed"`
	M2Delta           money.Pennies `json:"m2_delta"`
}

func (r Result) Record(tick uint64) protocol.CommandResult {
	return protocol.CommandResult{
		CommandID:         r.CommandID.String(),
		Kind:              r.Kind,
		Tick:              tick,
		Success:           r.Success,
		FailureReason:     r.FailureReason,
		RollbackPerformed: r.RollbackPerformed,
		M2Delta:           int64(r.M2Delta),
	}
}

// BatchOutcome: Delta is the reporting-currency money supply change. The caller
// advances its baseline by Delta only when Committed.
type BatchOutcome struct {
	Results   []Result
	Committed bool
	Delta     money.Pennies
	Audit     *settlement.Observation
}

// Service applies command batches through settlement, all or nothing.
type Service struct {
	settle *settlement.System
	params *Params
	log    *slog.Logger
}

func NewService(settle *settlement.System, params *Params, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{settle: settle, params: params, log: logger}
}

func (s *Service) Params() *Params { return s.params }

// ExecuteBatch runs in two phases. The dry run checks every command against a
// projected view of balances and parameters; any failure rejects the whole batch
// with nothing applied. The commit phase applies in order and records a
// compensation per command; a commit-time failure or a post-commit M2 audit breach
// (expected = baseline + delta) unwinds them in reverse.
func (s *Service) ExecuteBatch(ctx context.Context, batch Batch, baseline money.Pennies) BatchOutcome {
	if batch.Len() == 0 {
		return BatchOutcome{}
	}
	_, span := otel.Tracer("macrosim.ai/kernel").Start(ctx, "command.batch")
	defer span.End()
	span.SetAttributes(attribute.Int64("tick", int64(batch.Tick)), attribute.Int("commands", batch.Len()))

	results := make([]Result, batch.Len())
	for i, c := range batch.Commands {
		results[i] = Result{CommandID: c.ID(), Kind: c.Kind()}
	}

	if idx, reason := s.dryRun(batch); idx >= 0 {
		for i := range results {
			results[i].FailureReason = ReasonBatchAborted
		}
		results[idx].FailureReason = reason
		s.log.Warn("command batch rejected", "tick", batch.Tick, "command_id", results[idx].CommandID, "reason", reason)
		span.SetStatus(codes.Error, reason)
		return BatchOutcome{Results: results}
	}

	var (
		undo  []func()
		delta money.Pennies
	)
	// A panic mid-commit unwinds what was applied before it propagates, so the
	// batch can be retried as a whole.
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("command batch panicked, compensating", "tick", batch.Tick, "applied", len(undo))
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
			panic(r)
		}
	}()
	unwind := func(reason string) BatchOutcome {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		undo = nil
		for i := range results {
			results[i].Success = false
			results[i].RollbackPerformed = true
			if results[i].FailureReason == "" {
				results[i].FailureReason = reason
			}
		}
		span.SetStatus(codes.Error, reason)
		return BatchOutcome{Results: results}
	}

	for i, c := range batch.Commands {
		u, d, r := s.apply(c, batch.Tick)
		if !r.OK {
			results[i].FailureReason = string(r.Reason)
			s.log.Warn("command commit failed, compensating", "tick", batch.Tick, "command_id", c.ID(), "reason", r.Reason)
			return unwind(ReasonBatchAborted)
		}
		if u != nil {
			undo = append(undo, u)
		}
		results[i].Success = true
		results[i].M2Delta = d
		delta += d
	}

	obs := s.settle.AuditTotalM2(baseline + delta)
	if obs.Breached {
		s.log.Warn("command batch breached M2 audit, compensating",
			"tick", batch.Tick, "expected", obs.Expected, "current", obs.Current, "delta", obs.Delta)
		out := unwind(ReasonAuditFailed)
		for i := range out.Results {
			out.Results[i].FailureReason = ReasonAuditFailed
		}
		out.Audit = &obs
		return out
	}

	for _, r := range results {
		s.log.Info("command applied", "tick", batch.Tick, "command_id", r.CommandID, "kind", r.Kind, "m2_delta", r.M2Delta)
	}
	return BatchOutcome{Results: results, Committed: true, Delta: delta, Audit: &obs}
}

func (s *Service) apply(c Command, tick uint64) (undo func(), delta money.Pennies, r settlement.Result) {
	rep := s.settle.Currency()
	switch c := c.(type) {
	case Transfer:
		r = s.settle.Transfer(c.Source, []settlement.Split{{Target: c.Target, Amount: c.Amount, Memo: c.Reason}}, c.Currency, tick)
		if !r.OK {
			return nil, 0, r
		}
		return func() {
			if rr := s.settle.Transfer(c.Target, []settlement.Split{{Target: c.Source, Amount: c.Amount, Memo: ReasonRollback}}, c.Currency, tick); !rr.OK {
				s.log.Error("transfer compensation failed", "tick", tick, "command_id", c.CmdID, "reason", rr.Reason)
			}
		}, 0, r

	case LedgerMutation:
		cur := c.Currency.OrDefault()
		if c.Amount > 0 {
			r = s.settle.Mint(c.Target, c.Amount, cur, tick, c.Reason)
			if !r.OK {
				return nil, 0, r
			}
			undo = func() {
				if rr := s.settle.Destroy(c.Target, c.Amount, cur, tick, ReasonRollback); !rr.OK {
					s.log.Error("mint compensation failed", "tick", tick, "command_id", c.CmdID, "reason", rr.Reason)
				}
			}
		} else {
			amt := c.Amount.Abs()
			r = s.settle.Destroy(c.Target, amt, cur, tick, c.Reason)
			if !r.OK {
				return nil, 0, r
			}
			undo = func() {
				if rr := s.settle.Mint(c.Target, amt, cur, tick, ReasonRollback); !rr.OK {
					s.log.Error("destroy compensation failed", "tick", tick, "command_id", c.CmdID, "reason", rr.Reason)
				}
			}
		}
		if cur == rep {
			delta = c.Amount
		}
		return undo, delta, r

	case ParamChange:
		u, err := s.params.Set(c.Key, c.Value)
		if err != nil {
			return nil, 0, settlement.Result{Reason: settlement.Reason(protocol.ErrOutOfRange)}
		}
		s.log.Info("param set", "tick", tick, "command_id", c.CmdID, "key", c.Key, "value", c.Value)
		return u, 0, settlement.Result{OK: true}
	}
	return nil, 0, settlement.Result{Reason: settlement.Reason(protocol.ErrUnknownType)}
}

type balanceKey struct {
	id  agents.ID
	cur money.Currency
}

// projection is a read-only overlay used by the dry run.
type projection struct {
	reg       agents.Registry
	authority agents.ID
	balances  map[balanceKey]money.Pennies
}

func (p *projection) balance(id agents.ID, cur money.Currency) (money.Pennies, bool) {
	k := balanceKey{id, cur}
	if v, ok := p.balances[k]; ok {
		return v, true
	}
	a, ok := p.reg.Resolve(id)
	if !ok {
		return 0, false
	}
	v := a.Balance(cur)
	p.balances[k] = v
	return v, true
}

func (p *projection) debit(id agents.ID, amt money.Pennies, cur money.Currency) settlement.Reason {
	v, ok := p.balance(id, cur)
	if !ok {
		return settlement.ReasonAgentNotFound
	}
	if id != p.authority && v < amt {
		return settlement.ReasonInsufficientFunds
	}
	next, ok := v.Sub(amt)
	if !ok {
		return settlement.ReasonInvalidAmount
	}
	p.balances[balanceKey{id, cur}] = next
	return ""
}

func (p *projection) credit(id agents.ID, amt money.Pennies, cur money.Currency) settlement.Reason {
	v, ok := p.balance(id, cur)
	if !ok {
		return settlement.ReasonAgentNotFound
	}
	next, ok := v.Add(amt)
	if !ok {
		return settlement.ReasonInvalidAmount
	}
	p.balances[balanceKey{id, cur}] = next
	return ""
}

// dryRun returns the index and reason of the first command that would fail, or -1.
// Only the monetary authority is assumed able to overdraw.
func (s *Service) dryRun(batch Batch) (int, string) {
	p := &projection{
		reg:       s.settle.Registry(),
		authority: s.settle.Authority(),
		balances:  map[balanceKey]money.Pennies{},
	}
	for i, c := range batch.Commands {
		if err := Validate(c, s.params); err != nil {
			return i, err.Error()
		}
		var reason settlement.Reason
		switch c := c.(type) {
		case Transfer:
			cur := c.Currency.OrDefault()
			if _, ok := p.balance(c.Target, cur); !ok {
				reason = settlement.ReasonAgentNotFound
				break
			}
			if reason = p.debit(c.Source, c.Amount, cur); reason == "" {
				reason = p.credit(c.Target, c.Amount, cur)
			}
		case LedgerMutation:
			cur := c.Currency.OrDefault()
			if c.Amount > 0 {
				reason = p.credit(c.Target, c.Amount, cur)
			} else {
				reason = p.debit(c.Target, c.Amount.Abs(), cur)
			}
		case ParamChange:
			// bounds already checked by Validate
		case Control:
			reason = settlement.Reason(protocol.ErrBadRequest)
		}
		if reason != "" {
			return i, string(reason)
		}
	}
	return -1, ""
}
