package settlement

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/ledger"
	"macrosim.ai/internal/sim/money"
	"macrosim.ai/internal/sim/txn"
)

type Reason string

const (
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonAgentNotFound     Reason = "agent_not_found"
	ReasonInvalidAmount     Reason = "invalid_amount"
	ReasonDepositFailed     Reason = "deposit_failed"
	ReasonNotAuthority      Reason = "not_authority"
	ReasonLedger            Reason = "ledger_rejected"
)

// Result reports a settlement call. A failed call has changed nothing.
type Result struct {
	OK     bool   `json:"ok"`
	Reason Reason `json:"reason,omitempty"`
}

func ok() Result                { return Result{OK: true} }
func fail(r Reason) Result      { return Result{Reason: r} }
func (r Result) Error() string { return string(r.Reason) }
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return r
}

type Split struct {
	Target agents.ID     `json:"target"`
	Amount money.Pennies `json:"amount"`
	Memo   string        `json:"memo,omitempty"`
}

// Observation is the outcome of a conservation audit. A breach is data, never an error.
type Observation struct {
	Current   money.Pennies `json:"current_m2"`
	Expected  money.Pennies `json:"expected_m2"`
	Delta     money.Pennies `json:"delta"`
	Tolerance money.Pennies `json:"tolerance"`
	Breached  bool          `json:"tolerance_breached"`
}

type Tolerance struct {
	MinPennies money.Pennies
	Ratio      float64
}

var DefaultTolerance = Tolerance{MinPennies: 10, Ratio: 0.001}

// For returns max(MinPennies, |expected| * Ratio).
func (t Tolerance) For(expected money.Pennies) money.Pennies {
	scaled := money.Pennies(float64(expected.Abs()) * t.Ratio)
	if scaled > t.MinPennies {
		return scaled
	}
	return t.MinPennies
}

// System is the only component allowed to mutate balances.
// It holds a lookup capability over agents, never ownership.
type System struct {
	reg       agents.Registry
	ledger    *ledger.Ledger
	authority agents.ID
	currency  money.Currency
	tol       Tolerance
	log       *slog.Logger

	breaches metric.Int64Counter

	estates      map[uint64]*Estate
	nextEstate   uint64
	liquidations []Liquidation
}

type Option func(*System)

func WithLogger(l *slog.Logger) Option {
	return func(s *System) {
		if l != nil {
			s.log = l
		}
	}
}

func WithTolerance(t Tolerance) Option { return func(s *System) { s.tol = t } }

func WithCurrency(c money.Currency) Option { return func(s *System) { s.currency = c.OrDefault() } }

func WithMeter(m metric.Meter) Option {
	return func(s *System) {
		if c, err := m.Int64Counter("settlement.audit.breaches",
			metric.WithDescription("M2 audits outside tolerance")); err == nil {
			s.breaches = c
		}
	}
}

func New(reg agents.Registry, l *ledger.Ledger, authority agents.ID, opts ...Option) *System {
	s := &System{
		reg:       reg,
		ledger:    l,
		authority: authority,
		currency:  money.DefaultCurrency,
		tol:       DefaultTolerance,
		log:       slog.Default(),
		estates:   map[uint64]*Estate{},
	}
	WithMeter(otel.Meter("macrosim.ai/settlement"))(s)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *System) Authority() agents.ID      { return s.authority }
func (s *System) Currency() money.Currency  { return s.currency }
func (s *System) Ledger() *ledger.Ledger    { return s.ledger }
func (s *System) Registry() agents.Registry { return s.reg }
func (s *System) Tolerance() Tolerance      { return s.tol }

// Transfer debits one agent and credits every split, all or nothing.
func (s *System) Transfer(debit agents.ID, splits []Split, cur money.Currency, tick uint64) Result {
	cur = cur.OrDefault()
	if len(splits) == 0 {
		return fail(ReasonInvalidAmount)
	}
	src, found := s.reg.Resolve(debit)
	if !found {
		return fail(ReasonAgentNotFound)
	}
	targets := make([]agents.FinancialAgent, len(splits))
	var total money.Pennies
	for i, sp := range splits {
		if sp.Amount <= 0 {
			return fail(ReasonInvalidAmount)
		}
		dst, found := s.reg.Resolve(sp.Target)
		if !found {
			return fail(ReasonAgentNotFound)
		}
		targets[i] = dst
		total += sp.Amount
		if total <= 0 {
			return fail(ReasonInvalidAmount)
		}
	}

	if err := src.Withdraw(total, cur); err != nil {
		if errors.Is(err, agents.ErrInsufficientFunds) {
			return fail(ReasonInsufficientFunds)
		}
		return fail(ReasonInvalidAmount)
	}
	for i, dst := range targets {
		if err := dst.Deposit(splits[i].Amount, cur); err != nil {
			s.log.Warn("deposit failed, rolling back transfer",
				"tick", tick, "debit", debit, "target", splits[i].Target, "err", err)
			for j := i - 1; j >= 0; j-- {
				if werr := targets[j].Withdraw(splits[j].Amount, cur); werr != nil {
					s.log.Error("transfer rollback withdraw failed",
						"tick", tick, "agent", splits[j].Target, "err", werr)
				}
			}
			if derr := src.Deposit(total, cur); derr != nil {
				s.log.Error("transfer rollback refund failed", "tick", tick, "agent", debit, "err", derr)
			}
			return fail(ReasonDepositFailed)
		}
	}
	return ok()
}

func (s *System) Pay(req txn.PaymentRequest, tick uint64) Result {
	return s.Transfer(req.Payer, []Split{{Target: req.Payee, Amount: req.Amount, Memo: req.Memo}}, req.Currency, tick)
}

// Mint deposits newly created money into target and records the issuance.
func (s *System) Mint(target agents.ID, amount money.Pennies, cur money.Currency, tick uint64, reason string) Result {
	cur = cur.OrDefault()
	if amount <= 0 {
		return fail(ReasonInvalidAmount)
	}
	dst, found := s.reg.Resolve(target)
	if !found {
		return fail(ReasonAgentNotFound)
	}
	if err := dst.Deposit(amount, cur); err != nil {
		return fail(ReasonDepositFailed)
	}
	if _, err := s.ledger.Record(amount, reason, tick, ledger.Issuance, cur); err != nil {
		_ = dst.Withdraw(amount, cur)
		return fail(ReasonLedger)
	}
	return ok()
}

// Destroy removes money from source and records the destruction.
func (s *System) Destroy(source agents.ID, amount money.Pennies, cur money.Currency, tick uint64, reason string) Result {
	cur = cur.OrDefault()
	if amount <= 0 {
		return fail(ReasonInvalidAmount)
	}
	src, found := s.reg.Resolve(source)
	if !found {
		return fail(ReasonAgentNotFound)
	}
	if err := src.Withdraw(amount, cur); err != nil {
		if errors.Is(err, agents.ErrInsufficientFunds) {
			return fail(ReasonInsufficientFunds)
		}
		return fail(ReasonInvalidAmount)
	}
	if _, err := s.ledger.Record(amount, reason, tick, ledger.Destruction, cur); err != nil {
		_ = src.Deposit(amount, cur)
		return fail(ReasonLedger)
	}
	return ok()
}

// MintAndDistribute creates amount in the reporting currency and credits target.
func (s *System) MintAndDistribute(target agents.ID, amount money.Pennies, tick uint64, reason string) bool {
	r := s.Mint(target, amount, s.currency, tick, reason)
	if !r.OK {
		s.log.Warn("mint rejected", "tick", tick, "target", target, "amount", amount, "reason", r.Reason)
	}
	return r.OK
}

// TransferAndDestroy burns amount from source when sink is the monetary authority.
// Any other sink turns the call into an ordinary transfer with no ledger entry.
func (s *System) TransferAndDestroy(source, sink agents.ID, amount money.Pennies, tick uint64, reason string) bool {
	var r Result
	if sink == s.authority {
		r = s.Destroy(source, amount, s.currency, tick, reason)
	} else {
		r = s.Transfer(source, []Split{{Target: sink, Amount: amount, Memo: reason}}, s.currency, tick)
	}
	if !r.OK {
		s.log.Warn("destroy rejected", "tick", tick, "source", source, "sink", sink, "amount", amount, "reason", r.Reason)
	}
	return r.OK
}

// CreateAndTransfer mints when source is the monetary authority and transfers otherwise.
func (s *System) CreateAndTransfer(source, dest agents.ID, amount money.Pennies, tick uint64, reason string) bool {
	if source == s.authority {
		return s.MintAndDistribute(dest, amount, tick, reason)
	}
	return s.Transfer(source, []Split{{Target: dest, Amount: amount, Memo: reason}}, s.currency, tick).OK
}

// AuditTotalM2 compares the live money supply with expected. It never fails.
func (s *System) AuditTotalM2(expected money.Pennies) Observation {
	cur := agents.Sum(s.reg, s.currency)
	o := Observation{
		Current:   cur,
		Expected:  expected,
		Delta:     cur - expected,
		Tolerance: s.tol.For(expected),
	}
	o.Breached = o.Delta.Abs() > o.Tolerance
	if o.Breached {
		s.log.Warn("m2 audit outside tolerance",
			"current", cur, "expected", expected, "delta", o.Delta, "tolerance", o.Tolerance)
		if s.breaches != nil {
			s.breaches.Add(context.Background(), 1)
		}
	}
	return o
}
