package settlement

import (
	"sort"

	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/money"
)

type EstateStatus string

const (
	EstateOpen           EstateStatus = "OPEN"
	EstateClosed         EstateStatus = "CLOSED"
	EstateClosedWithLeak EstateStatus = "CLOSED_WITH_LEAK"
)

// Estate freezes a deceased agent's balance for distribution to heirs.
// Funds stay on the deceased account until a plan moves them, so M2 is unaffected.
type Estate struct {
	ID          uint64         `json:"id"`
	Deceased    agents.ID      `json:"deceased"`
	Currency    money.Currency `json:"currency"`
	OpenedTick  uint64         `json:"opened_tick"`
	Escrow      money.Pennies  `json:"escrow"`
	Distributed money.Pennies  `json:"distributed"`
	Leaked      money.Pennies  `json:"leaked"`
	Skipped     int            `json:"skipped"`
	Status      EstateStatus   `json:"status"`
}

func (e Estate) Remaining() money.Pennies { return e.Escrow - e.Distributed }

// OpenEstate captures the deceased's current balance as the escrow amount.
func (s *System) OpenEstate(deceased agents.ID, tick uint64) (Estate, Result) {
	a, found := s.reg.Resolve(deceased)
	if !found {
		return Estate{}, fail(ReasonAgentNotFound)
	}
	s.nextEstate++
	e := &Estate{
		ID:         s.nextEstate,
		Deceased:   deceased,
		Currency:   s.currency,
		OpenedTick: tick,
		Escrow:     a.Balance(s.currency),
		Status:     EstateOpen,
	}
	s.estates[e.ID] = e
	return *e, ok()
}

// ExecuteEstate applies distribution plans in order. A plan that would overdraw the
// remaining escrow is skipped; the rest still run.
func (s *System) ExecuteEstate(id uint64, plans [][]Split, tick uint64) (Estate, Result) {
	e, found := s.estates[id]
	if !found || e.Status != EstateOpen {
		return Estate{}, fail(ReasonAgentNotFound)
	}
	for _, plan := range plans {
		var total money.Pennies
		for _, sp := range plan {
			total += sp.Amount
		}
		if total <= 0 || total > e.Remaining() {
			e.Skipped++
			s.log.Warn("estate plan skipped", "tick", tick, "estate", id, "plan_total", total, "remaining", e.Remaining())
			continue
		}
		r := s.Transfer(e.Deceased, plan, e.Currency, tick)
		if !r.OK {
			e.Skipped++
			s.log.Warn("estate plan failed", "tick", tick, "estate", id, "reason", r.Reason)
			continue
		}
		e.Distributed += total
	}
	return *e, ok()
}

// CloseEstate burns whatever is left on the deceased account.
func (s *System) CloseEstate(id uint64, tick uint64) (Estate, Result) {
	e, found := s.estates[id]
	if !found || e.Status != EstateOpen {
		return Estate{}, fail(ReasonAgentNotFound)
	}
	a, found := s.reg.Resolve(e.Deceased)
	if !found {
		return Estate{}, fail(ReasonAgentNotFound)
	}
	left := a.Balance(e.Currency)
	if left <= 0 {
		e.Status = EstateClosed
		return *e, ok()
	}
	if r := s.Destroy(e.Deceased, left, e.Currency, tick, "estate_leak"); !r.OK {
		return *e, r
	}
	e.Leaked = left
	e.Status = EstateClosedWithLeak
	s.log.Warn("estate closed with leak", "tick", tick, "estate", id, "leaked", left)
	return *e, ok()
}

func (s *System) Estates() []Estate {
	out := make([]Estate, 0, len(s.estates))
	for _, e := range s.estates {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RestoreEstates replaces the estate book with es, as read back from a snapshot.
// New estates continue numbering after the highest restored id.
func (s *System) RestoreEstates(es []Estate, liqs []Liquidation) {
	s.estates = make(map[uint64]*Estate, len(es))
	s.nextEstate = 0
	for i := range es {
		e := es[i]
		s.estates[e.ID] = &e
		if e.ID > s.nextEstate {
			s.nextEstate = e.ID
		}
	}
	s.liquidations = append([]Liquidation(nil), liqs...)
}

type Liquidation struct {
	Agent     agents.ID     `json:"agent"`
	Tick      uint64        `json:"tick"`
	Inventory money.Pennies `json:"inventory"`
	Capital   money.Pennies `json:"capital"`
	Recovered money.Pennies `json:"recovered"`
	Loss      money.Pennies `json:"loss"`
	Escheated money.Pennies `json:"escheated"`
	Reason    string        `json:"reason"`
}

// RecordLiquidation books the write-off of a failed agent and moves its residual
// cash to escheatTo.
func (s *System) RecordLiquidation(agent agents.ID, inventory, capital, recovered money.Pennies, reason string, tick uint64, escheatTo agents.ID) (Liquidation, Result) {
	a, found := s.reg.Resolve(agent)
	if !found {
		return Liquidation{}, fail(ReasonAgentNotFound)
	}
	l := Liquidation{
		Agent:     agent,
		Tick:      tick,
		Inventory: inventory,
		Capital:   capital,
		Recovered: recovered,
		Loss:      inventory + capital - recovered,
		Reason:    reason,
	}
	if cash := a.Balance(s.currency); cash > 0 {
		r := s.Transfer(agent, []Split{{Target: escheatTo, Amount: cash, Memo: "escheat"}}, s.currency, tick)
		if !r.OK {
			return Liquidation{}, r
		}
		l.Escheated = cash
	}
	s.liquidations = append(s.liquidations, l)
	return l, ok()
}

func (s *System) Liquidations() []Liquidation {
	return append([]Liquidation(nil), s.liquidations...)
}

func (s *System) TotalLiquidationLoss() money.Pennies {
	var total money.Pennies
	for _, l := range s.liquidations {
		total += l.Loss
	}
	return total
}
