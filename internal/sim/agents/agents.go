package agents

import (
	"errors"
	"fmt"

	"macrosim.ai/internal/sim/money"
)

type ID int64

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// FinancialAgent is the only surface settlement needs from a simulated agent.
// Deposit/Withdraw are reserved for the settlement layer.
type FinancialAgent interface {
	ID() ID
	Balance(cur money.Currency) money.Pennies
	Deposit(amount money.Pennies, cur money.Currency) error
	Withdraw(amount money.Pennies, cur money.Currency) error
}

// Registry resolves agent ids. Range must visit agents in ascending id order.
type Registry interface {
	Resolve(id ID) (FinancialAgent, bool)
	Range(fn func(FinancialAgent) bool)
}

type Kind string

const (
	KindHousehold   Kind = "HOUSEHOLD"
	KindFirm        Kind = "FIRM"
	KindBank        Kind = "BANK"
	KindGovernment  Kind = "GOVERNMENT"
	KindCentralBank Kind = "CENTRAL_BANK"
)

// Account is the in-memory FinancialAgent used by the kernel's own registry.
type Account struct {
	id       ID
	Kind     Kind
	Name     string
	balances map[money.Currency]money.Pennies

	// Overdraft lets the monetary authority run a negative balance.
	Overdraft bool
}

func NewAccount(id ID, kind Kind, name string) *Account {
	return &Account{
		id:        id,
		Kind:      kind,
		Name:      name,
		balances:  map[money.Currency]money.Pennies{},
		Overdraft: kind == KindCentralBank,
	}
}

func (a *Account) ID() ID { return a.id }

func (a *Account) Balance(cur money.Currency) money.Pennies {
	return a.balances[cur.OrDefault()]
}

func (a *Account) Deposit(amount money.Pennies, cur money.Currency) error {
	if amount < 0 {
		return fmt.Errorf("deposit %d: %w", amount, ErrInvalidAmount)
	}
	cur = cur.OrDefault()
	next, ok := a.balances[cur].Add(amount)
	if !ok {
		return fmt.Errorf("agent %d deposit %d overflows balance: %w", a.id, amount, ErrInvalidAmount)
	}
	a.balances[cur] = next
	return nil
}

func (a *Account) Withdraw(amount money.Pennies, cur money.Currency) error {
	if amount < 0 {
		return fmt.Errorf("withdraw %d: %w", amount, ErrInvalidAmount)
	}
	cur = cur.OrDefault()
	if !a.Overdraft && a.balances[cur] < amount {
		return fmt.Errorf("agent %d withdraw %d: %w", a.id, amount, ErrInsufficientFunds)
	}
	next, ok := a.balances[cur].Sub(amount)
	if !ok {
		return fmt.Errorf("agent %d withdraw %d overflows balance: %w", a.id, amount, ErrInvalidAmount)
	}
	a.balances[cur] = next
	return nil
}

// Balances returns a copy of all per-currency balances.
func (a *Account) Balances() map[money.Currency]money.Pennies {
	out := make(map[money.Currency]money.Pennies, len(a.balances))
	for k, v := range a.balances {
		out[k] = v
	}
	return out
}

// SetBalance is for genesis/snapshot import only.
func (a *Account) SetBalance(cur money.Currency, v money.Pennies) {
	a.balances[cur.OrDefault()] = v
}
