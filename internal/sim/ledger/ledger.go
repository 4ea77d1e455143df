package ledger

import (
	"fmt"
	"sort"

	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/money"
	"macrosim.ai/internal/sim/txn"
)

type Kind string

const (
	Issuance    Kind = "ISSUANCE"
	Destruction Kind = "DESTRUCTION"
)

// Entry is immutable once appended.
type Entry struct {
	Seq      uint64         `json:"seq"`
	Tick     uint64         `json:"tick"`
	Kind     Kind           `json:"kind"`
	Amount   money.Pennies  `json:"amount"`
	Currency money.Currency `json:"currency"`
	Reason   string         `json:"reason"`
}

type Totals struct {
	Issued    money.Pennies `json:"issued"`
	Destroyed money.Pennies `json:"destroyed"`
}

// Ledger is the append-only record of money creation and destruction.
// Expected M2 only moves through Record (and SetExpectedM2 at baseline time).
type Ledger struct {
	reg      agents.Registry
	entries  []Entry
	expected map[money.Currency]money.Pennies
	totals   map[money.Currency]Totals
}

func New(reg agents.Registry) *Ledger {
	return &Ledger{
		reg:      reg,
		expected: map[money.Currency]money.Pennies{},
		totals:   map[money.Currency]Totals{},
	}
}

// Record appends an entry and moves expected M2. Amount must be positive.
func (l *Ledger) Record(amount money.Pennies, reason string, tick uint64, kind Kind, cur money.Currency) (Entry, error) {
	if amount <= 0 {
		return Entry{}, fmt.Errorf("ledger record %s %d: %w", kind, amount, agents.ErrInvalidAmount)
	}
	cur = cur.OrDefault()
	t := l.totals[cur]
	var (
		expected money.Pennies
		okE, okT bool
	)
	switch kind {
	case Issuance:
		expected, okE = l.expected[cur].Add(amount)
		t.Issued, okT = t.Issued.Add(amount)
	case Destruction:
		expected, okE = l.expected[cur].Sub(amount)
		t.Destroyed, okT = t.Destroyed.Add(amount)
	default:
		return Entry{}, fmt.Errorf("ledger record: unknown kind %q", kind)
	}
	if !okE || !okT {
		return Entry{}, fmt.Errorf("ledger record %s %d overflows expected m2: %w", kind, amount, agents.ErrInvalidAmount)
	}
	l.expected[cur] = expected
	l.totals[cur] = t
	e := Entry{
		Seq:      uint64(len(l.entries)) + 1,
		Tick:     tick,
		Kind:     kind,
		Amount:   amount,
		Currency: cur,
		Reason:   reason,
	}
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *Ledger) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// EntriesSince returns entries with Seq > seq.
func (l *Ledger) EntriesSince(seq uint64) []Entry {
	if seq >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]Entry, len(l.entries)-int(seq))
	copy(out, l.entries[seq:])
	return out
}

func (l *Ledger) Len() int { return len(l.entries) }

// TotalM2 is the live sum of balances over the registry.
func (l *Ledger) TotalM2(cur money.Currency) money.Pennies {
	return agents.Sum(l.reg, cur.OrDefault())
}

func (l *Ledger) ExpectedM2(cur money.Currency) money.Pennies {
	return l.expected[cur.OrDefault()]
}

func (l *Ledger) SetExpectedM2(v money.Pennies, cur money.Currency) {
	l.expected[cur.OrDefault()] = v
}

func (l *Ledger) Totals(cur money.Currency) Totals {
	return l.totals[cur.OrDefault()]
}

// Currencies lists every currency the ledger has seen, sorted.
func (l *Ledger) Currencies() []money.Currency {
	seen := map[money.Currency]struct{}{}
	for c := range l.expected {
		seen[c] = struct{}{}
	}
	for c := range l.totals {
		seen[c] = struct{}{}
	}
	out := make([]money.Currency, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProcessTransactions folds credit markers created outside settlement into the ledger.
// Markers flagged metadata["ledger"]="recorded" were already recorded and are skipped.
func (l *Ledger) ProcessTransactions(batch []txn.Transaction) int {
	folded := 0
	for _, tx := range batch {
		if tx.Meta(txn.MetaLedger) == txn.MetaLedgerRecorded || tx.Amount <= 0 {
			continue
		}
		var kind Kind
		switch tx.Type {
		case txn.TypeCreditCreation:
			kind = Issuance
		case txn.TypeCreditDestruction:
			kind = Destruction
		default:
			continue
		}
		if _, err := l.Record(tx.Amount, tx.Type, tx.Tick, kind, tx.Currency); err == nil {
			folded++
		}
	}
	return folded
}

// Restore replaces the ledger state from a snapshot.
func (l *Ledger) Restore(entries []Entry, expected map[money.Currency]money.Pennies) {
	l.entries = append([]Entry(nil), entries...)
	l.expected = map[money.Currency]money.Pennies{}
	for c, v := range expected {
		l.expected[c] = v
	}
	l.totals = map[money.Currency]Totals{}
	for _, e := range l.entries {
		t := l.totals[e.Currency]
		if e.Kind == Issuance {
			t.Issued += e.Amount
		} else {
			t.Destroyed += e.Amount
		}
		l.totals[e.Currency] = t
	}
}

// Expected returns a copy of expected M2 for every currency.
func (l *Ledger) Expected() map[money.Currency]money.Pennies {
	out := make(map[money.Currency]money.Pennies, len(l.expected))
	for c, v := range l.expected {
		out[c] = v
	}
	return out
}
