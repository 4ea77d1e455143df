package agents

import (
	"fmt"
	"sort"

	"macrosim.ai/internal/sim/money"
)

// Book is the canonical agent registry owned by the world.
// It is not safe for concurrent use; the tick loop is the only writer.
type Book struct {
	byID map[ID]FinancialAgent
	ids  []ID // sorted
}

func NewBook() *Book {
	return &Book{byID: map[ID]FinancialAgent{}}
}

func (b *Book) Add(a FinancialAgent) error {
	if a == nil {
		return fmt.Errorf("add: nil agent")
	}
	id := a.ID()
	if _, ok := b.byID[id]; ok {
		return fmt.Errorf("add: duplicate agent id %d", id)
	}
	b.byID[id] = a
	i := sort.Search(len(b.ids), func(i int) bool { return b.ids[i] >= id })
	b.ids = append(b.ids, 0)
	copy(b.ids[i+1:], b.ids[i:])
	b.ids[i] = id
	return nil
}

// Remove drops an agent from the live registry and returns it.
func (b *Book) Remove(id ID) (FinancialAgent, bool) {
	a, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	delete(b.byID, id)
	i := sort.Search(len(b.ids), func(i int) bool { return b.ids[i] >= id })
	if i < len(b.ids) && b.ids[i] == id {
		b.ids = append(b.ids[:i], b.ids[i+1:]...)
	}
	return a, true
}

func (b *Book) Resolve(id ID) (FinancialAgent, bool) {
	a, ok := b.byID[id]
	return a, ok
}

func (b *Book) Range(fn func(FinancialAgent) bool) {
	for _, id := range b.ids {
		if !fn(b.byID[id]) {
			return
		}
	}
}

func (b *Book) Len() int { return len(b.ids) }

// IDs returns a sorted copy of the registered ids.
func (b *Book) IDs() []ID {
	out := make([]ID, len(b.ids))
	copy(out, b.ids)
	return out
}

// Sum returns the live total of all balances in cur.
func Sum(r Registry, cur money.Currency) money.Pennies {
	var total money.Pennies
	r.Range(func(a FinancialAgent) bool {
		total += a.Balance(cur)
		return true
	})
	return total
}
