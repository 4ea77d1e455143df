package command

import (
	"fmt"
	"sort"
	"sync"
)

// Well-known policy parameters.
const (
	ParamBaseRate      = "central_bank.base_rate"
	ParamCorporateTax  = "government.corporate_tax_rate"
	ParamIncomeTax     = "government.income_tax_rate"
	ParamWelfareBudget = "government.welfare_budget_ratio"
)

type Bound struct {
	Min float64 `yaml:"min" toml:"min" json:"min"`
	Max float64 `yaml:"max" toml:"max" json:"max"`
}

func (b Bound) Contains(v float64) bool { return v >= b.Min && v <= b.Max }

func DefaultBounds() map[string]Bound {
	return map[string]Bound{
		ParamBaseRate:      {Min: 0, Max: 0.2},
		ParamCorporateTax:  {Min: 0, Max: 1},
		ParamIncomeTax:     {Min: 0, Max: 1},
		ParamWelfareBudget: {Min: 0, Max: 1},
	}
}

func DefaultValues() map[string]float64 {
	return map[string]float64{
		ParamBaseRate:      0.05,
		ParamCorporateTax:  0.2,
		ParamIncomeTax:     0.1,
		ParamWelfareBudget: 0.1,
	}
}

// Params holds the declared policy parameters. Bounds are fixed at construction;
// values are written by the tick goroutine and may be read from anywhere.
type Params struct {
	bounds map[string]Bound

	mu     sync.RWMutex
	values map[string]float64
}

func NewParams(bounds map[string]Bound, values map[string]float64) (*Params, error) {
	p := &Params{bounds: map[string]Bound{}, values: map[string]float64{}}
	for k, b := range bounds {
		if b.Min > b.Max {
			return nil, fmt.Errorf("param %s: min %v > max %v", k, b.Min, b.Max)
		}
		p.bounds[k] = b
	}
	for k, v := range values {
		b, ok := p.bounds[k]
		if !ok {
			return nil, fmt.Errorf("param %s: value without declared bound", k)
		}
		if !b.Contains(v) {
			return nil, fmt.Errorf("param %s: %v outside [%v, %v]", k, v, b.Min, b.Max)
		}
		p.values[k] = v
	}
	return p, nil
}

func (p *Params) Bound(key string) (Bound, bool) {
	b, ok := p.bounds[key]
	return b, ok
}

func (p *Params) Get(key string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// Set stores v and returns a function restoring the previous state.
func (p *Params) Set(key string, v float64) (undo func(), err error) {
	b, ok := p.bounds[key]
	if !ok {
		return nil, fmt.Errorf("param %s: not declared", key)
	}
	if !b.Contains(v) {
		return nil, fmt.Errorf("param %s: %v outside [%v, %v]", key, v, b.Min, b.Max)
	}
	p.mu.Lock()
	prev, had := p.values[key]
	p.values[key] = v
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if had {
			p.values[key] = prev
		} else {
			delete(p.values, key)
		}
	}, nil
}

func (p *Params) Values() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]float64, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

func (p *Params) Keys() []string {
	out := make([]string, 0, len(p.bounds))
	for k := range p.bounds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
