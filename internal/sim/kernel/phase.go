package kernel

import (
	"context"
	"fmt"
	"sort"
)

// Stage fixes where a phase runs in the tick. Phases in the same stage keep
// their registration order.
type Stage int

const (
	StageSovereignCommand Stage = iota
	StageProduction
	StageDecision
	StageLifecycle
	StageMatching
	StageSettlement
	StageConsumption
	StagePostSequence
)

var stageNames = [...]string{
	"SOVEREIGN_COMMAND",
	"PRODUCTION",
	"DECISION",
	"LIFECYCLE",
	"MATCHING",
	"SETTLEMENT",
	"CONSUMPTION",
	"POST_SEQUENCE",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("STAGE(%d)", int(s))
	}
	return stageNames[s]
}

// Phase is one step of a tick. Execute must return the snapshot it was given,
// must not block, and reports local failures through the snapshot as data.
type Phase interface {
	Name() string
	Stage() Stage
	Execute(ctx context.Context, snap *Snapshot) *Snapshot
}

// PhaseFunc adapts a function to Phase.
type PhaseFunc struct {
	PhaseName  string
	PhaseStage Stage
	Fn         func(ctx context.Context, snap *Snapshot)
}

func (p PhaseFunc) Name() string { return p.PhaseName }
func (p PhaseFunc) Stage() Stage { return p.PhaseStage }

func (p PhaseFunc) Execute(ctx context.Context, snap *Snapshot) *Snapshot {
	if p.Fn != nil {
		p.Fn(ctx, snap)
	}
	return snap
}

func orderPhases(phases []Phase) ([]Phase, error) {
	seen := map[string]struct{}{}
	for i, p := range phases {
		if p == nil {
			return nil, fmt.Errorf("phase %d: nil", i)
		}
		name := p.Name()
		if name == "" {
			return nil, fmt.Errorf("phase %d: empty name", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("phase %q: registered twice", name)
		}
		seen[name] = struct{}{}
		if st := p.Stage(); st < StageSovereignCommand || st > StagePostSequence {
			return nil, fmt.Errorf("phase %q: unknown stage %d", name, int(st))
		}
	}
	out := append([]Phase(nil), phases...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Stage() < out[j].Stage() })
	return out, nil
}
