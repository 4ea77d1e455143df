package command

import (
	"github.com/google/uuid"

	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/money"
)

const (
	KindTransfer       = "TRANSFER"
	KindLedgerMutation = "LEDGER_MUTATION"
	KindParamChange    = "PARAM_CHANGE"
)

// Command is an external request to mutate world state. Commands are immutable values.
type Command interface {
	ID() uuid.UUID
	Kind() string
}

// Control commands steer the runner and never enter a batch.
type Control struct {
	CmdID uuid.UUID
	Op    string // PAUSE, RESUME or STEP
}

func (c Control) ID() uuid.UUID { return c.CmdID }
func (c Control) Kind() string  { return c.Op }

type Transfer struct {
	CmdID    uuid.UUID
	Source   agents.ID
	Target   agents.ID
	Amount   money.Pennies
	Currency money.Currency
	Reason   string
}

func (c Transfer) ID() uuid.UUID { return c.CmdID }
func (Transfer) Kind() string    { return KindTransfer }

// LedgerMutation mints (positive Amount) or destroys (negative Amount) money on Target.
type LedgerMutation struct {
	CmdID    uuid.UUID
	Target   agents.ID
	Amount   money.Pennies
	Currency money.Currency
	Reason   string
}

func (c LedgerMutation) ID() uuid.UUID { return c.CmdID }
func (LedgerMutation) Kind() string    { return KindLedgerMutation }

type ParamChange struct {
	CmdID uuid.UUID
	Key   string
	Value float64
}

func (c ParamChange) ID() uuid.UUID { return c.CmdID }
func (ParamChange) Kind() string    { return KindParamChange }

// Batch is the ordered set of mutation commands drained for one tick.
type Batch struct {
	Tick     uint64
	Commands []Command
}

func (b Batch) Len() int { return len(b.Commands) }

func IsControl(c Command) bool {
	_, ok := c.(Control)
	return ok
}
