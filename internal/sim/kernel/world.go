package kernel

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/command"
	"macrosim.ai/internal/sim/ledger"
	"macrosim.ai/internal/sim/money"
	"macrosim.ai/internal/sim/settlement"
	"macrosim.ai/internal/sim/txn"
)

type WorldConfig struct {
	RunID              string
	Currency           money.Currency
	Authority          agents.ID
	Tolerance          settlement.Tolerance
	MaxPendingCommands int
	SnapshotEveryTicks int
}

func (c *WorldConfig) applyDefaults() {
	c.Currency = c.Currency.OrDefault()
	if c.Tolerance == (settlement.Tolerance{}) {
		c.Tolerance = settlement.DefaultTolerance
	}
	if c.RunID == "" {
		c.RunID = "run"
	}
}

// World is the persistent simulation state for one run.
// All state except the tick counter and the command queue's fill side must be
// accessed only from the tick goroutine.
type World struct {
	cfg WorldConfig
	log *slog.Logger

	tick atomic.Uint64

	agents   *agents.Book
	ledger   *ledger.Ledger
	settle   *settlement.System
	params   *command.Params
	commands *command.Queue
	service  *command.Service

	seeded   bool
	baseline money.Pennies

	// tick-scoped; cleared at finalize
	txLog          []txn.Transaction
	effects        []txn.Effect
	processed      int
	report         txn.ProcessReport
	commandResults []command.Result

	deferred    []txn.Deferred[txn.Transaction]
	inactive    map[agents.ID]uint64
	nextAgentID agents.ID
}

func NewWorld(cfg WorldConfig, book *agents.Book, params *command.Params, logger *slog.Logger) (*World, error) {
	cfg.applyDefaults()
	if book == nil {
		return nil, fmt.Errorf("new world: nil agent book")
	}
	if params == nil {
		return nil, fmt.Errorf("new world: nil params")
	}
	if _, ok := book.Resolve(cfg.Authority); !ok {
		return nil, fmt.Errorf("new world: monetary authority %d not registered", cfg.Authority)
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := ledger.New(book)
	s := settlement.New(book, l, cfg.Authority,
		settlement.WithLogger(logger),
		settlement.WithCurrency(cfg.Currency),
		settlement.WithTolerance(cfg.Tolerance))

	w := &World{
		cfg:      cfg,
		log:      logger,
		agents:   book,
		ledger:   l,
		settle:   s,
		params:   params,
		commands: command.NewQueue(params, cfg.MaxPendingCommands, 16),
		service:  command.NewService(s, params, logger),
		inactive: map[agents.ID]uint64{},
	}
	if ids := book.IDs(); len(ids) > 0 {
		w.nextAgentID = ids[len(ids)-1] + 1
	}
	return w, nil
}

func (w *World) Tick() uint64                   { return w.tick.Load() }
func (w *World) Agents() *agents.Book           { return w.agents }
func (w *World) Ledger() *ledger.Ledger         { return w.ledger }
func (w *World) Settlement() *settlement.System { return w.settle }
func (w *World) Params() *command.Params        { return w.params }
func (w *World) Config() WorldConfig            { return w.cfg }

// Commands exposes the fill side of the command queue. Safe for concurrent use.
func (w *World) Commands() *command.Queue { return w.commands }

func (w *World) Baseline() money.Pennies { return w.baseline }

func (w *World) IsActive(id agents.ID) bool {
	_, gone := w.inactive[id]
	return !gone
}

func (w *World) PendingDeferred() int { return len(w.deferred) }

// TransactionLog returns a copy of the current tick's durable transaction log.
func (w *World) TransactionLog() []txn.Transaction {
	return append([]txn.Transaction(nil), w.txLog...)
}

func (w *World) Effects() []txn.Effect {
	return append([]txn.Effect(nil), w.effects...)
}

func (w *World) clearTickScoped() {
	w.txLog = nil
	w.effects = nil
	w.processed = 0
	w.report = txn.ProcessReport{}
	w.commandResults = nil
}
