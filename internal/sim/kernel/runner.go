package kernel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/command"
)

// Runner hosts a Scheduler on a fixed tick rate and applies control commands.
type Runner struct {
	sched  *Scheduler
	rateHz int
	log    *slog.Logger

	paused   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func NewRunner(s *Scheduler, rateHz int) *Runner {
	if rateHz <= 0 {
		rateHz = 5
	}
	return &Runner{sched: s, rateHz: rateHz, log: s.log, stop: make(chan struct{})}
}

func (r *Runner) SetPaused(v bool)       { r.paused.Store(v) }
func (r *Runner) Paused() bool           { return r.paused.Load() }
func (r *Runner) Scheduler() *Scheduler { return r.sched }

func (r *Runner) Metrics() Metrics {
	m := r.sched.Metrics()
	m.Paused = r.paused.Load()
	return m
}

// Run ticks until ctx is done, Stop is called, or a tick aborts.
// PAUSE stops automatic ticking, RESUME restarts it and STEP runs exactly one
// tick while paused.
func (r *Runner) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(r.rateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	control := r.sched.world.commands.Control()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case c := <-control:
			if err := r.handleControl(ctx, c); err != nil {
				return err
			}
		case <-ticker.C:
			if r.paused.Load() {
				continue
			}
			if _, err := r.sched.RunTick(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) handleControl(ctx context.Context, c command.Control) error {
	switch c.Op {
	case protocol.TypePause:
		r.paused.Store(true)
		r.log.Info("runner paused", "tick", r.sched.world.Tick(), "command_id", c.CmdID)
	case protocol.TypeResume:
		r.paused.Store(false)
		r.log.Info("runner resumed", "tick", r.sched.world.Tick(), "command_id", c.CmdID)
	case protocol.TypeStep:
		if !r.paused.Load() {
			r.log.Debug("step ignored while running", "command_id", c.CmdID)
			return nil
		}
		if _, err := r.sched.RunTick(ctx); err != nil {
			return err
		}
	default:
		return errors.New("unknown control op " + c.Op)
	}
	return nil
}

func (r *Runner) Stop() { r.stopOnce.Do(func() { close(r.stop) }) }
