package command

import (
	"errors"
	"fmt"
	"sync"

	"macrosim.ai/internal/protocol"
)

var ErrControlBusy = errors.New("control channel full")

// Queue is the external command intake.
//
// Fill side: any goroutine calls Enqueue. Control commands go to the control
// channel consumed by the runner; mutation commands are appended to pending.
// Drain side: the scheduler calls Drain exactly once per tick, on the tick
// goroutine, and owns the returned batch.
type Queue struct {
	params     *Params
	maxPending int

	mu      sync.Mutex
	pending []Command
	control chan Control
}

func NewQueue(params *Params, maxPending, controlBuf int) *Queue {
	if controlBuf <= 0 {
		controlBuf = 16
	}
	return &Queue{
		params:     params,
		maxPending: maxPending,
		control:    make(chan Control, controlBuf),
	}
}

// Enqueue validates cmd and queues it. A rejected command never enters any queue.
func (q *Queue) Enqueue(cmd Command) error {
	if err := Validate(cmd, q.params); err != nil {
		return err
	}
	if c, ok := cmd.(Control); ok {
		select {
		case q.control <- c:
			return nil
		default:
			return fmt.Errorf("enqueue %s: %w", c.Op, ErrControlBusy)
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxPending > 0 && len(q.pending) >= q.maxPending {
		return &ValidationError{Code: protocol.ErrQueueFull, Reason: fmt.Sprintf("%d commands pending", len(q.pending))}
	}
	q.pending = append(q.pending, cmd)
	return nil
}

func (q *Queue) Control() <-chan Control { return q.control }

// Len reports the number of pending mutation commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Requeue puts commands that were drained but never applied back at the front
// of the queue, ahead of anything enqueued since. They were validated on entry
// and are not checked against maxPending again.
func (q *Queue) Requeue(cmds []Command) {
	if len(cmds) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(append([]Command(nil), cmds...), q.pending...)
}

// Drain hands every pending mutation command to the caller and empties the queue.
func (q *Queue) Drain(tick uint64) Batch {
	q.mu.Lock()
	cmds := q.pending
	q.pending = nil
	q.mu.Unlock()
	return Batch{Tick: tick, Commands: cmds}
}
