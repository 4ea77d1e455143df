package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/command"
)

func TestRunner_StepOnlyWhilePaused(t *testing.T) {
	w := newTestWorld(t, WorldConfig{})
	r := NewRunner(newTestScheduler(t, w, nil), 10)
	ctx := context.Background()

	if err := r.handleControl(ctx, command.Control{CmdID: uuid.New(), Op: protocol.TypeStep}); err != nil {
		t.Fatalf("step: %v", err)
	}
	if w.Tick() != 0 {
		t.Fatalf("step while running advanced to %d", w.Tick())
	}

	if err := r.handleControl(ctx, command.Control{CmdID: uuid.New(), Op: protocol.TypePause}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !r.Paused() || !r.Metrics().Paused {
		t.Fatalf("not paused")
	}
	for i := 0; i < 2; i++ {
		if err := r.handleControl(ctx, command.Control{CmdID: uuid.New(), Op: protocol.TypeStep}); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if w.Tick() != 2 {
		t.Fatalf("tick=%d", w.Tick())
	}

	if err := r.handleControl(ctx, command.Control{CmdID: uuid.New(), Op: protocol.TypeResume}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if r.Paused() {
		t.Fatalf("still paused")
	}
}

func TestRunner_RunTicksAndStops(t *testing.T) {
	w := newTestWorld(t, WorldConfig{})
	r := NewRunner(newTestScheduler(t, w, nil), 200)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.Metrics().Tick < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("runner did not tick, metrics=%+v", r.Metrics())
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop")
	}
}

func TestRunner_PauseViaQueue(t *testing.T) {
	w := newTestWorld(t, WorldConfig{})
	r := NewRunner(newTestScheduler(t, w, nil), 200)
	r.SetPaused(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	if err := w.Commands().Enqueue(command.Control{CmdID: uuid.New(), Op: protocol.TypeStep}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.Metrics().Tick < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("step not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := r.Metrics().Tick; got != 1 {
		t.Fatalf("paused runner ticked to %d", got)
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run: %v", err)
	}
}
