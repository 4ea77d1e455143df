package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/tuning"
)

func TestNewLogger_LevelAndJSONFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "macrosim.jsonl")
	logger, closeFn, err := NewLogger(tuning.Log{Level: "warn", File: path}, &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("MONEY_SUPPLY_CHECK", "tick", 1)
	logger.Warn("MONEY_SUPPLY_CHECK", "tick", 2, "delta", 500)
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if strings.Contains(buf.String(), "tick=1") || !strings.Contains(buf.String(), "tick=2") {
		t.Fatalf("text output=%q", buf.String())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("json lines=%d", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("json: %v", err)
	}
	if rec["msg"] != "MONEY_SUPPLY_CHECK" || rec["delta"] != float64(500) {
		t.Fatalf("record=%v", rec)
	}
}

func TestNewLogger_RejectsBadLevel(t *testing.T) {
	if _, _, err := NewLogger(tuning.Log{Level: "chatty"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestToJournalKey(t *testing.T) {
	if got := toJournalKey("command_id.v2"); got != "COMMAND_ID_V2" {
		t.Fatalf("got %q", got)
	}
}

func TestSetupTracing_NoopWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), tuning.OTel{})
	if err != nil {
		t.Fatalf("SetupTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupTracing_WithEndpoint(t *testing.T) {
	// Non-routable address: nothing is exported before shutdown.
	shutdown, err := SetupTracing(context.Background(), tuning.OTel{Endpoint: "http://192.0.2.1:4318", ServiceName: "macrosim-test"})
	if err != nil {
		t.Fatalf("SetupTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestKernelMetrics_Totals(t *testing.T) {
	k, err := NewKernelMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewKernelMetrics: %v", err)
	}
	ctx := context.Background()
	k.TickFinalized(ctx, protocol.TickAudit{Tick: 1, Currency: "USD"}, time.Millisecond)
	k.TickFinalized(ctx, protocol.TickAudit{Tick: 2, Currency: "USD", Delta: 500, ToleranceBreached: true}, time.Millisecond)
	k.TickAborted(ctx, 3, "market")
	k.CommandApplied(ctx, protocol.CommandResult{Kind: "TRANSFER", Success: true})
	k.CommandApplied(ctx, protocol.CommandResult{Kind: "LEDGER_MUTATION", RollbackPerformed: true})

	got := k.Totals()
	want := KernelTotals{Ticks: 2, Aborted: 1, Breaches: 1, Commands: 2, Rollbacks: 1}
	if got != want {
		t.Fatalf("totals=%+v want %+v", got, want)
	}
}
