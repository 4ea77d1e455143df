package observability

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"macrosim.ai/internal/protocol"
)

// KernelMetrics records kernel.Instruments callbacks as OTel instruments and
// keeps plain totals for the HTTP status endpoint.
type KernelMetrics struct {
	ticks    metric.Int64Counter
	aborted  metric.Int64Counter
	breaches metric.Int64Counter
	commands metric.Int64Counter
	delta    metric.Int64Gauge
	duration metric.Float64Histogram

	totalTicks    atomic.Uint64
	totalAborted  atomic.Uint64
	totalBreaches atomic.Uint64
	totalCommands atomic.Uint64
	totalRollback atomic.Uint64
}

type KernelTotals struct {
	Ticks     uint64 `json:"ticks"`
	Aborted   uint64 `json:"aborted"`
	Breaches  uint64 `json:"breaches"`
	Commands  uint64 `json:"commands"`
	Rollbacks uint64 `json:"rollbacks"`
}

// NewKernelMetrics registers instruments on m, or on the global meter provider when m is nil.
func NewKernelMetrics(m metric.Meter) (*KernelMetrics, error) {
	if m == nil {
		m = otel.Meter("macrosim.ai/kernel")
	}
	k := &KernelMetrics{}
	var err error
	if k.ticks, err = m.Int64Counter("kernel.ticks", metric.WithDescription("finalized ticks")); err != nil {
		return nil, err
	}
	if k.aborted, err = m.Int64Counter("kernel.ticks.aborted", metric.WithDescription("aborted ticks")); err != nil {
		return nil, err
	}
	if k.breaches, err = m.Int64Counter("kernel.m2.breaches", metric.WithDescription("ticks whose M2 audit exceeded tolerance")); err != nil {
		return nil, err
	}
	if k.commands, err = m.Int64Counter("kernel.commands", metric.WithDescription("applied or rejected commands")); err != nil {
		return nil, err
	}
	if k.delta, err = m.Int64Gauge("kernel.m2.delta", metric.WithDescription("current minus expected M2"), metric.WithUnit("{penny}")); err != nil {
		return nil, err
	}
	if k.duration, err = m.Float64Histogram("kernel.tick.duration", metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *KernelMetrics) TickFinalized(ctx context.Context, a protocol.TickAudit, elapsed time.Duration) {
	k.totalTicks.Add(1)
	k.ticks.Add(ctx, 1)
	k.delta.Record(ctx, a.Delta, metric.WithAttributes(attribute.String("currency", a.Currency)))
	k.duration.Record(ctx, float64(elapsed.Microseconds())/1000.0)
	if a.ToleranceBreached {
		k.totalBreaches.Add(1)
		k.breaches.Add(ctx, 1)
	}
}

func (k *KernelMetrics) TickAborted(ctx context.Context, tick uint64, phase string) {
	k.totalAborted.Add(1)
	k.aborted.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

func (k *KernelMetrics) CommandApplied(ctx context.Context, r protocol.CommandResult) {
	k.totalCommands.Add(1)
	if r.RollbackPerformed {
		k.totalRollback.Add(1)
	}
	k.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", r.Kind),
		attribute.Bool("success", r.Success),
	))
}

func (k *KernelMetrics) Totals() KernelTotals {
	return KernelTotals{
		Ticks:     k.totalTicks.Load(),
		Aborted:   k.totalAborted.Load(),
		Breaches:  k.totalBreaches.Load(),
		Commands:  k.totalCommands.Load(),
		Rollbacks: k.totalRollback.Load(),
	}
}
