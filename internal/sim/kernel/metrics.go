package kernel

// Metrics is a thread-safe read-only view of key kernel signals.
// It is updated from the tick goroutine and read from HTTP handlers/tests.
type Metrics struct {
	Tick   uint64 `json:"tick"`
	State  string `json:"state"`
	Paused bool   `json:"paused"`

	Baseline          int64   `json:"baseline"`
	CurrentM2         int64   `json:"current_m2"`
	ExpectedM2        int64   `json:"expected_m2"`
	Delta             int64   `json:"delta"`
	ToleranceBreached bool    `json:"tolerance_breached"`
	Breaches          uint64  `json:"breaches"`
	AbortedTicks      uint64  `json:"aborted_ticks"`
	PanicIndex        float64 `json:"panic_index"`

	QueueDepth    int `json:"queue_depth"`
	DeferredDepth int `json:"deferred_depth"`
	Agents        int `json:"agents"`
	Inactive      int `json:"inactive"`

	StepMS float64 `json:"step_ms"`
	Digest string  `json:"digest"`
}

func (s *Scheduler) Metrics() Metrics {
	if s == nil {
		return Metrics{}
	}
	v := s.metrics.Load()
	if v == nil {
		return Metrics{}
	}
	m, ok := v.(Metrics)
	if !ok {
		return Metrics{}
	}
	return m
}
