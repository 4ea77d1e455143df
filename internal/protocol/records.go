package protocol

// CommandResult is the per-command observability record.
type CommandResult struct {
	CommandID         string `json:"command_id"`
	Kind              string `json:"kind"`
	Tick              uint64 `json:"tick"`
	Success           bool   `json:"success"`
	FailureReason     string `json:"failure_reason,omitempty"`
	RollbackPerformed bool   `json:"rollback_performed"`
	M2Delta           int64  `json:"m2_delta"`
}

type PhaseTiming struct {
	Name   string `json:"name"`
	Stage  string `json:"stage"`
	Micros int64  `json:"micros"`
}

// TickAudit is emitted once per finalized tick.
type TickAudit struct {
	Type              string          `json:"type"`
	ProtocolVersion   string          `json:"protocol_version"`
	Tick              uint64          `json:"tick"`
	Currency          string          `json:"currency"`
	CurrentM2         int64           `json:"current_m2"`
	ExpectedM2        int64           `json:"expected_m2"`
	Baseline          int64           `json:"baseline"`
	Delta             int64           `json:"delta"`
	Tolerance         int64           `json:"tolerance"`
	ToleranceBreached bool            `json:"tolerance_breached"`
	PanicIndex        float64         `json:"panic_index"`
	Digest            string          `json:"digest"`
	Transactions      int             `json:"transactions"`
	Unprocessed       int             `json:"unprocessed"`
	Commands          []CommandResult `json:"commands,omitempty"`
	Phases            []PhaseTiming   `json:"phases,omitempty"`
}
