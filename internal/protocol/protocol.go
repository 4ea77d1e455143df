package protocol

import (
	"encoding/json"
	"fmt"
)

const Version = "1.0"

// Command types accepted on the wire.
const (
	TypePause        = "PAUSE"
	TypeResume       = "RESUME"
	TypeStep         = "STEP"
	TypeSetBaseRate  = "SET_BASE_RATE"
	TypeSetTaxRate   = "SET_TAX_RATE"
	TypeSetParam     = "SET_PARAM"
	TypeInjectMoney  = "INJECT_MONEY"
	TypeDestroyMoney = "DESTROY_MONEY"
	TypeTransfer     = "TRANSFER"
)

// Server -> client message types.
const (
	TypeAck       = "ACK"
	TypeTickAudit = "TICK_AUDIT"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// CommandMsg is the external command envelope: {"type": ..., "payload": {...}}.
type CommandMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	ID              string          `json:"id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// DecodeCommand checks raw against the command schema and decodes the envelope.
func DecodeCommand(raw []byte) (CommandMsg, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CommandMsg{}, &Error{Code: ErrProtoBadRequest, Message: fmt.Sprintf("bad json: %v", err)}
	}
	if err := commandSchema.Validate(doc); err != nil {
		return CommandMsg{}, &Error{Code: ErrBadRequest, Message: err.Error()}
	}
	var m CommandMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return CommandMsg{}, &Error{Code: ErrProtoBadRequest, Message: err.Error()}
	}
	return m, nil
}

type RatePayload struct {
	Rate float64 `json:"rate"`
}

type TaxRatePayload struct {
	TaxType string  `json:"tax_type"`
	Rate    float64 `json:"rate"`
}

type ParamPayload struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// MoneyPayload carries INJECT_MONEY and DESTROY_MONEY. Amount stays a json.Number so
// a fractional value can be rejected by type rather than silently truncated.
type MoneyPayload struct {
	Target   int64       `json:"target"`
	Amount   json.Number `json:"amount"`
	Reason   string      `json:"reason,omitempty"`
	Currency string      `json:"currency,omitempty"`
}

type TransferPayload struct {
	Source   int64       `json:"source"`
	Target   int64       `json:"target"`
	Amount   json.Number `json:"amount"`
	Reason   string      `json:"reason,omitempty"`
	Currency string      `json:"currency,omitempty"`
}

// CommandAck (server -> client) answers every command on the command stream.
type CommandAck struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CommandID       string `json:"command_id,omitempty"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      uint64 `json:"server_tick,omitempty"`
}
