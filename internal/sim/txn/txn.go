package txn

import (
	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/money"
)

// Types the kernel itself recognizes. Everything else belongs to the transaction processor.
const (
	TypeCreditCreation    = "credit_creation"
	TypeCreditDestruction = "credit_destruction"
	TypeMoneyCreation     = "money_creation"
	TypeMoneyDestruction  = "money_destruction"
	TypeTransfer          = "transfer"
	TypeEstate            = "inheritance"
)

// MetaLedger marks a monetary transaction whose effect was already recorded in the ledger.
const (
	MetaLedger         = "ledger"
	MetaLedgerRecorded = "recorded"
	MetaExecuted       = "executed"
)

type Transaction struct {
	BuyerID  agents.ID         `json:"buyer_id"`
	SellerID agents.ID         `json:"seller_id"`
	ItemID   string            `json:"item_id"`
	Quantity int64             `json:"quantity"`
	Amount   money.Pennies     `json:"amount"`
	Currency money.Currency    `json:"currency"`
	Type     string            `json:"type"`
	Tick     uint64            `json:"tick"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (t Transaction) Meta(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}

// PaymentRequest is an intent to pay; settlement turns it into balance changes.
type PaymentRequest struct {
	Payer    agents.ID      `json:"payer"`
	Payee    agents.ID      `json:"payee"`
	Amount   money.Pennies  `json:"amount"`
	Currency money.Currency `json:"currency"`
	Memo     string         `json:"memo"`
}

// Effect is a non-monetary side effect queued by a phase for downstream consumers.
type Effect struct {
	Kind    string            `json:"kind"`
	AgentID agents.ID         `json:"agent_id"`
	Tick    uint64            `json:"tick"`
	Data    map[string]string `json:"data,omitempty"`
}
