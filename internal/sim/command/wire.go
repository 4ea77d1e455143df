package command

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/money"
)

// FromWire maps a decoded wire envelope to a typed command.
// Fractional amounts and ids are rejected with E_TYPE; nothing is truncated.
func FromWire(msg protocol.CommandMsg) (Command, error) {
	id, err := commandID(msg.ID)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case protocol.TypePause, protocol.TypeResume, protocol.TypeStep:
		return Control{CmdID: id, Op: msg.Type}, nil

	case protocol.TypeSetBaseRate:
		var p protocol.RatePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return nil, err
		}
		return ParamChange{CmdID: id, Key: ParamBaseRate, Value: p.Rate}, nil

	case protocol.TypeSetTaxRate:
		var p protocol.TaxRatePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return nil, err
		}
		var key string
		switch strings.ToLower(p.TaxType) {
		case "corporate":
			key = ParamCorporateTax
		case "income":
			key = ParamIncomeTax
		default:
			return nil, invalid(protocol.ErrBadRequest, "tax_type", "unknown tax type %q", p.TaxType)
		}
		return ParamChange{CmdID: id, Key: key, Value: p.Rate}, nil

	case protocol.TypeSetParam:
		var p protocol.ParamPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return nil, err
		}
		return ParamChange{CmdID: id, Key: p.Key, Value: p.Value}, nil

	case protocol.TypeInjectMoney, protocol.TypeDestroyMoney:
		var p protocol.MoneyPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return nil, err
		}
		amt, err := pennies(p.Amount)
		if err != nil {
			return nil, err
		}
		if amt <= 0 {
			return nil, invalid(protocol.ErrOutOfRange, "amount", "must be positive, got %d", amt)
		}
		cur, err := currencyOf(p.Currency)
		if err != nil {
			return nil, err
		}
		if msg.Type == protocol.TypeDestroyMoney {
			amt = -amt
		}
		reason := p.Reason
		if reason == "" {
			reason = strings.ToLower(msg.Type)
		}
		return LedgerMutation{CmdID: id, Target: agents.ID(p.Target), Amount: amt, Currency: cur, Reason: reason}, nil

	case protocol.TypeTransfer:
		var p protocol.TransferPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			return nil, err
		}
		amt, err := pennies(p.Amount)
		if err != nil {
			return nil, err
		}
		cur, err := currencyOf(p.Currency)
		if err != nil {
			return nil, err
		}
		return Transfer{
			CmdID:    id,
			Source:   agents.ID(p.Source),
			Target:   agents.ID(p.Target),
			Amount:   amt,
			Currency: cur,
			Reason:   p.Reason,
		}, nil
	}
	return nil, invalid(protocol.ErrUnknownType, "type", "unknown command type %q", msg.Type)
}

func commandID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, invalid(protocol.ErrBadRequest, "id", "not a uuid: %v", err)
	}
	return id, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return invalid(protocol.ErrBadRequest, "payload", "missing")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		if te, ok := err.(*json.UnmarshalTypeError); ok {
			return invalid(protocol.ErrType, te.Field, "want %s, got %s", te.Type, te.Value)
		}
		return invalid(protocol.ErrBadRequest, "payload", "%v", err)
	}
	return nil
}

func pennies(n json.Number) (money.Pennies, error) {
	if n == "" {
		return 0, invalid(protocol.ErrBadRequest, "amount", "missing")
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, invalid(protocol.ErrType, "amount", "integer pennies required, got %s", n)
	}
	return money.Pennies(v), nil
}

func currencyOf(s string) (money.Currency, error) {
	c, err := money.ParseCurrency(s)
	if err != nil {
		return "", invalid(protocol.ErrBadRequest, "currency", "%v", err)
	}
	return c, nil
}
