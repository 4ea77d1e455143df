package command

import (
	"fmt"
	"math"

	"macrosim.ai/internal/protocol"
	"macrosim.ai/internal/sim/money"
)

// ValidationError rejects a command before it reaches any queue.
type ValidationError struct {
	Code   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Reason)
}

func invalid(code, field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a command against static rules and declared parameter bounds.
// It has no side effects.
func Validate(cmd Command, params *Params) error {
	switch c := cmd.(type) {
	case Control:
		switch c.Op {
		case protocol.TypePause, protocol.TypeResume, protocol.TypeStep:
			return nil
		}
		return invalid(protocol.ErrUnknownType, "type", "unknown control %q", c.Op)
	case Transfer:
		if c.Amount <= 0 {
			return invalid(protocol.ErrOutOfRange, "amount", "must be positive, got %d", c.Amount)
		}
		if c.Source == c.Target {
			return invalid(protocol.ErrBadRequest, "target", "source and target are both %d", c.Source)
		}
		return validateCurrency(c.Currency)
	case LedgerMutation:
		if c.Amount == 0 {
			return invalid(protocol.ErrOutOfRange, "amount", "must be non-zero")
		}
		if c.Amount == math.MinInt64 {
			return invalid(protocol.ErrOutOfRange, "amount", "out of range")
		}
		return validateCurrency(c.Currency)
	case ParamChange:
		if params == nil {
			return invalid(protocol.ErrBadRequest, "key", "no parameters declared")
		}
		b, ok := params.Bound(c.Key)
		if !ok {
			return invalid(protocol.ErrBadRequest, "key", "undeclared parameter %q", c.Key)
		}
		if math.IsNaN(c.Value) || !b.Contains(c.Value) {
			return invalid(protocol.ErrOutOfRange, "value", "%v outside [%v, %v] for %s", c.Value, b.Min, b.Max, c.Key)
		}
		return nil
	case nil:
		return invalid(protocol.ErrBadRequest, "", "nil command")
	default:
		return invalid(protocol.ErrUnknownType, "type", "unsupported command %T", cmd)
	}
}

func validateCurrency(c money.Currency) error {
	if c == "" {
		return nil
	}
	if _, err := money.ParseCurrency(string(c)); err != nil {
		return invalid(protocol.ErrBadRequest, "currency", "%v", err)
	}
	return nil
}
