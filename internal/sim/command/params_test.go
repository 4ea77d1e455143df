package command

import "testing"

func TestParams_SetAndUndo(t *testing.T) {
	p := newParams(t)
	undo, err := p.Set(ParamBaseRate, 0.12)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := p.Get(ParamBaseRate); v != 0.12 {
		t.Fatalf("get: %v", v)
	}
	undo()
	if v, _ := p.Get(ParamBaseRate); v != 0.05 {
		t.Fatalf("after undo: %v", v)
	}

	if _, err := p.Set(ParamBaseRate, 0.25); err == nil {
		t.Fatalf("out of bounds value accepted")
	}
	if _, err := p.Set("nope", 1); err == nil {
		t.Fatalf("undeclared key accepted")
	}
}

func TestNewParams_RejectsBadDeclarations(t *testing.T) {
	if _, err := NewParams(map[string]Bound{"x": {Min: 1, Max: 0}}, nil); err == nil {
		t.Fatalf("inverted bound accepted")
	}
	if _, err := NewParams(map[string]Bound{"x": {Min: 0, Max: 1}}, map[string]float64{"y": 0.5}); err == nil {
		t.Fatalf("undeclared default accepted")
	}
	if _, err := NewParams(map[string]Bound{"x": {Min: 0, Max: 1}}, map[string]float64{"x": 2}); err == nil {
		t.Fatalf("out of range default accepted")
	}
}

func TestValidate(t *testing.T) {
	p := newParams(t)
	cases := []struct {
		cmd  Command
		code string
	}{
		{Transfer{Source: 1, Target: 2, Amount: 0}, "E_OUT_OF_RANGE"},
		{Transfer{Source: 1, Target: 1, Amount: 5}, "E_BAD_REQUEST"},
		{Transfer{Source: 1, Target: 2, Amount: 5, Currency: "XXQ"}, "E_BAD_REQUEST"},
		{LedgerMutation{Target: 1}, "E_OUT_OF_RANGE"},
		{ParamChange{Key: "unknown", Value: 0}, "E_BAD_REQUEST"},
		{ParamChange{Key: ParamBaseRate, Value: 1.5}, "E_OUT_OF_RANGE"},
		{Control{Op: "REWIND"}, "E_UNKNOWN_TYPE"},
		{Transfer{Source: 1, Target: 2, Amount: 5}, ""},
		{ParamChange{Key: ParamBaseRate, Value: 0.2}, ""},
	}
	for _, c := range cases {
		err := Validate(c.cmd, p)
		if got := code(err); got != c.code {
			t.Fatalf("%+v: want %q got %q (%v)", c.cmd, c.code, got, err)
		}
	}
}
