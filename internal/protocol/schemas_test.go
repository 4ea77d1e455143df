package protocol_test

import (
	"errors"
	"testing"

	"macrosim.ai/internal/protocol"
)

func TestDecodeCommand_Samples(t *testing.T) {
	good := []string{
		`{"type":"PAUSE"}`,
		`{"type":"STEP","protocol_version":"1.0"}`,
		`{"type":"SET_BASE_RATE","payload":{"rate":0.05}}`,
		`{"type":"SET_TAX_RATE","payload":{"tax_type":"income","rate":0.2}}`,
		`{"type":"SET_PARAM","payload":{"key":"fiscal.welfare_budget_ratio","value":0.1}}`,
		`{"type":"INJECT_MONEY","id":"c1","payload":{"target":42,"amount":5000,"reason":"stimulus"}}`,
		`{"type":"DESTROY_MONEY","payload":{"target":3,"amount":10}}`,
		`{"type":"TRANSFER","payload":{"source":1,"target":2,"amount":700,"currency":"USD"}}`,
		// unknown types pass the envelope; the command layer rejects them by code
		`{"type":"FROBNICATE","payload":{}}`,
		// fractional amounts pass the schema; the command layer rejects them as E_TYPE
		`{"type":"INJECT_MONEY","payload":{"target":42,"amount":12.5}}`,
	}
	for _, s := range good {
		m, err := protocol.DecodeCommand([]byte(s))
		if err != nil {
			t.Fatalf("decode %s: %v", s, err)
		}
		if m.Type == "" {
			t.Fatalf("decode %s: empty type", s)
		}
	}
}

func TestDecodeCommand_Rejects(t *testing.T) {
	cases := []struct{ in, code string }{
		{`not json`, protocol.ErrProtoBadRequest},
		{`{"payload":{}}`, protocol.ErrBadRequest},
		{`{"type":"SET_BASE_RATE"}`, protocol.ErrBadRequest},
		{`{"type":"SET_BASE_RATE","payload":{"rate":"high"}}`, protocol.ErrBadRequest},
		{`{"type":"TRANSFER","payload":{"source":1,"amount":5}}`, protocol.ErrBadRequest},
		{`{"type":"PAUSE","extra":true}`, protocol.ErrBadRequest},
	}
	for _, c := range cases {
		in, code := c.in, c.code
		_, err := protocol.DecodeCommand([]byte(in))
		var pe *protocol.Error
		if !errors.As(err, &pe) {
			t.Fatalf("decode %s: want *protocol.Error, got %v", in, err)
		}
		if pe.Code != code {
			t.Fatalf("decode %s: code %s want %s", in, pe.Code, code)
		}
	}
}
