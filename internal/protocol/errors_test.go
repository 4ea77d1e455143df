package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrBadRequest,
		ErrOutOfRange,
		ErrType,
		ErrUnknownType,
		ErrKernelAborted,
		ErrQueueFull,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestError_As(t *testing.T) {
	err := fmt.Errorf("decode: %w", &Error{Code: ErrType, Message: "amount"})
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != ErrType {
		t.Fatalf("errors.As: %v", err)
	}
	if pe.Error() != "E_TYPE: amount" {
		t.Fatalf("message: %q", pe.Error())
	}
}
