package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Command validation.
	ErrBadRequest  = "E_BAD_REQUEST"
	ErrOutOfRange  = "E_OUT_OF_RANGE"
	ErrType        = "E_TYPE"
	ErrUnknownType = "E_UNKNOWN_TYPE"

	// Kernel state.
	ErrKernelAborted = "E_KERNEL_ABORTED"
	ErrQueueFull     = "E_QUEUE_FULL"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrOutOfRange:      {},
	ErrType:            {},
	ErrUnknownType:     {},
	ErrKernelAborted:   {},
	ErrQueueFull:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is a coded protocol failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}
