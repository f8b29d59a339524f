package gateway

import "errors"

// Custom WebSocket close codes used by the gateway protocol. Standard codes (1000,
// 1001) are defined by RFC 6455; the 4000 range is reserved for application use.
// Spec §4.1 gives every authentication failure no hint: the socket is simply closed,
// so auth failures all share CloseAuthFailed rather than distinguishing the reason.
const (
	CloseAuthFailed    = 4004
	CloseUnknownAction = 4001
	CloseDecodeError   = 4002
	CloseRateLimited   = 4008
)

// Sentinel errors for gateway failure modes. Each maps to a close code above.
var (
	ErrAuthFailed    = errors.New("authentication failed")
	ErrUnknownAction = errors.New("unknown action")
	ErrDecodeError   = errors.New("payload decode error")
	ErrRateLimited   = errors.New("rate limit exceeded")
)
