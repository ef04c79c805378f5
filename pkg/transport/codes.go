package transport

import "github.com/coder/websocket"

// Close codes sent to clients. The first six are standard WebSocket status
// codes; the 4xxx range carries gateway-specific semantics that clients key
// their reconnect behavior on, so the numbers are part of the protocol.
const (
	CloseNormal          = websocket.StatusNormalClosure
	CloseGoingAway       = websocket.StatusGoingAway
	ClosePolicyViolation = websocket.StatusPolicyViolation
	CloseMessageTooBig   = websocket.StatusMessageTooBig
	CloseOverloaded      = websocket.StatusTryAgainLater

	CloseAuthFailed  = websocket.StatusCode(4001)
	CloseForbidden   = websocket.StatusCode(4003)
	CloseRateLimited = websocket.StatusCode(4029)
)
