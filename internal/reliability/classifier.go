package reliability

import (
	"github.com/gorilla/websocket"
)

// IsRetryableModelErrorCode classifies speech model error codes worth a
// reconnect attempt. Auth and request-shape errors never recover on retry.
func IsRetryableModelErrorCode(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "session_expired", "overloaded":
		return true
	default:
		return false
	}
}

// IsRetryableCloseCode classifies websocket close codes that indicate a
// transient transport failure rather than a deliberate hangup.
func IsRetryableCloseCode(code int) bool {
	switch code {
	case websocket.CloseAbnormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater,
		websocket.CloseInternalServerErr:
		return true
	default:
		return false
	}
}
