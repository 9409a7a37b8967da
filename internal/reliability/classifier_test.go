package reliability

import (
	"testing"

	"github.com/gorilla/websocket"
)

func TestIsRetryableModelErrorCode(t *testing.T) {
	if !IsRetryableModelErrorCode("rate_limit_exceeded") {
		t.Fatalf("rate_limit_exceeded should be retryable")
	}
	if IsRetryableModelErrorCode("invalid_request_error") {
		t.Fatalf("invalid_request_error should not be retryable")
	}
}

func TestIsRetryableCloseCode(t *testing.T) {
	if !IsRetryableCloseCode(websocket.CloseGoingAway) {
		t.Fatalf("going away should be retryable")
	}
	if IsRetryableCloseCode(websocket.CloseNormalClosure) {
		t.Fatalf("normal closure should not be retryable")
	}
}
