package broker

import "fmt"

// AuthError means the credential itself is unusable: bad keys, or the broker
// rejected a freshly issued token. Fatal for the session; callers stop trading.
type AuthError struct {
	Message string
	Cause   error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("auth: %s", e.Message)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// TransientError means retries were exhausted on 5xx or network faults.
// The call is treated as "no data" for this cycle.
type TransientError struct {
	Endpoint string
	Attempts int
	Cause    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// ProtocolError is an unexpected non-auth 4xx: a deterministic client-side
// mistake. Never retried.
type ProtocolError struct {
	Endpoint string
	Status   int
	Body     string // truncated
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s returned %d: %s", e.Endpoint, e.Status, e.Body)
}

// OrderRejectedError is a domain-level rejection from the broker (insufficient
// funds, closed market, bad quantity). The transport succeeded; the order
// did not. Not auto-retried within the cycle.
type OrderRejectedError struct {
	Code    string // broker rt_cd / msg_cd
	Message string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order rejected (%s): %s", e.Code, e.Message)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
