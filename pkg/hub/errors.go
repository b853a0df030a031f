package hub

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by client operations. Wrapped errors carry the
// underlying cause; match with errors.Is.
var (
	// ErrConnectTimeout means a connect attempt exceeded its deadline.
	ErrConnectTimeout = errors.New("hub: connect timeout")

	// ErrConnectionLost means the transport closed while requests were
	// outstanding. Every affected request fails with this error.
	ErrConnectionLost = errors.New("hub: connection lost")

	// ErrRequestTimeout means a correlated request exceeded its deadline.
	// The connection itself stays up.
	ErrRequestTimeout = errors.New("hub: request timeout")

	// ErrReconnectExhausted means the maximum reconnect attempts were
	// reached. No further automatic retries happen until Connect is called
	// again.
	ErrReconnectExhausted = errors.New("hub: reconnect attempts exhausted")

	// ErrSubscriptionRejected means the hub declined a subscription.
	ErrSubscriptionRejected = errors.New("hub: subscription rejected")

	// ErrDisconnected means the operation was cut short by an explicit
	// Disconnect call.
	ErrDisconnected = errors.New("hub: client disconnected")

	// ErrQueueFull means the outbound queue hit its limit while the
	// connection was down.
	ErrQueueFull = errors.New("hub: outbound queue full")

	// ErrRateLimited means a publish was dropped by the local rate limit.
	ErrRateLimited = errors.New("hub: publish rate limit exceeded")
)

// RequestError is returned when the hub answers a correlated request with an
// error envelope.
type RequestError struct {
	Code      string
	Message   string
	Details   any
	Retryable bool
}

func (e *RequestError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("hub: request failed: %s", e.Message)
	}
	return fmt.Sprintf("hub: request failed: %s (%s)", e.Message, e.Code)
}

// SubscriptionError carries the hub's reason for declining a subscription.
type SubscriptionError struct {
	Event  string
	Code   string
	Reason string
}

func (e *SubscriptionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("hub: subscription to %q rejected (%s)", e.Event, e.Code)
	}
	return fmt.Sprintf("hub: subscription to %q rejected: %s (%s)", e.Event, e.Reason, e.Code)
}

// Unwrap lets errors.Is(err, ErrSubscriptionRejected) match.
func (e *SubscriptionError) Unwrap() error { return ErrSubscriptionRejected }
