package relay

import (
	"errors"

	"github.com/dkovacs/passage/internal/broker"
)

var (
	// ErrNotSubscribed rejects a publish from a connection that has not
	// subscribed to the topic. Only participants may publish.
	ErrNotSubscribed = errors.New("not subscribed to topic")
	// ErrInvalidMessage rejects a message with a missing or non-positive
	// ttl, an oversized payload, or a malformed envelope.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrSessionExpired marks an operation that referenced a topic whose
	// session record is gone. Not a hard failure: a subscribe on an expired
	// topic recreates the session.
	ErrSessionExpired = errors.New("session expired")
)

// Error codes carried on outbound error frames.
const (
	CodeBrokerUnavailable = "broker_unavailable"
	CodeNotSubscribed     = "not_subscribed"
	CodeInvalidMessage    = "invalid_message"
	CodeSessionExpired    = "session_expired"
	CodeBadRequest        = "bad_request"
)

func isBrokerUnavailable(err error) bool {
	return errors.Is(err, broker.ErrUnavailable)
}
