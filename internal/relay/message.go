package relay

import "fmt"

// MessageKind classifies relayed traffic. The relay treats all kinds
// identically; the distinction exists for the peers.
type MessageKind string

const (
	KindRequest  MessageKind = "request"
	KindResponse MessageKind = "response"
	KindEvent    MessageKind = "event"
)

// EncryptedPayload is the end-to-end-encrypted envelope. All three fields
// are opaque base64 strings; the relay never parses, decrypts, or
// re-encodes them, since any bit-level change would break the recipient's
// authentication check.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
}

func (p EncryptedPayload) size() int64 {
	return int64(len(p.Ciphertext) + len(p.IV) + len(p.Tag))
}

// RelayMessage is one unit of relayed traffic.
type RelayMessage struct {
	ID        string           `json:"id"`
	Topic     string           `json:"topic"`
	Kind      MessageKind      `json:"kind"`
	Payload   EncryptedPayload `json:"payload"`
	Timestamp int64            `json:"timestamp"`
	// TTL is the number of seconds the relay attempts delivery before the
	// message is considered expired.
	TTL int64 `json:"ttl"`
}

// Validate checks the parts of a message the relay is allowed to inspect.
// Payload contents stay opaque; only the combined field size is bounded.
func (m *RelayMessage) Validate(maxSize int64) error {
	switch m.Kind {
	case KindRequest, KindResponse, KindEvent:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	if m.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidMessage)
	}
	if m.Payload.Ciphertext == "" || m.Payload.IV == "" || m.Payload.Tag == "" {
		return fmt.Errorf("%w: incomplete encrypted payload", ErrInvalidMessage)
	}
	if size := m.Payload.size(); size > maxSize {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrInvalidMessage, size, maxSize)
	}
	return nil
}

// envelope wraps a message for broker transit. The origin process and
// connection ids let the delivery path suppress the publisher's own echo.
type envelope struct {
	ProcessID string       `json:"pid"`
	ConnID    string       `json:"cid"`
	Message   RelayMessage `json:"message"`
}
