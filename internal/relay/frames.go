package relay

import "errors"

// ProtocolVersion is sent in the greeting frame.
const ProtocolVersion = 1

// Inbound operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpPing        = "ping"
)

// Outbound operations.
const (
	OpGreeting = "greeting"
	OpAck      = "ack"
	OpEvent    = "event"
	OpPong     = "pong"
	OpError    = "error"
	OpBye      = "bye"
)

// supportedOps is advertised in the greeting frame.
var supportedOps = []string{OpSubscribe, OpUnsubscribe, OpPublish, OpPing}

// InboundFrame is one control frame received from a client.
type InboundFrame struct {
	Op      string        `json:"op"`
	Topic   string        `json:"topic,omitempty"`
	Message *RelayMessage `json:"message,omitempty"`
}

// Frame is one control frame sent to a client.
type Frame struct {
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
	// SessionState accompanies acks so clients can observe the session
	// lifecycle without a separate query.
	SessionState SessionState `json:"sessionState,omitempty"`
	// MessageID correlates a publish ack with the message it accepted.
	MessageID string        `json:"messageId,omitempty"`
	Message   *RelayMessage `json:"message,omitempty"`
	Code      string        `json:"code,omitempty"`
	Error     string        `json:"error,omitempty"`

	// Greeting fields.
	Version        int      `json:"version,omitempty"`
	Ops            []string `json:"ops,omitempty"`
	MaxMessageSize int64    `json:"maxMessageSize,omitempty"`
}

// GreetingFrame is sent once on accept. The maximum message size is a
// policy value, not negotiated per connection.
func GreetingFrame(maxMessageSize int64) Frame {
	return Frame{
		Op:             OpGreeting,
		Version:        ProtocolVersion,
		Ops:            supportedOps,
		MaxMessageSize: maxMessageSize,
	}
}

// AckFrame acknowledges a subscribe, unsubscribe or publish.
func AckFrame(topic string, state SessionState, messageID string) Frame {
	return Frame{Op: OpAck, Topic: topic, SessionState: state, MessageID: messageID}
}

// EventFrame carries a delivered message to a subscriber.
func EventFrame(msg RelayMessage) Frame {
	return Frame{Op: OpEvent, Topic: msg.Topic, Message: &msg}
}

// PongFrame answers a ping.
func PongFrame() Frame { return Frame{Op: OpPong} }

// ByeFrame is the best-effort going-away signal sent during shutdown.
func ByeFrame() Frame { return Frame{Op: OpBye} }

// ErrorFrame maps an error from the relay taxonomy onto an outbound error
// frame with a stable code.
func ErrorFrame(topic string, err error) Frame {
	code := CodeBadRequest
	switch {
	case errors.Is(err, ErrNotSubscribed):
		code = CodeNotSubscribed
	case errors.Is(err, ErrInvalidMessage):
		code = CodeInvalidMessage
	case errors.Is(err, ErrSessionExpired):
		code = CodeSessionExpired
	case isBrokerUnavailable(err):
		code = CodeBrokerUnavailable
	}
	return Frame{Op: OpError, Topic: topic, Code: code, Error: err.Error()}
}
