package relay

// SessionState is the lifecycle state of a relay session.
//
// The state machine is pending -> active -> disconnected, with expiry
// happening passively through the broker's TTL. Expired is terminal and
// observable only by absence of the record. Backward transitions are
// forbidden except disconnected -> active when a topic regains a
// subscriber (re-entry, not a new state).
type SessionState string

const (
	StatePending      SessionState = "pending"
	StateActive       SessionState = "active"
	StateExpired      SessionState = "expired"
	StateDisconnected SessionState = "disconnected"
)

// Session is the relay's bookkeeping record for one topic. It lives in the
// shared broker under session:{topic}; no single process owns it.
type Session struct {
	// Topic is the opaque routing key. All parties who know it may
	// subscribe and publish.
	Topic string `json:"topic"`
	// Owner is the id of the application that created the session,
	// recorded for reference only; it carries no lifecycle authority.
	Owner string       `json:"owner,omitempty"`
	State SessionState `json:"state"`
	// Timestamps are seconds since epoch. ExpiresAt > CreatedAt always.
	CreatedAt    int64 `json:"createdAt"`
	ExpiresAt    int64 `json:"expiresAt"`
	LastActivity int64 `json:"lastActivity"`
}
