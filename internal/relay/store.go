package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkovacs/passage/internal/broker"
)

// SessionStore manages session records in the shared broker. All mutation
// goes through the broker's atomic primitives: SetNX for creation and a
// compare-and-set Update for transitions, so no two transitions for the
// same topic apply out of order and no process assumes ownership.
type SessionStore struct {
	broker broker.Broker
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionStore creates a store with the given sliding expiry window.
func NewSessionStore(b broker.Broker, ttl time.Duration) *SessionStore {
	return &SessionStore{broker: b, ttl: ttl, now: time.Now}
}

// SetClock replaces the store's time source. Tests only.
func (s *SessionStore) SetClock(now func() time.Time) { s.now = now }

func sessionKey(topic string) string { return "session:" + topic }

// CreateOrGet returns the session for topic, creating it in pending state
// if none exists. Concurrent creators race on the broker's conditional
// set; exactly one wins and the losers read back the winner's record.
// created reports whether this call created the session.
func (s *SessionStore) CreateOrGet(ctx context.Context, topic, owner string) (sess Session, created bool, err error) {
	// Two rounds cover the window where the winner's record expires
	// between our losing SetNX and the read-back.
	for attempt := 0; attempt < 2; attempt++ {
		now := s.now()
		candidate := Session{
			Topic:        topic,
			Owner:        owner,
			State:        StatePending,
			CreatedAt:    now.Unix(),
			ExpiresAt:    now.Add(s.ttl).Unix(),
			LastActivity: now.Unix(),
		}
		raw, err := json.Marshal(candidate)
		if err != nil {
			return Session{}, false, err
		}

		won, err := s.broker.SetNX(ctx, sessionKey(topic), raw, s.ttl)
		if err != nil {
			return Session{}, false, err
		}
		if won {
			return candidate, true, nil
		}

		existing, err := s.Get(ctx, topic)
		if errors.Is(err, ErrSessionExpired) {
			continue
		}
		return existing, false, err
	}
	return Session{}, false, fmt.Errorf("session for topic %q kept expiring during creation", topic)
}

// Get returns the current session record. A missing record is reported as
// ErrSessionExpired with an expired placeholder, never as a hard failure.
func (s *SessionStore) Get(ctx context.Context, topic string) (Session, error) {
	raw, err := s.broker.Get(ctx, sessionKey(topic))
	if errors.Is(err, broker.ErrNotFound) {
		return Session{Topic: topic, State: StateExpired}, ErrSessionExpired
	}
	if err != nil {
		return Session{}, err
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, fmt.Errorf("corrupt session record for topic %q: %w", topic, err)
	}
	return sess, nil
}

// Activate transitions the session to active. Valid from pending (first
// publish or second distinct subscriber), from disconnected (a topic
// regaining a subscriber) and from active itself (activity refresh).
func (s *SessionStore) Activate(ctx context.Context, topic string) (Session, error) {
	return s.transition(ctx, topic, func(sess *Session) error {
		sess.State = StateActive
		sess.LastActivity = s.now().Unix()
		return nil
	})
}

// Touch refreshes lastActivity and re-extends the sliding expiry window.
// ExpiresAt strictly increases on every call.
func (s *SessionStore) Touch(ctx context.Context, topic string) (Session, error) {
	return s.transition(ctx, topic, func(sess *Session) error {
		now := s.now()
		sess.LastActivity = now.Unix()
		next := now.Add(s.ttl).Unix()
		if next <= sess.ExpiresAt {
			next = sess.ExpiresAt + 1
		}
		sess.ExpiresAt = next
		return nil
	})
}

// MarkDisconnected transitions the session to disconnected once the
// distributed subscriber count for the topic reaches zero. The record
// remains queryable until its TTL runs out.
func (s *SessionStore) MarkDisconnected(ctx context.Context, topic string) (Session, error) {
	return s.transition(ctx, topic, func(sess *Session) error {
		sess.State = StateDisconnected
		sess.LastActivity = s.now().Unix()
		return nil
	})
}

// transition applies a state change under the broker's compare-and-set.
// Every successful write refreshes the record's broker TTL to the full
// window, since any transition counts as activity.
func (s *SessionStore) transition(ctx context.Context, topic string, apply func(*Session) error) (Session, error) {
	var out Session
	err := s.broker.Update(ctx, sessionKey(topic), s.ttl, func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, ErrSessionExpired
		}
		var sess Session
		if err := json.Unmarshal(old, &sess); err != nil {
			return nil, fmt.Errorf("corrupt session record for topic %q: %w", topic, err)
		}
		if err := apply(&sess); err != nil {
			return nil, err
		}
		out = sess
		return json.Marshal(sess)
	})
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return Session{Topic: topic, State: StateExpired}, err
		}
		return Session{}, err
	}
	return out, nil
}
