package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkovacs/passage/internal/broker"
)

func newTestStore(t *testing.T) (*SessionStore, *broker.Memory) {
	t.Helper()
	b := broker.NewMemory()
	t.Cleanup(func() { b.Close() })
	return NewSessionStore(b, 5*time.Minute), b
}

func TestSessionStore_CreateOrGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, created, err := store.CreateOrGet(ctx, "abc", "app-1")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "abc", sess.Topic)
	require.Equal(t, "app-1", sess.Owner)
	require.Equal(t, StatePending, sess.State)
	require.Greater(t, sess.ExpiresAt, sess.CreatedAt)

	// Second creator loses the race and reads back the winner's record.
	again, created, err := store.CreateOrGet(ctx, "abc", "app-2")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, sess.Owner, again.Owner)
	require.Equal(t, sess.CreatedAt, again.CreatedAt)
}

func TestSessionStore_GetMissingIsExpired(t *testing.T) {
	store, _ := newTestStore(t)

	sess, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, StateExpired, sess.State)
}

func TestSessionStore_Activate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.CreateOrGet(ctx, "abc", "")
	require.NoError(t, err)

	sess, err := store.Activate(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, StateActive, sess.State)

	// Activating an active session is a refresh, not an error.
	sess, err = store.Activate(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, StateActive, sess.State)
}

func TestSessionStore_TouchStrictlyExtends(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.CreateOrGet(ctx, "abc", "")
	require.NoError(t, err)

	first, err := store.Touch(ctx, "abc")
	require.NoError(t, err)

	// Even within the same second the expiry must strictly increase.
	second, err := store.Touch(ctx, "abc")
	require.NoError(t, err)
	require.Greater(t, second.ExpiresAt, first.ExpiresAt)

	third, err := store.Touch(ctx, "abc")
	require.NoError(t, err)
	require.Greater(t, third.ExpiresAt, second.ExpiresAt)
}

func TestSessionStore_TouchExpiredTopic(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Touch(context.Background(), "gone")
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionStore_MarkDisconnected(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.CreateOrGet(ctx, "abc", "")
	require.NoError(t, err)
	_, err = store.Activate(ctx, "abc")
	require.NoError(t, err)

	sess, err := store.MarkDisconnected(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, StateDisconnected, sess.State)

	// A disconnected topic that regains a subscriber becomes active again.
	sess, err = store.Activate(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, StateActive, sess.State)
}

func TestSessionStore_PassiveExpiry(t *testing.T) {
	b := broker.NewMemory()
	t.Cleanup(func() { b.Close() })

	now := time.Now()
	b.SetClock(func() time.Time { return now })

	store := NewSessionStore(b, time.Minute)
	ctx := context.Background()

	_, _, err := store.CreateOrGet(ctx, "abc", "")
	require.NoError(t, err)

	// Untouched past its TTL, the record is unreachable on next access.
	now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "abc")
	require.ErrorIs(t, err, ErrSessionExpired)

	// Re-creating after expiry starts fresh.
	sess, created, err := store.CreateOrGet(ctx, "abc", "")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, StatePending, sess.State)
}
