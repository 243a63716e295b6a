package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDedup_Seen(t *testing.T) {
	d := NewDedup()

	require.False(t, d.Seen("m1", time.Minute))
	require.True(t, d.Seen("m1", time.Minute))
	require.False(t, d.Seen("m2", time.Minute))
	require.Equal(t, 2, d.Len())
}

func TestDedup_ExpiryFreesID(t *testing.T) {
	d := NewDedup()

	now := time.Now()
	d.SetClock(func() time.Time { return now })

	require.False(t, d.Seen("m1", 30*time.Second))
	require.True(t, d.Seen("m1", 30*time.Second))

	// Past its TTL the id is forgotten and may be recorded again.
	now = now.Add(time.Minute)
	require.False(t, d.Seen("m1", 30*time.Second))
}

func TestDedup_Prune(t *testing.T) {
	d := NewDedup()

	now := time.Now()
	d.SetClock(func() time.Time { return now })

	for _, id := range []string{"a", "b", "c"} {
		require.False(t, d.Seen(id, time.Second))
	}
	require.Equal(t, 3, d.Len())

	// A later lookup past both the entries' TTL and the prune interval
	// sweeps the dead ids out.
	now = now.Add(5 * time.Second)
	require.False(t, d.Seen("d", time.Second))
	require.Equal(t, 1, d.Len())
}
