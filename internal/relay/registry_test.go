package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn records frames sent to it. It implements Conn for tests and is
// safe for the engine's concurrent delivery path.
type fakeConn struct {
	id    string
	owner string

	mu     sync.Mutex
	frames []Frame
	closed bool
	fail   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string    { return c.id }
func (c *fakeConn) Owner() string { return c.owner }

func (c *fakeConn) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return ErrInvalidMessage
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Frames returns a snapshot of everything sent so far.
func (c *fakeConn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// FramesByOp filters the snapshot down to one op.
func (c *fakeConn) FramesByOp(op string) []Frame {
	var out []Frame
	for _, f := range c.Frames() {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRegistry_AddRemove(t *testing.T) {
	r := NewRegistry()
	c1 := newFakeConn("c1")

	r.Add(c1)
	require.Equal(t, 1, r.Len())

	require.True(t, r.Subscribe("c1", "abc"))
	require.True(t, r.Subscribe("c1", "def"))

	topics := r.Remove("c1")
	require.ElementsMatch(t, []string{"abc", "def"}, topics)
	require.Equal(t, 0, r.Len())
	require.Empty(t, r.TopicConns("abc"))

	// Removing again is a no-op.
	require.Nil(t, r.Remove("c1"))
}

func TestRegistry_Subscribe(t *testing.T) {
	r := NewRegistry()
	c1 := newFakeConn("c1")
	r.Add(c1)

	require.True(t, r.Subscribe("c1", "abc"))
	require.False(t, r.Subscribe("c1", "abc"), "duplicate subscribe is not new")
	require.True(t, r.IsSubscribed("c1", "abc"))

	// Unknown connections cannot subscribe.
	require.False(t, r.Subscribe("ghost", "abc"))
	require.False(t, r.IsSubscribed("ghost", "abc"))
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := NewRegistry()
	c1 := newFakeConn("c1")
	r.Add(c1)

	require.False(t, r.Unsubscribe("c1", "abc"), "not subscribed yet")

	require.True(t, r.Subscribe("c1", "abc"))
	require.True(t, r.Unsubscribe("c1", "abc"))
	require.False(t, r.IsSubscribed("c1", "abc"))
	require.False(t, r.Unsubscribe("c1", "abc"))
}

func TestRegistry_TopicConns(t *testing.T) {
	r := NewRegistry()
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")
	c3 := newFakeConn("c3")
	r.Add(c1)
	r.Add(c2)
	r.Add(c3)

	r.Subscribe("c1", "abc")
	r.Subscribe("c2", "abc")
	r.Subscribe("c3", "other")

	conns := r.TopicConns("abc")
	require.Len(t, conns, 2)

	ids := []string{conns[0].ID(), conns[1].ID()}
	require.ElementsMatch(t, []string{"c1", "c2"}, ids)

	require.Empty(t, r.TopicConns("missing"))
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	c1 := newFakeConn("c1")
	r.Add(c1)
	r.Subscribe("c1", "abc")

	conns := r.TopicConns("abc")
	require.Len(t, conns, 1)

	// Mutating the registry does not affect an already-taken snapshot.
	r.Remove("c1")
	require.Len(t, conns, 1)
	require.Empty(t, r.TopicConns("abc"))
}

func TestRegistry_Idle(t *testing.T) {
	r := NewRegistry()
	c1 := newFakeConn("c1")
	r.Add(c1)

	// A cutoff in the past finds nothing; one in the future finds the
	// untouched connection.
	require.Empty(t, r.Idle(time.Now().Add(-time.Second)))
	idle := r.Idle(time.Now().Add(time.Second))
	require.Len(t, idle, 1)
	require.Equal(t, "c1", idle[0].ID())

	// Touch refreshes last-seen past the old cutoff.
	cutoff := time.Now()
	time.Sleep(time.Millisecond)
	r.Touch("c1")
	require.Empty(t, r.Idle(cutoff))
}
