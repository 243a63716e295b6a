package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dkovacs/passage/internal/relay"
)

// outboundBuffer is the per-connection send queue depth. Send fails once
// the queue is full so one slow client cannot back-pressure fan-out.
const outboundBuffer = 64

// wsConn adapts a gorilla websocket to relay.Conn. All writes funnel
// through a single writer goroutine; gorilla connections allow only one
// concurrent writer.
type wsConn struct {
	id    string
	owner string
	sock  *websocket.Conn

	out    chan relay.Frame
	closed chan struct{}
	once   sync.Once
}

func newWSConn(sock *websocket.Conn, owner string) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		owner:  owner,
		sock:   sock,
		out:    make(chan relay.Frame, outboundBuffer),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) ID() string    { return c.id }
func (c *wsConn) Owner() string { return c.owner }

// Send queues a frame for the writer goroutine. It never blocks: a full
// queue or a closed connection is reported as an error and the engine
// treats the delivery as failed for this connection only.
func (c *wsConn) Send(frame relay.Frame) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection %s is closed", c.id)
	default:
	}

	select {
	case c.out <- frame:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection %s is closed", c.id)
	default:
		return fmt.Errorf("send buffer full for connection %s", c.id)
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		_ = c.sock.Close()
	})
	return nil
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case frame := <-c.out:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.sock.WriteJSON(frame); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
