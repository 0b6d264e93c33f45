package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

var errSendClosed = errors.New("send queue closed")
var errSendBacklog = errors.New("send queue full")

// Conn is the subset of *websocket.Conn the registry needs. Tests swap in
// an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// State models a session's protocol lifecycle. Transitions only move
// forward; StateClosed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthorizing
	StateActive
	StateClosing
	StateClosed
)

// Client owns one live connection: a write queue drained by a single
// writer goroutine, so concurrent broadcasts never interleave frames and
// events from one producer reach the socket in submission order.
type Client struct {
	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32
}

func newClient(conn Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// transition advances the lifecycle. Backward moves and moves out of
// StateClosed are refused.
func (c *Client) transition(to State) bool {
	for {
		current := c.state.Load()
		if State(current) >= to {
			return false
		}
		if c.state.CompareAndSwap(current, int32(to)) {
			return true
		}
	}
}

// enqueue hands a frame to the writer goroutine. It never blocks: a full
// queue means the consumer has stalled and is treated as a failed send.
func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errSendClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errSendClosed
	default:
		return errSendBacklog
	}
}

// writePump is the sole writer on the connection. onFail runs once when a
// write fails, after which the connection is unusable.
func (c *Client) writePump(onFail func()) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				onFail()
				return
			}
		}
	}
}

// close tears down the transport. Closing the connection unblocks any
// pending ReadMessage in the session's read loop.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
