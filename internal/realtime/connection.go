package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Close codes sent to clients in addition to the RFC 6455 ones
const (
	CloseSlowConsumer  = 4008
	CloseHeartbeatLost = 4009
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("connection buffer exceeded")
)

// State is the lifecycle stage of a live connection
type State int32

const (
	StateConnecting State = iota
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Peer is what the registry and router need from a live connection
type Peer interface {
	ID() string
	UserID() string
	Send(payload []byte) error
	Close(code int, reason string)
	MarkLive() bool
	State() State
	LastSeen() time.Time
}

// Options tunes the write side of a connection
type Options struct {
	SendBuffer int
	WriteWait  time.Duration
	PingPeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 128
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	return o
}

// Connection wraps a websocket and coordinates outbound writes via a buffered
// channel. All writes happen on the write loop; Send never blocks.
type Connection struct {
	id     string
	userID string

	ws       *websocket.Conn
	opts     Options
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	state    atomic.Int32
	lastSeen atomic.Int64
}

// NewConnection constructs a Connection in the Connecting state
func NewConnection(userID string, ws *websocket.Conn, opts Options) *Connection {
	opts = opts.withDefaults()
	c := &Connection{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		opts:   opts,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
	}
	c.Touch()
	return c
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// State reports the current lifecycle stage
func (c *Connection) State() State {
	return State(c.state.Load())
}

// MarkLive moves a connecting connection to Live. It reports false once the
// connection is closed.
func (c *Connection) MarkLive() bool {
	if c.state.CompareAndSwap(int32(StateConnecting), int32(StateLive)) {
		return true
	}
	return c.State() == StateLive
}

// Touch records inbound activity
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last inbound frame or pong
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Done is closed when the connection closes
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. If the client is slow and the buffer is
// full, the connection is closed to keep backpressure bounded.
func (c *Connection) Send(payload []byte) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(CloseSlowConsumer, "send buffer full")
		return ErrSlowConsumer
	}
}

// Close terminates the connection and stops the write loop. Closed is terminal.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		deadline := time.Now().Add(c.opts.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
