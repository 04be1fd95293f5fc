package gateway

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaylabs/relay/internal/broker"
)

// client is one websocket connection. It implements broker.Conn: Send
// enqueues an encoded event to the write pump without blocking, so the
// broker never waits on socket I/O.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, sendBuffer int) *client {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// ID returns the connection's unique identifier.
func (c *client) ID() string {
	return c.id
}

// Send encodes evt and enqueues it for the write pump.
//
// Postcondition: Returns an error if the client is closed or its queue
// is full; the broker treats either as an implicit disconnect.
func (c *client) Send(evt broker.Event) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", evt.Kind(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection %s is closed", c.id)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("connection %s send buffer full", c.id)
	}
}

// close marks the client closed and closes the send channel, which
// makes the write pump flush and exit. Idempotent.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
