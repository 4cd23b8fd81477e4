package relay

import (
	"sync"
	"sync/atomic"

	"github.com/blukai/acewing/internal/room"
	"github.com/google/uuid"
)

// Transport is the outbound side of a client connection.
type Transport interface {
	// Send queues data for delivery without waiting for it to be written.
	Send(data []byte) error
	// Close tears the connection down. The owner of the read side is
	// expected to call Dispatcher.HandleDisconnect afterwards.
	Close() error
}

// Conn is the broker's record of one client.
type Conn struct {
	id        string
	transport Transport
	alive     atomic.Bool

	mu     sync.Mutex
	room   *room.Room
	closed bool
}

func NewConn(transport Transport) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		transport: transport,
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Send(data []byte) error {
	return c.transport.Send(data)
}

// Matchable reports whether c may still be seated by matchmaking: the
// disconnect path has not run and c is in no room.
func (c *Conn) Matchable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.room == nil
}

func (c *Conn) Room() *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// IsHost reports whether c is currently the host of its room.
func (c *Conn) IsHost() bool {
	r := c.Room()
	return r != nil && r.IsHost(c.id)
}

// MarkAlive records a heartbeat answer.
func (c *Conn) MarkAlive() {
	c.alive.Store(true)
}

// ExpectPong reports whether c answered since the previous call and clears
// the flag for the next heartbeat round.
func (c *Conn) ExpectPong() bool {
	return c.alive.Swap(false)
}

// Terminate closes the transport.
func (c *Conn) Terminate() error {
	return c.transport.Close()
}

// attach records r as c's room. It fails when c is closed or already sits
// in a room; a matched waiter is seated from the requester's goroutine, so
// its own handlers may have seated it elsewhere in the meantime.
func (c *Conn) attach(r *room.Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.room != nil {
		return false
	}
	c.room = r
	return true
}

// release clears c's room if it still is r.
func (c *Conn) release(r *room.Room) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.room == r {
		c.room = nil
	}
}

// detach clears c's room and returns the previous one.
func (c *Conn) detach() *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.room
	c.room = nil
	return r
}

// close marks c closed and returns its room.
func (c *Conn) close() *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	r := c.room
	c.room = nil
	return r
}
