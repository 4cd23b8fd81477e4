package relay

import (
	"sync"
	"testing"

	"github.com/blukai/acewing/internal/matchmaking"
	"github.com/blukai/acewing/internal/protocol"
	"github.com/blukai/acewing/internal/room"
	"github.com/matryer/is"
)

// Matched waiters are seated from the requester's goroutine. These tests
// replay what the waiter's own goroutine can do in between.

type outbox struct {
	mu    sync.Mutex
	types []protocol.Type
}

func (o *outbox) Send(data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.types = append(o.types, msg.Type())
	return nil
}

func (o *outbox) Close() error { return nil }

func (o *outbox) received(typ protocol.Type) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, t := range o.types {
		if t == typ {
			n++
		}
	}
	return n
}

func newSeatingDispatcher() (*Dispatcher, *room.Registry) {
	registry := room.NewRegistry()
	return NewDispatcher(registry, matchmaking.NewMatchmaker(registry), nil), registry
}

func newTestConn() (*Conn, *outbox) {
	out := &outbox{}
	return NewConn(out), out
}

func TestSeatWaiterJoinedElsewhere(t *testing.T) {
	is := is.New(t)
	d, registry := newSeatingDispatcher()
	waiter, waiterOut := newTestConn()
	requester, requesterOut := newTestConn()

	d.HandleMessage(waiter, []byte(`{"type":"matchmake"}`))
	match, err := d.matchmaker.Request(requester, protocol.DefaultMode, protocol.DefaultStage)
	is.NoErr(err)
	is.True(match != nil)

	// the waiter joins a room of its own before being seated
	d.HandleMessage(waiter, []byte(`{"type":"join","room":"OTHER"}`))
	other, ok := registry.Get("OTHER")
	is.True(ok)
	is.Equal(waiter.Room(), other)

	is.True(!d.seat(requester, match))
	is.Equal(waiter.Room(), other) // still in the room it joined
	is.True(requester.Room() == nil)
	_, ok = registry.Get(match.Room.Code())
	is.True(!ok) // match room scrapped
	is.Equal(other.MemberIDs(), []string{waiter.ID()})
	is.Equal(waiterOut.received(protocol.TypeWelcome), 1)
	is.Equal(requesterOut.received(protocol.TypeWelcome), 0)

	d.HandleDisconnect(waiter)
	d.HandleDisconnect(requester)
	is.Equal(registry.Len(), 0)
}

func TestJoinSupersededByMatch(t *testing.T) {
	is := is.New(t)
	d, registry := newSeatingDispatcher()
	waiter, waiterOut := newTestConn()
	requester, _ := newTestConn()

	d.HandleMessage(waiter, []byte(`{"type":"matchmake"}`))
	match, err := d.matchmaker.Request(requester, protocol.DefaultMode, protocol.DefaultStage)
	is.NoErr(err)

	// the requester seats the waiter before the waiter's join gets to attach
	is.True(d.seat(requester, match))
	is.Equal(waiterOut.received(protocol.TypeWelcome), 1)

	r, _, err := registry.Join("OTHER", waiter, protocol.DefaultMode, protocol.DefaultStage)
	is.NoErr(err)
	is.True(!waiter.attach(r))
	registry.Leave(r, waiter.ID())

	_, ok := registry.Get("OTHER")
	is.True(!ok)
	is.Equal(waiter.Room(), match.Room)

	d.HandleDisconnect(waiter)
	d.HandleDisconnect(requester)
	is.Equal(registry.Len(), 0)
}

func TestSeatRequesterTakenAsWaiter(t *testing.T) {
	is := is.New(t)
	d, registry := newSeatingDispatcher()
	waiter, waiterOut := newTestConn()
	requester, _ := newTestConn()

	d.HandleMessage(waiter, []byte(`{"type":"matchmake"}`))
	match, err := d.matchmaker.Request(requester, protocol.DefaultMode, protocol.DefaultStage)
	is.NoErr(err)

	// the requester ends up in another room before seating its match
	other, _, err := registry.Join("OTHER", requester, protocol.DefaultMode, protocol.DefaultStage)
	is.NoErr(err)
	is.True(requester.attach(other))

	is.True(d.seat(requester, match))
	_, ok := registry.Get(match.Room.Code())
	is.True(!ok)
	is.True(waiter.Room() == nil)
	is.True(d.matchmaker.Queued(waiter.ID())) // back in line
	is.Equal(waiterOut.received(protocol.TypeWelcome), 0)
}

func TestSeatedWaiterNotMatchedAgain(t *testing.T) {
	is := is.New(t)
	d, registry := newSeatingDispatcher()
	waiter, _ := newTestConn()
	requester, _ := newTestConn()
	late, lateOut := newTestConn()

	d.HandleMessage(waiter, []byte(`{"type":"matchmake"}`))
	match, err := d.matchmaker.Request(requester, protocol.DefaultMode, protocol.DefaultStage)
	is.NoErr(err)

	// the waiter asks again before being seated and gets queued again
	d.HandleMessage(waiter, []byte(`{"type":"matchmake"}`))
	is.True(d.matchmaker.Queued(waiter.ID()))

	is.True(d.seat(requester, match))
	is.Equal(waiter.Room(), match.Room)

	d.HandleMessage(late, []byte(`{"type":"matchmake"}`))
	is.Equal(lateOut.received(protocol.TypeMatching), 1)
	is.Equal(lateOut.received(protocol.TypeWelcome), 0)
	is.True(late.Room() == nil)
	is.Equal(registry.Len(), 1)
}
