package matchmaking

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/blukai/acewing/internal/room"
)

const (
	codeLen      = 5
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeAttempts = 16
)

// GenerateCode returns a random room code for matched players.
func GenerateCode() string {
	buf := make([]byte, codeLen)
	for i := range buf {
		buf[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(buf)
}

// Match is a freshly created room holding a waiter and a requester. The waiter
// joined first, so it is the host and its stage was used.
type Match struct {
	Room      *room.Room
	Waiter    Conn
	Requester Conn

	waiter Entry
}

type Matchmaker struct {
	queue    *Queue
	registry *room.Registry
	newCode  func() string
}

type Option func(*Matchmaker)

// WithCodeGenerator replaces GenerateCode, mostly useful in tests.
func WithCodeGenerator(gen func() string) Option {
	return func(mm *Matchmaker) {
		mm.newCode = gen
	}
}

func NewMatchmaker(registry *room.Registry, opts ...Option) *Matchmaker {
	mm := &Matchmaker{
		queue:    NewQueue(),
		registry: registry,
		newCode:  GenerateCode,
	}
	for _, opt := range opts {
		opt(mm)
	}
	return mm
}

// Request pairs c with the oldest live waiter for the same mode. It returns a
// nil Match when c was queued instead.
func (mm *Matchmaker) Request(c Conn, mode, stage string) (*Match, error) {
	waiter, ok := mm.queue.Match(c, mode, stage)
	if !ok {
		return nil, nil
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		r, err := mm.registry.Create(mm.newCode(), mode, waiter.Stage, waiter.Conn, c)
		if errors.Is(err, room.ErrRoomExists) {
			continue
		}
		if err != nil {
			mm.queue.requeue(waiter)
			return nil, fmt.Errorf("could not create room: %w", err)
		}
		return &Match{Room: r, Waiter: waiter.Conn, Requester: c, waiter: waiter}, nil
	}

	mm.queue.requeue(waiter)
	return nil, fmt.Errorf("could not find a free room code after %d attempts", codeAttempts)
}

// Requeue gives the waiter of an abandoned match its place at the head of
// the queue back. The caller is expected to have scrapped the match room.
func (mm *Matchmaker) Requeue(m *Match) {
	mm.queue.requeue(m.waiter)
}

// Cancel removes the connection from the queue.
func (mm *Matchmaker) Cancel(id string) bool {
	return mm.queue.Remove(id)
}

func (mm *Matchmaker) Queued(id string) bool {
	return mm.queue.Contains(id)
}

func (mm *Matchmaker) Len() int {
	return mm.queue.Len()
}
