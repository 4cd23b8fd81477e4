package matchmaking

import (
	"sync"
	"time"

	"github.com/blukai/acewing/internal/room"
	"github.com/samber/lo"
)

// Conn is a connection that can wait in the queue.
type Conn interface {
	room.Member
	// Matchable reports whether the connection can still be matched, that
	// is it is neither gone nor seated in a room.
	Matchable() bool
}

type Entry struct {
	Conn       Conn
	Mode       string
	Stage      string
	EnqueuedAt time.Time
}

// Queue is a first-come waiting list. A connection appears in it at most once.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
}

func NewQueue() *Queue {
	return &Queue{}
}

// Match takes the oldest live entry waiting for mode. When there is none, c is
// appended and ok is false. An earlier entry of c is dropped either way.
func (q *Queue) Match(c Conn, mode, stage string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = lo.Filter(q.entries, func(e Entry, _ int) bool {
		return e.Conn.ID() != c.ID() && e.Conn.Matchable()
	})

	entry, i, ok := lo.FindIndexOf(q.entries, func(e Entry) bool {
		return e.Mode == mode
	})
	if ok {
		q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
		return entry, true
	}

	q.entries = append(q.entries, Entry{
		Conn:       c,
		Mode:       mode,
		Stage:      stage,
		EnqueuedAt: time.Now(),
	})
	return Entry{}, false
}

// requeue puts an entry back at the head of the queue.
func (q *Queue) requeue(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if lo.ContainsBy(q.entries, func(other Entry) bool { return other.Conn.ID() == e.Conn.ID() }) {
		return
	}
	q.entries = append([]Entry{e}, q.entries...)
}

// Remove drops the connection's entry. It reports whether there was one.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	q.entries = lo.Reject(q.entries, func(e Entry, _ int) bool { return e.Conn.ID() == id })
	return len(q.entries) != n
}

func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return lo.ContainsBy(q.entries, func(e Entry) bool { return e.Conn.ID() == id })
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
