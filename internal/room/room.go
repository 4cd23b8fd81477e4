package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blukai/acewing/internal/debug"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
)

// MaxPlayers is the capacity of every room.
const MaxPlayers = 2

var (
	ErrRoomFull     = errors.New("room full")
	ErrModeMismatch = errors.New("room mode mismatch")
	ErrRoomExists   = errors.New("room already exists")
)

// Member is a connection that can sit in a room.
type Member interface {
	ID() string
	// Send must not block; delivery is best effort.
	Send(data []byte) error
}

// Settings are fixed by the first joiner and never change afterwards.
type Settings struct {
	Mode  string
	Stage string
}

type Room struct {
	code      string
	createdAt time.Time

	mu       sync.RWMutex
	settings *Settings
	// NOTE: members are kept in join order. the earliest surviving joiner
	// is the host, there is no separate host flag to keep in sync.
	members []Member
}

func newRoom(code string) *Room {
	return &Room{
		code:      code,
		createdAt: time.Now(),
	}
}

type JoinResult struct {
	Settings Settings
	IsHost   bool
	Count    int
	// Others are the members that were already in the room.
	Others []Member
}

type LeaveResult struct {
	Count     int
	Remaining []Member
	// NewHost is set when the departing member was the host and someone
	// is left to take over.
	NewHost Member
}

func (r *Room) join(m Member, mode, stage string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.members) >= MaxPlayers {
		return JoinResult{}, ErrRoomFull
	}
	if r.settings != nil && r.settings.Mode != mode {
		return JoinResult{}, fmt.Errorf("%w (room %s is %s, got %s)", ErrModeMismatch, r.code, r.settings.Mode, mode)
	}
	if r.indexOf(m.ID()) >= 0 {
		return JoinResult{}, fmt.Errorf("member %s is already in room %s", m.ID(), r.code)
	}

	if r.settings == nil {
		r.settings = &Settings{Mode: mode, Stage: stage}
	}

	others := append([]Member(nil), r.members...)
	r.members = append(r.members, m)
	debug.Assertf(len(r.members) <= MaxPlayers, "room %s over capacity: %d", r.code, len(r.members))

	return JoinResult{
		Settings: *r.settings,
		IsHost:   len(r.members) == 1,
		Count:    len(r.members),
		Others:   others,
	}, nil
}

func (r *Room) leave(id string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return LeaveResult{}, false
	}
	r.members = append(r.members[:i:i], r.members[i+1:]...)

	result := LeaveResult{
		Count:     len(r.members),
		Remaining: append([]Member(nil), r.members...),
	}
	if i == 0 && len(r.members) > 0 {
		result.NewHost = r.members[0]
	}
	return result, true
}

func (r *Room) indexOf(id string) int {
	_, i, _ := lo.FindIndexOf(r.members, func(m Member) bool { return m.ID() == id })
	return i
}

func (r *Room) Code() string {
	return r.code
}

func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

// Settings returns the room's mode and stage. ok is false until someone has
// joined.
func (r *Room) Settings() (Settings, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.settings == nil {
		return Settings{}, false
	}
	return *r.settings, true
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns a snapshot in join order.
func (r *Room) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Member(nil), r.members...)
}

// MemberIDs returns member ids in join order.
func (r *Room) MemberIDs() []string {
	return lo.Map(r.Members(), func(m Member, _ int) string { return m.ID() })
}

func (r *Room) Host() (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.members) == 0 {
		return nil, false
	}
	return r.members[0], true
}

func (r *Room) IsHost(id string) bool {
	host, ok := r.Host()
	return ok && host.ID() == id
}

// Broadcast sends data to every member except the one with exceptID (pass an
// empty string to include everyone). A failing member does not stop the
// others from receiving.
func (r *Room) Broadcast(data []byte, exceptID string) error {
	var errs error
	for _, m := range r.Members() {
		if m.ID() == exceptID {
			continue
		}
		if err := m.Send(data); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not send to %s: %w", m.ID(), err))
		}
	}
	return errs
}
