package room

import (
	"strings"
	"sync"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	MaxCodeLen  = 8
	DefaultCode = "DEFAULT"
)

const shardCount = 16

// NormalizeCode upper-cases and truncates a room code. Blank codes become
// DefaultCode.
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, code)

	if runes := []rune(code); len(runes) > MaxCodeLen {
		code = string(runes[:MaxCodeLen])
	}
	if code == "" {
		return DefaultCode
	}
	return code
}

type shard struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// Registry maps room codes to rooms. Rooms are created on first join and
// dropped as soon as the last member leaves, so the registry never holds an
// empty room.
//
// Membership changes of a room happen under its shard lock. That makes join,
// leave and delete-when-empty a single step; a join can never land in a room
// that was just dropped.
type Registry struct {
	shards [shardCount]shard
}

func NewRegistry() *Registry {
	reg := &Registry{}
	for i := range reg.shards {
		reg.shards[i].rooms = make(map[string]*Room)
	}
	return reg
}

func (reg *Registry) shardFor(code string) *shard {
	return &reg.shards[xxhash.Sum64String(code)%shardCount]
}

// Join puts m into the room with the given code, creating the room when it
// does not exist. The code is normalized first.
func (reg *Registry) Join(code string, m Member, mode, stage string) (*Room, JoinResult, error) {
	code = NormalizeCode(code)
	s := reg.shardFor(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[code]
	if !ok {
		room = newRoom(code)
	}

	result, err := room.join(m, mode, stage)
	if err != nil {
		return nil, JoinResult{}, err
	}
	if !ok {
		s.rooms[code] = room
	}
	return room, result, nil
}

// Create makes a new room holding members in the given order. It fails with
// ErrRoomExists when the code is taken.
func (reg *Registry) Create(code string, mode, stage string, members ...Member) (*Room, error) {
	code = NormalizeCode(code)
	s := reg.shardFor(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[code]; ok {
		return nil, ErrRoomExists
	}

	room := newRoom(code)
	for _, m := range members {
		if _, err := room.join(m, mode, stage); err != nil {
			return nil, err
		}
	}
	if room.Count() > 0 {
		s.rooms[code] = room
	}
	return room, nil
}

// Leave removes the member from room. The room is dropped from the registry
// when it becomes empty. ok is false when the member was not in the room,
// which makes repeated leaves harmless.
func (reg *Registry) Leave(room *Room, id string) (LeaveResult, bool) {
	s := reg.shardFor(room.code)

	s.mu.Lock()
	defer s.mu.Unlock()

	result, ok := room.leave(id)
	if !ok {
		return result, false
	}
	if result.Count == 0 && s.rooms[room.code] == room {
		delete(s.rooms, room.code)
	}
	return result, true
}

func (reg *Registry) Get(code string) (*Room, bool) {
	code = NormalizeCode(code)
	s := reg.shardFor(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[code]
	return room, ok
}

func (reg *Registry) Len() int {
	n := 0
	for i := range reg.shards {
		s := &reg.shards[i]
		s.mu.Lock()
		n += len(s.rooms)
		s.mu.Unlock()
	}
	return n
}
