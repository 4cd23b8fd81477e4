package room_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/blukai/acewing/internal/room"
	"github.com/matryer/is"
)

type member struct {
	id string

	mu   sync.Mutex
	sent []string
	fail bool
}

func newMember(id string) *member {
	return &member{id: id}
}

func (m *member) ID() string {
	return m.id
}

func (m *member) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return errors.New("boom")
	}
	m.sent = append(m.sent, string(data))
	return nil
}

func (m *member) received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func TestNormalizeCode(t *testing.T) {
	is := is.New(t)

	testCases := []struct {
		in, want string
	}{
		{"", room.DefaultCode},
		{"   ", room.DefaultCode},
		{"abcd", "ABCD"},
		{" abcd ", "ABCD"},
		{"abcdefghijk", "ABCDEFGH"},
		{"ñandú", "ÑANDÚ"},
		{"a\tb", "AB"},
	}

	for _, tc := range testCases {
		is.Equal(room.NormalizeCode(tc.in), tc.want)
	}
}

func TestJoin(t *testing.T) {
	is := is.New(t)

	reg := room.NewRegistry()
	a, b := newMember("A"), newMember("B")

	roomA, resultA, err := reg.Join("abcd", a, "ONLINE_VS", "OCEAN")
	is.NoErr(err)
	is.Equal(roomA.Code(), "ABCD")
	is.True(resultA.IsHost)
	is.Equal(resultA.Count, 1)
	is.Equal(len(resultA.Others), 0)
	is.Equal(resultA.Settings, room.Settings{Mode: "ONLINE_VS", Stage: "OCEAN"})

	// the first joiner's stage wins
	roomB, resultB, err := reg.Join("ABCD", b, "ONLINE_VS", "CANYON")
	is.NoErr(err)
	is.Equal(roomB, roomA)
	is.True(!resultB.IsHost)
	is.Equal(resultB.Count, 2)
	is.Equal(resultB.Settings.Stage, "OCEAN")
	is.Equal(len(resultB.Others), 1)
	is.Equal(resultB.Others[0].ID(), "A")

	is.True(roomA.IsHost("A"))
	is.True(!roomA.IsHost("B"))
	is.Equal(roomA.MemberIDs(), []string{"A", "B"})
	is.Equal(reg.Len(), 1)
}

func TestJoinRoomFull(t *testing.T) {
	is := is.New(t)

	reg := room.NewRegistry()
	_, _, err := reg.Join("FULL", newMember("A"), "ONLINE_VS", "OCEAN")
	is.NoErr(err)
	r, _, err := reg.Join("FULL", newMember("B"), "ONLINE_VS", "OCEAN")
	is.NoErr(err)

	_, _, err = reg.Join("FULL", newMember("C"), "ONLINE_VS", "OCEAN")
	is.True(errors.Is(err, room.ErrRoomFull))
	is.Equal(r.MemberIDs(), []string{"A", "B"})
}

func TestJoinModeMismatch(t *testing.T) {
	is := is.New(t)

	reg := room.NewRegistry()
	r, _, err := reg.Join("COOP", newMember("A"), "ONLINE_COOP", "OCEAN")
	is.NoErr(err)

	_, _, err = reg.Join("COOP", newMember("B"), "ONLINE_VS", "OCEAN")
	is.True(errors.Is(err, room.ErrModeMismatch))
	is.Equal(r.MemberIDs(), []string{"A"})

	settings, ok := r.Settings()
	is.True(ok)
	is.Equal(settings.Mode, "ONLINE_COOP")
}

func TestJoinTwice(t *testing.T) {
	is := is.New(t)

	reg := room.NewRegistry()
	a := newMember("A")
	_, _, err := reg.Join("X", a, "ONLINE_VS", "OCEAN")
	is.NoErr(err)
	_, _, err = reg.Join("X", a, "ONLINE_VS", "OCEAN")
	is.True(err != nil)
}

func TestLeave(t *testing.T) {
	is := is.New(t)

	t.Run("host leaves", func(t *testing.T) {
		reg := room.NewRegistry()
		r, _, err := reg.Join("R", newMember("A"), "ONLINE_VS", "OCEAN")
		is.NoErr(err)
		_, _, err = reg.Join("R", newMember("B"), "ONLINE_VS", "OCEAN")
		is.NoErr(err)

		result, ok := reg.Leave(r, "A")
		is.True(ok)
		is.Equal(result.Count, 1)
		is.True(result.NewHost != nil)
		is.Equal(result.NewHost.ID(), "B")
		is.True(r.IsHost("B"))

		_, ok = reg.Get("R")
		is.True(ok) // room kept while B remains
	})

	t.Run("guest leaves", func(t *testing.T) {
		reg := room.NewRegistry()
		r, _, err := reg.Join("R", newMember("A"), "ONLINE_VS", "OCEAN")
		is.NoErr(err)
		_, _, err = reg.Join("R", newMember("B"), "ONLINE_VS", "OCEAN")
		is.NoErr(err)

		result, ok := reg.Leave(r, "B")
		is.True(ok)
		is.Equal(result.NewHost, nil)
		is.True(r.IsHost("A"))
	})

	t.Run("last member leaves", func(t *testing.T) {
		reg := room.NewRegistry()
		r, _, err := reg.Join("R", newMember("A"), "ONLINE_VS", "OCEAN")
		is.NoErr(err)

		result, ok := reg.Leave(r, "A")
		is.True(ok)
		is.Equal(result.Count, 0)
		is.Equal(result.NewHost, nil)

		_, ok = reg.Get("R")
		is.True(!ok)
		is.Equal(reg.Len(), 0)

		// deleting twice is a no-op
		_, ok = reg.Leave(r, "A")
		is.True(!ok)
		is.Equal(reg.Len(), 0)
	})

	t.Run("code reused after deletion", func(t *testing.T) {
		reg := room.NewRegistry()
		old, _, err := reg.Join("R", newMember("A"), "ONLINE_COOP", "OCEAN")
		is.NoErr(err)
		reg.Leave(old, "A")

		fresh, result, err := reg.Join("R", newMember("B"), "ONLINE_VS", "DESERT")
		is.NoErr(err)
		is.True(fresh != old)
		is.True(result.IsHost)
		is.Equal(result.Settings, room.Settings{Mode: "ONLINE_VS", Stage: "DESERT"})

		// a stale leave on the old room must not drop the new one
		reg.Leave(old, "A")
		got, ok := reg.Get("R")
		is.True(ok)
		is.Equal(got, fresh)
	})
}

func TestCreate(t *testing.T) {
	is := is.New(t)

	reg := room.NewRegistry()
	r, err := reg.Create("q1w2e", "ONLINE_VS", "OCEAN", newMember("A"), newMember("B"))
	is.NoErr(err)
	is.Equal(r.Code(), "Q1W2E")
	is.Equal(r.MemberIDs(), []string{"A", "B"})
	is.True(r.IsHost("A"))

	_, err = reg.Create("Q1W2E", "ONLINE_VS", "OCEAN", newMember("C"))
	is.True(errors.Is(err, room.ErrRoomExists))
}

func TestBroadcast(t *testing.T) {
	is := is.New(t)

	reg := room.NewRegistry()
	a, b, c := newMember("A"), newMember("B"), newMember("C")
	r, err := reg.Create("B", "ONLINE_VS", "OCEAN", a, b)
	is.NoErr(err)

	is.NoErr(r.Broadcast([]byte("to-others"), "A"))
	is.NoErr(r.Broadcast([]byte("to-all"), ""))
	is.Equal(a.received(), []string{"to-all"})
	is.Equal(b.received(), []string{"to-others", "to-all"})
	is.Equal(len(c.received()), 0)

	a.mu.Lock()
	a.fail = true
	a.mu.Unlock()
	err = r.Broadcast([]byte("partial"), "")
	is.True(err != nil)
	is.Equal(b.received()[2], "partial") // b still receives when a fails
}

// TestHostInvariant runs random join/leave sequences and checks that a
// non-empty room always has exactly one host and that only the first joiner
// of a fresh room is host.
func TestHostInvariant(t *testing.T) {
	is := is.New(t)

	rng := rand.New(rand.NewPCG(42, 1024))
	codes := []string{"A", "B", "C"}

	for round := 0; round < 50; round++ {
		reg := room.NewRegistry()
		joined := map[string]*room.Room{}

		for step := 0; step < 200; step++ {
			id := fmt.Sprintf("m%d", rng.IntN(8))

			if r, ok := joined[id]; ok && rng.IntN(2) == 0 {
				reg.Leave(r, id)
				delete(joined, id)
			} else if !ok {
				code := codes[rng.IntN(len(codes))]
				_, existed := reg.Get(code)
				r, result, err := reg.Join(code, newMember(id), "ONLINE_VS", "OCEAN")
				if err != nil {
					is.True(errors.Is(err, room.ErrRoomFull))
					continue
				}
				joined[id] = r
				is.Equal(result.IsHost, !existed)
			}

			for _, code := range codes {
				r, ok := reg.Get(code)
				if !ok {
					continue
				}
				ids := r.MemberIDs()
				is.True(len(ids) > 0)
				is.True(len(ids) <= room.MaxPlayers)

				hosts := 0
				for _, id := range ids {
					if r.IsHost(id) {
						hosts++
					}
				}
				is.Equal(hosts, 1)
			}
		}
	}
}
