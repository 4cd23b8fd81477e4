package relay

import (
	"errors"
	"io"

	"github.com/blukai/acewing/internal/debug"
	"github.com/blukai/acewing/internal/matchmaking"
	"github.com/blukai/acewing/internal/protocol"
	"github.com/blukai/acewing/internal/room"
	"github.com/phuslu/log"
)

// matchAttempts bounds how often a matchmake request is retried when the
// matched waiter turns out to be gone.
const matchAttempts = 4

// Dispatcher routes inbound frames and runs the disconnect path. Frames of a
// single Conn must be handled sequentially, different Conns may be handled
// concurrently.
type Dispatcher struct {
	registry   *room.Registry
	matchmaker *matchmaking.Matchmaker
	logger     *log.Logger
}

func NewDispatcher(registry *room.Registry, matchmaker *matchmaking.Matchmaker, logger *log.Logger) *Dispatcher {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Dispatcher{
		registry:   registry,
		matchmaker: matchmaker,
		logger:     logger,
	}
}

type Stats struct {
	Rooms  int `json:"rooms"`
	Queued int `json:"queued"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Rooms:  d.registry.Len(),
		Queued: d.matchmaker.Len(),
	}
}

// HandleMessage handles one inbound frame. Malformed frames are dropped.
func (d *Dispatcher) HandleMessage(c *Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		d.logger.Debug().
			Str("conn", c.ID()).
			Err(err).
			Msg("dropped frame")
		return
	}

	d.logger.Debug().
		Str("conn", c.ID()).
		Str("type", string(msg.Type())).
		Msg("recv")

	switch m := msg.(type) {
	case *protocol.Join:
		d.handleJoin(c, m)
	case *protocol.Matchmake:
		d.handleMatchmake(c, m)
	case *protocol.State, *protocol.Action:
		d.relay(c, data, c.ID())
	case *protocol.Hit:
		// NOTE: hits go to everyone including the sender, receivers
		// ignore hits that aren't aimed at them.
		d.relay(c, data, "")
	case *protocol.EnemySnapshot:
		if !c.IsHost() {
			d.logger.Debug().
				Str("conn", c.ID()).
				Msg("dropped enemy snapshot from non-host")
			return
		}
		d.relay(c, data, c.ID())
	default:
		// broker -> client types have no meaning here
	}
}

// HandleDisconnect removes c from the queue and from its room. It is safe to
// call more than once.
func (d *Dispatcher) HandleDisconnect(c *Conn) {
	// NOTE: drop from the queue first so that nobody gets matched with a
	// dead connection.
	d.matchmaker.Cancel(c.ID())

	if r := c.close(); r != nil {
		d.leave(c, r)
	}
}

func (d *Dispatcher) relay(c *Conn, data []byte, exceptID string) {
	r := c.Room()
	if r == nil {
		return
	}

	stamped, err := protocol.Stamp(data, c.ID())
	if err != nil {
		d.logger.Debug().
			Str("conn", c.ID()).
			Err(err).
			Msg("could not stamp frame")
		return
	}

	if err := r.Broadcast(stamped, exceptID); err != nil {
		d.logger.Warn().
			Str("room", r.Code()).
			Str("conn", c.ID()).
			Err(err).
			Msg("relay incomplete")
	}
}

func withDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (d *Dispatcher) handleJoin(c *Conn, m *protocol.Join) {
	mode := withDefault(m.Mode, protocol.DefaultMode)
	stage := withDefault(m.Stage, protocol.DefaultStage)

	d.matchmaker.Cancel(c.ID())
	if r := c.detach(); r != nil {
		d.leave(c, r)
	}

	r, result, err := d.registry.Join(m.Room, c, mode, stage)
	if err != nil {
		d.logger.Info().
			Str("conn", c.ID()).
			Str("room", room.NormalizeCode(m.Room)).
			Err(err).
			Msg("join rejected")
		d.send(c, &protocol.Error{Message: joinErrorText(err)})
		return
	}
	if !c.attach(r) {
		// c got seated by matchmaking in the meantime, its welcome comes
		// from there; nobody in r has heard of c yet
		d.registry.Leave(r, c.ID())
		d.logger.Info().
			Str("conn", c.ID()).
			Str("room", r.Code()).
			Msg("join superseded by a match")
		return
	}

	d.logger.Info().
		Str("conn", c.ID()).
		Str("room", r.Code()).
		Bool("host", result.IsHost).
		Int("count", result.Count).
		Msg("joined room")

	d.send(c, &protocol.Welcome{
		PlayerID: c.ID(),
		IsHost:   result.IsHost,
		Room:     r.Code(),
		Mode:     result.Settings.Mode,
		Stage:    result.Settings.Stage,
		Count:    result.Count,
	})
	for _, other := range result.Others {
		d.send(other, &protocol.PlayerJoin{PlayerID: c.ID(), Count: result.Count})
	}
}

func joinErrorText(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomFull):
		return "Room full"
	case errors.Is(err, room.ErrModeMismatch):
		return "Room mode mismatch"
	default:
		return "Could not join room"
	}
}

func (d *Dispatcher) handleMatchmake(c *Conn, m *protocol.Matchmake) {
	mode := withDefault(m.Mode, protocol.DefaultMode)
	stage := withDefault(m.Stage, protocol.DefaultStage)

	if r := c.detach(); r != nil {
		d.leave(c, r)
	}

	for attempt := 0; attempt < matchAttempts; attempt++ {
		match, err := d.matchmaker.Request(c, mode, stage)
		if err != nil {
			d.logger.Error().
				Str("conn", c.ID()).
				Err(err).
				Msg("matchmaking failed")
			return
		}
		if match == nil {
			d.logger.Info().
				Str("conn", c.ID()).
				Str("mode", mode).
				Msg("queued for matchmaking")
			d.send(c, &protocol.Matching{Mode: mode, Stage: stage})
			return
		}

		if d.seat(c, match) {
			return
		}
	}

	d.logger.Warn().
		Str("conn", c.ID()).
		Msg("gave up matchmaking, waiters kept vanishing")
	d.send(c, &protocol.Error{Message: "Matchmaking failed"})
}

// seat places both sides of match in its room and announces it. It reports
// false when the waiter could not be seated and c should look for another
// one.
func (d *Dispatcher) seat(c *Conn, match *matchmaking.Match) bool {
	waiter, ok := match.Waiter.(*Conn)
	debug.Assert(ok, "queued connection is not a *relay.Conn")

	if !c.attach(match.Room) {
		// c itself got seated as somebody's waiter meanwhile
		d.scrap(match)
		d.matchmaker.Requeue(match)
		return true
	}
	if !waiter.attach(match.Room) {
		// the waiter went away or got seated elsewhere between being
		// matched and being seated, scrap the room quietly and try again
		c.release(match.Room)
		d.scrap(match)
		return false
	}

	d.seatMatch(match.Room, waiter, c)
	return true
}

// scrap removes an unannounced match room.
func (d *Dispatcher) scrap(match *matchmaking.Match) {
	d.registry.Leave(match.Room, match.Waiter.ID())
	d.registry.Leave(match.Room, match.Requester.ID())
}

func (d *Dispatcher) seatMatch(r *room.Room, waiter, requester *Conn) {
	settings, _ := r.Settings()
	count := r.Count()

	d.logger.Info().
		Str("room", r.Code()).
		Str("host", waiter.ID()).
		Str("guest", requester.ID()).
		Str("mode", settings.Mode).
		Msg("matched")

	for _, c := range []*Conn{waiter, requester} {
		d.send(c, &protocol.Welcome{
			PlayerID: c.ID(),
			IsHost:   r.IsHost(c.ID()),
			Room:     r.Code(),
			Mode:     settings.Mode,
			Stage:    settings.Stage,
			Count:    count,
		})
	}
	d.send(waiter, &protocol.PlayerJoin{PlayerID: requester.ID(), Count: count})
	d.send(requester, &protocol.PlayerJoin{PlayerID: waiter.ID(), Count: count})
}

// leave takes c out of r, tells whoever is left and hands the host role over
// when needed.
func (d *Dispatcher) leave(c *Conn, r *room.Room) {
	result, ok := d.registry.Leave(r, c.ID())
	if !ok {
		return
	}

	d.logger.Info().
		Str("conn", c.ID()).
		Str("room", r.Code()).
		Int("count", result.Count).
		Msg("left room")

	for _, m := range result.Remaining {
		d.send(m, &protocol.PlayerLeave{PlayerID: c.ID(), Count: result.Count})
	}

	if result.NewHost != nil {
		d.logger.Info().
			Str("conn", result.NewHost.ID()).
			Str("room", r.Code()).
			Msg("promoted to host")
		d.send(result.NewHost, &protocol.HostGrant{})
	}
}

func (d *Dispatcher) send(m room.Member, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	debug.Assert(err == nil)

	if err := m.Send(data); err != nil {
		d.logger.Warn().
			Str("conn", m.ID()).
			Str("type", string(msg.Type())).
			Err(err).
			Msg("could not send")
	}
}
