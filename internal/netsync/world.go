package netsync

import (
	"cmp"
	"slices"

	"github.com/blukai/acewing/internal/protocol"
	"github.com/samber/lo"
)

const (
	// RoomCapacity is the number of players a match starts with.
	RoomCapacity = 2
	// DefaultBlend is the fraction of the remaining distance a remote
	// shadow covers per tick.
	DefaultBlend = 0.15
	DefaultArmor = 100
	DefaultLives = 3

	// maxResolveTicks bounds how long a missile keeps looking for a target
	// it has never heard of.
	maxResolveTicks = 120
)

type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseWaitingForPeer
	PhaseInMatch
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseWaitingForPeer:
		return "waiting-for-peer"
	case PhaseInMatch:
		return "in-match"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// LocalPlayer is the state of the player controlled on this machine, as
// reported by the flight model.
type LocalPlayer struct {
	Position protocol.Vec3
	Rotation protocol.Quat
	Speed    float64
	Armor    float64
	Score    int
	Lives    int
}

// RemotePlayer is the local shadow of a peer.
type RemotePlayer struct {
	ID string

	// Position and Rotation are what gets displayed; they chase the target
	// values every tick.
	Position       protocol.Vec3
	Rotation       protocol.Quat
	TargetPosition protocol.Vec3
	TargetRotation protocol.Quat

	Speed float64
	Armor float64
	Score int
	Lives int

	Deaths   int
	GameOver bool

	// Marker is an opaque screen-space marker handle owned by the UI.
	Marker any

	seen bool
}

// Visible reports whether a state was received for the shadow, before that
// its position is meaningless.
func (r *RemotePlayer) Visible() bool {
	return r.seen
}

type Enemy struct {
	ID       int
	Position protocol.Vec3
	HP       float64
}

type ProjectileKind int

const (
	Bullet ProjectileKind = iota
	Missile
)

type TargetKind int

const (
	TargetSelf TargetKind = iota
	TargetRemote
	TargetEnemy
)

type Target struct {
	Kind TargetKind
	// ID is the remote player id or the enemy id, empty for TargetSelf.
	ID string
}

// Projectile is a bullet or missile fired by a peer, spawned where the peer
// actually fired it.
type Projectile struct {
	Kind     ProjectileKind
	OwnerID  string
	IsEnemy  bool
	Position protocol.Vec3
	Rotation protocol.Quat

	TargetType string
	TargetID   protocol.EntityRef
	// Target is nil until the declared target is known locally.
	Target *Target

	resolveTicks int
}

// World is one client's view of a session. It is not safe for concurrent use.
type World struct {
	phase Phase
	blend float64

	selfID string
	isHost bool
	room   string
	mode   string
	stage  string

	local LocalPlayer

	remotes   map[string]*RemotePlayer
	enemies   map[int]*Enemy
	teamScore int
	kills     int

	spawned []*Projectile
	pending []*Projectile

	spawnRequested bool
}

type Option func(*World)

// WithBlend overrides DefaultBlend.
func WithBlend(blend float64) Option {
	return func(w *World) {
		w.blend = blend
	}
}

func NewWorld(opts ...Option) *World {
	w := &World{
		phase:   PhaseDisconnected,
		blend:   DefaultBlend,
		remotes: make(map[string]*RemotePlayer),
		enemies: make(map[int]*Enemy),
	}
	w.resetLocal()
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *World) resetLocal() {
	w.local = LocalPlayer{
		Rotation: protocol.IdentityQuat,
		Armor:    DefaultArmor,
		Lives:    DefaultLives,
	}
}

func (w *World) Phase() Phase { return w.phase }
func (w *World) SelfID() string { return w.selfID }
func (w *World) IsHost() bool { return w.isHost }
func (w *World) Room() string { return w.room }
func (w *World) Mode() string { return w.mode }
func (w *World) Stage() string { return w.stage }
func (w *World) TeamScore() int { return w.teamScore }
func (w *World) Kills() int { return w.kills }
func (w *World) Local() LocalPlayer { return w.local }

// SetLocal stores the latest local flight state.
func (w *World) SetLocal(local LocalPlayer) {
	w.local = local
}

// LocalState is the state telegram describing the local player.
func (w *World) LocalState() *protocol.State {
	return &protocol.State{
		Pos:   w.local.Position,
		Rot:   w.local.Rotation,
		Speed: w.local.Speed,
		Armor: w.local.Armor,
		Score: w.local.Score,
		Lives: w.local.Lives,
	}
}

func (w *World) Remote(id string) (*RemotePlayer, bool) {
	r, ok := w.remotes[id]
	return r, ok
}

// Remotes returns the remote shadows ordered by id.
func (w *World) Remotes() []*RemotePlayer {
	remotes := lo.Values(w.remotes)
	slices.SortFunc(remotes, func(a, b *RemotePlayer) int { return cmp.Compare(a.ID, b.ID) })
	return remotes
}

func (w *World) Enemy(id int) (*Enemy, bool) {
	e, ok := w.enemies[id]
	return e, ok
}

// Enemies returns the host-simulated entities ordered by id.
func (w *World) Enemies() []Enemy {
	enemies := lo.Map(lo.Values(w.enemies), func(e *Enemy, _ int) Enemy { return *e })
	slices.SortFunc(enemies, func(a, b Enemy) int { return cmp.Compare(a.ID, b.ID) })
	return enemies
}

// SetEnemies replaces the enemy table with the local simulation's. Only the
// host is expected to call it.
func (w *World) SetEnemies(enemies []protocol.Enemy, teamScore int) {
	w.replaceEnemies(enemies)
	w.teamScore = teamScore
}

// Snapshot is the enemy snapshot the host relays to its peers.
func (w *World) Snapshot() *protocol.EnemySnapshot {
	enemies := lo.Map(w.Enemies(), func(e Enemy, _ int) protocol.Enemy {
		return protocol.Enemy{ID: e.ID, X: e.Position.X, Y: e.Position.Y, Z: e.Position.Z, HP: e.HP}
	})
	return &protocol.EnemySnapshot{Enemies: enemies, TeamScore: w.teamScore}
}

// SimulatesEnemies reports whether this client is the enemy authority.
func (w *World) SimulatesEnemies() bool {
	return w.isHost && w.mode == protocol.ModeCoop
}

// TakeSpawnRequest reports, once, that the local simulation has to start
// spawning enemies on its own.
func (w *World) TakeSpawnRequest() bool {
	requested := w.spawnRequested
	w.spawnRequested = false
	return requested
}

// TakeSpawned returns projectiles spawned since the previous call.
func (w *World) TakeSpawned() []*Projectile {
	spawned := w.spawned
	w.spawned = nil
	return spawned
}

// Connect marks the transport as being established.
func (w *World) Connect() {
	w.phase = PhaseConnecting
}

// Disconnect handles the loss of the transport. Before a welcome that means
// the attempt failed, afterwards the session is over.
func (w *World) Disconnect() {
	switch w.phase {
	case PhaseConnecting:
		w.phase = PhaseDisconnected
	case PhaseWaitingForPeer, PhaseInMatch:
		w.phase = PhaseEnded
	}
	w.clearSession()
}

func (w *World) clearSession() {
	clear(w.remotes)
	w.pending = nil
}

// Apply folds one message from the broker into the world.
func (w *World) Apply(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Welcome:
		w.applyWelcome(m)
	case *protocol.PlayerJoin:
		w.applyPlayerJoin(m)
	case *protocol.PlayerLeave:
		delete(w.remotes, m.PlayerID)
	case *protocol.HostGrant:
		w.applyHostGrant()
	case *protocol.State:
		w.applyState(m)
	case *protocol.Action:
		w.applyAction(m)
	case *protocol.Hit:
		w.applyHit(m)
	case *protocol.EnemySnapshot:
		w.applyEnemySnapshot(m)
	}
}

func (w *World) applyWelcome(m *protocol.Welcome) {
	w.clearSession()
	clear(w.enemies)
	w.teamScore = 0
	w.kills = 0
	w.spawned = nil
	w.spawnRequested = false
	w.resetLocal()

	w.selfID = m.PlayerID
	w.isHost = m.IsHost
	w.room = m.Room
	w.mode = m.Mode
	w.stage = m.Stage

	if m.Count >= RoomCapacity {
		w.startMatch()
	} else {
		w.phase = PhaseWaitingForPeer
	}
}

func (w *World) startMatch() {
	w.phase = PhaseInMatch
	if w.SimulatesEnemies() {
		w.spawnRequested = true
	}
}

func (w *World) applyPlayerJoin(m *protocol.PlayerJoin) {
	w.ensureRemote(m.PlayerID)
	if w.phase == PhaseWaitingForPeer && m.Count >= RoomCapacity {
		w.startMatch()
	}
}

func (w *World) applyHostGrant() {
	w.isHost = true
	// the former host's simulation is gone, so is everything it would
	// have spawned
	if w.mode == protocol.ModeCoop && len(w.enemies) == 0 {
		w.spawnRequested = true
	}
}

// ensureRemote returns the shadow of a peer, creating it on first sight.
func (w *World) ensureRemote(id string) *RemotePlayer {
	if id == "" || id == w.selfID {
		return nil
	}
	r, ok := w.remotes[id]
	if !ok {
		r = &RemotePlayer{
			ID:             id,
			Rotation:       protocol.IdentityQuat,
			TargetRotation: protocol.IdentityQuat,
			Armor:          DefaultArmor,
			Lives:          DefaultLives,
		}
		w.remotes[id] = r
	}
	return r
}

func (w *World) applyState(m *protocol.State) {
	r := w.ensureRemote(m.PlayerID)
	if r == nil {
		return
	}

	if w.mode == protocol.ModeVersus && r.seen && m.Lives < r.Lives {
		lost := r.Lives - m.Lives
		r.Deaths += lost
		w.kills += lost
	}

	r.TargetPosition = m.Pos
	r.TargetRotation = normalizeQuat(m.Rot)
	if !r.seen {
		// nothing to blend from yet
		r.Position = r.TargetPosition
		r.Rotation = r.TargetRotation
		r.seen = true
	}

	r.Speed = m.Speed
	r.Armor = m.Armor
	r.Score = m.Score
	r.Lives = m.Lives
}

func (w *World) applyAction(m *protocol.Action) {
	r := w.ensureRemote(m.PlayerID)

	switch m.Action {
	case protocol.ActionFireBullet:
		w.spawned = append(w.spawned, &Projectile{
			Kind:     Bullet,
			OwnerID:  m.PlayerID,
			IsEnemy:  m.IsEnemy,
			Position: m.Position,
			Rotation: m.Quaternion,
		})
	case protocol.ActionFireMissile:
		p := &Projectile{
			Kind:       Missile,
			OwnerID:    m.PlayerID,
			IsEnemy:    m.IsEnemy,
			Position:   m.Position,
			Rotation:   m.Quaternion,
			TargetType: m.TargetType,
			TargetID:   m.TargetID,
		}
		w.spawned = append(w.spawned, p)
		if p.TargetType != "" && !w.resolve(p) {
			w.pending = append(w.pending, p)
		}
	case protocol.ActionGameOver:
		if r != nil {
			r.GameOver = true
		}
		if w.mode == protocol.ModeVersus && w.phase == PhaseInMatch {
			w.phase = PhaseEnded
		}
	}
}

// resolve looks up a missile's declared target in the local tables.
func (w *World) resolve(p *Projectile) bool {
	id := string(p.TargetID)

	switch p.TargetType {
	case protocol.TargetPlayer:
		if id != "" && id == w.selfID {
			p.Target = &Target{Kind: TargetSelf}
			return true
		}
		if _, ok := w.remotes[id]; ok {
			p.Target = &Target{Kind: TargetRemote, ID: id}
			return true
		}
	case protocol.TargetEnemy:
		n, ok := p.TargetID.Int()
		if !ok {
			return false
		}
		if _, ok := w.enemies[n]; ok {
			p.Target = &Target{Kind: TargetEnemy, ID: id}
			return true
		}
	}
	return false
}

// TargetPosition returns where a resolved missile target currently is. It
// reports false when the target is unresolved or gone.
func (w *World) TargetPosition(p *Projectile) (protocol.Vec3, bool) {
	if p.Target == nil {
		return protocol.Vec3{}, false
	}

	switch p.Target.Kind {
	case TargetSelf:
		return w.local.Position, true
	case TargetRemote:
		if r, ok := w.remotes[p.Target.ID]; ok {
			return r.Position, true
		}
	case TargetEnemy:
		n, _ := p.TargetID.Int()
		if e, ok := w.enemies[n]; ok {
			return e.Position, true
		}
	}
	return protocol.Vec3{}, false
}

func (w *World) applyHit(m *protocol.Hit) {
	w.ensureRemote(m.PlayerID)

	if w.selfID == "" || string(m.TargetID) != w.selfID {
		return
	}
	w.local.Armor = max(0, w.local.Armor-m.Amount)
}

func (w *World) applyEnemySnapshot(m *protocol.EnemySnapshot) {
	if w.isHost {
		return
	}
	w.replaceEnemies(m.Enemies)
	w.teamScore = m.TeamScore
}

func (w *World) replaceEnemies(enemies []protocol.Enemy) {
	incoming := lo.SliceToMap(enemies, func(e protocol.Enemy) (int, protocol.Enemy) { return e.ID, e })

	for _, id := range lo.Keys(w.enemies) {
		if _, ok := incoming[id]; !ok {
			delete(w.enemies, id)
		}
	}
	for id, e := range incoming {
		existing, ok := w.enemies[id]
		if !ok {
			existing = &Enemy{ID: id}
			w.enemies[id] = existing
		}
		existing.Position = protocol.Vec3{X: e.X, Y: e.Y, Z: e.Z}
		existing.HP = e.HP
	}
}

// Tick advances the remote shadows toward their targets and retries missile
// target resolution. It is meant to be called once per local frame.
func (w *World) Tick() {
	for _, r := range w.remotes {
		if !r.seen {
			continue
		}
		r.Position = lerpVec3(r.Position, r.TargetPosition, w.blend)
		r.Rotation = nlerpQuat(r.Rotation, r.TargetRotation, w.blend)
	}

	w.pending = lo.Filter(w.pending, func(p *Projectile, _ int) bool {
		if w.resolve(p) {
			return false
		}
		p.resolveTicks++
		return p.resolveTicks < maxResolveTicks
	})
}
