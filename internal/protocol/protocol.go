package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Frames are JSON objects discriminated by their "type" field. Every frame
// travels as a single websocket text message.

type Type string

const (
	// NOTE: client -> broker
	TypeJoin      Type = "join"
	TypeMatchmake Type = "matchmake"

	// NOTE: broker -> client
	TypeWelcome     Type = "welcome"
	TypePlayerJoin  Type = "player-join"
	TypePlayerLeave Type = "player-leave"
	TypeHostGrant   Type = "host-grant"
	TypeMatching    Type = "matching"
	TypeError       Type = "error"

	// NOTE: client -> peers, relayed by the broker
	TypeState         Type = "state"
	TypeAction        Type = "action"
	TypeHit           Type = "hit"
	TypeEnemySnapshot Type = "enemySnapshot"
)

const (
	ModeVersus = "ONLINE_VS"
	ModeCoop   = "ONLINE_COOP"

	DefaultMode  = ModeVersus
	DefaultStage = "OCEAN"
)

const (
	ActionFireBullet  = "fireBullet"
	ActionFireMissile = "fireMissile"
	ActionGameOver    = "gameOver"
)

const (
	TargetPlayer = "player"
	TargetEnemy  = "enemy"
)

var ErrMalformed = errors.New("malformed message")

type Message interface {
	Type() Type
}

// requirer is implemented by messages that can't be told apart from their zero
// value once decoded; listed keys must be present and non-null in the frame.
type requirer interface {
	required() []string
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IdentityQuat is the no-rotation orientation.
var IdentityQuat = Quat{W: 1}

// EntityRef identifies either a player (uuid string) or a host-simulated
// entity (integer minted by the host). It accepts both json strings and
// numbers.
type EntityRef string

func (r *EntityRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = EntityRef(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("entity ref must be string or number: %w", err)
	}
	*r = EntityRef(n.String())
	return nil
}

func (r EntityRef) MarshalJSON() ([]byte, error) {
	// NOTE: only canonical integers go out bare, "007" or "+5" are not
	// valid json numbers
	if n, err := strconv.ParseInt(string(r), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(r) {
		return []byte(r), nil
	}
	return json.Marshal(string(r))
}

// Int returns the integer form of an entity id.
func (r EntityRef) Int() (int, bool) {
	n, err := strconv.Atoi(string(r))
	return n, err == nil
}

type Join struct {
	Room  string `json:"room,omitempty" validate:"max=64"`
	Mode  string `json:"mode,omitempty" validate:"max=32"`
	Stage string `json:"stage,omitempty" validate:"max=32"`
}

type Matchmake struct {
	Mode  string `json:"mode,omitempty" validate:"max=32"`
	Stage string `json:"stage,omitempty" validate:"max=32"`
}

type Welcome struct {
	PlayerID string `json:"playerId" validate:"required"`
	IsHost   bool   `json:"isHost"`
	Room     string `json:"room"`
	Mode     string `json:"mode"`
	Stage    string `json:"stage"`
	Count    int    `json:"count" validate:"gte=1"`
}

type PlayerJoin struct {
	PlayerID string `json:"playerId" validate:"required"`
	Count    int    `json:"count"`
}

type PlayerLeave struct {
	PlayerID string `json:"playerId" validate:"required"`
	Count    int    `json:"count"`
}

type HostGrant struct{}

type Matching struct {
	Mode  string `json:"mode"`
	Stage string `json:"stage"`
}

type Error struct {
	Message string `json:"message"`
}

// State is the periodic position/status telegram of a player.
type State struct {
	PlayerID string  `json:"playerId,omitempty"`
	Pos      Vec3    `json:"pos"`
	Rot      Quat    `json:"rot"`
	Speed    float64 `json:"speed"`
	Armor    float64 `json:"armor"`
	Score    int     `json:"score"`
	Lives    int     `json:"lives"`
}

func (*State) required() []string {
	return []string{"pos", "rot", "speed", "armor", "score", "lives"}
}

// Action is a discrete gameplay event. Position and orientation are where the
// sender actually spawned the entity.
type Action struct {
	PlayerID   string    `json:"playerId,omitempty"`
	Action     string    `json:"action" validate:"oneof=fireBullet fireMissile gameOver"`
	IsEnemy    bool      `json:"isEnemy"`
	Position   Vec3      `json:"position"`
	Quaternion Quat      `json:"quaternion"`
	TargetType string    `json:"targetType,omitempty" validate:"omitempty,oneof=player enemy"`
	TargetID   EntityRef `json:"targetId,omitempty" validate:"required_with=TargetType"`
}

func (a *Action) required() []string {
	if a.Action == ActionGameOver {
		return []string{"action"}
	}
	return []string{"action", "position", "quaternion"}
}

type Hit struct {
	PlayerID string    `json:"playerId,omitempty"`
	TargetID EntityRef `json:"targetId" validate:"required"`
	Amount   float64   `json:"amount" validate:"gte=0"`
}

func (*Hit) required() []string {
	return []string{"targetId", "amount"}
}

type Enemy struct {
	ID int     `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	HP float64 `json:"hp"`
}

// EnemySnapshot is the complete list of host-simulated enemies.
type EnemySnapshot struct {
	PlayerID  string  `json:"playerId,omitempty"`
	Enemies   []Enemy `json:"enemies" validate:"dive"`
	TeamScore int     `json:"teamScore"`
}

func (*EnemySnapshot) required() []string {
	return []string{"enemies"}
}

func (*Join) Type() Type          { return TypeJoin }
func (*Matchmake) Type() Type     { return TypeMatchmake }
func (*Welcome) Type() Type       { return TypeWelcome }
func (*PlayerJoin) Type() Type    { return TypePlayerJoin }
func (*PlayerLeave) Type() Type   { return TypePlayerLeave }
func (*HostGrant) Type() Type     { return TypeHostGrant }
func (*Matching) Type() Type      { return TypeMatching }
func (*Error) Type() Type         { return TypeError }
func (*State) Type() Type         { return TypeState }
func (*Action) Type() Type        { return TypeAction }
func (*Hit) Type() Type           { return TypeHit }
func (*EnemySnapshot) Type() Type { return TypeEnemySnapshot }

var constructors = map[Type]func() Message{
	TypeJoin:          func() Message { return new(Join) },
	TypeMatchmake:     func() Message { return new(Matchmake) },
	TypeWelcome:       func() Message { return new(Welcome) },
	TypePlayerJoin:    func() Message { return new(PlayerJoin) },
	TypePlayerLeave:   func() Message { return new(PlayerLeave) },
	TypeHostGrant:     func() Message { return new(HostGrant) },
	TypeMatching:      func() Message { return new(Matching) },
	TypeError:         func() Message { return new(Error) },
	TypeState:         func() Message { return new(State) },
	TypeAction:        func() Message { return new(Action) },
	TypeHit:           func() Message { return new(Hit) },
	TypeEnemySnapshot: func() Message { return new(EnemySnapshot) },
}

var validate = validator.New()

// Decode parses a frame into its concrete message. Any failure (bad json,
// unknown type, missing or invalid fields) is reported as ErrMalformed.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	var typ Type
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, fmt.Errorf("%w: invalid type: %v", ErrMalformed, err)
	}

	newMsg, ok := constructors[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, typ)
	}
	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, typ, err)
	}

	if r, ok := msg.(requirer); ok {
		for _, key := range r.required() {
			value, ok := fields[key]
			if !ok || string(value) == "null" {
				return nil, fmt.Errorf("%w: %s: missing %q", ErrMalformed, typ, key)
			}
		}
	}

	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, typ, err)
	}

	return msg, nil
}

// Encode marshals msg with its type discriminator as the first field.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s: %w", msg.Type(), err)
	}
	typ, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, fmt.Errorf("could not marshal type: %w", err)
	}

	buf := bytes.Buffer{}
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Stamp returns the frame with its "playerId" set to playerID. Every other
// member is copied byte for byte in its original order; a playerId supplied by
// the sender is dropped and the stamped one is appended last.
func Stamp(data []byte, playerID string) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	id, err := json.Marshal(playerID)
	if err != nil {
		return nil, fmt.Errorf("could not marshal player id: %w", err)
	}

	buf := bytes.Buffer{}
	buf.Grow(len(data) + len(id) + 12)
	buf.WriteByte('{')
	members := 0
	for dec.More() {
		start := skipSeparators(data, int(dec.InputOffset()))

		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		key, _ := tok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if key == "playerId" {
			continue
		}

		if members > 0 {
			buf.WriteByte(',')
		}
		buf.Write(data[start:dec.InputOffset()])
		members++
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	if members > 0 {
		buf.WriteByte(',')
	}
	buf.WriteString(`"playerId":`)
	buf.Write(id)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// skipSeparators returns the offset of the first byte at or after i that is
// neither json whitespace nor a member separator.
func skipSeparators(data []byte, i int) int {
	for i < len(data) {
		switch data[i] {
		case ' ', '\t', '\n', '\r', ',':
			i++
		default:
			return i
		}
	}
	return i
}
