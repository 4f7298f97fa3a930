// Package protocol defines the wire messages exchanged between presence
// clients and the relay server, one JSON object per frame.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags carried in the "type" field of every frame.
const (
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeCursor   = "cursor"
	TypeTyping   = "typing"
	TypeCustom   = "custom"
	TypePing     = "ping"
	TypePong     = "pong"
	TypePresence = "presence"
	TypeUpdate   = "update"
	TypeError    = "error"

	// Local session events, never encoded onto the wire.
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
)

// ErrUnknownType is returned when a frame carries a type tag outside the
// protocol's closed set for the decoded direction.
var ErrUnknownType = errors.New("unknown message type")

// Position is a cursor location in client-defined coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// User is the presence record for one identity in one room. Metadata is
// free-form and passes through the relay opaquely.
type User struct {
	ID       string         `json:"id"`
	RoomID   string         `json:"roomId"`
	Cursor   *Position      `json:"cursor,omitempty"`
	Typing   bool           `json:"typing"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ClientMessage is implemented by every message a client may send to the
// relay. The set is closed; decoding never produces a type outside it.
type ClientMessage interface {
	clientMessage()
}

// ServerMessage is implemented by every message the relay may send to a
// client.
type ServerMessage interface {
	serverMessage()
}

// Join requests membership in a room. RoomID defaults server-side when
// empty; Token is required only when the relay has an auth callback.
type Join struct {
	RoomID   string         `json:"roomId,omitempty"`
	Token    string         `json:"token,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Leave abandons the current room.
type Leave struct {
	RoomID string `json:"roomId"`
}

// Cursor reports the sender's latest cursor position.
type Cursor struct {
	RoomID   string   `json:"roomId"`
	Position Position `json:"position"`
}

// Typing reports the sender's typing flag.
type Typing struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// Custom carries an application-defined event. Client→server it names the
// target room; server→client it carries the originator's User instead.
type Custom struct {
	RoomID string          `json:"roomId,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	User   *User           `json:"user,omitempty"`
}

// Ping solicits a Pong from the peer. Valid in both directions.
type Ping struct{}

// Pong answers a Ping. Valid in both directions.
type Pong struct{}

// Presence is the full membership snapshot of a room.
type Presence struct {
	Users []User `json:"users"`
}

// Update carries one user's refreshed presence record.
type Update struct {
	User User `json:"user"`
}

// Error reports a per-connection failure. The connection stays open.
type Error struct {
	Error string `json:"error"`
}

func (Join) clientMessage()   {}
func (Leave) clientMessage()  {}
func (Cursor) clientMessage() {}
func (Typing) clientMessage() {}
func (Custom) clientMessage() {}
func (Ping) clientMessage()   {}
func (Pong) clientMessage()   {}

func (Presence) serverMessage() {}
func (Update) serverMessage()   {}
func (Custom) serverMessage()   {}
func (Error) serverMessage()    {}
func (Ping) serverMessage()     {}
func (Pong) serverMessage()     {}

// wire is the superset of fields any frame may carry; decoding reads into it
// and then narrows to the variant selected by Type.
type wire struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId"`
	Token    string          `json:"token"`
	Metadata map[string]any  `json:"metadata"`
	Position *Position       `json:"position"`
	IsTyping bool            `json:"isTyping"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	Users    []User          `json:"users"`
	User     *User           `json:"user"`
	Error    string          `json:"error"`
}

// EncodeClient encodes a client→server message as a tagged JSON frame.
func EncodeClient(m ClientMessage) ([]byte, error) {
	switch v := m.(type) {
	case Join:
		return tag(TypeJoin, v)
	case Leave:
		return tag(TypeLeave, v)
	case Cursor:
		return tag(TypeCursor, v)
	case Typing:
		return tag(TypeTyping, v)
	case Custom:
		return tag(TypeCustom, v)
	case Ping:
		return tag(TypePing, v)
	case Pong:
		return tag(TypePong, v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

// EncodeServer encodes a server→client message as a tagged JSON frame.
func EncodeServer(m ServerMessage) ([]byte, error) {
	switch v := m.(type) {
	case Presence:
		return tag(TypePresence, v)
	case Update:
		return tag(TypeUpdate, v)
	case Custom:
		return tag(TypeCustom, v)
	case Error:
		return tag(TypeError, v)
	case Ping:
		return tag(TypePing, v)
	case Pong:
		return tag(TypePong, v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

// DecodeClient parses a frame received from a client.
func DecodeClient(data []byte) (ClientMessage, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	switch w.Type {
	case TypeJoin:
		return Join{RoomID: w.RoomID, Token: w.Token, Metadata: w.Metadata}, nil
	case TypeLeave:
		return Leave{RoomID: w.RoomID}, nil
	case TypeCursor:
		if w.Position == nil {
			return nil, errors.New("cursor message missing position")
		}
		return Cursor{RoomID: w.RoomID, Position: *w.Position}, nil
	case TypeTyping:
		return Typing{RoomID: w.RoomID, IsTyping: w.IsTyping}, nil
	case TypeCustom:
		return Custom{RoomID: w.RoomID, Event: w.Event, Data: w.Data}, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

// DecodeServer parses a frame received from the relay.
func DecodeServer(data []byte) (ServerMessage, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	switch w.Type {
	case TypePresence:
		return Presence{Users: w.Users}, nil
	case TypeUpdate:
		if w.User == nil {
			return nil, errors.New("update message missing user")
		}
		return Update{User: *w.User}, nil
	case TypeCustom:
		return Custom{Event: w.Event, Data: w.Data, User: w.User}, nil
	case TypeError:
		return Error{Error: w.Error}, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

// TypeOf reports the wire tag of a server message, for listener dispatch.
func TypeOf(m ServerMessage) string {
	switch m.(type) {
	case Presence:
		return TypePresence
	case Update:
		return TypeUpdate
	case Custom:
		return TypeCustom
	case Error:
		return TypeError
	case Ping:
		return TypePing
	case Pong:
		return TypePong
	default:
		return ""
	}
}

// tag splices the type discriminator into the variant's own object form so
// each variant struct stays free of an always-set Type field.
func tag(t string, body any) ([]byte, error) {
	inner, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if bytes.Equal(inner, []byte("{}")) {
		return fmt.Appendf(nil, `{"type":%q}`, t), nil
	}
	out := fmt.Appendf(nil, `{"type":%q,`, t)
	return append(out, inner[1:]...), nil
}
