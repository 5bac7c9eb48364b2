// Package protocol is the JSON wire format spoken between call clients and the room relay.
//
// Every websocket text frame carries one Envelope. Signaling payloads (offer, answer,
// candidate) travel opaque to the relay inside Envelope.Data of a "message" envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed signaling message")

type EventType string

const (
	// client -> relay
	TypeJoin  EventType = "join"
	TypeLeave EventType = "leave"
	TypePing  EventType = "ping"

	// both directions
	TypeMessage EventType = "message"

	// relay -> client
	TypeAck         EventType = "ack"
	TypeJoinNotify  EventType = "join_notify"
	TypeLeaveNotify EventType = "leave_notify"
	TypePong        EventType = "pong"
	TypeError       EventType = "error"
)

// CodeOK is the only acknowledgment code treated as success.
const CodeOK = 200

const (
	CodeBadRequest  = 400
	CodeRoomFull    = 403
	CodeConflict    = 409
	CodeRateLimited = 429
)

type Envelope struct {
	Type   EventType       `json:"type"`
	ID     uint64          `json:"id,omitempty"`
	Room   string          `json:"room,omitempty"`
	Code   int             `json:"code,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func JoinRequest(id uint64, room string) Envelope {
	return Envelope{Type: TypeJoin, ID: id, Room: room}
}

func LeaveRequest(id uint64, room string) Envelope {
	return Envelope{Type: TypeLeave, ID: id, Room: room}
}

func Ack(id uint64, code int, reason string) Envelope {
	return Envelope{Type: TypeAck, ID: id, Code: code, Reason: reason}
}

func Notify(t EventType, room string) Envelope {
	return Envelope{Type: t, Room: room}
}

func ErrorEnvelope(msg string) Envelope {
	return Envelope{Type: TypeError, Error: msg}
}

// MessageEnvelope wraps an already encoded payload for a room.
func MessageEnvelope(room string, data json.RawMessage) Envelope {
	return Envelope{Type: TypeMessage, Room: room, Data: data}
}

// ParseEnvelope decodes one frame and checks the fields its type requires.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validate() error {
	switch e.Type {
	case TypeJoin, TypeLeave:
		if e.ID == 0 {
			return fmt.Errorf("%w: %s request missing id", ErrMalformed, e.Type)
		}
		if e.Room == "" {
			return fmt.Errorf("%w: %s request missing room", ErrMalformed, e.Type)
		}
	case TypeAck:
		if e.ID == 0 {
			return fmt.Errorf("%w: ack missing id", ErrMalformed)
		}
	case TypeMessage:
		// room and data are checked by the receiver, which owns the session context
	case TypeJoinNotify, TypeLeaveNotify, TypePing, TypePong:
	case TypeError:
		if e.Error == "" {
			return fmt.Errorf("%w: error envelope missing error", ErrMalformed)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrMalformed, e.Type)
	}
	return nil
}
