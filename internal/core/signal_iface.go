package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/protocol"
)

// Frame is a raw encoded envelope.
type Frame []byte

// SignalConnection abstracts the relay's per-client messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Ack is the relay's answer to a join or leave request.
type Ack struct {
	Code   int
	Reason string
}

func (a Ack) OK() bool { return a.Code == protocol.CodeOK }

// EventTransportClosed is emitted locally by a transport whose connection dropped.
// It never travels on the wire.
const EventTransportClosed protocol.EventType = "transport_closed"

// Event is one inbound notification from the relay, in arrival order.
type Event struct {
	Type protocol.EventType
	Room domain.RoomID
	Data json.RawMessage
}

// SignalTransport is the client side of the relay connection.
// It is shared and long lived: one Connect, many join/leave cycles.
type SignalTransport interface {
	Connect(ctx context.Context) error
	// Join sends a join request and waits for its acknowledgment until ctx is done.
	Join(ctx context.Context, room domain.RoomID) (Ack, error)
	Leave(ctx context.Context, room domain.RoomID) error
	Send(room domain.RoomID, p protocol.Payload) error
	// OnEvent registers the single inbound observer. Events are delivered FIFO.
	OnEvent(func(Event))
	Close() error
}
