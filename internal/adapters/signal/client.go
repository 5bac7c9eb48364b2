package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client is the call side of the relay connection. It implements core.SignalTransport.
//
// Requests carry an id; the relay's ack with the same id completes the request.
// Everything else the relay sends is handed to the OnEvent observer in arrival order.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger zerolog.Logger

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan protocol.Envelope
	onEvent func(core.Event)
}

func NewClient(url string, header http.Header) *Client {
	return &Client{
		url:     url,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:  log.With().Str("module", "signal.client").Str("url", url).Logger(),
		pending: make(map[uint64]chan protocol.Envelope),
	}
}

// Connect dials the relay. It is a no-op while a connection is up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	c.conn = conn
	c.logger.Info().Msg("connected")
	go c.readLoop(conn)
	return nil
}

func (c *Client) Join(ctx context.Context, room domain.RoomID) (core.Ack, error) {
	return c.request(ctx, protocol.JoinRequest(0, string(room)))
}

func (c *Client) Leave(ctx context.Context, room domain.RoomID) error {
	ack, err := c.request(ctx, protocol.LeaveRequest(0, string(room)))
	if err != nil {
		return err
	}
	if !ack.OK() {
		return fmt.Errorf("leave refused: %d %s", ack.Code, ack.Reason)
	}
	return nil
}

func (c *Client) Send(room domain.RoomID, p protocol.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.write(protocol.MessageEnvelope(string(room), data))
}

func (c *Client) OnEvent(fn func(core.Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// Close shuts the connection down without emitting a transport closed event.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.logger.Info().Msg("closed")
	return conn.Close()
}

func (c *Client) request(ctx context.Context, env protocol.Envelope) (core.Ack, error) {
	env.ID = c.seq.Add(1)
	ch := make(chan protocol.Envelope, 1)

	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return core.Ack{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return core.Ack{}, ErrConnClosed
		}
		return core.Ack{Code: resp.Code, Reason: resp.Reason}, nil
	case <-ctx.Done():
		return core.Ack{}, fmt.Errorf("%s %d: %w", env.Type, env.ID, ctx.Err())
	}
}

func (c *Client) write(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Info().Err(err).Msg("read loop ended")
			break
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping frame")
			continue
		}
		c.route(env)
	}

	c.mu.Lock()
	// Close already detached conn when the shutdown was ours
	expected := c.conn != conn
	if !expected {
		c.conn = nil
	}
	if c.conn == nil {
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	_ = conn.Close()

	if !expected {
		c.logger.Warn().Msg("relay connection lost")
		c.emit(core.Event{Type: core.EventTransportClosed})
	}
}

func (c *Client) route(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAck:
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Uint64("id", env.ID).Msg("late ack")
			return
		}
		ch <- env
	case protocol.TypeJoinNotify, protocol.TypeLeaveNotify, protocol.TypeMessage:
		c.emit(core.Event{Type: env.Type, Room: domain.RoomID(env.Room), Data: env.Data})
	case protocol.TypeError:
		c.logger.Warn().Str("error", env.Error).Msg("relay error")
	case protocol.TypePong:
	default:
		c.logger.Debug().Str("type", string(env.Type)).Msg("ignored")
	}
}

func (c *Client) emit(ev core.Event) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
