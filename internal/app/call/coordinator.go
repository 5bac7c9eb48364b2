// Package call coordinates one peer-to-peer call: it owns the caller/callee signaling
// handshake and drives the peer link from relay events.
//
// All handshake steps (Start, Join, Leave and the inbound handlers) are serialized by a
// single step lock. Inbound relay events are queued FIFO and consumed by Run, so a
// handler never runs concurrently with another step.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/metrics"
	"github.com/dkeye/voicecall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultJoinTimeout  = 10 * time.Second
	DefaultLeaveTimeout = 3 * time.Second

	inboxSize = 256
)

type Config struct {
	JoinTimeout  time.Duration
	LeaveTimeout time.Duration
	// Passive joins receive-only: local tracks are never attached.
	Passive bool
}

type Deps struct {
	Transport core.SignalTransport
	Capturer  core.Capturer
	Links     core.PeerLinkFactory
	Renderer  core.RemoteRenderer
	Metrics   *metrics.Call
}

type Coordinator struct {
	cfg       Config
	transport core.SignalTransport
	capturer  core.Capturer
	links     core.PeerLinkFactory
	renderer  core.RemoteRenderer
	metrics   *metrics.Call
	logger    zerolog.Logger

	step  chan struct{}
	inbox chan core.Event

	// mu guards the fields below for readers that do not hold the step lock.
	mu        sync.Mutex
	state     domain.State
	media     core.LocalMedia
	sess      *session
	connected bool
}

func New(cfg Config, d Deps) *Coordinator {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = DefaultLeaveTimeout
	}
	renderer := d.Renderer
	if renderer == nil {
		renderer = noopRenderer{}
	}
	c := &Coordinator{
		cfg:       cfg,
		transport: d.Transport,
		capturer:  d.Capturer,
		links:     d.Links,
		renderer:  renderer,
		metrics:   d.Metrics,
		logger:    log.With().Str("module", "call").Logger(),
		step:      make(chan struct{}, 1),
		inbox:     make(chan core.Event, inboxSize),
		state:     domain.StateIdle,
	}
	c.transport.OnEvent(c.deliver)
	return c
}

func (c *Coordinator) State() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Role() domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return domain.RoleUndetermined
	}
	return c.sess.role
}

func (c *Coordinator) RoomID() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.room
}

// Controls reports which of start/join/leave are usable right now.
func (c *Coordinator) Controls() domain.Controls {
	return domain.ControlsFor(c.State())
}

func (c *Coordinator) lock(ctx context.Context) error {
	select {
	case c.step <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) unlock() { <-c.step }

func (c *Coordinator) setState(s domain.State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info().Str("from", prev.String()).Str("to", s.String()).Msg("state")
		c.metrics.Transition(s)
	}
}

// Start acquires local media and connects the signaling transport.
// It is a no-op once the coordinator is past Starting.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	if st := c.State(); st != domain.StateIdle {
		c.logger.Debug().Str("state", st.String()).Msg("start ignored")
		return nil
	}
	c.setState(domain.StateStarting)

	media, err := c.capturer.Acquire(ctx)
	if err != nil {
		c.setState(domain.StateIdle)
		c.logger.Error().Err(err).Msg("acquire local media")
		return fmt.Errorf("%w: %w", ErrCapability, err)
	}

	if !c.isConnected() {
		if err := c.transport.Connect(ctx); err != nil {
			media.Stop()
			c.setState(domain.StateIdle)
			c.logger.Error().Err(err).Msg("connect signaling transport")
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.media = media
	c.mu.Unlock()
	c.setState(domain.StateReady)
	return nil
}

func (c *Coordinator) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Join enters a room and waits, bounded by JoinTimeout, for the relay's acknowledgment.
// Rejection and timeout leave the coordinator Ready with the peer link closed.
func (c *Coordinator) Join(ctx context.Context, room string) error {
	roomID, err := domain.NewRoomID(room)
	if err != nil {
		return err
	}

	s, joinCtx, err := c.prepareJoin(ctx, roomID)
	if err != nil {
		return err
	}

	ack, err := c.transport.Join(joinCtx, roomID)
	timedOut := errors.Is(joinCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	s.cancelJoin()

	// commit must happen whatever the caller's ctx says
	_ = c.lock(context.Background())
	defer c.unlock()
	defer s.settle()

	c.mu.Lock()
	current := c.sess == s && c.state == domain.StateJoining
	c.mu.Unlock()
	if !current {
		c.metrics.JoinResult("canceled")
		return ErrJoinCanceled
	}

	switch {
	case err != nil:
		c.closeSession(s)
		if timedOut {
			// the relay may still admit us after we stopped waiting
			c.notifyLeave(context.Background(), roomID)
			c.setState(domain.StateReady)
			c.metrics.JoinResult("timeout")
			c.logger.Warn().Str("room", string(roomID)).Dur("timeout", c.cfg.JoinTimeout).Msg("join not acknowledged")
			return ErrJoinTimeout
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.notifyLeave(context.Background(), roomID)
			c.setState(domain.StateReady)
			c.metrics.JoinResult("canceled")
			return ctxErr
		}
		c.setState(domain.StateReady)
		c.metrics.JoinResult("error")
		c.logger.Error().Err(err).Str("room", string(roomID)).Msg("join request")
		return fmt.Errorf("%w: %w", ErrTransport, err)
	case !ack.OK():
		c.closeSession(s)
		c.setState(domain.StateReady)
		c.metrics.JoinResult("rejected")
		c.logger.Warn().Str("room", string(roomID)).Int("code", ack.Code).Str("reason", ack.Reason).Msg("join rejected")
		return &JoinRejectedError{Code: ack.Code, Reason: ack.Reason}
	}

	c.setState(domain.StateJoined)
	c.metrics.JoinResult("ok")
	c.logger.Info().Str("room", string(roomID)).Bool("passive", c.cfg.Passive).Msg("joined")
	return nil
}

// prepareJoin runs the locked part of Join: peer link, local tracks, state Joining.
func (c *Coordinator) prepareJoin(ctx context.Context, room domain.RoomID) (*session, context.Context, error) {
	if err := c.lock(ctx); err != nil {
		return nil, nil, err
	}
	defer c.unlock()

	if st := c.State(); st != domain.StateReady {
		return nil, nil, fmt.Errorf("%w: join requires %s, state is %s", ErrInvalidState, domain.StateReady, st)
	}

	link, err := c.links.NewPeerLink()
	if err != nil {
		c.metrics.NegotiationFailed("peer_link")
		return nil, nil, fmt.Errorf("%w: create peer link: %w", ErrNegotiation, err)
	}
	s := newSession(room, link)
	link.OnICECandidate(func(cand *webrtc.ICECandidateInit) { c.onLocalCandidate(s, cand) })
	link.OnTrack(func(trackCtx context.Context, track core.RemoteTrack) { c.onRemoteTrack(trackCtx, s, track) })

	if !c.cfg.Passive {
		c.mu.Lock()
		media := c.media
		c.mu.Unlock()
		if media != nil {
			for _, track := range media.Tracks() {
				if err := link.AddTrack(track); err != nil {
					_ = link.Close()
					c.metrics.NegotiationFailed("add_track")
					return nil, nil, fmt.Errorf("%w: add local track %s: %w", ErrNegotiation, track.ID(), err)
				}
			}
			s.localTracksAttached = true
		}
	}

	joinCtx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	s.cancelJoin = cancel

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	c.setState(domain.StateJoining)
	return s, joinCtx, nil
}

// Leave tears the call down and returns to Ready. A pending join is cancelled first.
// The relay is notified on a best-effort basis; its failure is logged, not returned.
func (c *Coordinator) Leave(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	c.mu.Lock()
	st, s := c.state, c.sess
	c.mu.Unlock()
	if s == nil || (st != domain.StateJoined && st != domain.StateJoining) {
		return fmt.Errorf("%w: leave requires %s, state is %s", ErrInvalidState, domain.StateJoined, st)
	}
	c.teardown(ctx, s, true)
	return nil
}

// teardown detaches remote media and closes the peer link before notifying the relay.
// Must be called with the step lock held.
func (c *Coordinator) teardown(ctx context.Context, s *session, notify bool) {
	c.setState(domain.StateLeaving)
	if s.cancelJoin != nil {
		s.cancelJoin()
	}
	c.closeSession(s)
	s.settle()

	if notify {
		c.notifyLeave(ctx, s.room)
	}
	c.setState(domain.StateReady)
}

// notifyLeave tells the relay we left room, bounded by LeaveTimeout. Failures are logged.
func (c *Coordinator) notifyLeave(ctx context.Context, room domain.RoomID) {
	leaveCtx, cancel := context.WithTimeout(ctx, c.cfg.LeaveTimeout)
	defer cancel()
	if err := c.transport.Leave(leaveCtx, room); err != nil {
		c.logger.Warn().Err(err).Str("room", string(room)).Msg("leave notification failed")
	}
}

// closeSession releases everything the session owns and forgets it.
func (c *Coordinator) closeSession(s *session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()

	c.renderer.DetachAll()
	if err := s.link.Close(); err != nil {
		c.logger.Error().Err(err).Str("room", string(s.room)).Msg("close peer link")
	}
	s.localTracksAttached = false
}

// OnJoinNotify makes this side the caller: it creates and sends the offer.
func (c *Coordinator) OnJoinNotify(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	s, ok := c.joined("join_notify")
	if !ok {
		return nil
	}

	offer, err := s.link.CreateOffer()
	if err != nil {
		return c.negotiationFailed(ctx, s, "create_offer", err)
	}
	if err := s.link.SetLocalDescription(offer); err != nil {
		return c.negotiationFailed(ctx, s, "set_local_offer", err)
	}
	c.setRole(s, domain.RoleCaller)

	if err := c.transport.Send(s.room, protocol.NewOffer(offer.SDP)); err != nil {
		return c.sendFailed(ctx, s, "send_offer", err)
	}
	c.logger.Info().Str("room", string(s.room)).Msg("offer sent")
	return nil
}

// OnLeaveNotify runs the same teardown as Leave.
func (c *Coordinator) OnLeaveNotify(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	s, ok := c.joined("leave_notify")
	if !ok {
		return nil
	}
	c.logger.Info().Str("room", string(s.room)).Msg("peer left")
	c.teardown(ctx, s, true)
	return nil
}

// OnMessage applies an offer, answer or candidate received through the relay.
func (c *Coordinator) OnMessage(ctx context.Context, ev core.Event) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	s, ok := c.joined("message")
	if !ok {
		return nil
	}
	if ev.Room == "" || len(ev.Data) == 0 {
		return fmt.Errorf("%w: message needs room and data", ErrMalformedMessage)
	}
	if ev.Room != s.room {
		c.logger.Debug().Str("room", string(ev.Room)).Str("session_room", string(s.room)).Msg("message for another room discarded")
		return nil
	}
	p, err := protocol.ParsePayload(ev.Data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch p.Type {
	case protocol.PayloadOffer:
		return c.applyOffer(ctx, s, p)
	case protocol.PayloadAnswer:
		desc, _ := p.Description()
		if err := s.link.SetRemoteDescription(desc); err != nil {
			return c.negotiationFailed(ctx, s, "set_remote_answer", err)
		}
		c.setRole(s, domain.RoleCaller)
		c.logger.Info().Str("room", string(s.room)).Msg("answer applied")
	case protocol.PayloadCandidate:
		if err := s.link.AddICECandidate(p.Candidate); err != nil {
			// one bad candidate does not break an otherwise healthy link
			c.metrics.NegotiationFailed("add_candidate")
			return fmt.Errorf("%w: add candidate: %w", ErrNegotiation, err)
		}
		if p.Candidate == nil {
			c.logger.Debug().Str("room", string(s.room)).Msg("remote end of candidates")
		}
	}
	return nil
}

func (c *Coordinator) applyOffer(ctx context.Context, s *session, p protocol.Payload) error {
	desc, _ := p.Description()
	if err := s.link.SetRemoteDescription(desc); err != nil {
		return c.negotiationFailed(ctx, s, "set_remote_offer", err)
	}
	answer, err := s.link.CreateAnswer()
	if err != nil {
		return c.negotiationFailed(ctx, s, "create_answer", err)
	}
	if err := s.link.SetLocalDescription(answer); err != nil {
		return c.negotiationFailed(ctx, s, "set_local_answer", err)
	}
	c.setRole(s, domain.RoleCallee)

	if err := c.transport.Send(s.room, protocol.NewAnswer(answer.SDP)); err != nil {
		return c.sendFailed(ctx, s, "send_answer", err)
	}
	c.logger.Info().Str("room", string(s.room)).Msg("answer sent")
	return nil
}

// negotiationFailed tears the half negotiated session down.
func (c *Coordinator) negotiationFailed(ctx context.Context, s *session, step string, err error) error {
	c.metrics.NegotiationFailed(step)
	c.logger.Error().Err(err).Str("room", string(s.room)).Str("step", step).Msg("negotiation failed, tearing down")
	c.teardown(ctx, s, true)
	return fmt.Errorf("%w: %s: %w", ErrNegotiation, step, err)
}

// sendFailed tears down a session whose local description never reached the peer.
func (c *Coordinator) sendFailed(ctx context.Context, s *session, step string, err error) error {
	c.metrics.NegotiationFailed(step)
	c.logger.Error().Err(err).Str("room", string(s.room)).Str("step", step).Msg("description not delivered, tearing down")
	c.teardown(ctx, s, true)
	return fmt.Errorf("%w: %s: %w", ErrTransport, step, err)
}

// joined returns the live session if events are accepted right now.
func (c *Coordinator) joined(event string) (*session, bool) {
	c.mu.Lock()
	st, s := c.state, c.sess
	c.mu.Unlock()
	if st != domain.StateJoined || s == nil {
		c.logger.Debug().Str("event", event).Str("state", st.String()).Msg("event discarded")
		return nil, false
	}
	return s, true
}

func (c *Coordinator) setRole(s *session, r domain.Role) {
	c.mu.Lock()
	s.role = r
	c.mu.Unlock()
}

func (c *Coordinator) onLocalCandidate(s *session, cand *webrtc.ICECandidateInit) {
	if cand == nil {
		c.logger.Debug().Str("room", string(s.room)).Msg("local candidate gathering complete")
		return
	}
	c.mu.Lock()
	live := c.sess == s
	c.mu.Unlock()
	if !live {
		return
	}
	if err := c.transport.Send(s.room, protocol.NewCandidate(cand)); err != nil {
		c.logger.Warn().Err(err).Str("room", string(s.room)).Msg("send candidate")
	}
}

func (c *Coordinator) onRemoteTrack(ctx context.Context, s *session, track core.RemoteTrack) {
	c.mu.Lock()
	live := c.sess == s
	c.mu.Unlock()
	if !live {
		return
	}
	c.logger.Info().
		Str("room", string(s.room)).
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Msg("remote track attached")
	c.renderer.Attach(ctx, track)
}

// Close ends any call, stops local media and closes the transport. State becomes Idle.
func (c *Coordinator) Close(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.teardown(ctx, s, true)
	}
	c.reset()
	return c.transport.Close()
}

// reset drops everything but the transport subscription. Step lock must be held.
func (c *Coordinator) reset() {
	c.mu.Lock()
	media := c.media
	c.media = nil
	c.connected = false
	c.mu.Unlock()
	if media != nil {
		media.Stop()
	}
	c.setState(domain.StateIdle)
}

func (c *Coordinator) onTransportClosed(ctx context.Context) {
	if err := c.lock(ctx); err != nil {
		return
	}
	defer c.unlock()

	c.logger.Error().Msg("signaling transport lost")
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		c.teardown(ctx, s, false)
	}
	c.reset()
}

// deliver is the transport observer. It only enqueues, keeping transport order.
func (c *Coordinator) deliver(ev core.Event) {
	select {
	case c.inbox <- ev:
	default:
		c.logger.Error().Str("type", string(ev.Type)).Msg("inbox full, event dropped")
	}
}

// Run consumes inbound relay events until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.inbox:
			c.dispatch(ctx, ev)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, ev core.Event) {
	// Frames that follow the join ack may be read before Join commits; wait for the
	// outcome instead of racing it. They are still dropped if the join fails.
	c.mu.Lock()
	st, s := c.state, c.sess
	c.mu.Unlock()
	if st == domain.StateJoining && s != nil {
		select {
		case <-s.settled:
		case <-ctx.Done():
			return
		}
	}

	var err error
	switch ev.Type {
	case protocol.TypeJoinNotify:
		err = c.OnJoinNotify(ctx)
	case protocol.TypeLeaveNotify:
		err = c.OnLeaveNotify(ctx)
	case protocol.TypeMessage:
		err = c.OnMessage(ctx, ev)
	case core.EventTransportClosed:
		c.onTransportClosed(ctx)
	default:
		c.logger.Warn().Str("type", string(ev.Type)).Msg("unknown event")
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("event handling failed")
	}
}

type noopRenderer struct{}

func (noopRenderer) Attach(context.Context, core.RemoteTrack) {}
func (noopRenderer) DetachAll()                               {}
