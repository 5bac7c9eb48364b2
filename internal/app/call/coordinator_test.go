package call

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(room string, p protocol.Payload) core.Event {
	data, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return core.Event{Type: protocol.TypeMessage, Room: domain.RoomID(room), Data: data}
}

func TestStart_ReachesReadyAndIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	assert.Equal(t, domain.Controls{Start: true}, f.c.Controls())
	require.NoError(t, f.c.Start(ctx))
	assert.Equal(t, domain.StateReady, f.c.State())
	assert.Equal(t, domain.Controls{Join: true}, f.c.Controls())

	require.NoError(t, f.c.Start(ctx))
	assert.Equal(t, 1, f.transport.connects)
	assert.Len(t, f.capturer.acquired, 1)
}

func TestStart_CapabilityErrorReturnsToIdleAndCanRetry(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.capturer.err = errors.New("permission denied")

	err := f.c.Start(ctx)
	assert.ErrorIs(t, err, ErrCapability)
	assert.Equal(t, domain.StateIdle, f.c.State())
	assert.Zero(t, f.transport.connects)

	f.capturer.err = nil
	require.NoError(t, f.c.Start(ctx))
	assert.Equal(t, domain.StateReady, f.c.State())
}

func TestStart_TransportErrorReleasesMedia(t *testing.T) {
	f := newFixture(t, Config{})
	f.transport.connectErr = errors.New("connection refused")

	err := f.c.Start(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, domain.StateIdle, f.c.State())
	require.Len(t, f.capturer.acquired, 1)
	assert.Equal(t, 1, f.capturer.acquired[0].stops)
}

func TestJoin_RequiresReady(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.c.Join(context.Background(), "r")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, f.links.created)
}

func TestJoin_RejectsEmptyRoom(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.c.Start(context.Background()))
	assert.ErrorIs(t, f.c.Join(context.Background(), ""), domain.ErrRoomIDEmpty)
	assert.Equal(t, domain.StateReady, f.c.State())
}

func TestJoin_AttachesLocalTracks(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")

	assert.Len(t, link.tracks, 2)
	assert.Equal(t, domain.RoomID("r"), f.c.RoomID())
	assert.Equal(t, domain.RoleUndetermined, f.c.Role())
	assert.Equal(t, domain.Controls{Leave: true}, f.c.Controls())
}

func TestJoin_PassiveModeAttachesNothing(t *testing.T) {
	f := newFixture(t, Config{Passive: true})
	link := f.joined(t, "r")
	assert.Empty(t, link.tracks)
}

func TestJoin_RejectedLeavesReadyWithClosedLink(t *testing.T) {
	f := newFixture(t, Config{})
	f.transport.joinFn = func(context.Context, domain.RoomID) (core.Ack, error) {
		return core.Ack{Code: 500, Reason: "internal"}, nil
	}
	ctx := context.Background()
	require.NoError(t, f.c.Start(ctx))

	err := f.c.Join(ctx, "r")
	assert.ErrorIs(t, err, ErrJoinRejected)
	var rejected *JoinRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 500, rejected.Code)

	assert.Equal(t, domain.StateReady, f.c.State())
	assert.True(t, f.links.last().closed())
	assert.True(t, f.c.Controls().Join)
}

func TestJoin_TimeoutIsBounded(t *testing.T) {
	f := newFixture(t, Config{JoinTimeout: 50 * time.Millisecond})
	f.transport.joinFn = func(ctx context.Context, _ domain.RoomID) (core.Ack, error) {
		<-ctx.Done()
		return core.Ack{}, ctx.Err()
	}
	ctx := context.Background()
	require.NoError(t, f.c.Start(ctx))

	start := time.Now()
	err := f.c.Join(ctx, "r")
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.StateReady, f.c.State())
	assert.True(t, f.links.last().closed())
}

func TestJoin_TimeoutWithdrawsFromRelay(t *testing.T) {
	f := newFixture(t, Config{JoinTimeout: 30 * time.Millisecond})
	attempts := 0
	f.transport.joinFn = func(ctx context.Context, _ domain.RoomID) (core.Ack, error) {
		attempts++
		if attempts == 1 {
			// the relay admits us, but too late
			<-ctx.Done()
			return core.Ack{}, ctx.Err()
		}
		if f.transport.leaveCount() == 0 {
			return core.Ack{Code: protocol.CodeConflict, Reason: "already in room"}, nil
		}
		return core.Ack{Code: protocol.CodeOK}, nil
	}
	ctx := context.Background()
	require.NoError(t, f.c.Start(ctx))

	require.ErrorIs(t, f.c.Join(ctx, "r"), ErrJoinTimeout)
	assert.Equal(t, 1, f.transport.leaveCount())
	assert.Equal(t, []domain.RoomID{"r"}, f.transport.leaves)

	require.NoError(t, f.c.Join(ctx, "r"))
	assert.Equal(t, domain.StateJoined, f.c.State())
}

func TestJoin_CallerCancelWithdrawsFromRelay(t *testing.T) {
	f := newFixture(t, Config{JoinTimeout: time.Minute})
	f.transport.joinFn = func(ctx context.Context, _ domain.RoomID) (core.Ack, error) {
		<-ctx.Done()
		return core.Ack{}, ctx.Err()
	}
	require.NoError(t, f.c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.c.Join(ctx, "r"), context.DeadlineExceeded)
	assert.Equal(t, domain.StateReady, f.c.State())
	assert.Equal(t, 1, f.transport.leaveCount())
}

func TestJoin_RejectionSendsNoLeave(t *testing.T) {
	f := newFixture(t, Config{})
	f.transport.joinFn = func(context.Context, domain.RoomID) (core.Ack, error) {
		return core.Ack{Code: protocol.CodeRoomFull, Reason: "room full"}, nil
	}
	require.NoError(t, f.c.Start(context.Background()))
	assert.ErrorIs(t, f.c.Join(context.Background(), "r"), ErrJoinRejected)
	assert.Zero(t, f.transport.leaveCount())
}

func TestJoin_TransportFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.transport.joinFn = func(context.Context, domain.RoomID) (core.Ack, error) {
		return core.Ack{}, errors.New("broken pipe")
	}
	require.NoError(t, f.c.Start(context.Background()))
	assert.ErrorIs(t, f.c.Join(context.Background(), "r"), ErrTransport)
	assert.Equal(t, domain.StateReady, f.c.State())
}

func TestLeave_WhileJoinPendingCancelsJoin(t *testing.T) {
	f := newFixture(t, Config{JoinTimeout: time.Minute})
	f.transport.joinFn = func(ctx context.Context, _ domain.RoomID) (core.Ack, error) {
		<-ctx.Done()
		return core.Ack{}, ctx.Err()
	}
	ctx := context.Background()
	require.NoError(t, f.c.Start(ctx))

	joinErr := make(chan error, 1)
	go func() { joinErr <- f.c.Join(ctx, "r") }()
	require.Eventually(t, func() bool { return f.c.State() == domain.StateJoining }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.c.Leave(ctx))
	assert.Equal(t, domain.StateReady, f.c.State())
	assert.True(t, f.links.last().closed())

	select {
	case err := <-joinErr:
		assert.ErrorIs(t, err, ErrJoinCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("join did not return after leave")
	}
	assert.Equal(t, domain.StateReady, f.c.State())
	assert.Equal(t, 1, f.transport.leaveCount())
}

func TestLeave_RequiresJoined(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.c.Start(context.Background()))
	assert.ErrorIs(t, f.c.Leave(context.Background()), ErrInvalidState)
}

func TestLeave_TransportFailureStillReturnsToReady(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")
	f.transport.leaveErr = errors.New("relay unreachable")

	require.NoError(t, f.c.Leave(context.Background()))
	assert.Equal(t, domain.StateReady, f.c.State())
	assert.True(t, link.closed())

	// the user can join again right away
	require.NoError(t, f.c.Join(context.Background(), "r"))
	assert.Equal(t, domain.StateJoined, f.c.State())
}

func TestRepeatedCyclesEndReadyWithoutLeaks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.c.Start(ctx))

	for i := 0; i < 2; i++ {
		require.NoError(t, f.c.Join(ctx, "r"))
		link := f.links.last()
		link.onTrack(ctx, fakeRemoteTrack{kind: webrtc.RTPCodecTypeVideo})
		assert.Equal(t, 1, f.renderer.attachedCount())

		require.NoError(t, f.c.Leave(ctx))
		assert.Equal(t, domain.StateReady, f.c.State())
		assert.Equal(t, 1, link.closes)
		assert.Zero(t, f.renderer.attachedCount())
		assert.Equal(t, domain.RoleUndetermined, f.c.Role())
	}
	assert.Len(t, f.links.created, 2)
	assert.Equal(t, 1, f.transport.connects)
}

func TestEventsOutsideJoinedAreNoops(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	check := func() {
		require.NoError(t, f.c.OnJoinNotify(ctx))
		require.NoError(t, f.c.OnLeaveNotify(ctx))
		require.NoError(t, f.c.OnMessage(ctx, message("r", protocol.NewOffer("v=0"))))
		assert.Empty(t, f.transport.sent)
		assert.Zero(t, f.transport.leaveCount())
	}

	check()
	assert.Equal(t, domain.StateIdle, f.c.State())

	require.NoError(t, f.c.Start(ctx))
	check()
	assert.Equal(t, domain.StateReady, f.c.State())
	assert.Empty(t, f.links.created)
}

func TestOnJoinNotify_BecomesCallerAndSendsOneOffer(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "room-1")

	require.NoError(t, f.c.OnJoinNotify(context.Background()))

	offers := f.transport.sentOfType(protocol.PayloadOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.RoomID("room-1"), offers[0].room)
	assert.Equal(t, "local-offer", offers[0].payload.SDP)
	require.Len(t, link.local, 1)
	assert.Equal(t, webrtc.SDPTypeOffer, link.local[0].Type)
	assert.Equal(t, domain.RoleCaller, f.c.Role())
}

func TestOnMessage_OfferMakesCalleeAndSendsOneAnswer(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")

	require.NoError(t, f.c.OnMessage(context.Background(), message("r", protocol.NewOffer("remote-offer"))))

	require.Len(t, link.remote, 1)
	assert.Equal(t, "remote-offer", link.remote[0].SDP)
	assert.Equal(t, webrtc.SDPTypeOffer, link.remote[0].Type)
	answers := f.transport.sentOfType(protocol.PayloadAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "local-answer", answers[0].payload.SDP)
	assert.Equal(t, domain.RoleCallee, f.c.Role())
}

func TestOnMessage_AnswerOnlySetsRemote(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")
	require.NoError(t, f.c.OnJoinNotify(context.Background()))

	require.NoError(t, f.c.OnMessage(context.Background(), message("r", protocol.NewAnswer("remote-answer"))))
	require.Len(t, link.remote, 1)
	assert.Equal(t, webrtc.SDPTypeAnswer, link.remote[0].Type)
	assert.Empty(t, f.transport.sentOfType(protocol.PayloadAnswer))
	assert.Equal(t, domain.RoleCaller, f.c.Role())
}

func TestOnMessage_CandidatesApplyBeforeAndAfterDescriptions(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")
	ctx := context.Background()
	cand := &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}

	require.NoError(t, f.c.OnMessage(ctx, message("r", protocol.NewCandidate(cand))))
	require.NoError(t, f.c.OnMessage(ctx, message("r", protocol.NewOffer("remote-offer"))))
	require.NoError(t, f.c.OnMessage(ctx, message("r", protocol.NewCandidate(cand))))
	require.NoError(t, f.c.OnMessage(ctx, message("r", protocol.NewCandidate(nil))))

	require.Len(t, link.candidates, 3)
	assert.Nil(t, link.candidates[2])
	assert.Equal(t, domain.StateJoined, f.c.State())
}

func TestOnJoinNotify_UndeliveredOfferTearsDown(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")
	f.transport.sendErr = errBoom

	err := f.c.OnJoinNotify(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, domain.StateReady, f.c.State())
	assert.True(t, link.closed())
	assert.Equal(t, 1, f.transport.leaveCount())
}

func TestOnMessage_UndeliveredAnswerTearsDown(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")
	f.transport.sendErr = errBoom

	err := f.c.OnMessage(context.Background(), message("r", protocol.NewOffer("remote-offer")))
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, domain.StateReady, f.c.State())
	assert.True(t, link.closed())
	assert.Equal(t, domain.RoleUndetermined, f.c.Role())
}

func TestOnMessage_Malformed(t *testing.T) {
	f := newFixture(t, Config{})
	f.joined(t, "r")
	ctx := context.Background()

	err := f.c.OnMessage(ctx, core.Event{Type: protocol.TypeMessage, Data: json.RawMessage(`{"type":"offer","sdp":"x"}`)})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	err = f.c.OnMessage(ctx, core.Event{Type: protocol.TypeMessage, Room: "r"})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	err = f.c.OnMessage(ctx, core.Event{Type: protocol.TypeMessage, Room: "r", Data: json.RawMessage(`{"type":"offer"}`)})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	assert.Equal(t, domain.StateJoined, f.c.State())
}

func TestOnMessage_OtherRoomIsDiscarded(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")
	require.NoError(t, f.c.OnMessage(context.Background(), message("elsewhere", protocol.NewOffer("x"))))
	assert.Empty(t, link.remote)
}

func TestOnMessage_NegotiationFailureTearsDown(t *testing.T) {
	f := newFixture(t, Config{})
	f.links.configure = func(l *fakeLink) { l.setRemoteErr = errBoom }
	link := f.joined(t, "r")

	err := f.c.OnMessage(context.Background(), message("r", protocol.NewOffer("bad")))
	assert.ErrorIs(t, err, ErrNegotiation)
	assert.Equal(t, domain.StateReady, f.c.State())
	assert.True(t, link.closed())
	assert.Equal(t, 1, f.transport.leaveCount())
}

func TestOnMessage_BadCandidateIsNotFatal(t *testing.T) {
	f := newFixture(t, Config{})
	f.links.configure = func(l *fakeLink) { l.candidateErr = errBoom }
	link := f.joined(t, "r")

	err := f.c.OnMessage(context.Background(), message("r", protocol.NewCandidate(&webrtc.ICECandidateInit{Candidate: "garbage"})))
	assert.ErrorIs(t, err, ErrNegotiation)
	assert.Equal(t, domain.StateJoined, f.c.State())
	assert.False(t, link.closed())
}

func TestOnLeaveNotify_TearsDown(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")

	require.NoError(t, f.c.OnLeaveNotify(context.Background()))
	assert.Equal(t, domain.StateReady, f.c.State())
	assert.True(t, link.closed())
	assert.Equal(t, 1, f.transport.leaveCount())
}

func TestLocalCandidates(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")

	link.onICE(&webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host"})
	link.onICE(nil)

	sent := f.transport.sentOfType(protocol.PayloadCandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, domain.RoomID("r"), sent[0].room)

	// candidates from a link that is already gone are not sent
	require.NoError(t, f.c.Leave(context.Background()))
	link.onICE(&webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 10.0.0.2 9 typ host"})
	assert.Len(t, f.transport.sentOfType(protocol.PayloadCandidate), 1)
}

func TestRun_DispatchesInOrder(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.c.Run(ctx) }()

	f.transport.emit(message("r", protocol.NewOffer("remote-offer")))
	f.transport.emit(message("r", protocol.NewCandidate(nil)))
	f.transport.emit(core.Event{Type: protocol.TypeLeaveNotify, Room: "r"})

	require.Eventually(t, func() bool { return link.closed() }, time.Second, 5*time.Millisecond)
	assert.Len(t, f.transport.sentOfType(protocol.PayloadAnswer), 1)
	assert.Len(t, link.candidates, 1)
	assert.Equal(t, domain.StateReady, f.c.State())
}

func TestRun_EventsRightAfterAckAreNotLost(t *testing.T) {
	f := newFixture(t, Config{})
	f.transport.joinFn = func(_ context.Context, room domain.RoomID) (core.Ack, error) {
		// the relay's next frame is read before Join gets to commit
		f.transport.emit(message(string(room), protocol.NewOffer("early-offer")))
		time.Sleep(20 * time.Millisecond)
		return core.Ack{Code: protocol.CodeOK}, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.c.Run(ctx) }()

	require.NoError(t, f.c.Start(ctx))
	require.NoError(t, f.c.Join(ctx, "r"))

	require.Eventually(t, func() bool {
		return len(f.transport.sentOfType(protocol.PayloadAnswer)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.RoleCallee, f.c.Role())
}

func TestTransportClosed_ReturnsToIdle(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.c.Run(ctx) }()

	f.transport.emit(core.Event{Type: core.EventTransportClosed})

	require.Eventually(t, func() bool { return f.c.State() == domain.StateIdle }, time.Second, 5*time.Millisecond)
	assert.True(t, link.closed())
	assert.Zero(t, f.transport.leaveCount())
	assert.Equal(t, 1, f.capturer.acquired[0].stops)

	// start reconnects
	require.NoError(t, f.c.Start(ctx))
	assert.Equal(t, 2, f.transport.connects)
}

func TestClose(t *testing.T) {
	f := newFixture(t, Config{})
	link := f.joined(t, "r")

	require.NoError(t, f.c.Close(context.Background()))
	assert.Equal(t, domain.StateIdle, f.c.State())
	assert.True(t, link.closed())
	assert.True(t, f.transport.closed)
	assert.Equal(t, 1, f.capturer.acquired[0].stops)
}
