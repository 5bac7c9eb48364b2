package call

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/dkeye/voicecall/internal/protocol"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	room    domain.RoomID
	payload protocol.Payload
}

type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	leaveErr   error
	sendErr    error
	joinFn     func(ctx context.Context, room domain.RoomID) (core.Ack, error)
	handler    func(core.Event)

	connects int
	joins    []domain.RoomID
	leaves   []domain.RoomID
	sent     []sentMessage
	closed   bool
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeTransport) Join(ctx context.Context, room domain.RoomID) (core.Ack, error) {
	f.mu.Lock()
	f.joins = append(f.joins, room)
	fn := f.joinFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, room)
	}
	return core.Ack{Code: protocol.CodeOK}, nil
}

func (f *fakeTransport) Leave(_ context.Context, room domain.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, room)
	return f.leaveErr
}

func (f *fakeTransport) Send(room domain.RoomID, p protocol.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{room: room, payload: p})
	return nil
}

func (f *fakeTransport) OnEvent(fn func(core.Event)) { f.handler = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) emit(ev core.Event) { f.handler(ev) }

func (f *fakeTransport) sentOfType(t protocol.PayloadType) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.payload.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.leaves)
}

type fakeLink struct {
	mu           sync.Mutex
	offerErr     error
	answerErr    error
	setRemoteErr error
	candidateErr error

	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []*webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	onICE      func(*webrtc.ICECandidateInit)
	onTrack    func(context.Context, core.RemoteTrack)
	closes     int
}

func (l *fakeLink) CreateOffer() (webrtc.SessionDescription, error) {
	if l.offerErr != nil {
		return webrtc.SessionDescription{}, l.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (l *fakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	if l.answerErr != nil {
		return webrtc.SessionDescription{}, l.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (l *fakeLink) SetLocalDescription(d webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.local = append(l.local, d)
	return nil
}

func (l *fakeLink) SetRemoteDescription(d webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.setRemoteErr != nil {
		return l.setRemoteErr
	}
	l.remote = append(l.remote, d)
	return nil
}

func (l *fakeLink) AddICECandidate(c *webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.candidateErr != nil {
		return l.candidateErr
	}
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *fakeLink) AddTrack(t webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracks = append(l.tracks, t)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(*webrtc.ICECandidateInit)) { l.onICE = fn }

func (l *fakeLink) OnTrack(fn func(context.Context, core.RemoteTrack)) { l.onTrack = fn }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes > 0
}

type fakeLinks struct {
	mu        sync.Mutex
	err       error
	configure func(*fakeLink)
	created   []*fakeLink
}

func (f *fakeLinks) NewPeerLink() (core.PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l := &fakeLink{}
	if f.configure != nil {
		f.configure(l)
	}
	f.created = append(f.created, l)
	return l, nil
}

func (f *fakeLinks) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeMedia struct {
	tracks []webrtc.TrackLocal
	stops  int
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return m.tracks }
func (m *fakeMedia) Stop()                       { m.stops++ }

type fakeCapturer struct {
	err      error
	acquired []*fakeMedia
	tracks   []webrtc.TrackLocal
}

func (c *fakeCapturer) Acquire(context.Context) (core.LocalMedia, error) {
	if c.err != nil {
		return nil, c.err
	}
	m := &fakeMedia{tracks: c.tracks}
	c.acquired = append(c.acquired, m)
	return m, nil
}

type fakeRenderer struct {
	mu       sync.Mutex
	attached int
	detaches int
}

func (r *fakeRenderer) Attach(context.Context, core.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached++
}

func (r *fakeRenderer) DetachAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = 0
	r.detaches++
}

func (r *fakeRenderer) attachedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attached
}

type fixture struct {
	c         *Coordinator
	transport *fakeTransport
	links     *fakeLinks
	capturer  *fakeCapturer
	renderer  *fakeRenderer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	require.NoError(t, err)

	f := &fixture{
		transport: &fakeTransport{},
		links:     &fakeLinks{},
		capturer:  &fakeCapturer{tracks: []webrtc.TrackLocal{audio, video}},
		renderer:  &fakeRenderer{},
	}
	f.c = New(cfg, Deps{
		Transport: f.transport,
		Capturer:  f.capturer,
		Links:     f.links,
		Renderer:  f.renderer,
	})
	return f
}

// joined drives the fixture to Joined in room r.
func (f *fixture) joined(t *testing.T, room string) *fakeLink {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.c.Start(ctx))
	require.NoError(t, f.c.Join(ctx, room))
	require.Equal(t, domain.StateJoined, f.c.State())
	return f.links.last()
}

var errBoom = errors.New("boom")

type fakeRemoteTrack struct{ kind webrtc.RTPCodecType }

func (t fakeRemoteTrack) ID() string                { return "remote-" + t.kind.String() }
func (t fakeRemoteTrack) StreamID() string          { return "remote" }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}
