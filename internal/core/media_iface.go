package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the read side of an incoming media track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PeerLink is the negotiated transport to the remote party.
type PeerLink interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote candidate; nil marks end of candidates.
	AddICECandidate(*webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error
	// OnICECandidate sets a callback for gathered local candidates; nil marks end of gathering.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track RemoteTrack))
	Close() error
}

type PeerLinkFactory interface {
	NewPeerLink() (PeerLink, error)
}

// LocalMedia is an acquired capture: the local tracks plus whatever feeds them.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// Capturer acquires local media. Acquire fails when capture is denied
// or the configured constraints cannot be satisfied.
type Capturer interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// RemoteRenderer consumes remote tracks for as long as they are attached.
type RemoteRenderer interface {
	Attach(ctx context.Context, track RemoteTrack)
	DetachAll()
}
