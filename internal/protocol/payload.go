package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type PayloadType string

const (
	PayloadOffer     PayloadType = "offer"
	PayloadAnswer    PayloadType = "answer"
	PayloadCandidate PayloadType = "candidate"
)

// Payload is the data of a "message" envelope.
// A candidate payload with a nil Candidate is the end-of-candidates marker.
type Payload struct {
	Type      PayloadType
	SDP       string
	Candidate *webrtc.ICECandidateInit
}

func NewOffer(sdp string) Payload  { return Payload{Type: PayloadOffer, SDP: sdp} }
func NewAnswer(sdp string) Payload { return Payload{Type: PayloadAnswer, SDP: sdp} }

func NewCandidate(c *webrtc.ICECandidateInit) Payload {
	return Payload{Type: PayloadCandidate, Candidate: c}
}

// Description converts an offer or answer payload into a pion session description.
func (p Payload) Description() (webrtc.SessionDescription, error) {
	switch p.Type {
	case PayloadOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}, nil
	case PayloadAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}, nil
	}
	return webrtc.SessionDescription{}, fmt.Errorf("%w: %q payload has no description", ErrMalformed, p.Type)
}

type descriptionJSON struct {
	Type PayloadType `json:"type"`
	SDP  string      `json:"sdp"`
}

type candidateJSON struct {
	Type      PayloadType              `json:"type"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Type {
	case PayloadOffer, PayloadAnswer:
		return json.Marshal(descriptionJSON{Type: p.Type, SDP: p.SDP})
	case PayloadCandidate:
		return json.Marshal(candidateJSON{Type: p.Type, Candidate: p.Candidate})
	}
	return nil, fmt.Errorf("%w: unsupported payload type %q", ErrMalformed, p.Type)
}

// ParsePayload decodes and validates the data of a "message" envelope.
func ParsePayload(data json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return Payload{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var raw struct {
		Type      PayloadType     `json:"type"`
		SDP       *string         `json:"sdp"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch raw.Type {
	case PayloadOffer, PayloadAnswer:
		if raw.SDP == nil || *raw.SDP == "" {
			return Payload{}, fmt.Errorf("%w: %s payload missing sdp", ErrMalformed, raw.Type)
		}
		return Payload{Type: raw.Type, SDP: *raw.SDP}, nil
	case PayloadCandidate:
		if len(raw.Candidate) == 0 {
			return Payload{}, fmt.Errorf("%w: candidate payload missing candidate", ErrMalformed)
		}
		if bytes.Equal(bytes.TrimSpace(raw.Candidate), []byte("null")) {
			return NewCandidate(nil), nil
		}
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(raw.Candidate, &c); err != nil {
			return Payload{}, fmt.Errorf("%w: candidate: %v", ErrMalformed, err)
		}
		// an empty candidate string is the browser's end-of-candidates form
		if c.Candidate == "" {
			return NewCandidate(nil), nil
		}
		return NewCandidate(&c), nil
	case "":
		return Payload{}, fmt.Errorf("%w: payload missing type", ErrMalformed)
	}
	return Payload{}, fmt.Errorf("%w: unsupported payload type %q", ErrMalformed, raw.Type)
}
