package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type SignalKind int

const (
	SignalUnknown SignalKind = iota
	SignalOffer
	SignalAnswer
	SignalCandidate
)

func (k SignalKind) String() string {
	switch k {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// Signal is the payload of a signal message: either a session description
// or a trickled ICE candidate, in the shape browsers serialize them.
type Signal struct {
	Type             string  `json:"type,omitempty"`
	SDP              string  `json:"sdp,omitempty"`
	Candidate        string  `json:"candidate,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (s Signal) Kind() SignalKind {
	switch s.Type {
	case "offer":
		return SignalOffer
	case "answer":
		return SignalAnswer
	}
	if s.Candidate != "" {
		return SignalCandidate
	}
	return SignalUnknown
}

func DescriptionSignal(sd webrtc.SessionDescription) Signal {
	return Signal{Type: sd.Type.String(), SDP: sd.SDP}
}

func CandidateSignal(ci webrtc.ICECandidateInit) Signal {
	return Signal{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}

func (s Signal) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}
}

func (s Signal) CandidateInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        s.Candidate,
		SDPMid:           s.SDPMid,
		SDPMLineIndex:    s.SDPMLineIndex,
		UsernameFragment: s.UsernameFragment,
	}
}

func EncodeSignal(s Signal) (json.RawMessage, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode signal: %w", err)
	}
	return b, nil
}

func DecodeSignal(raw json.RawMessage) (Signal, error) {
	var s Signal
	if len(raw) == 0 {
		return s, fmt.Errorf("protocol: empty signal")
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("protocol: decode signal: %w", err)
	}
	return s, nil
}
