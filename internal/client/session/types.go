// Package session holds the per-peer negotiation state machine. The Engine
// is single-threaded: callers feed it one Command at a time and carry out the
// Effects it returns. Transport calls go through PeerTransport.
package session

import (
	"fmt"
	"time"

	"github.com/dkeye/Duet/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type Mode int

const (
	Idle Mode = iota
	Inviting
	AwaitingAccept
	Negotiating
	Connected
	Closed
	Failed
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Inviting:
		return "inviting"
	case AwaitingAccept:
		return "awaiting-accept"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

type NegotiationState int

const (
	NegotiationIdle NegotiationState = iota
	HaveLocalOffer
	HaveRemoteOffer
	Stable
	NegotiationClosed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationIdle:
		return "idle"
	case HaveLocalOffer:
		return "have-local-offer"
	case HaveRemoteOffer:
		return "have-remote-offer"
	case Stable:
		return "stable"
	case NegotiationClosed:
		return "closed"
	default:
		return fmt.Sprintf("negotiation(%d)", int(s))
	}
}

type ChannelState int

const (
	ChannelStateNone ChannelState = iota
	ChannelStateConnecting
	ChannelStateOpen
	ChannelStateClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateNone:
		return "none"
	case ChannelStateConnecting:
		return "connecting"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("channel(%d)", int(s))
	}
}

// TransportState is the coarse connectivity state a PeerTransport reports.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportChecking
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportChecking:
		return "checking"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return fmt.Sprintf("transport(%d)", int(s))
	}
}

// PeerTransport is the peer-to-peer leg. Implementations report candidates,
// channel lifecycle and connectivity back as commands tagged with the
// generation they were created for.
type PeerTransport interface {
	CreateDataChannel(label string) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	Send(payload []byte) error
	Close() error
}

// TransportFactory builds a transport for the given generation.
type TransportFactory func(gen uint64) (PeerTransport, error)

type TimerKind int

const (
	TimerInvite TimerKind = iota
	TimerRegister
)

func (k TimerKind) String() string {
	if k == TimerRegister {
		return "register"
	}
	return "invite"
}

type EventKind string

const (
	EventSignalingUp         EventKind = "signaling-up"
	EventSignalingDown       EventKind = "signaling-down"
	EventRegistered          EventKind = "registered"
	EventInviteSent          EventKind = "invite-sent"
	EventInviteReceived      EventKind = "invite-received"
	EventAccepted            EventKind = "accepted"
	EventDeclined            EventKind = "declined"
	EventExpired             EventKind = "expired"
	EventNegotiating         EventKind = "negotiating"
	EventChannelOpen         EventKind = "channel-open"
	EventChannelClosed       EventKind = "channel-closed"
	EventKeyExchangeComplete EventKind = "key-exchange-complete"
	EventMessage             EventKind = "message"
	EventConnectionFailed    EventKind = "connection-failed"
	EventPresence            EventKind = "presence"
	EventReset               EventKind = "reset"
	EventError               EventKind = "error"
)

// Event is what collaborators (UI, chat layer) observe.
type Event struct {
	Kind    EventKind
	Peer    string
	Payload []byte
	Online  bool
	Err     error
}

type Effect interface{ isEffect() }

// Send asks the runtime to deliver an envelope to the hub.
type Send struct{ Envelope protocol.Envelope }

type StartTimer struct {
	Kind  TimerKind
	Seq   uint64
	After time.Duration
}

type StopTimer struct{ Kind TimerKind }

type Notify struct{ Event Event }

func (Send) isEffect()       {}
func (StartTimer) isEffect() {}
func (StopTimer) isEffect()  {}
func (Notify) isEffect()     {}

// Transition is the result of one Step.
type Transition struct {
	From, To Mode
	Effects  []Effect
	Err      error
}

// Snapshot is a read-only projection of the engine for display.
type Snapshot struct {
	Mode        Mode
	Negotiation NegotiationState
	Channel     ChannelState
	Remote      string
	Incoming    string
	SignalingUp bool
	Registered  bool
	PeerKey     string
	Queued      int

	InviteSent     bool
	InviteReceived bool
	Connecting     bool
	Connected      bool
}
