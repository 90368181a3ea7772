package session

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Command is one input to Engine.Step.
type Command interface{ isCommand() }

// Signaling link.
type (
	SignalingConnected    struct{}
	SignalingDisconnected struct{ Err error }
	Registered            struct{ Identity string }
	RegistrationFailed    struct{ Message string }
	RegisterRetry         struct{ Seq uint64 }
)

// Invite flow.
type (
	SendInvite     struct{ Target string }
	InviteSent     struct{ To string }
	InviteTimeout  struct{ Seq uint64 }
	InviteReceived struct{ From string }
	AcceptInvite   struct{}
	DeclineInvite  struct{}
	InviteAccepted struct{ From string }
	InviteDeclined struct{ From string }
	UserNotFound   struct{ Email string }
	InviteFailed   struct{ Message string }
	SignalingError struct{ Message, Target string }
	// HubError is a generic hub complaint (rate limit, malformed frame).
	HubError struct{ Message string }
)

// Relayed from the remote peer.
type (
	SignalReceived struct {
		From   string
		Signal json.RawMessage
	}
	PublicKeyReceived struct{ From, Key string }
	PresenceReport    struct {
		Email  string
		Online bool
	}
)

// Transport callbacks, tagged with the transport generation.
type (
	LocalCandidate struct {
		Gen       uint64
		Candidate webrtc.ICECandidateInit
	}
	ChannelOpened  struct{ Gen uint64 }
	ChannelClosed  struct{ Gen uint64 }
	ChannelMessage struct {
		Gen  uint64
		Data []byte
	}
	TransportStateChanged struct {
		Gen   uint64
		State TransportState
	}
)

type Reset struct{}

func (SignalingConnected) isCommand()    {}
func (SignalingDisconnected) isCommand() {}
func (Registered) isCommand()            {}
func (RegistrationFailed) isCommand()    {}
func (RegisterRetry) isCommand()         {}
func (SendInvite) isCommand()            {}
func (InviteSent) isCommand()            {}
func (InviteTimeout) isCommand()         {}
func (InviteReceived) isCommand()        {}
func (AcceptInvite) isCommand()          {}
func (DeclineInvite) isCommand()         {}
func (InviteAccepted) isCommand()        {}
func (InviteDeclined) isCommand()        {}
func (UserNotFound) isCommand()          {}
func (InviteFailed) isCommand()          {}
func (SignalingError) isCommand()        {}
func (HubError) isCommand()              {}
func (SignalReceived) isCommand()        {}
func (PublicKeyReceived) isCommand()     {}
func (PresenceReport) isCommand()        {}
func (LocalCandidate) isCommand()        {}
func (ChannelOpened) isCommand()         {}
func (ChannelClosed) isCommand()         {}
func (ChannelMessage) isCommand()        {}
func (TransportStateChanged) isCommand() {}
func (Reset) isCommand()                 {}
