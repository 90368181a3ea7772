// Package protocol defines the JSON signaling envelope shared by the hub and
// its clients.
package protocol

// Client to hub.
const (
	TypeRegister     = "register"
	TypeRegisterUser = "register-user" // legacy alias of register
	TypeSendInvite   = "send-invite"
	TypeAcceptInvite = "accept-invite"
	TypeDecline      = "decline-invite"
	TypeSignal       = "signal"
	TypePublicKey    = "public-key"
	TypePingUser     = "ping-user"
	TypeLeave        = "leave"
	TypePing         = "ping"
)

// Hub to client.
const (
	TypeRegistrationSuccess = "registration-success"
	TypeRegistrationError   = "registration-error"
	TypeInviteSent          = "invite-sent"
	TypeInvite              = "invite"
	TypeInviteError         = "invite-error"
	TypeUserNotFound        = "user-not-found"
	TypeInviteAccepted      = "invite-accepted"
	TypeInviteDeclined      = "invite-declined"
	TypeSignalDelivered     = "signal-delivered"
	TypeSignalingError      = "signaling-error"
	TypeUserOnline          = "user-online"
	TypePong                = "pong"
	TypeError               = "error"
)
