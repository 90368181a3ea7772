package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMissingType = errors.New("protocol: envelope without type")

// Envelope is the single wire shape of every signaling message. Only the
// fields relevant to Type are set; Signal is carried opaquely so the hub can
// relay it without interpreting it.
type Envelope struct {
	Type        string          `json:"type"`
	Identity    string          `json:"identity,omitempty"`
	SID         string          `json:"sid,omitempty"`
	To          string          `json:"to,omitempty"`
	From        string          `json:"from,omitempty"`
	Email       string          `json:"email,omitempty"`
	Signal      json.RawMessage `json:"signal,omitempty"`
	PublicKey   string          `json:"publicKey,omitempty"`
	Message     string          `json:"message,omitempty"`
	TargetEmail string          `json:"targetEmail,omitempty"`
	Online      *bool           `json:"online,omitempty"`
}

func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(env)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// RegisteredIdentity returns the identity a register message carries. The
// legacy register-user form sends it as email.
func (e Envelope) RegisteredIdentity() string {
	if e.Identity != "" {
		return e.Identity
	}
	return e.Email
}

func Register(identity string) Envelope {
	return Envelope{Type: TypeRegister, Identity: identity}
}

func RegistrationSuccess(identity, sid string) Envelope {
	return Envelope{Type: TypeRegistrationSuccess, Identity: identity, SID: sid}
}

func RegistrationError(msg string) Envelope {
	return Envelope{Type: TypeRegistrationError, Message: msg}
}

func SendInvite(to, from string) Envelope {
	return Envelope{Type: TypeSendInvite, To: to, From: from}
}

func Invite(from string) Envelope {
	return Envelope{Type: TypeInvite, From: from}
}

func InviteSent(to string) Envelope {
	return Envelope{Type: TypeInviteSent, To: to}
}

func InviteError(msg string) Envelope {
	return Envelope{Type: TypeInviteError, Message: msg}
}

func UserNotFound(email string) Envelope {
	return Envelope{Type: TypeUserNotFound, Email: email}
}

func AcceptInvite(to, from string) Envelope {
	return Envelope{Type: TypeAcceptInvite, To: to, From: from}
}

func InviteAccepted(from string) Envelope {
	return Envelope{Type: TypeInviteAccepted, From: from}
}

func DeclineInvite(to, from string) Envelope {
	return Envelope{Type: TypeDecline, To: to, From: from}
}

func InviteDeclined(from string) Envelope {
	return Envelope{Type: TypeInviteDeclined, From: from}
}

// OutboundSignal is what a client sends; the hub fills in From itself.
func OutboundSignal(to string, signal json.RawMessage) Envelope {
	return Envelope{Type: TypeSignal, To: to, Signal: signal}
}

func RelayedSignal(from string, signal json.RawMessage) Envelope {
	return Envelope{Type: TypeSignal, From: from, Signal: signal}
}

func SignalDelivered(to string) Envelope {
	return Envelope{Type: TypeSignalDelivered, To: to}
}

func SignalingError(msg, target string) Envelope {
	return Envelope{Type: TypeSignalingError, Message: msg, TargetEmail: target}
}

func PublicKey(to, from, key string) Envelope {
	return Envelope{Type: TypePublicKey, To: to, From: from, PublicKey: key}
}

func PingUser(email string) Envelope {
	return Envelope{Type: TypePingUser, Email: email}
}

func UserOnline(email string, online bool) Envelope {
	return Envelope{Type: TypeUserOnline, Email: email, Online: &online}
}

func Leave() Envelope { return Envelope{Type: TypeLeave} }

func Pong() Envelope { return Envelope{Type: TypePong} }

func Error(msg string) Envelope {
	return Envelope{Type: TypeError, Message: msg}
}
