package client

import (
	"github.com/dkeye/Duet/internal/client/session"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/rs/zerolog/log"
)

// commandFor maps a hub envelope onto an engine command. Acks that carry no
// state change map to nil.
func commandFor(env protocol.Envelope) session.Command {
	switch env.Type {
	case protocol.TypeRegistrationSuccess:
		return session.Registered{Identity: env.Identity}
	case protocol.TypeRegistrationError:
		return session.RegistrationFailed{Message: env.Message}
	case protocol.TypeInviteSent:
		return session.InviteSent{To: env.To}
	case protocol.TypeInvite:
		return session.InviteReceived{From: env.From}
	case protocol.TypeInviteError:
		return session.InviteFailed{Message: env.Message}
	case protocol.TypeUserNotFound:
		return session.UserNotFound{Email: env.Email}
	case protocol.TypeInviteAccepted:
		return session.InviteAccepted{From: env.From}
	case protocol.TypeInviteDeclined:
		return session.InviteDeclined{From: env.From}
	case protocol.TypeSignal:
		return session.SignalReceived{From: env.From, Signal: env.Signal}
	case protocol.TypeSignalingError:
		return session.SignalingError{Message: env.Message, Target: env.TargetEmail}
	case protocol.TypePublicKey:
		return session.PublicKeyReceived{From: env.From, Key: env.PublicKey}
	case protocol.TypeUserOnline:
		return session.PresenceReport{Email: env.Email, Online: env.Online != nil && *env.Online}
	case protocol.TypeError:
		return session.HubError{Message: env.Message}
	case protocol.TypeSignalDelivered, protocol.TypePong:
		return nil
	default:
		log.Warn().Str("module", "client.peer").Str("type", env.Type).Msg("unknown hub message")
		return nil
	}
}
