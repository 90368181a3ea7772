package signal

import (
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleFrame(c *wsSignalConn, data core.Frame) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.id)).Msg("bad frame")
		ctl.sendError(c, "malformed message")
		return
	}

	hub := ctl.Hub
	switch env.Type {
	case protocol.TypeRegister, protocol.TypeRegisterUser:
		err = hub.OnRegister(c, env.RegisteredIdentity())
	case protocol.TypeSendInvite:
		err = hub.OnInvite(c, env.To, env.From)
	case protocol.TypeAcceptInvite:
		err = hub.OnInviteAccept(c, env.To, env.From)
	case protocol.TypeDecline:
		err = hub.OnInviteDecline(c, env.To, env.From)
	case protocol.TypeSignal:
		err = hub.OnSignal(c, env.To, env.Signal)
	case protocol.TypePublicKey:
		err = hub.OnPublicKeyExchange(c, env.To, env.From, env.PublicKey)
	case protocol.TypePingUser:
		hub.OnPresenceQuery(c, env.Email)
	case protocol.TypeLeave:
		hub.OnLeave(c)
	case protocol.TypePing:
		ctl.send(c, protocol.Pong())
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown message type")
		ctl.sendError(c, "unknown message type: "+env.Type)
	}
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(c.id)).Str("type", env.Type).Msg("handler failed")
	}
}

func (ctl *SignalWSController) send(c *wsSignalConn, env protocol.Envelope) {
	b, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.id)).Msg("send dropped")
	}
}

func (ctl *SignalWSController) sendError(c *wsSignalConn, msg string) {
	ctl.send(c, protocol.Error(msg))
}
