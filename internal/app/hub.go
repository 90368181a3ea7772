package app

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Hub implements the relay protocol on top of a Registry. It keeps no state
// of its own: every inbound message is forwarded to at most one connection,
// resolved by identity. Handlers return the failure they reported to the
// sender so callers can log it; they never panic on bad input.
type Hub struct {
	Registry core.Registry
	Policy   Policy
}

func NewHub(reg core.Registry) *Hub {
	return &Hub{Registry: reg, Policy: DropPolicy{}}
}

func (h *Hub) send(conn core.SignalConnection, env protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return conn.TrySend(b)
}

// reply answers the sender; a full or closed sender is only logged.
func (h *Hub) reply(conn core.SignalConnection, env protocol.Envelope) {
	if err := h.send(conn, env); err != nil {
		log.Warn().Err(err).Str("module", "app.hub").Str("sid", string(conn.ID())).Str("type", env.Type).Msg("reply dropped")
	}
}

// relayTo resolves identity, checks liveness and forwards env.
func (h *Hub) relayTo(identity domain.Identity, env protocol.Envelope) error {
	target, ok := h.Registry.Lookup(identity)
	if !ok || !target.Alive() {
		return domain.ErrUserNotFound
	}
	if err := h.send(target, env); err != nil {
		if errors.Is(err, domain.ErrBackpressure) && h.Policy != nil &&
			h.Policy.OnBackpressure(identity, target) == CloseConnection {
			log.Warn().Str("module", "app.hub").Str("identity", identity.String()).Str("sid", string(target.ID())).Msg("closing backpressured connection")
			h.Registry.Remove(target.ID())
			target.Close()
		}
		return fmt.Errorf("%w: %w", domain.ErrSignaling, err)
	}
	log.Debug().Str("module", "app.hub").Str("type", env.Type).Str("to", identity.String()).Str("sid", string(target.ID())).Msg("relayed")
	return nil
}

func (h *Hub) OnRegister(conn core.SignalConnection, raw string) error {
	identity, err := domain.ParseIdentity(raw)
	if err != nil {
		log.Warn().Str("module", "app.hub").Str("sid", string(conn.ID())).Msg("invalid identity on register")
		h.reply(conn, protocol.RegistrationError("Invalid email"))
		return err
	}
	h.Registry.Register(identity, conn)
	h.reply(conn, protocol.RegistrationSuccess(identity.String(), string(conn.ID())))
	return nil
}

func (h *Hub) OnInvite(conn core.SignalConnection, to, from string) error {
	if to == "" || from == "" {
		h.reply(conn, protocol.InviteError("Invalid invite data"))
		return domain.ErrInvalidInvite
	}
	if err := h.relayTo(domain.Identity(to), protocol.Invite(from)); err != nil {
		log.Info().Err(err).Str("module", "app.hub").Str("from", from).Str("to", to).Msg("invite target unavailable")
		h.reply(conn, protocol.UserNotFound(to))
		return domain.ErrUserNotFound
	}
	h.reply(conn, protocol.InviteSent(to))
	return nil
}

func (h *Hub) OnInviteAccept(conn core.SignalConnection, to, from string) error {
	if to == "" || from == "" {
		h.reply(conn, protocol.InviteError("Invalid invite data"))
		return domain.ErrInvalidInvite
	}
	if err := h.relayTo(domain.Identity(to), protocol.InviteAccepted(from)); err != nil {
		h.reply(conn, protocol.SignalingError(fmt.Sprintf("User %s not found for invite acceptance", to), to))
		return fmt.Errorf("%w: accept for %s", domain.ErrSignaling, to)
	}
	return nil
}

// OnInviteDecline is best-effort: an absent target is not reported.
func (h *Hub) OnInviteDecline(conn core.SignalConnection, to, from string) error {
	if to == "" || from == "" {
		return domain.ErrInvalidInvite
	}
	if err := h.relayTo(domain.Identity(to), protocol.InviteDeclined(from)); err != nil {
		log.Debug().Err(err).Str("module", "app.hub").Str("to", to).Msg("decline dropped")
		return err
	}
	return nil
}

// OnSignal takes the sender identity from the registry, never from the
// payload, so a connection cannot speak for another identity.
func (h *Hub) OnSignal(conn core.SignalConnection, to string, signal json.RawMessage) error {
	from, ok := h.Registry.ResolveIdentity(conn.ID())
	if !ok {
		h.reply(conn, protocol.SignalingError("Sender not registered", ""))
		return domain.ErrSenderNotRegistered
	}
	if to == "" {
		h.reply(conn, protocol.SignalingError("No target specified", ""))
		return domain.ErrNoTarget
	}
	if err := h.relayTo(domain.Identity(to), protocol.RelayedSignal(from.String(), signal)); err != nil {
		log.Warn().Err(err).Str("module", "app.hub").Str("from", from.String()).Str("to", to).Msg("signal target unavailable")
		h.reply(conn, protocol.SignalingError(fmt.Sprintf("User %s not available for signaling", to), to))
		return fmt.Errorf("%w: signal for %s", domain.ErrSignaling, to)
	}
	h.reply(conn, protocol.SignalDelivered(to))
	return nil
}

// OnPublicKeyExchange relays key with the sender's registered identity as
// "from"; a claimed from that disagrees is overridden.
func (h *Hub) OnPublicKeyExchange(conn core.SignalConnection, to, from, key string) error {
	sender, ok := h.Registry.ResolveIdentity(conn.ID())
	if !ok {
		return domain.ErrSenderNotRegistered
	}
	if to == "" {
		return domain.ErrNoTarget
	}
	if from != sender.String() {
		log.Warn().Str("module", "app.hub").Str("claimed", from).Str("from", sender.String()).Msg("public key sender overridden")
	}
	if err := h.relayTo(domain.Identity(to), protocol.PublicKey(to, sender.String(), key)); err != nil {
		log.Debug().Err(err).Str("module", "app.hub").Str("to", to).Msg("public key dropped")
		return err
	}
	return nil
}

func (h *Hub) Presence(identity domain.Identity) bool {
	conn, ok := h.Registry.Lookup(identity)
	return ok && conn.Alive()
}

func (h *Hub) OnPresenceQuery(conn core.SignalConnection, email string) {
	h.reply(conn, protocol.UserOnline(email, h.Presence(domain.Identity(email))))
}

func (h *Hub) OnLeave(conn core.SignalConnection) {
	if identity, ok := h.Registry.ResolveIdentity(conn.ID()); ok {
		log.Info().Str("module", "app.hub").Str("identity", identity.String()).Msg("left")
	}
	h.Registry.Remove(conn.ID())
}

func (h *Hub) OnDisconnect(conn core.SignalConnection, reason string) {
	log.Info().Str("module", "app.hub").Str("sid", string(conn.ID())).Str("reason", reason).Msg("disconnected")
	h.Registry.Remove(conn.ID())
}
