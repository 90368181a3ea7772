package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/rs/zerolog/log"
)

const DefaultChannelLabel = "chat"

type Config struct {
	Identity      domain.Identity
	PublicKey     string // base64, sent to the remote when negotiation starts
	InviteTimeout time.Duration
	RegisterRetry time.Duration
	ChannelLabel  string
}

type Engine struct {
	cfg     Config
	factory TransportFactory

	mode        Mode
	negotiation NegotiationState
	channel     ChannelState

	signalingUp bool
	registered  bool

	remote   domain.Identity
	incoming domain.Identity
	peerKey  string

	transport     PeerTransport
	gen           uint64
	remoteDescSet bool
	queue         CandidateQueue

	inviteSeq   uint64
	registerSeq uint64
}

func NewEngine(cfg Config, factory TransportFactory) *Engine {
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = 30 * time.Second
	}
	if cfg.RegisterRetry <= 0 {
		cfg.RegisterRetry = 2 * time.Second
	}
	if cfg.ChannelLabel == "" {
		cfg.ChannelLabel = DefaultChannelLabel
	}
	return &Engine{cfg: cfg, factory: factory}
}

func (e *Engine) Mode() Mode { return e.mode }

// Generation identifies the current transport; callbacks from older
// transports are dropped.
func (e *Engine) Generation() uint64 { return e.gen }

func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Mode:        e.mode,
		Negotiation: e.negotiation,
		Channel:     e.channel,
		Remote:      e.remote.String(),
		Incoming:    e.incoming.String(),
		SignalingUp: e.signalingUp,
		Registered:  e.registered,
		PeerKey:     e.peerKey,
		Queued:      e.queue.Len(),

		InviteSent:     e.mode == Inviting || e.mode == AwaitingAccept,
		InviteReceived: e.incoming != "",
		Connecting:     e.mode == Negotiating,
		Connected:      e.mode == Connected,
	}
}

// Send writes payload on the open data channel.
func (e *Engine) Send(payload []byte) bool {
	if e.channel != ChannelStateOpen || e.transport == nil {
		return false
	}
	if err := e.transport.Send(payload); err != nil {
		log.Warn().Err(err).Str("module", "client.session").Str("remote", e.remote.String()).Msg("send failed")
		return false
	}
	return true
}

// step accumulates effects for one command.
type step struct {
	effects []Effect
}

func (s *step) send(env protocol.Envelope) { s.effects = append(s.effects, Send{Envelope: env}) }
func (s *step) notify(ev Event)            { s.effects = append(s.effects, Notify{Event: ev}) }
func (s *step) start(k TimerKind, seq uint64, after time.Duration) {
	s.effects = append(s.effects, StartTimer{Kind: k, Seq: seq, After: after})
}
func (s *step) stop(k TimerKind) { s.effects = append(s.effects, StopTimer{Kind: k}) }

func (e *Engine) Step(cmd Command) Transition {
	from := e.mode
	var s step
	err := e.apply(&s, cmd)
	if e.mode != from {
		log.Info().Str("module", "client.session").Str("from", from.String()).Str("to", e.mode.String()).
			Str("remote", e.remote.String()).Msgf("%T", cmd)
	}
	return Transition{From: from, To: e.mode, Effects: s.effects, Err: err}
}

func (e *Engine) apply(s *step, cmd Command) error {
	switch c := cmd.(type) {
	case SignalingConnected:
		e.signalingUp = true
		e.registered = false
		s.send(protocol.Register(e.cfg.Identity.String()))
		s.notify(Event{Kind: EventSignalingUp})
	case SignalingDisconnected:
		e.signalingUp = false
		e.registered = false
		s.stop(TimerRegister)
		s.notify(Event{Kind: EventSignalingDown, Err: c.Err})
	case Registered:
		e.registered = true
		s.stop(TimerRegister)
		s.notify(Event{Kind: EventRegistered, Peer: c.Identity})
	case RegistrationFailed:
		e.registered = false
		e.registerSeq++
		s.start(TimerRegister, e.registerSeq, e.cfg.RegisterRetry)
		s.notify(Event{Kind: EventError, Err: fmt.Errorf("%w: %s", domain.ErrInvalidIdentity, c.Message)})
	case RegisterRetry:
		if c.Seq == e.registerSeq && e.signalingUp && !e.registered {
			s.send(protocol.Register(e.cfg.Identity.String()))
		}

	case SendInvite:
		return e.sendInvite(s, c.Target)
	case InviteSent:
		if e.mode == Inviting && domain.Identity(c.To) == e.remote {
			e.mode = AwaitingAccept
			s.notify(Event{Kind: EventInviteSent, Peer: c.To})
		}
	case InviteTimeout:
		if c.Seq == e.inviteSeq && e.pendingInvite() {
			peer := e.remote
			e.abandonInvite()
			s.notify(Event{Kind: EventExpired, Peer: peer.String()})
		}
	case InviteReceived:
		from, err := domain.ParseIdentity(c.From)
		if err != nil {
			return err
		}
		e.incoming = from
		s.notify(Event{Kind: EventInviteReceived, Peer: from.String()})
	case AcceptInvite:
		return e.acceptInvite(s)
	case DeclineInvite:
		if e.incoming == "" {
			return domain.ErrInvalidInvite
		}
		if !e.signalingUp {
			return domain.ErrNotConnected
		}
		s.send(protocol.DeclineInvite(e.incoming.String(), e.cfg.Identity.String()))
		e.incoming = ""
	case InviteAccepted:
		return e.inviteAccepted(s, domain.Identity(c.From))
	case InviteDeclined:
		if e.pendingInvite() && domain.Identity(c.From) == e.remote {
			s.stop(TimerInvite)
			e.abandonInvite()
			s.notify(Event{Kind: EventDeclined, Peer: c.From})
		}
	case UserNotFound:
		if e.pendingInvite() && domain.Identity(c.Email) == e.remote {
			s.stop(TimerInvite)
			e.abandonInvite()
		}
		s.notify(Event{Kind: EventError, Peer: c.Email, Err: domain.ErrUserNotFound})
	case InviteFailed:
		if e.pendingInvite() {
			s.stop(TimerInvite)
			e.abandonInvite()
		}
		s.notify(Event{Kind: EventError, Err: fmt.Errorf("%w: %s", domain.ErrInvalidInvite, c.Message)})
	case SignalingError:
		e.signalingError(s, c)
	case HubError:
		s.notify(Event{Kind: EventError, Err: fmt.Errorf("%w: %s", domain.ErrSignaling, c.Message)})

	case SignalReceived:
		e.signalReceived(s, c)
	case PublicKeyReceived:
		if e.remote == "" || domain.Identity(c.From) != e.remote || c.Key == "" {
			log.Warn().Str("module", "client.session").Str("from", c.From).Msg("public key from unexpected peer ignored")
			return nil
		}
		e.peerKey = c.Key
		s.notify(Event{Kind: EventKeyExchangeComplete, Peer: c.From, Payload: []byte(c.Key)})
	case PresenceReport:
		s.notify(Event{Kind: EventPresence, Peer: c.Email, Online: c.Online})

	case LocalCandidate:
		if c.Gen != e.gen || e.transport == nil {
			return nil
		}
		raw, err := protocol.EncodeSignal(protocol.CandidateSignal(c.Candidate))
		if err != nil {
			return err
		}
		s.send(protocol.OutboundSignal(e.remote.String(), raw))
	case ChannelOpened:
		if c.Gen != e.gen || e.transport == nil || e.mode == Failed {
			return nil
		}
		e.channel = ChannelStateOpen
		e.mode = Connected
		s.notify(Event{Kind: EventChannelOpen, Peer: e.remote.String()})
	case ChannelClosed:
		if c.Gen != e.gen || e.transport == nil {
			return nil
		}
		e.channel = ChannelStateClosed
		if e.mode == Connected || e.mode == Negotiating {
			e.mode = Closed
			e.negotiation = NegotiationClosed
		}
		s.notify(Event{Kind: EventChannelClosed, Peer: e.remote.String()})
	case ChannelMessage:
		if c.Gen != e.gen {
			return nil
		}
		s.notify(Event{Kind: EventMessage, Peer: e.remote.String(), Payload: c.Data})
	case TransportStateChanged:
		if c.Gen != e.gen {
			return nil
		}
		log.Debug().Str("module", "client.session").Str("state", c.State.String()).Msg("transport state")
		if c.State == TransportFailed || c.State == TransportClosed {
			switch e.mode {
			case Idle, Closed, Failed:
			default:
				e.fail(s, fmt.Errorf("transport %s", c.State))
			}
		}

	case Reset:
		s.stop(TimerInvite)
		err := e.teardown()
		e.mode = Idle
		e.remote = ""
		e.incoming = ""
		s.notify(Event{Kind: EventReset})
		if err != nil {
			return fmt.Errorf("close transport: %w", err)
		}
	default:
		return fmt.Errorf("%w: unknown command %T", domain.ErrInvalidState, cmd)
	}
	return nil
}

func (e *Engine) pendingInvite() bool {
	return e.mode == Inviting || e.mode == AwaitingAccept
}

func (e *Engine) abandonInvite() {
	e.mode = Idle
	e.remote = ""
}

// ready is the gate shared by both ways of starting a session.
func (e *Engine) ready() error {
	if e.mode == Failed {
		return domain.ErrConnectionFailed
	}
	if !e.signalingUp {
		return domain.ErrNotConnected
	}
	return nil
}

func (e *Engine) sendInvite(s *step, raw string) error {
	if err := e.ready(); err != nil {
		return err
	}
	target, err := domain.ParseIdentity(raw)
	if err != nil || target == e.cfg.Identity {
		return domain.ErrInvalidInvite
	}
	if e.mode != Idle && e.mode != Closed {
		return fmt.Errorf("%w: invite while %s", domain.ErrInvalidState, e.mode)
	}
	if err := e.teardown(); err != nil {
		log.Warn().Err(err).Str("module", "client.session").Msg("closing previous transport")
	}
	e.remote = target
	e.mode = Inviting
	e.inviteSeq++
	s.send(protocol.SendInvite(target.String(), e.cfg.Identity.String()))
	s.start(TimerInvite, e.inviteSeq, e.cfg.InviteTimeout)
	return nil
}

func (e *Engine) acceptInvite(s *step) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.incoming == "" {
		return domain.ErrInvalidInvite
	}
	if e.mode == Negotiating || e.mode == Connected {
		return fmt.Errorf("%w: accept while %s", domain.ErrInvalidState, e.mode)
	}
	if e.pendingInvite() {
		s.stop(TimerInvite)
	}
	if err := e.teardown(); err != nil {
		log.Warn().Err(err).Str("module", "client.session").Msg("closing previous transport")
	}

	e.remote = e.incoming
	e.incoming = ""
	if err := e.openTransport(); err != nil {
		e.fail(s, err)
		return fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err)
	}
	e.mode = Negotiating
	e.channel = ChannelStateConnecting
	s.send(protocol.AcceptInvite(e.remote.String(), e.cfg.Identity.String()))
	e.sendPublicKey(s)
	s.notify(Event{Kind: EventNegotiating, Peer: e.remote.String()})
	return nil
}

func (e *Engine) inviteAccepted(s *step, from domain.Identity) error {
	if !e.pendingInvite() || from != e.remote {
		log.Warn().Str("module", "client.session").Str("from", from.String()).Str("mode", e.mode.String()).
			Msg("unexpected invite acceptance ignored")
		return nil
	}
	s.stop(TimerInvite)
	s.notify(Event{Kind: EventAccepted, Peer: from.String()})

	if err := e.offer(s); err != nil {
		e.fail(s, err)
		return fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err)
	}
	e.sendPublicKey(s)
	s.notify(Event{Kind: EventNegotiating, Peer: from.String()})
	return nil
}

func (e *Engine) offer(s *step) error {
	if err := e.openTransport(); err != nil {
		return err
	}
	e.mode = Negotiating
	if err := e.transport.CreateDataChannel(e.cfg.ChannelLabel); err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	e.channel = ChannelStateConnecting
	offer, err := e.transport.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.transport.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	raw, err := protocol.EncodeSignal(protocol.DescriptionSignal(offer))
	if err != nil {
		return err
	}
	e.negotiation = HaveLocalOffer
	s.send(protocol.OutboundSignal(e.remote.String(), raw))
	return nil
}

func (e *Engine) signalingError(s *step, c SignalingError) {
	target := domain.Identity(c.Target)
	switch {
	case e.pendingInvite() && (target == "" || target == e.remote):
		s.stop(TimerInvite)
		e.abandonInvite()
	case e.mode == Negotiating && target == e.remote && e.negotiation == NegotiationIdle:
		// our acceptance never reached the inviter
		if err := e.teardown(); err != nil {
			log.Warn().Err(err).Str("module", "client.session").Msg("closing transport")
		}
		e.mode = Idle
		e.remote = ""
	}
	s.notify(Event{Kind: EventError, Peer: c.Target, Err: fmt.Errorf("%w: %s", domain.ErrSignaling, c.Message)})
}

func (e *Engine) signalReceived(s *step, c SignalReceived) {
	logger := log.With().Str("module", "client.session").Str("from", c.From).Logger()
	if e.transport == nil || e.mode == Failed || domain.Identity(c.From) != e.remote {
		logger.Warn().Str("mode", e.mode.String()).Msg("signal ignored")
		return
	}
	sig, err := protocol.DecodeSignal(c.Signal)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed signal ignored")
		return
	}

	switch sig.Kind() {
	case protocol.SignalOffer:
		if e.negotiation != NegotiationIdle && e.negotiation != Stable {
			logger.Warn().Str("negotiation", e.negotiation.String()).Msg("offer ignored")
			return
		}
		if err := e.answer(s, sig); err != nil {
			e.fail(s, err)
		}
	case protocol.SignalAnswer:
		if e.negotiation != HaveLocalOffer {
			logger.Warn().Str("negotiation", e.negotiation.String()).Msg("answer ignored")
			return
		}
		if err := e.transport.SetRemoteDescription(sig.Description()); err != nil {
			e.fail(s, fmt.Errorf("set remote answer: %w", err))
			return
		}
		e.remoteDescSet = true
		e.negotiation = Stable
		e.flushCandidates()
	case protocol.SignalCandidate:
		ci := sig.CandidateInit()
		if !e.remoteDescSet {
			e.queue.Push(ci)
			return
		}
		if err := e.transport.AddICECandidate(ci); err != nil {
			logger.Warn().Err(err).Msg("add candidate")
		}
	default:
		logger.Warn().Msg("unknown signal ignored")
	}
}

func (e *Engine) answer(s *step, sig protocol.Signal) error {
	if err := e.transport.SetRemoteDescription(sig.Description()); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	e.remoteDescSet = true
	e.negotiation = HaveRemoteOffer
	ans, err := e.transport.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.transport.SetLocalDescription(ans); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	raw, err := protocol.EncodeSignal(protocol.DescriptionSignal(ans))
	if err != nil {
		return err
	}
	s.send(protocol.OutboundSignal(e.remote.String(), raw))
	e.negotiation = Stable
	e.flushCandidates()
	return nil
}

func (e *Engine) flushCandidates() {
	for _, ci := range e.queue.Drain() {
		if err := e.transport.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "client.session").Msg("add queued candidate")
		}
	}
}

func (e *Engine) sendPublicKey(s *step) {
	if e.cfg.PublicKey == "" {
		return
	}
	s.send(protocol.PublicKey(e.remote.String(), e.cfg.Identity.String(), e.cfg.PublicKey))
}

func (e *Engine) openTransport() error {
	if e.factory == nil {
		return errors.New("no transport factory")
	}
	e.gen++
	t, err := e.factory(e.gen)
	if err != nil {
		return fmt.Errorf("new transport: %w", err)
	}
	e.transport = t
	e.negotiation = NegotiationIdle
	e.channel = ChannelStateNone
	e.remoteDescSet = false
	e.queue.Clear()
	return nil
}

// teardown drops the transport and all per-session negotiation state.
func (e *Engine) teardown() error {
	var err error
	if e.transport != nil {
		err = e.transport.Close()
		e.transport = nil
	}
	e.gen++
	e.negotiation = NegotiationIdle
	e.channel = ChannelStateNone
	e.remoteDescSet = false
	e.peerKey = ""
	e.queue.Clear()
	return err
}

func (e *Engine) fail(s *step, cause error) {
	log.Error().Err(cause).Str("module", "client.session").Str("remote", e.remote.String()).Msg("connection failed")
	if err := e.teardown(); err != nil {
		log.Warn().Err(err).Str("module", "client.session").Msg("transport close after failure")
	}
	e.mode = Failed
	e.negotiation = NegotiationClosed
	s.notify(Event{Kind: EventConnectionFailed, Peer: e.remote.String(), Err: fmt.Errorf("%w: %w", domain.ErrConnectionFailed, cause)})
}
