// Package client runs one peer: the signaling link, the session engine and
// at most one peer transport, driven from a single goroutine.
package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Duet/internal/client/rtc"
	"github.com/dkeye/Duet/internal/client/session"
	"github.com/dkeye/Duet/internal/client/signaling"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/hashicorp/go-multierror"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var errStopped = errors.New("peer stopped")

const defaultEventBuffer = 256

// TransportDialer opens a peer transport that reports through cb.
type TransportDialer func(cb rtc.Callbacks) (session.PeerTransport, error)

// PionDialer dials real pion transports. api may be nil.
func PionDialer(iceServers []string, api *webrtc.API) TransportDialer {
	return func(cb rtc.Callbacks) (session.PeerTransport, error) {
		conn, err := rtc.New(rtc.Options{ICEServers: iceServers, API: api}, cb)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Options struct {
	Identity      domain.Identity
	PublicKey     string
	Signaling     signaling.Options
	Dial          TransportDialer
	InviteTimeout time.Duration
	EventBuffer   int
}

type Peer struct {
	engine *session.Engine
	signal *signaling.Client
	dial   TransportDialer

	cmds     chan session.Command
	requests chan func()
	events   chan session.Event
	timers   map[session.TimerKind]*time.Timer

	running  atomic.Bool
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	closeErr error
}

func New(opts Options) *Peer {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Dial == nil {
		opts.Dial = PionDialer(nil, nil)
	}
	p := &Peer{
		dial:     opts.Dial,
		cmds:     make(chan session.Command, 256),
		requests: make(chan func()),
		events:   make(chan session.Event, opts.EventBuffer),
		timers:   make(map[session.TimerKind]*time.Timer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.engine = session.NewEngine(session.Config{
		Identity:      opts.Identity,
		PublicKey:     opts.PublicKey,
		InviteTimeout: opts.InviteTimeout,
		RegisterRetry: opts.Signaling.Policy.RegisterRetry,
	}, p.newTransport)
	p.signal = signaling.New(opts.Signaling, p)
	return p
}

// Events delivers engine notifications. Slow readers lose events.
func (p *Peer) Events() <-chan session.Event { return p.events }

// Run drives the peer until ctx ends, Close is called or the signaling link
// gives up.
func (p *Peer) Run(ctx context.Context) error {
	p.running.Store(true)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.signal.Run(gctx) })
	g.Go(func() error {
		p.loop(gctx)
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Peer) loop(ctx context.Context) {
	defer func() {
		for k, t := range p.timers {
			t.Stop()
			delete(p.timers, k)
		}
		p.closeErr = p.engine.Step(session.Reset{}).Err
		close(p.done)
	}()

	for {
		select {
		case cmd := <-p.cmds:
			p.apply(p.engine.Step(cmd))
		case fn := <-p.requests:
			fn()
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		}
	}
}

// post queues a command for the loop, preserving arrival order.
func (p *Peer) post(cmd session.Command) {
	select {
	case p.cmds <- cmd:
	case <-p.done:
	}
}

// do runs fn on the loop goroutine and waits for it.
func (p *Peer) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case p.requests <- func() { fn(); close(finished) }:
	case <-p.done:
		return errStopped
	case <-p.quit:
		return errStopped
	}
	<-finished
	return nil
}

func (p *Peer) step(cmd session.Command) error {
	var err error
	if derr := p.do(func() {
		tr := p.engine.Step(cmd)
		p.apply(tr)
		err = tr.Err
	}); derr != nil {
		return derr
	}
	return err
}

func (p *Peer) apply(tr session.Transition) {
	if tr.Err != nil {
		log.Debug().Err(tr.Err).Str("module", "client.peer").Str("mode", tr.To.String()).Msg("command rejected")
	}
	for _, eff := range tr.Effects {
		switch e := eff.(type) {
		case session.Send:
			if err := p.signal.Send(e.Envelope); err != nil {
				log.Warn().Err(err).Str("module", "client.peer").Str("type", e.Envelope.Type).Msg("signaling send failed")
			}
		case session.StartTimer:
			p.startTimer(e)
		case session.StopTimer:
			if t, ok := p.timers[e.Kind]; ok {
				t.Stop()
				delete(p.timers, e.Kind)
			}
		case session.Notify:
			select {
			case p.events <- e.Event:
			default:
				p.dropped(e.Event)
			}
		}
	}
}

// dropped records an event lost to a full buffer. Losing a chat payload or a
// failure is logged loudly so it can be told apart from never receiving it.
func (p *Peer) dropped(ev session.Event) {
	switch ev.Kind {
	case session.EventMessage, session.EventConnectionFailed:
		log.Error().Str("module", "client.peer").Str("event", string(ev.Kind)).Str("peer", ev.Peer).Int("bytes", len(ev.Payload)).Msg("event dropped, reader too slow")
	default:
		log.Warn().Str("module", "client.peer").Str("event", string(ev.Kind)).Msg("event dropped, reader too slow")
	}
}

func (p *Peer) startTimer(st session.StartTimer) {
	if t, ok := p.timers[st.Kind]; ok {
		t.Stop()
	}
	var cmd session.Command
	switch st.Kind {
	case session.TimerRegister:
		cmd = session.RegisterRetry{Seq: st.Seq}
	default:
		cmd = session.InviteTimeout{Seq: st.Seq}
	}
	p.timers[st.Kind] = time.AfterFunc(st.After, func() { p.post(cmd) })
}

func (p *Peer) newTransport(gen uint64) (session.PeerTransport, error) {
	return p.dial(rtc.Callbacks{
		OnCandidate: func(ci webrtc.ICECandidateInit) { p.post(session.LocalCandidate{Gen: gen, Candidate: ci}) },
		OnOpen:      func() { p.post(session.ChannelOpened{Gen: gen}) },
		OnClose:     func() { p.post(session.ChannelClosed{Gen: gen}) },
		OnMessage:   func(b []byte) { p.post(session.ChannelMessage{Gen: gen, Data: b}) },
		OnState:     func(s session.TransportState) { p.post(session.TransportStateChanged{Gen: gen, State: s}) },
	})
}

// signaling.Handler

func (p *Peer) OnConnected() { p.post(session.SignalingConnected{}) }

func (p *Peer) OnDisconnected(err error) { p.post(session.SignalingDisconnected{Err: err}) }

func (p *Peer) OnEnvelope(env protocol.Envelope) {
	if cmd := commandFor(env); cmd != nil {
		p.post(cmd)
	}
}

func (p *Peer) Invite(target string) error { return p.step(session.SendInvite{Target: target}) }

func (p *Peer) Accept() error { return p.step(session.AcceptInvite{}) }

func (p *Peer) Decline() error { return p.step(session.DeclineInvite{}) }

func (p *Peer) Reset() error { return p.step(session.Reset{}) }

// QueryPresence asks the hub whether identity is online; the answer arrives
// as a presence event.
func (p *Peer) QueryPresence(identity string) error {
	return p.signal.Send(protocol.PingUser(identity))
}

// Send writes payload on the data channel. It is false unless the channel is
// open and the write succeeded.
func (p *Peer) Send(payload []byte) bool {
	var ok bool
	if err := p.do(func() { ok = p.engine.Send(payload) }); err != nil {
		return false
	}
	return ok
}

func (p *Peer) Snapshot() session.Snapshot {
	var snap session.Snapshot
	if err := p.do(func() { snap = p.engine.Snapshot() }); err != nil {
		return session.Snapshot{Mode: session.Closed}
	}
	return snap
}

// Close leaves the hub, tears the session down and stops Run.
func (p *Peer) Close() error {
	var result *multierror.Error
	if err := p.signal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	p.stopOnce.Do(func() { close(p.quit) })
	if p.running.Load() {
		<-p.done
		if p.closeErr != nil {
			result = multierror.Append(result, p.closeErr)
		}
	}
	return result.ErrorOrNil()
}
