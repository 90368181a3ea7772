package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	calls      []string
	candidates []string
	sent       [][]byte
	closed     int

	failOffer bool
	failSend  bool
}

func (f *fakeTransport) CreateDataChannel(label string) error {
	f.calls = append(f.calls, "channel:"+label)
	return nil
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	f.calls = append(f.calls, "create-offer")
	if f.failOffer {
		return webrtc.SessionDescription{}, errors.New("boom")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.calls = append(f.calls, "create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakeTransport) SetLocalDescription(sd webrtc.SessionDescription) error {
	f.calls = append(f.calls, "local:"+sd.Type.String())
	return nil
}

func (f *fakeTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.calls = append(f.calls, "remote:"+sd.Type.String())
	return nil
}

func (f *fakeTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.candidates = append(f.candidates, ci.Candidate)
	return nil
}

func (f *fakeTransport) Send(p []byte) error {
	if f.failSend {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed++
	return nil
}

type harness struct {
	t          *testing.T
	engine     *Engine
	transports []*fakeTransport
	failOffer  bool
}

func newHarness(t *testing.T, identity string) *harness {
	h := &harness{t: t}
	h.engine = NewEngine(Config{
		Identity:      domain.Identity(identity),
		PublicKey:     "cHVi",
		InviteTimeout: 30 * time.Second,
	}, func(gen uint64) (PeerTransport, error) {
		ft := &fakeTransport{failOffer: h.failOffer}
		h.transports = append(h.transports, ft)
		return ft, nil
	})
	return h
}

func (h *harness) step(cmd Command) Transition {
	h.t.Helper()
	return h.engine.Step(cmd)
}

func (h *harness) must(cmd Command) Transition {
	h.t.Helper()
	tr := h.engine.Step(cmd)
	require.NoError(h.t, tr.Err)
	return tr
}

func (h *harness) transport() *fakeTransport {
	h.t.Helper()
	require.NotEmpty(h.t, h.transports)
	return h.transports[len(h.transports)-1]
}

func (h *harness) online() {
	h.must(SignalingConnected{})
	h.must(Registered{Identity: h.engine.cfg.Identity.String()})
}

func sends(tr Transition) []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range tr.Effects {
		if s, ok := e.(Send); ok {
			out = append(out, s.Envelope)
		}
	}
	return out
}

func events(tr Transition) []EventKind {
	var out []EventKind
	for _, e := range tr.Effects {
		if n, ok := e.(Notify); ok {
			out = append(out, n.Event.Kind)
		}
	}
	return out
}

func signalRaw(t *testing.T, s protocol.Signal) json.RawMessage {
	t.Helper()
	raw, err := protocol.EncodeSignal(s)
	require.NoError(t, err)
	return raw
}

func candidate(c string) protocol.Signal {
	return protocol.CandidateSignal(webrtc.ICECandidateInit{Candidate: c})
}

func offerSignal() protocol.Signal {
	return protocol.DescriptionSignal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"})
}

func answerSignal() protocol.Signal {
	return protocol.DescriptionSignal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"})
}

func TestEngineRegistersOnConnect(t *testing.T) {
	h := newHarness(t, "alice")
	tr := h.must(SignalingConnected{})
	require.Len(t, sends(tr), 1)
	assert.Equal(t, protocol.TypeRegister, sends(tr)[0].Type)
	assert.Equal(t, "alice", sends(tr)[0].Identity)
}

func TestEngineRegistrationRetry(t *testing.T) {
	h := newHarness(t, "alice")
	h.must(SignalingConnected{})

	tr := h.must(RegistrationFailed{Message: "Invalid email"})
	var timer StartTimer
	for _, e := range tr.Effects {
		if st, ok := e.(StartTimer); ok {
			timer = st
		}
	}
	assert.Equal(t, TimerRegister, timer.Kind)
	assert.Equal(t, 2*time.Second, timer.After)

	assert.Empty(t, sends(h.must(RegisterRetry{Seq: timer.Seq + 1})), "stale retry")
	retry := sends(h.must(RegisterRetry{Seq: timer.Seq}))
	require.Len(t, retry, 1)
	assert.Equal(t, protocol.TypeRegister, retry[0].Type)
}

func TestEngineInviteRequiresSignaling(t *testing.T) {
	h := newHarness(t, "alice")
	tr := h.step(SendInvite{Target: "bob"})
	assert.ErrorIs(t, tr.Err, domain.ErrNotConnected)
	assert.Equal(t, Idle, tr.To)
}

func TestEngineInviteValidation(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()

	assert.ErrorIs(t, h.step(SendInvite{Target: ""}).Err, domain.ErrInvalidInvite)
	assert.ErrorIs(t, h.step(SendInvite{Target: "alice"}).Err, domain.ErrInvalidInvite)

	h.must(SendInvite{Target: "bob"})
	assert.ErrorIs(t, h.step(SendInvite{Target: "carol"}).Err, domain.ErrInvalidState)
}

func TestEngineHappyPathAsInitiator(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()

	tr := h.must(SendInvite{Target: "bob"})
	assert.Equal(t, Inviting, tr.To)
	out := sends(tr)
	require.Len(t, out, 1)
	assert.Equal(t, protocol.SendInvite("bob", "alice"), out[0])

	assert.Equal(t, AwaitingAccept, h.must(InviteSent{To: "bob"}).To)
	assert.True(t, h.engine.Snapshot().InviteSent)

	tr = h.must(InviteAccepted{From: "bob"})
	assert.Equal(t, Negotiating, tr.To)
	ft := h.transport()
	assert.Equal(t, []string{"channel:chat", "create-offer", "local:offer"}, ft.calls)
	out = sends(tr)
	require.Len(t, out, 2)
	assert.Equal(t, protocol.TypeSignal, out[0].Type)
	assert.Equal(t, "bob", out[0].To)
	sig, err := protocol.DecodeSignal(out[0].Signal)
	require.NoError(t, err)
	assert.Equal(t, protocol.SignalOffer, sig.Kind())
	assert.Equal(t, protocol.PublicKey("bob", "alice", "cHVi"), out[1])
	assert.Equal(t, HaveLocalOffer, h.engine.Snapshot().Negotiation)
	assert.Contains(t, tr.Effects, StopTimer{Kind: TimerInvite})

	h.must(SignalReceived{From: "bob", Signal: signalRaw(t, answerSignal())})
	assert.Equal(t, Stable, h.engine.Snapshot().Negotiation)

	tr = h.must(ChannelOpened{Gen: h.engine.Generation()})
	assert.Equal(t, Connected, tr.To)
	assert.Equal(t, []EventKind{EventChannelOpen}, events(tr))

	assert.True(t, h.engine.Send([]byte("hi")))
	assert.Equal(t, [][]byte{[]byte("hi")}, ft.sent)
}

func TestEngineHappyPathAsAnswerer(t *testing.T) {
	h := newHarness(t, "bob")
	h.online()

	tr := h.must(InviteReceived{From: "alice"})
	assert.Equal(t, []EventKind{EventInviteReceived}, events(tr))
	assert.True(t, h.engine.Snapshot().InviteReceived)

	tr = h.must(AcceptInvite{})
	assert.Equal(t, Negotiating, tr.To)
	out := sends(tr)
	require.Len(t, out, 2)
	assert.Equal(t, protocol.AcceptInvite("alice", "bob"), out[0])
	assert.Equal(t, protocol.TypePublicKey, out[1].Type)

	tr = h.must(SignalReceived{From: "alice", Signal: signalRaw(t, offerSignal())})
	ft := h.transport()
	assert.Equal(t, []string{"remote:offer", "create-answer", "local:answer"}, ft.calls)
	out = sends(tr)
	require.Len(t, out, 1)
	sig, err := protocol.DecodeSignal(out[0].Signal)
	require.NoError(t, err)
	assert.Equal(t, protocol.SignalAnswer, sig.Kind())
	assert.Equal(t, Stable, h.engine.Snapshot().Negotiation)

	h.must(ChannelOpened{Gen: h.engine.Generation()})
	assert.Equal(t, Connected, h.engine.Mode())
}

func TestEngineCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, "bob")
	h.online()
	h.must(InviteReceived{From: "alice"})
	h.must(AcceptInvite{})

	for _, c := range []string{"c1", "c2", "c3"} {
		h.must(SignalReceived{From: "alice", Signal: signalRaw(t, candidate(c))})
	}
	ft := h.transport()
	assert.Empty(t, ft.candidates)
	assert.Equal(t, 3, h.engine.Snapshot().Queued)

	h.must(SignalReceived{From: "alice", Signal: signalRaw(t, offerSignal())})
	assert.Equal(t, []string{"c1", "c2", "c3"}, ft.candidates)
	assert.Equal(t, 0, h.engine.Snapshot().Queued)

	h.must(SignalReceived{From: "alice", Signal: signalRaw(t, candidate("c4"))})
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, ft.candidates, "no duplicates after flush")
}

func TestEngineIgnoresOutOfOrderSignals(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	h.must(SendInvite{Target: "bob"})
	h.must(InviteAccepted{From: "bob"})
	h.must(SignalReceived{From: "bob", Signal: signalRaw(t, answerSignal())})
	ft := h.transport()
	before := len(ft.calls)

	h.must(SignalReceived{From: "bob", Signal: signalRaw(t, answerSignal())})
	h.must(SignalReceived{From: "mallory", Signal: signalRaw(t, offerSignal())})
	h.must(SignalReceived{From: "bob", Signal: json.RawMessage(`{"type":"rollback"}`)})
	h.must(SignalReceived{From: "bob", Signal: json.RawMessage(`not json`)})
	assert.Len(t, ft.calls, before)
	assert.Equal(t, Negotiating, h.engine.Mode())
}

func TestEngineOfferInHaveLocalOfferIgnored(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	h.must(SendInvite{Target: "bob"})
	h.must(InviteAccepted{From: "bob"})

	tr := h.must(SignalReceived{From: "bob", Signal: signalRaw(t, offerSignal())})
	assert.Empty(t, sends(tr))
	assert.Equal(t, HaveLocalOffer, h.engine.Snapshot().Negotiation)
}

func TestEngineRenegotiationOfferWhileStable(t *testing.T) {
	h := newHarness(t, "bob")
	h.online()
	h.must(InviteReceived{From: "alice"})
	h.must(AcceptInvite{})
	h.must(SignalReceived{From: "alice", Signal: signalRaw(t, offerSignal())})
	h.must(ChannelOpened{Gen: h.engine.Generation()})
	require.Equal(t, Connected, h.engine.Mode())
	ft := h.transport()
	before := len(ft.calls)

	tr := h.must(SignalReceived{From: "alice", Signal: signalRaw(t, offerSignal())})
	assert.Equal(t, []string{"remote:offer", "create-answer", "local:answer"}, ft.calls[before:])
	out := sends(tr)
	require.Len(t, out, 1)
	sig, err := protocol.DecodeSignal(out[0].Signal)
	require.NoError(t, err)
	assert.Equal(t, protocol.SignalAnswer, sig.Kind())
	assert.Equal(t, Connected, h.engine.Mode())
	assert.Equal(t, Stable, h.engine.Snapshot().Negotiation)
	assert.Len(t, h.transports, 1)
}

func TestEngineHubErrorKeepsPendingInvite(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	h.must(SendInvite{Target: "bob"})

	tr := h.must(HubError{Message: "rate limited"})
	assert.Equal(t, Inviting, tr.To)
	assert.Equal(t, []EventKind{EventError}, events(tr))
	assert.NotContains(t, tr.Effects, StopTimer{Kind: TimerInvite})
	assert.Equal(t, "bob", h.engine.Snapshot().Remote)

	h.must(InviteSent{To: "bob"})
	assert.Equal(t, AwaitingAccept, h.must(HubError{Message: "malformed message"}).To)
	assert.True(t, h.engine.Snapshot().InviteSent)
}

func TestEngineSignalWithoutSessionIgnored(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	tr := h.must(SignalReceived{From: "bob", Signal: signalRaw(t, offerSignal())})
	assert.Empty(t, tr.Effects)
	assert.Empty(t, h.transports)
}

func TestEngineInviteTimeout(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	tr := h.must(SendInvite{Target: "bob"})
	var timer StartTimer
	for _, e := range tr.Effects {
		if st, ok := e.(StartTimer); ok {
			timer = st
		}
	}
	assert.Equal(t, 30*time.Second, timer.After)

	assert.Equal(t, Inviting, h.must(InviteTimeout{Seq: timer.Seq - 1}).To, "stale timer")
	tr = h.must(InviteTimeout{Seq: timer.Seq})
	assert.Equal(t, Idle, tr.To)
	assert.Equal(t, []EventKind{EventExpired}, events(tr))
	assert.Empty(t, h.engine.Snapshot().Remote)
}

func TestEngineInviteRejections(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
	}{
		{"declined", InviteDeclined{From: "bob"}},
		{"user not found", UserNotFound{Email: "bob"}},
		{"invite error", InviteFailed{Message: "Invalid invite data"}},
		{"signaling error", SignalingError{Message: "User bob not found", Target: "bob"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, "alice")
			h.online()
			h.must(SendInvite{Target: "bob"})
			h.must(InviteSent{To: "bob"})

			tr := h.must(tc.cmd)
			assert.Equal(t, Idle, tr.To)
			assert.Contains(t, tr.Effects, StopTimer{Kind: TimerInvite})
			assert.Empty(t, h.transports)
		})
	}
}

func TestEngineDeclineFromOtherPeerIgnored(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	h.must(SendInvite{Target: "bob"})
	assert.Equal(t, Inviting, h.must(InviteDeclined{From: "carol"}).To)
}

func TestEngineDecline(t *testing.T) {
	h := newHarness(t, "bob")
	h.online()
	assert.ErrorIs(t, h.step(DeclineInvite{}).Err, domain.ErrInvalidInvite)

	h.must(InviteReceived{From: "alice"})
	tr := h.must(DeclineInvite{})
	assert.Equal(t, []protocol.Envelope{protocol.DeclineInvite("alice", "bob")}, sends(tr))
	assert.False(t, h.engine.Snapshot().InviteReceived)
	assert.ErrorIs(t, h.step(AcceptInvite{}).Err, domain.ErrInvalidInvite)
}

func TestEngineAcceptanceNeverDelivered(t *testing.T) {
	h := newHarness(t, "bob")
	h.online()
	h.must(InviteReceived{From: "alice"})
	h.must(AcceptInvite{})

	tr := h.must(SignalingError{Message: "User alice not found for invite acceptance", Target: "alice"})
	assert.Equal(t, Idle, tr.To)
	assert.Equal(t, 1, h.transport().closed)
}

func TestEngineTransportFailureIsTerminalUntilReset(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	h.must(SendInvite{Target: "bob"})
	h.must(InviteAccepted{From: "bob"})
	ft := h.transport()

	tr := h.must(TransportStateChanged{Gen: h.engine.Generation(), State: TransportFailed})
	assert.Equal(t, Failed, tr.To)
	assert.Equal(t, []EventKind{EventConnectionFailed}, events(tr))
	assert.Equal(t, 1, ft.closed)

	assert.ErrorIs(t, h.step(SendInvite{Target: "bob"}).Err, domain.ErrConnectionFailed)
	h.must(InviteReceived{From: "carol"})
	assert.ErrorIs(t, h.step(AcceptInvite{}).Err, domain.ErrConnectionFailed)
	assert.False(t, h.engine.Send([]byte("x")))

	assert.Equal(t, Idle, h.must(Reset{}).To)
	assert.NoError(t, h.step(SendInvite{Target: "bob"}).Err)
}

func TestEngineOfferFailureFails(t *testing.T) {
	h := newHarness(t, "alice")
	h.failOffer = true
	h.online()
	h.must(SendInvite{Target: "bob"})

	tr := h.step(InviteAccepted{From: "bob"})
	assert.ErrorIs(t, tr.Err, domain.ErrConnectionFailed)
	assert.Equal(t, Failed, tr.To)
}

func TestEngineStaleTransportEventsIgnored(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	h.must(SendInvite{Target: "bob"})
	h.must(InviteAccepted{From: "bob"})
	old := h.engine.Generation()
	h.must(Reset{})

	assert.Equal(t, Idle, h.must(TransportStateChanged{Gen: old, State: TransportFailed}).To)
	assert.Equal(t, Idle, h.must(ChannelOpened{Gen: old}).To)
	assert.Empty(t, sends(h.must(LocalCandidate{Gen: old, Candidate: webrtc.ICECandidateInit{Candidate: "x"}})))
}

func TestEngineLocalCandidateRelayed(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	h.must(SendInvite{Target: "bob"})
	h.must(InviteAccepted{From: "bob"})

	out := sends(h.must(LocalCandidate{Gen: h.engine.Generation(), Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1"}}))
	require.Len(t, out, 1)
	assert.Equal(t, "bob", out[0].To)
	sig, err := protocol.DecodeSignal(out[0].Signal)
	require.NoError(t, err)
	assert.Equal(t, protocol.SignalCandidate, sig.Kind())
}

func TestEngineKeyExchangeIsDistinctFromChannelOpen(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	h.must(SendInvite{Target: "bob"})
	h.must(InviteAccepted{From: "bob"})

	tr := h.must(PublicKeyReceived{From: "mallory", Key: "eA=="})
	assert.Empty(t, events(tr))

	tr = h.must(PublicKeyReceived{From: "bob", Key: "Ym9i"})
	assert.Equal(t, []EventKind{EventKeyExchangeComplete}, events(tr))
	assert.Equal(t, Negotiating, tr.To)
	assert.Equal(t, "Ym9i", h.engine.Snapshot().PeerKey)
}

func TestEngineSendRequiresOpenChannel(t *testing.T) {
	h := newHarness(t, "alice")
	assert.False(t, h.engine.Send([]byte("x")))

	h.online()
	h.must(SendInvite{Target: "bob"})
	h.must(InviteAccepted{From: "bob"})
	assert.False(t, h.engine.Send([]byte("x")))

	h.must(ChannelOpened{Gen: h.engine.Generation()})
	h.transport().failSend = true
	assert.False(t, h.engine.Send([]byte("x")))
}

func TestEngineChannelCloseAndReinvite(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	h.must(SendInvite{Target: "bob"})
	h.must(InviteAccepted{From: "bob"})
	h.must(ChannelOpened{Gen: h.engine.Generation()})

	tr := h.must(ChannelClosed{Gen: h.engine.Generation()})
	assert.Equal(t, Closed, tr.To)
	assert.False(t, h.engine.Send([]byte("x")))

	first := h.transport()
	assert.Equal(t, Inviting, h.must(SendInvite{Target: "bob"}).To)
	assert.Equal(t, 1, first.closed)
}

func TestEngineMessageNotified(t *testing.T) {
	h := newHarness(t, "alice")
	h.online()
	h.must(SendInvite{Target: "bob"})
	h.must(InviteAccepted{From: "bob"})

	tr := h.must(ChannelMessage{Gen: h.engine.Generation(), Data: []byte("hello")})
	require.Len(t, tr.Effects, 1)
	n := tr.Effects[0].(Notify)
	assert.Equal(t, EventMessage, n.Event.Kind)
	assert.Equal(t, "bob", n.Event.Peer)
	assert.Equal(t, []byte("hello"), n.Event.Payload)
}

func TestCandidateQueueDrainOnce(t *testing.T) {
	var q CandidateQueue
	q.Push(webrtc.ICECandidateInit{Candidate: "a"})
	q.Push(webrtc.ICECandidateInit{Candidate: "b"})
	assert.Equal(t, 2, q.Len())

	got := q.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Candidate)
	assert.Equal(t, "b", got[1].Candidate)
	assert.Empty(t, q.Drain())

	q.Push(webrtc.ICECandidateInit{Candidate: "c"})
	q.Clear()
	assert.Equal(t, 0, q.Len())
}
