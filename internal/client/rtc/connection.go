// Package rtc is the pion-backed peer transport.
package rtc

import (
	"sync"

	"github.com/dkeye/Duet/internal/client/session"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const maxRetransmits uint16 = 3

type Options struct {
	ICEServers []string
	// API overrides the default pion API, e.g. with a virtual network.
	API   *webrtc.API
	Label string
}

// Callbacks are invoked from pion goroutines.
type Callbacks struct {
	OnCandidate func(webrtc.ICECandidateInit)
	OnOpen      func()
	OnClose     func()
	OnMessage   func([]byte)
	OnState     func(session.TransportState)
}

type Connection struct {
	pc    *webrtc.PeerConnection
	label string
	cb    Callbacks

	mu sync.Mutex
	dc *webrtc.DataChannel
}

var _ session.PeerTransport = (*Connection)(nil)

func Configuration(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

func New(opts Options, cb Callbacks) (*Connection, error) {
	if opts.Label == "" {
		opts.Label = session.DefaultChannelLabel
	}
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if opts.API != nil {
		pc, err = opts.API.NewPeerConnection(Configuration(opts.ICEServers))
	} else {
		pc, err = webrtc.NewPeerConnection(Configuration(opts.ICEServers))
	}
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc, label: opts.Label, cb: cb}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "client.rtc").Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "client.rtc").Str("peer_connection_state", s.String()).Msg("Peer state")
		if c.cb.OnState != nil {
			c.cb.OnState(mapState(s))
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.cb.OnCandidate != nil {
			c.cb.OnCandidate(cand.ToJSON())
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != c.label {
			log.Warn().Str("module", "client.rtc").Str("label", dc.Label()).Msg("unexpected data channel")
			return
		}
		c.bind(dc)
	})
	return c, nil
}

func mapState(s webrtc.PeerConnectionState) session.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return session.TransportChecking
	case webrtc.PeerConnectionStateConnected:
		return session.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return session.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return session.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return session.TransportClosed
	default:
		return session.TransportNew
	}
}

func (c *Connection) bind(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		log.Info().Str("module", "client.rtc").Str("label", dc.Label()).Msg("data channel open")
		if c.cb.OnOpen != nil {
			c.cb.OnOpen()
		}
	})
	dc.OnClose(func() {
		log.Info().Str("module", "client.rtc").Str("label", dc.Label()).Msg("data channel closed")
		if c.cb.OnClose != nil {
			c.cb.OnClose()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(msg.Data)
		}
	})
}

func (c *Connection) CreateDataChannel(label string) error {
	ordered := true
	retransmits := maxRetransmits
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		return err
	}
	c.bind(dc)
	return nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrChannelNotReady
	}
	return dc.Send(payload)
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "client.rtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "client.rtc").Msg("closed")
	return nil
}
