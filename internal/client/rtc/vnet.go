package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
)

// VirtualLAN is an in-process network for running peers without real
// sockets.
type VirtualLAN struct {
	router *vnet.Router
	apis   []*webrtc.API
}

// NewVirtualLAN starts a router on 10.0.0.0/24 with one host per entry of
// hosts (static IPs 10.0.0.1, 10.0.0.2, ...).
func NewVirtualLAN(hosts int) (*VirtualLAN, error) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		return nil, fmt.Errorf("new router: %w", err)
	}
	lan := &VirtualLAN{router: router}
	for i := 0; i < hosts; i++ {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{fmt.Sprintf("10.0.0.%d", i+1)}})
		if err != nil {
			return nil, fmt.Errorf("new net %d: %w", i, err)
		}
		if err := router.AddNet(n); err != nil {
			return nil, fmt.Errorf("add net %d: %w", i, err)
		}
		api, err := virtualAPI(n)
		if err != nil {
			return nil, err
		}
		lan.apis = append(lan.apis, api)
	}
	if err := router.Start(); err != nil {
		return nil, fmt.Errorf("start router: %w", err)
	}
	return lan, nil
}

func (l *VirtualLAN) API(host int) *webrtc.API { return l.apis[host] }

func (l *VirtualLAN) Stop() error { return l.router.Stop() }

func virtualAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}
