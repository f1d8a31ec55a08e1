package webrtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Config configures the pion peer connections created by Factory.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// IncludeLoopback gathers loopback candidates, used by same-host tests.
	IncludeLoopback bool
}

func (c Config) newAPI() (*webrtc.API, error) {
	settingEngine := webrtc.SettingEngine{}
	if c.PortRange.Min > 0 && c.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(c.PortRange.Min, c.PortRange.Max); err != nil {
			return nil, err
		}
	}
	if c.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

func (c Config) configuration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:   c.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
}
