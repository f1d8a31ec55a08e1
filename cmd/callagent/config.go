package main

import (
	"callengine/internal/core/services"
	webrtcinfra "callengine/internal/infrastructure/webrtc"
	"callengine/pkg/config"
	"callengine/pkg/retry"

	"github.com/pion/webrtc/v3"
)

// engineConfig maps the call, reconnect, quality and screen_share sections
// onto the session engine's knobs.
func engineConfig(cfg *config.Config) services.EngineConfig {
	ec := services.DefaultEngineConfig()
	ec.InviteTimeout = cfg.Call.InviteTimeout
	ec.OperationTimeout = cfg.Call.OperationTimeout
	ec.BusyPolicy = services.BusyPolicy(cfg.Call.BusyPolicy)
	ec.DedupTTL = cfg.Call.DedupTTL
	ec.MailboxSize = cfg.Call.MailboxSize

	ec.ReconnectGrace = cfg.Reconnect.Grace
	ec.Reconnect = retry.Config{
		Enabled:      true,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		Multiplier:   cfg.Reconnect.Multiplier,
		Jitter:       cfg.Reconnect.Jitter,
	}

	ec.QualityInterval = cfg.Quality.Interval
	ec.QualityWindow = cfg.Quality.Window
	ec.CriticalSamples = cfg.Quality.CriticalSamples

	ec.SharePolicy = services.SharePolicy{
		AllowConcurrent: cfg.ScreenShare.AllowConcurrent,
		Takeover:        cfg.ScreenShare.Takeover,
		ClockSkew:       cfg.ScreenShare.ClockSkew,
	}
	return ec
}

func webrtcConfig(cfg *config.Config) webrtcinfra.Config {
	var wc webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		wc.ICEServers = append(wc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	wc.PortRange.Min = cfg.WebRTC.PortRange.Min
	wc.PortRange.Max = cfg.WebRTC.PortRange.Max
	wc.IncludeLoopback = cfg.WebRTC.IncludeLoopback
	return wc
}
