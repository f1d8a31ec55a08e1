package services

import (
	"time"

	"callengine/pkg/retry"
)

// BusyPolicy decides what happens to an invitation while another call is active.
type BusyPolicy string

const (
	BusyQueue  BusyPolicy = "queue"
	BusyReject BusyPolicy = "reject"
)

// EngineConfig holds the timing and policy knobs of call sessions.
type EngineConfig struct {
	InviteTimeout    time.Duration
	OperationTimeout time.Duration
	ReconnectGrace   time.Duration
	Reconnect        retry.Config
	QualityInterval  time.Duration
	QualityWindow    int
	CriticalSamples  int
	SharePolicy      SharePolicy
	BusyPolicy       BusyPolicy
	DedupTTL         time.Duration
	MailboxSize      int
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		InviteTimeout:    30 * time.Second,
		OperationTimeout: 10 * time.Second,
		ReconnectGrace:   2 * time.Second,
		Reconnect:        retry.ReconnectConfig(),
		QualityInterval:  3 * time.Second,
		QualityWindow:    10,
		CriticalSamples:  3,
		SharePolicy:      SharePolicy{ClockSkew: 2 * time.Second},
		BusyPolicy:       BusyQueue,
		DedupTTL:         2 * time.Minute,
		MailboxSize:      256,
	}
}
