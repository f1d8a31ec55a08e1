package services

import (
	"context"
	"sync"
	"time"
)

// QualityMonitor triggers periodic quality sampling for one call session.
type QualityMonitor struct {
	interval time.Duration
	tick     func()

	stopOnce sync.Once
	stop     chan struct{}
}

func NewQualityMonitor(interval time.Duration, tick func()) *QualityMonitor {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &QualityMonitor{
		interval: interval,
		tick:     tick,
		stop:     make(chan struct{}),
	}
}

// Start runs the ticker until Stop is called or ctx is done.
func (m *QualityMonitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *QualityMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *QualityMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
