package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marquee/internal/logger"
)

// Monitor detects silently-dead displays whose transport never reported a
// close (half-open connections). It is the only component allowed to
// demote a device purely on the passage of time.
type Monitor struct {
	registry *Registry
	closer   ConnectionCloser
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewMonitor creates a heartbeat monitor. timeout should be a small
// multiple of the expected heartbeat interval.
func NewMonitor(registry *Registry, closer ConnectionCloser, interval, timeout time.Duration) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		registry: registry,
		closer:   closer,
		interval: interval,
		timeout:  timeout,
		logger:   logger.GetLogger("monitor"),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Start begins the periodic sweep.
func (m *Monitor) Start() {
	m.logger.Info().
		Dur("interval", m.interval).
		Dur("timeout", m.timeout).
		Msg("Starting heartbeat monitor")

	m.wg.Add(1)
	go m.loop()
}

// Stop halts the sweep loop and waits for it to return.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Heartbeat monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.ctx.Done():
			return
		}
	}
}

// sweep snapshots stale device ids under the registry's read lock, then
// demotes and closes outside any connection-specific lock.
func (m *Monitor) sweep() {
	cutoff := m.now().Add(-m.timeout)
	stale := m.registry.StaleOnline(cutoff)

	for _, deviceID := range stale {
		conn, hasConn := m.registry.ConnectionFor(deviceID)

		if err := m.registry.MarkOffline(deviceID, "heartbeat timeout"); err != nil {
			m.logger.Warn().
				Str("device_id", deviceID).
				Err(err).
				Msg("Failed to demote stale device")
			continue
		}

		m.logger.Warn().
			Str("device_id", deviceID).
			Msg("Device missed heartbeat threshold, demoted")

		if hasConn && m.closer != nil {
			m.closer.CloseConnection(conn, "heartbeat timeout")
		}
	}
}
