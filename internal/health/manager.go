// Package health runs periodic checks alongside the session: a status report
// for telemetry and a disk check on the session storage path.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tablelink-project/tablelink/internal/events"
	"github.com/tablelink-project/tablelink/internal/session"
	"github.com/tablelink-project/tablelink/internal/util"
)

// Snapshotter is the part of the connection manager health reads.
type Snapshotter interface {
	Snapshot() session.Snapshot
}

// Options controls check intervals. A zero interval disables that check.
type Options struct {
	StatusInterval time.Duration
	DiskInterval   time.Duration
	// StoragePath is the session database or file; its directory is checked.
	StoragePath string
}

// Manager runs periodic health checks.
type Manager struct {
	opts     Options
	session  Snapshotter
	eventBus *events.EventBus
	logger   zerolog.Logger

	// Overridable in tests.
	diskUsage func(string) (util.DiskUsage, error)
	cpuUsage  func() (float64, error)
	memUsage  func() (float64, error)

	mu        sync.Mutex
	diskLevel string
}

// NewManager creates a new health check manager.
func NewManager(opts Options, sess Snapshotter, eventBus *events.EventBus) *Manager {
	return &Manager{
		opts:      opts,
		session:   sess,
		eventBus:  eventBus,
		logger:    util.ComponentLogger("health"),
		diskUsage: util.GetDiskUsage,
		cpuUsage:  util.GetCPUUsage,
		memUsage:  util.GetMemoryUsedPercent,
	}
}

// Start launches all checks and blocks until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"status", m.opts.StatusInterval, m.reportStatus},
		{"disk_utilization", m.opts.DiskInterval, m.checkDiskUtilization},
	}

	var wg sync.WaitGroup
	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++

		check := check
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()

			check.fn(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

// reportStatus publishes a session and host summary.
func (m *Manager) reportStatus(ctx context.Context) {
	snap := m.session.Snapshot()

	payload := events.StatusPayload{
		State:            snap.State.String(),
		SessionID:        snap.Session.SessionID,
		TableID:          snap.Session.LastActiveTableID,
		Attempts:         snap.Session.ReconnectAttempts,
		Reconnecting:     snap.Session.IsReconnecting,
		RetryPending:     snap.RetryPending,
		HeartbeatRunning: snap.HeartbeatRunning,
	}
	if cpu, err := m.cpuUsage(); err == nil {
		payload.CPUPercent = cpu
	}
	if mem, err := m.memUsage(); err == nil {
		payload.MemoryPercent = mem
	}

	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventStatus,
		Source:  "health",
		Payload: payload,
	})
}

// checkDiskUtilization warns when the storage volume fills up. Each level is
// reported once until it changes.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	path := "."
	if m.opts.StoragePath != "" {
		path = filepath.Dir(m.opts.StoragePath)
	}

	usage, err := m.diskUsage(path)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("disk utilization check failed")
		return
	}

	m.logger.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_mb", usage.Free).
		Msg("disk utilization")

	var level string
	switch {
	case usage.UsedPercent >= 99:
		level = "critical"
	case usage.UsedPercent >= 95:
		level = "error"
	case usage.UsedPercent >= 90:
		level = "warning"
	}

	m.mu.Lock()
	changed := level != m.diskLevel
	m.diskLevel = level
	m.mu.Unlock()

	if level == "" || !changed {
		return
	}

	message := fmt.Sprintf("disk usage at %.1f%% (%d MB free of %d MB)",
		usage.UsedPercent, usage.Free, usage.Total)
	m.logger.Warn().Str("level", level).Str("path", path).Msg(message)

	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventHealthWarning,
		Source: "health",
		Payload: events.HealthWarningPayload{
			Check:   "disk_utilization",
			Level:   level,
			Message: message,
		},
	})
}
