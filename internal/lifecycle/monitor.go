package lifecycle

import (
	"context"
	"time"

	"github.com/chaz8081/pgpemu/internal/session"
	"github.com/pion/logging"
)

// DefaultMonitorInterval is how often the monitor logs connection state.
const DefaultMonitorInterval = 30 * time.Second

// Disconnector drops a connection at the transport level.
type Disconnector interface {
	Disconnect(id session.ConnID) error
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Table      *session.Table
	Controller *Controller

	// Disconnector is used to drop stalled handshakes. It may be nil when
	// HandshakeTimeout is zero.
	Disconnector Disconnector

	// Interval between checks (0 uses DefaultMonitorInterval).
	Interval time.Duration

	// HandshakeTimeout bounds how long a first pairing may take. Zero
	// disables the check.
	HandshakeTimeout time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Monitor periodically logs the connection table and reclaims slots held by
// handshakes that stalled before their first pairing completed.
type Monitor struct {
	table        *session.Table
	controller   *Controller
	disconnector Disconnector
	interval     time.Duration
	timeout      time.Duration
	now          func() time.Time
	started      time.Time
	log          logging.LeveledLogger
}

// NewMonitor creates a Monitor.
func NewMonitor(config MonitorConfig) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultMonitorInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Monitor{
		table:        config.Table,
		controller:   config.Controller,
		disconnector: config.Disconnector,
		interval:     config.Interval,
		timeout:      config.HandshakeTimeout,
		now:          config.Now,
		started:      config.Now(),
		log:          config.LoggerFactory.NewLogger("monitor"),
	}
}

// Run checks the table every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one monitoring pass and returns the connections it expired.
func (m *Monitor) Check() []session.ConnID {
	now := m.now()
	infos := m.table.Snapshot()

	active := 0
	if m.controller != nil {
		active = m.controller.ActiveConnections()
	}
	m.log.Infof("uptime=%s active=%d sessions=%d/%d",
		now.Sub(m.started).Truncate(time.Second), active, len(infos), m.table.Capacity())

	var expired []session.ConnID
	for _, info := range infos {
		if !info.ConnectedAt.IsZero() {
			m.log.Infof("conn_id=%d state=%s connected for %s",
				info.ConnID, info.State, now.Sub(info.ConnectedAt).Truncate(time.Second))
		} else {
			m.log.Infof("conn_id=%d state=%s handshaking for %s",
				info.ConnID, info.State, now.Sub(info.HandshakeStart).Truncate(time.Second))
		}

		if m.stalled(info, now) {
			expired = append(expired, info.ConnID)
		}
	}

	for _, id := range expired {
		m.expire(id)
	}
	return expired
}

// stalled reports whether a session never completed its first pairing
// within the timeout. Reconnect handshakes run on sessions that already
// paired and are left alone.
func (m *Monitor) stalled(info session.Info, now time.Time) bool {
	if m.timeout <= 0 || info.HasReconnectKey || info.State == session.StateEstablished {
		return false
	}
	return now.Sub(info.HandshakeStart) > m.timeout
}

func (m *Monitor) expire(id session.ConnID) {
	m.log.Warnf("conn_id=%d handshake timed out after %s, disconnecting", id, m.timeout)
	if m.disconnector != nil {
		if err := m.disconnector.Disconnect(id); err != nil {
			m.log.Errorf("conn_id=%d disconnect failed: %v", id, err)
		}
	}
	// the transport's disconnect event still reaches the controller
	m.table.Release(id)
}
