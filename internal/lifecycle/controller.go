// Package lifecycle tracks established connections and reacts to their
// arrival and departure: the status indicator, the advertising decision and
// session teardown.
package lifecycle

import (
	"sync"
	"time"

	"github.com/chaz8081/pgpemu/internal/session"
	"github.com/pion/logging"
)

// Advertiser resumes advertising when fewer than the target number of peers
// are connected.
type Advertiser interface {
	AdvertiseIfBelowTarget(active int)
}

// StatusIndicator shows whether the device is waiting for a peer.
type StatusIndicator interface {
	SetIdle(idle bool)
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Table      *session.Table
	Advertiser Advertiser

	// Indicator is optional.
	Indicator StatusIndicator

	// CountReconnects also counts completed reconnect handshakes as active
	// connections. Disconnects are always counted.
	CountReconnects bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Controller owns the active connection counter.
type Controller struct {
	mu     sync.Mutex
	active int

	table           *session.Table
	advertiser      Advertiser
	indicator       StatusIndicator
	countReconnects bool
	now             func() time.Time
	log             logging.LeveledLogger
}

// NewController creates a Controller.
func NewController(config ControllerConfig) *Controller {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Controller{
		table:           config.Table,
		advertiser:      config.Advertiser,
		indicator:       config.Indicator,
		countReconnects: config.CountReconnects,
		now:             config.Now,
		log:             config.LoggerFactory.NewLogger("lifecycle"),
	}
}

// OnFirstHandshakeEstablished marks a connection active after its first
// pairing completed.
func (c *Controller) OnFirstHandshakeEstablished(id session.ConnID) {
	n := c.increment()
	c.log.Infof("conn_id=%d handshake complete, active connections: %d", id, n)
	if n == 1 {
		c.setIdle(false)
	}
	c.stamp(id, func(s *session.Session, now time.Time) { s.ConnectedAt = now })
}

// OnReconnectEstablished records a completed reconnect handshake.
func (c *Controller) OnReconnectEstablished(id session.ConnID) {
	c.stamp(id, func(s *session.Session, now time.Time) { s.ReconnectedAt = now })
	if !c.countReconnects {
		c.log.Infof("conn_id=%d reconnected, active connections: %d", id, c.ActiveConnections())
		return
	}
	n := c.increment()
	c.log.Infof("conn_id=%d reconnected, active connections: %d", id, n)
	if n == 1 {
		c.setIdle(false)
	}
}

// OnDisconnect handles a transport disconnect. The session is released
// whatever state it reached.
func (c *Controller) OnDisconnect(id session.ConnID) {
	c.mu.Lock()
	if c.active == 0 {
		c.log.Errorf("conn_id=%d disconnected but active connections already 0", id)
	} else {
		c.active--
	}
	n := c.active
	c.mu.Unlock()

	c.log.Infof("conn_id=%d disconnected, active connections: %d", id, n)
	if n == 0 {
		c.setIdle(true)
	}
	c.stamp(id, func(s *session.Session, now time.Time) { s.DisconnectedAt = now })
	if c.table != nil {
		c.table.Release(id)
	}
	c.advertise(n)
}

// ActiveConnections returns the number of established connections.
func (c *Controller) ActiveConnections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// AdvertiseIfNeeded asks the advertiser to resume advertising if fewer than
// the target number of peers are connected.
func (c *Controller) AdvertiseIfNeeded() {
	c.advertise(c.ActiveConnections())
}

func (c *Controller) increment() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active++
	return c.active
}

func (c *Controller) advertise(active int) {
	if c.advertiser != nil {
		c.advertiser.AdvertiseIfBelowTarget(active)
	}
}

func (c *Controller) setIdle(idle bool) {
	if c.indicator != nil {
		c.indicator.SetIdle(idle)
	}
}

func (c *Controller) stamp(id session.ConnID, set func(*session.Session, time.Time)) {
	if c.table == nil {
		return
	}
	now := c.now()
	err := c.table.Update(id, false, func(s *session.Session) error {
		set(s, now)
		return nil
	})
	if err != nil {
		c.log.Debugf("conn_id=%d no session to stamp: %v", id, err)
	}
}
