package ble

import "github.com/pion/logging"

// DefaultTargetActiveConnections is how many established peers the device
// serves before it stops advertising.
const DefaultTargetActiveConnections = 1

// AdvertisingConfig configures an AdvertisingPolicy.
type AdvertisingConfig struct {
	// Target is the number of active connections at which advertising
	// stops (0 uses DefaultTargetActiveConnections).
	Target int

	// Advertise starts (or restarts) advertising.
	Advertise func() error

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// AdvertisingPolicy resumes advertising while fewer than Target peers are
// connected.
type AdvertisingPolicy struct {
	target    int
	advertise func() error
	log       logging.LeveledLogger
}

// NewAdvertisingPolicy creates an AdvertisingPolicy.
func NewAdvertisingPolicy(config AdvertisingConfig) *AdvertisingPolicy {
	if config.Target <= 0 {
		config.Target = DefaultTargetActiveConnections
	}
	if config.Advertise == nil {
		config.Advertise = func() error { return nil }
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &AdvertisingPolicy{
		target:    config.Target,
		advertise: config.Advertise,
		log:       config.LoggerFactory.NewLogger("gap"),
	}
}

// AdvertiseIfBelowTarget starts advertising if active is below the target.
func (p *AdvertisingPolicy) AdvertiseIfBelowTarget(active int) {
	if active >= p.target {
		p.log.Infof("not advertising again, active=%d target=%d", active, p.target)
		return
	}
	if err := p.advertise(); err != nil {
		p.log.Errorf("start advertising: %v", err)
		return
	}
	p.log.Infof("advertising, active=%d target=%d", active, p.target)
}

// Target returns the configured target.
func (p *AdvertisingPolicy) Target() int {
	return p.target
}
