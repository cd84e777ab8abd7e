// Package indicator drives the emulator's RGB status light and interprets
// the LED patterns the app writes to the accessory.
package indicator

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
)

// Color is a 4-bit-per-channel RGB value as used by the LED characteristic.
type Color struct {
	R, G, B uint8
}

// Status colors.
var (
	Off   = Color{}
	Red   = Color{R: 0xf}
	Green = Color{G: 0xf}
	Blue  = Color{B: 0xf}
	White = Color{R: 0xf, G: 0xf, B: 0xf}
	Pink  = Color{R: 0xf, B: 0xf}
)

// IsOff reports whether every channel is dark.
func (c Color) IsOff() bool {
	return c.R == 0 && c.G == 0 && c.B == 0
}

func (c Color) String() string {
	return fmt.Sprintf("#%x%x%x", c.R&0xf, c.G&0xf, c.B&0xf)
}

// Output shows a color. A zero duration keeps it lit until the next call.
type Output interface {
	Show(c Color, d time.Duration)
}

// LogOutput is an Output that only logs, for hosts without a physical light.
type LogOutput struct {
	log logging.LeveledLogger
}

// NewLogOutput creates a LogOutput.
func NewLogOutput(factory logging.LoggerFactory) *LogOutput {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return &LogOutput{log: factory.NewLogger("led")}
}

// Show logs the color change.
func (o *LogOutput) Show(c Color, d time.Duration) {
	if d > 0 {
		o.log.Debugf("setting rgb=%s for %v", c, d)
		return
	}
	o.log.Debugf("setting rgb=%s", c)
}

// Durations used for status flashes.
const (
	ReadyFlashDuration = time.Second
	EventFlashDuration = 200 * time.Millisecond
)

// Config configures an Indicator.
type Config struct {
	// Output receives color changes. Defaults to a LogOutput.
	Output Output

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Indicator tracks and shows the device status color.
type Indicator struct {
	mu      sync.Mutex
	out     Output
	current Color
	log     logging.LeveledLogger
}

// New creates an Indicator.
func New(config Config) *Indicator {
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.Output == nil {
		config.Output = NewLogOutput(config.LoggerFactory)
	}
	return &Indicator{
		out: config.Output,
		log: config.LoggerFactory.NewLogger("led"),
	}
}

// SetIdle shows blue while no peer is connected and turns the light off
// otherwise.
func (i *Indicator) SetIdle(idle bool) {
	if idle {
		i.set(Blue, 0)
		return
	}
	i.set(Off, 0)
}

// ReadyFlash flashes green once at startup and then shows idle.
func (i *Indicator) ReadyFlash() {
	i.set(Green, ReadyFlashDuration)
	i.set(Blue, 0)
}

// Fault shows solid red, used when startup fails.
func (i *Indicator) Fault() {
	i.set(Red, 0)
}

// Flash shows c briefly. The steady color is not changed.
func (i *Indicator) Flash(c Color) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.out.Show(c, EventFlashDuration)
}

// Current returns the steady color.
func (i *Indicator) Current() Color {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}

func (i *Indicator) set(c Color, d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if d == 0 {
		i.current = c
	}
	i.out.Show(c, d)
}
