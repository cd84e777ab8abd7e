package indicator

import (
	"errors"
	"time"

	"github.com/chaz8081/pgpemu/internal/session"
	"github.com/pion/logging"
	"github.com/samber/oops"
)

// ErrShortPattern is returned when an LED write is shorter than its header
// says.
var ErrShortPattern = errors.New("indicator: LED write shorter than pattern count")

const (
	patternHeaderLen = 4
	patternLen       = 3
	patternUnit      = 50 * time.Millisecond
	// ball shakes only show up in the first three blink triplets
	shakeWindow = 3 * 3
)

// Pattern is one step of an LED animation.
type Pattern struct {
	Duration    uint8 // in 50 ms units
	Color       Color
	Vibrate     bool
	Interpolate bool
}

// Sequence is a decoded LED write.
type Sequence struct {
	Priority int
	Patterns []Pattern
}

// ParseSequence decodes an LED characteristic write.
func ParseSequence(payload []byte) (Sequence, error) {
	if len(payload) < patternHeaderLen {
		return Sequence{}, oops.In("led").With("len", len(payload)).Wrapf(ErrShortPattern, "missing header")
	}
	count := int(payload[3] & 0x1f)
	need := patternHeaderLen + patternLen*count
	if len(payload) < need {
		return Sequence{}, oops.In("led").With("len", len(payload)).With("need", need).Wrapf(ErrShortPattern, "%d patterns", count)
	}

	seq := Sequence{
		Priority: int(payload[3]>>5) & 0x7,
		Patterns: make([]Pattern, count),
	}
	for i := range seq.Patterns {
		p := payload[patternHeaderLen+patternLen*i:]
		seq.Patterns[i] = Pattern{
			Duration: p[0],
			Color: Color{
				R: p[1] & 0xf,
				G: (p[1] >> 4) & 0xf,
				B: p[2] & 0xf,
			},
			Vibrate:     p[2]&0x70 != 0,
			Interpolate: p[2]&0x80 != 0,
		}
	}
	return seq, nil
}

// Duration is the total length of the animation.
func (s Sequence) Duration() time.Duration {
	var units int
	for _, p := range s.Patterns {
		units += int(p.Duration)
	}
	return time.Duration(units) * patternUnit
}

// Event is what the app is signalling with an LED sequence.
type Event int

// LED events.
const (
	EventUnknown Event = iota
	EventOff
	EventBagFull
	EventBallsEmpty
	EventBoxFull
	EventPokemonInRange
	EventNewPokemonInRange
	EventPokestopInRange
	EventCaught
	EventFled
	EventShakesUnknown
	EventGotItems
)

func (e Event) String() string {
	switch e {
	case EventOff:
		return "off"
	case EventBagFull:
		return "can't spin Pokestop, bag is full"
	case EventBallsEmpty:
		return "Pokeballs are empty or Pokestop went out of range"
	case EventBoxFull:
		return "can't catch Pokemon, box is full"
	case EventPokemonInRange:
		return "Pokemon in range"
	case EventNewPokemonInRange:
		return "new Pokemon in range"
	case EventPokestopInRange:
		return "Pokestop in range"
	case EventCaught:
		return "caught Pokemon"
	case EventFled:
		return "Pokemon fled"
	case EventShakesUnknown:
		return "unknown outcome after ball shakes"
	case EventGotItems:
		return "got items from Pokestop"
	default:
		return "unhandled color pattern"
	}
}

type colorCounts struct {
	red, green, blue, yellow, white, other int
	off, notOff, shakes                    int
}

func (s Sequence) counts() colorCounts {
	var c colorCounts
	for i, p := range s.Patterns {
		r, g, b := p.Color.R != 0, p.Color.G != 0, p.Color.B != 0
		if !r && !g && !b {
			c.off++
			continue
		}
		c.notOff++
		if i <= shakeWindow && r && g && b {
			c.shakes++
		}
		switch {
		case r && !g && !b:
			c.red++
		case !r && g && !b:
			c.green++
		case !r && !g && b:
			c.blue++
		case r && g && !b:
			c.yellow++
		case r && g && b:
			c.white++
		default:
			c.other++
		}
	}
	return c
}

// Classify maps the sequence to an event. shakes is the number of ball
// shakes seen for catch outcomes.
func (s Sequence) Classify() (ev Event, shakes int) {
	c := s.counts()
	switch {
	case c.off > 0 && c.notOff == 0:
		return EventOff, 0
	case c.white > 0 && c.white == c.notOff:
		return EventBagFull, 0
	case c.red > 0 && c.off > 0 && c.red == c.notOff:
		return EventBallsEmpty, 0
	case c.red > 0 && c.off == 0 && c.red == c.notOff:
		return EventBoxFull, 0
	case c.green > 0 && c.green == c.notOff:
		return EventPokemonInRange, 0
	case c.yellow > 0 && c.yellow == c.notOff:
		return EventNewPokemonInRange, 0
	case c.blue > 0 && c.blue == c.notOff:
		return EventPokestopInRange, 0
	case c.shakes > 0:
		switch {
		case c.blue > 0 && c.green > 0:
			return EventCaught, c.shakes
		case c.red > 0:
			return EventFled, c.shakes
		default:
			return EventShakesUnknown, c.shakes
		}
	case c.red > 0 && c.green > 0 && c.blue > 0 && c.off == 0:
		return EventGotItems, 0
	default:
		return EventUnknown, 0
	}
}

// PatternConfig configures a PatternLogger.
type PatternConfig struct {
	// Indicator, when set, flashes warnings and, with ShowInteractions,
	// catch and spin outcomes.
	Indicator *Indicator

	ShowInteractions bool

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// PatternLogger decodes LED writes from the app and logs the event they
// signal.
type PatternLogger struct {
	ind              *Indicator
	showInteractions bool
	log              logging.LeveledLogger
}

// NewPatternLogger creates a PatternLogger.
func NewPatternLogger(config PatternConfig) *PatternLogger {
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &PatternLogger{
		ind:              config.Indicator,
		showInteractions: config.ShowInteractions,
		log:              config.LoggerFactory.NewLogger("ledhandler"),
	}
}

// HandleLED decodes and logs one LED write.
func (h *PatternLogger) HandleLED(id session.ConnID, payload []byte) {
	seq, err := ParseSequence(payload)
	if err != nil {
		h.log.Warnf("conn %d: %v", id, err)
		return
	}
	h.log.Debugf("LED: pattern count=%d, priority=%d", len(seq.Patterns), seq.Priority)
	for _, p := range seq.Patterns {
		h.log.Tracef("*(%3d) %s vib=%t interp=%t", p.Duration, p.Color, p.Vibrate, p.Interpolate)
	}

	ev, shakes := seq.Classify()
	switch ev {
	case EventOff:
		h.log.Debugf("conn %d: turn LEDs off", id)
	case EventBagFull, EventBoxFull, EventBallsEmpty:
		h.log.Warnf("conn %d: %s (%v)", id, ev, seq.Duration())
		h.flash(Red, true)
	case EventCaught:
		h.log.Infof("conn %d: %s after %d ball shakes", id, ev, shakes)
		h.flash(Green, false)
	case EventFled:
		h.log.Infof("conn %d: %s after %d ball shakes", id, ev, shakes)
		h.flash(Pink, false)
	case EventShakesUnknown:
		h.log.Errorf("conn %d: %s (%d)", id, ev, shakes)
	case EventGotItems:
		h.log.Infof("conn %d: %s", id, ev)
		h.flash(Blue, false)
	case EventUnknown:
		h.log.Errorf("conn %d: %s", id, ev)
	default:
		h.log.Infof("conn %d: %s (%v)", id, ev, seq.Duration())
	}
}

func (h *PatternLogger) flash(c Color, always bool) {
	if h.ind == nil || (!always && !h.showInteractions) {
		return
	}
	h.ind.Flash(c)
}
