package indicator

import (
	"testing"
	"time"

	"github.com/chaz8081/pgpemu/internal/ble"
	"github.com/chaz8081/pgpemu/internal/lifecycle"
	"github.com/stretchr/testify/assert"
)

// Compile-time interface satisfaction checks.
var (
	_ lifecycle.StatusIndicator = (*Indicator)(nil)
	_ ble.LEDHandler            = (*PatternLogger)(nil)
	_ Output                    = (*LogOutput)(nil)
)

type shown struct {
	color Color
	d     time.Duration
}

// mockOutput records Show calls.
type mockOutput struct {
	calls []shown
}

func (m *mockOutput) Show(c Color, d time.Duration) {
	m.calls = append(m.calls, shown{c, d})
}

func (m *mockOutput) last() shown {
	if len(m.calls) == 0 {
		return shown{}
	}
	return m.calls[len(m.calls)-1]
}

func TestSetIdle(t *testing.T) {
	out := &mockOutput{}
	ind := New(Config{Output: out})

	ind.SetIdle(true)
	assert.Equal(t, shown{Blue, 0}, out.last())
	assert.Equal(t, Blue, ind.Current())

	ind.SetIdle(false)
	assert.Equal(t, shown{Off, 0}, out.last())
	assert.True(t, ind.Current().IsOff())
}

func TestReadyFlash(t *testing.T) {
	out := &mockOutput{}
	ind := New(Config{Output: out})

	ind.ReadyFlash()
	assert.Equal(t, []shown{{Green, ReadyFlashDuration}, {Blue, 0}}, out.calls)
	assert.Equal(t, Blue, ind.Current())
}

func TestFlashKeepsSteadyColor(t *testing.T) {
	out := &mockOutput{}
	ind := New(Config{Output: out})
	ind.SetIdle(true)

	ind.Flash(Red)
	assert.Equal(t, shown{Red, EventFlashDuration}, out.last())
	assert.Equal(t, Blue, ind.Current())

	ind.Fault()
	assert.Equal(t, Red, ind.Current())
}

func TestDefaultOutput(t *testing.T) {
	ind := New(Config{})
	// log-only output must not panic
	ind.ReadyFlash()
	ind.SetIdle(false)
	assert.True(t, ind.Current().IsOff())
}

func TestColorString(t *testing.T) {
	assert.Equal(t, "#000", Off.String())
	assert.Equal(t, "#f0f", Pink.String())
	assert.Equal(t, "#8a3", Color{R: 8, G: 0xa, B: 3}.String())
}
