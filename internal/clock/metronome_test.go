package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock provides a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) advanceMS(ms float64) {
	f.t = f.t.Add(time.Duration(ms * float64(time.Millisecond)))
}

func newTestMetronome(bpm float64) (*Metronome, *fakeClock) {
	fc := newFakeClock()
	return NewMetronomeWithClock(bpm, fc.now), fc
}

func TestAbsoluteBeat(t *testing.T) {
	m, fc := newTestMetronome(120)
	assert.InDelta(t, 0.0, m.AbsoluteBeat(), 1e-9)

	fc.advanceMS(500)
	assert.InDelta(t, 1.0, m.AbsoluteBeat(), 1e-9, "500ms at 120 BPM is one beat")

	fc.advanceMS(250)
	assert.InDelta(t, 1.5, m.AbsoluteBeat(), 1e-9)
}

func TestSetBPMPreservesBeatPosition(t *testing.T) {
	m, fc := newTestMetronome(120)

	// advance to fractional beat 3.7
	fc.advanceMS(BeatsToMS(3.7, 120))
	assert.InDelta(t, 3.7, m.AbsoluteBeat(), 1e-9)

	m.SetBPM(90)
	assert.InDelta(t, 3.7, m.AbsoluteBeat(), 1e-6,
		"beat position must be continuous across a tempo change")

	// subsequent timing reflects the new tempo
	fc.advanceMS(BeatsToMS(1, 90))
	assert.InDelta(t, 4.7, m.AbsoluteBeat(), 1e-6)
}

func TestSetBPMClamps(t *testing.T) {
	m, _ := newTestMetronome(120)
	m.SetBPM(1)
	assert.Equal(t, float64(MinBPM), m.BPM())
	m.SetBPM(100000)
	assert.Equal(t, float64(MaxBPM), m.BPM())
}

func TestAdjustPhase(t *testing.T) {
	m, fc := newTestMetronome(120)
	fc.advanceMS(500)
	assert.InDelta(t, 1.0, m.AbsoluteBeat(), 1e-9)

	// moving the grid 250ms later reads half a beat earlier
	m.AdjustPhase(250)
	assert.InDelta(t, 0.5, m.AbsoluteBeat(), 1e-9)
}

func TestOffsetBeats(t *testing.T) {
	m, fc := newTestMetronome(120)
	fc.advanceMS(500)

	m.OffsetBeats(4)
	assert.InDelta(t, 5.0, m.AbsoluteBeat(), 1e-9)

	m.OffsetBeats(-1)
	assert.InDelta(t, 4.0, m.AbsoluteBeat(), 1e-9)

	// offset survives a tempo change
	m.SetBPM(60)
	assert.InDelta(t, 4.0, m.AbsoluteBeat(), 1e-6)
}

func TestResetBeatPhase(t *testing.T) {
	m, fc := newTestMetronome(120)
	fc.advanceMS(1234)
	m.OffsetBeats(2)

	m.ResetBeatPhase()
	assert.InDelta(t, 0.0, m.AbsoluteBeat(), 1e-9, "beat zero starts immediately")
}

func TestNextBeatAfter(t *testing.T) {
	m, fc := newTestMetronome(120)

	next, delay := m.NextBeatAfter(-1)
	assert.Equal(t, int64(1), next)
	assert.InDelta(t, 500, float64(delay)/float64(time.Millisecond), 1)

	// mid-beat
	fc.advanceMS(750)
	next, delay = m.NextBeatAfter(1)
	assert.Equal(t, int64(2), next)
	assert.InDelta(t, 250, float64(delay)/float64(time.Millisecond), 1)

	// firing marginally early must not schedule the same beat again
	fc.advanceMS(BeatsToMS(1.999, 120) - 750)
	next, _ = m.NextBeatAfter(2)
	assert.Equal(t, int64(3), next, "already-fired beat must not fire twice")
}

func TestNextBeatAfterTempoChangeBendsSchedule(t *testing.T) {
	m, fc := newTestMetronome(120)
	fc.advanceMS(250)

	m.SetBPM(60)
	next, delay := m.NextBeatAfter(0)
	assert.Equal(t, int64(1), next)
	// at 60 BPM, the remaining half beat takes 500ms
	assert.InDelta(t, 500, float64(delay)/float64(time.Millisecond), 1)
}
