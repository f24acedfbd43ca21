package clock

import (
	"math"
	"time"
)

// Metronome derives the room's absolute beat position from wall time and BPM.
// It is passive: the owning room loop arms the beat timer and drives it. All
// mutation happens on that loop, so no locking is required here.
type Metronome struct {
	now        func() time.Time
	rootTime   time.Time
	bpm        float64
	beatOffset float64
}

func NewMetronome(bpm float64) *Metronome {
	return NewMetronomeWithClock(bpm, time.Now)
}

// NewMetronomeWithClock builds a metronome on a caller-supplied time
// source, for deterministic scheduling in tests and simulations.
func NewMetronomeWithClock(bpm float64, now func() time.Time) *Metronome {
	m := &Metronome{
		now: now,
		bpm: ClampBPM(bpm),
	}
	m.rootTime = m.now()
	return m
}

func (m *Metronome) BPM() float64 {
	return m.bpm
}

// AbsoluteBeat returns the continuous beat position: elapsed time since the
// root anchor converted at the current tempo, plus the additive beat offset.
func (m *Metronome) AbsoluteBeat() float64 {
	elapsedMS := float64(m.now().Sub(m.rootTime)) / float64(time.Millisecond)
	return MSToBeats(elapsedMS, m.bpm) + m.beatOffset
}

// SetBPM changes the tempo while preserving the current fractional beat
// position: the root anchor is recomputed so AbsoluteBeat is continuous
// across the change.
func (m *Metronome) SetBPM(bpm float64) {
	bpm = ClampBPM(bpm)
	elapsedMS := float64(m.now().Sub(m.rootTime)) / float64(time.Millisecond)
	currentBeat := MSToBeats(elapsedMS, m.bpm)
	m.rootTime = m.now().Add(-msToDuration(BeatsToMS(currentBeat, bpm)))
	m.bpm = bpm
}

// AdjustPhase shifts the root anchor by deltaMS. Positive values move the
// beat grid later in wall time.
func (m *Metronome) AdjustPhase(deltaMS float64) {
	m.rootTime = m.rootTime.Add(msToDuration(deltaMS))
}

// OffsetBeats nudges the advertised beat number without touching the timer
// schedule. Used so downbeat placement can be adjusted without a phase jump.
func (m *Metronome) OffsetBeats(delta float64) {
	m.beatOffset += delta
}

// ResetBeatPhase re-anchors the clock so beat zero starts now.
func (m *Metronome) ResetBeatPhase() {
	m.rootTime = m.now()
	m.beatOffset = 0
}

// CurrentBeat returns the integer beat containing the current position.
func (m *Metronome) CurrentBeat() int64 {
	return int64(math.Floor(m.AbsoluteBeat()))
}

// NextBeatAfter returns the first integer beat strictly after prev that has
// not yet elapsed, and the delay until it is due. Recomputing from the root
// anchor on every firing means tempo or phase edits bend subsequent firings
// immediately, with no accumulated interval drift. The strictly-after
// constraint keeps timer jitter from firing the same beat twice.
func (m *Metronome) NextBeatAfter(prev int64) (int64, time.Duration) {
	next := m.CurrentBeat() + 1
	if next <= prev {
		next = prev + 1
	}
	ms := BeatsToMS(float64(next)-m.AbsoluteBeat(), m.bpm)
	if ms < 0 {
		ms = 0
	}
	return next, msToDuration(ms)
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
