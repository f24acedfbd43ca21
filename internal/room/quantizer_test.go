package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/go-jamroom/internal/clock"
	"github.com/npezzotti/go-jamroom/internal/testutil"
)

// fakeClock is a manually advanced time source shared by the room tests.
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

// capturedTimer records one armed timer so tests fire callbacks
// deterministically instead of sleeping.
type capturedTimer struct {
	delay     time.Duration
	fire      func()
	cancelled bool
}

type timerRecorder struct {
	timers []*capturedTimer
}

func (tr *timerRecorder) arm(d time.Duration, fire func()) func() {
	ct := &capturedTimer{delay: d, fire: fire}
	tr.timers = append(tr.timers, ct)
	return func() { ct.cancelled = true }
}

// firePending fires every armed, uncancelled timer once.
func (tr *timerRecorder) firePending() {
	for _, ct := range tr.timers {
		if !ct.cancelled && ct.fire != nil {
			fire := ct.fire
			ct.fire = nil
			fire()
		}
	}
}

type flushRecorder struct {
	calls    int
	noteOns  []NoteEvent
	noteOffs []NoteEvent
}

func (f *flushRecorder) flush(noteOns, noteOffs []NoteEvent) {
	f.calls++
	f.noteOns = append(f.noteOns, noteOns...)
	f.noteOffs = append(f.noteOffs, noteOffs...)
}

// newTestQuantizer runs at 60 BPM so one beat is exactly 1000ms.
func newTestQuantizer(t *testing.T) (*Quantizer, *fakeClock, *timerRecorder, *flushRecorder) {
	t.Helper()
	fc := newFakeClock()
	met := clock.NewMetronomeWithClock(60, fc.now)
	rec := &timerRecorder{}
	sink := &flushRecorder{}
	q := NewQuantizer(met, testutil.TestLogger(t), sink.flush, rec.arm)
	return q, fc, rec, sink
}

func quantizedUser(division, boundary float64, pingMS int) *User {
	return &User{
		UserID: "u1",
		PingMS: pingMS,
		Quantize: QuantizeSpec{
			BeatDivision:     division,
			QuantizeBoundary: boundary,
		},
	}
}

func Test_OnLiveNoteOn_unquantizedFlushesImmediately(t *testing.T) {
	q, _, rec, sink := newTestQuantizer(t)
	u := quantizedUser(0, 0, 0)

	q.OnLiveNoteOn(u, "piano1", 60, 100)

	assert.Equal(t, 1, sink.calls, "unquantized note-on must flush immediately")
	require.Len(t, sink.noteOns, 1)
	assert.Equal(t, 60, sink.noteOns[0].Note)
	assert.Equal(t, 100, sink.noteOns[0].Velocity)
	assert.Empty(t, rec.timers, "no timer should be armed for an unquantized note")
	assert.Zero(t, q.PendingFrames())

	q.OnLiveNoteOff(u, "piano1", 60)
	require.Len(t, sink.noteOffs, 1)
	assert.Equal(t, 60, sink.noteOffs[0].Note)
}

func Test_OnLiveNoteOn_snapsForwardToNextDivision(t *testing.T) {
	q, fc, rec, sink := newTestQuantizer(t)
	u := quantizedUser(1, 0, 0)

	fc.advanceMS(2100) // beat 2.1
	q.OnLiveNoteOn(u, "piano1", 64, 90)

	assert.Zero(t, sink.calls, "quantized note-on must not flush before its frame")
	require.Len(t, rec.timers, 1)
	assert.InDelta(t, 900, float64(rec.timers[0].delay)/float64(time.Millisecond), 1,
		"beat 2.1 snaps to beat 3.0, 900ms away at 60 BPM")

	rec.firePending()
	assert.Equal(t, 1, sink.calls)
	require.Len(t, sink.noteOns, 1)
	assert.Equal(t, 64, sink.noteOns[0].Note)
	assert.Zero(t, q.PendingFrames())
}

func Test_OnLiveNoteOn_boundarySnapsBackward(t *testing.T) {
	q, fc, rec, sink := newTestQuantizer(t)
	u := quantizedUser(1, 0.5, 0)

	// beat 2.1 is within half a subdivision of beat 2.0, so it snaps back
	// and plays immediately
	fc.advanceMS(2100)
	q.OnLiveNoteOn(u, "piano1", 64, 90)

	require.Len(t, rec.timers, 1)
	assert.Equal(t, time.Duration(0), rec.timers[0].delay,
		"a backward-snapped note's frame is already past")

	rec.firePending()
	assert.Equal(t, 1, sink.calls)
	require.Len(t, sink.noteOns, 1)
}

func Test_OnLiveNoteOff_preservesPlayedDuration(t *testing.T) {
	q, fc, rec, sink := newTestQuantizer(t)
	u := quantizedUser(1, 0.5, 0)

	// note-on at beat 2.1 snaps back to 2.0
	fc.advanceMS(2100)
	q.OnLiveNoteOn(u, "piano1", 64, 90)
	rec.firePending()
	require.Len(t, sink.noteOns, 1, "note-on should have flushed")

	// note-off at beat 3.4: played length 1.3 beats, so the off lands at
	// beat 2.0 + 1.3 = 3.3, not at the next division boundary
	fc.advanceMS(1300)
	q.OnLiveNoteOff(u, "piano1", 64)

	offFrame := clock.BeatToFrame(3.3, 60)
	_, ok := q.frames[offFrame]
	assert.True(t, ok, "note-off must be scheduled at the duration-preserving frame")
	_, atCeil := q.frames[clock.BeatToFrame(4.0, 60)]
	assert.False(t, atCeil, "note-off must not snap to the next boundary")

	rec.firePending()
	require.Len(t, sink.noteOffs, 1)
	assert.Equal(t, 64, sink.noteOffs[0].Note)
}

func Test_OnLiveNoteOff_neverLandsBeforeItsNoteOn(t *testing.T) {
	q, fc, rec, sink := newTestQuantizer(t)
	u := quantizedUser(1, 0, 0)

	// note-on at beat 2.6 snaps forward to 3.0
	fc.advanceMS(2600)
	q.OnLiveNoteOn(u, "piano1", 64, 90)
	onFrame := clock.BeatToFrame(3.0, 60)
	_, ok := q.frames[onFrame]
	require.True(t, ok)

	// latency estimate jumps between on and off, making the computed
	// length negative; the off clamps to the on's frame
	u.PingMS = 2000
	fc.advanceMS(100)
	q.OnLiveNoteOff(u, "piano1", 64)

	rec.firePending()
	require.Len(t, sink.noteOns, 1)
	require.Len(t, sink.noteOffs, 1)
	assert.Equal(t, 1, sink.calls, "on and off share the frame and flush as one batch")
}

func Test_OnLiveNoteOn_duplicateSupersedesQueuedNote(t *testing.T) {
	q, fc, rec, sink := newTestQuantizer(t)
	u := quantizedUser(1, 0, 0)

	fc.advanceMS(500)
	q.OnLiveNoteOn(u, "piano1", 60, 80)
	fc.advanceMS(100)
	q.OnLiveNoteOn(u, "piano1", 60, 90)

	assert.Equal(t, 1, q.PendingFrames(), "replayed note leaves one pending frame")

	rec.firePending()
	require.Len(t, sink.noteOns, 1, "only the superseding note-on may flush")
	assert.Equal(t, 90, sink.noteOns[0].Velocity)
}

func Test_OnLiveNoteOff_unmatchedPassesThroughLive(t *testing.T) {
	q, _, rec, sink := newTestQuantizer(t)
	u := quantizedUser(1, 0, 0)

	q.OnLiveNoteOff(u, "piano1", 72)

	assert.Equal(t, 1, sink.calls, "an off with no tracked on is forwarded immediately")
	require.Len(t, sink.noteOffs, 1)
	assert.Equal(t, 72, sink.noteOffs[0].Note)
	assert.Empty(t, rec.timers)
}

func Test_liveTiming_halfPingCompensation(t *testing.T) {
	q, fc, rec, sink := newTestQuantizer(t)
	// 200ms round trip at 60 BPM backdates the note by 0.1 beats
	u := quantizedUser(1, 0, 200)

	fc.advanceMS(2050) // intended position 2.05 - 0.1 = 1.95
	q.OnLiveNoteOn(u, "piano1", 64, 90)

	_, ok := q.frames[clock.BeatToFrame(2.0, 60)]
	assert.True(t, ok, "compensated note lands on beat 2, not beat 3")

	rec.firePending()
	require.Len(t, sink.noteOns, 1)
}

func Test_ClearInstrument_cancelsPendingEvents(t *testing.T) {
	q, fc, rec, sink := newTestQuantizer(t)
	u := quantizedUser(1, 0, 0)

	fc.advanceMS(500)
	q.OnLiveNoteOn(u, "piano1", 60, 80)
	q.OnLiveNoteOn(u, "piano1", 62, 80)
	require.NotZero(t, q.PendingFrames())

	q.ClearInstrument("piano1")

	assert.Zero(t, q.PendingFrames())
	for _, ct := range rec.timers {
		assert.True(t, ct.cancelled, "emptied frame timers must be cancelled")
	}
	assert.Zero(t, sink.calls)

	// a later off for the cleared note passes through live
	q.OnLiveNoteOff(u, "piano1", 60)
	assert.Equal(t, 1, sink.calls)
	assert.Len(t, sink.noteOffs, 1)
}

func Test_ClearUser_leavesOtherUsersPending(t *testing.T) {
	q, fc, _, _ := newTestQuantizer(t)
	u1 := quantizedUser(1, 0, 0)
	u2 := quantizedUser(1, 0, 0)
	u2.UserID = "u2"

	fc.advanceMS(500)
	q.OnLiveNoteOn(u1, "piano1", 60, 80)
	fc.advanceMS(100)
	q.OnLiveNoteOn(u2, "bass1", 40, 80)

	q.ClearUser("u1")

	assert.Equal(t, 1, q.PendingFrames())
	assert.Nil(t, q.findTracked("u1", "piano1", 60))
	assert.NotNil(t, q.findTracked("u2", "bass1", 40))
}

func Test_quantizeBeat(t *testing.T) {
	tcases := []struct {
		name     string
		beat     float64
		spec     QuantizeSpec
		expected float64
	}{
		{"unquantized passthrough", 2.37, QuantizeSpec{}, 2.37},
		{"snap forward whole beat", 2.1, QuantizeSpec{BeatDivision: 1}, 3.0},
		{"snap forward half beat", 2.1, QuantizeSpec{BeatDivision: 2}, 2.5},
		{"boundary snaps back", 2.1, QuantizeSpec{BeatDivision: 1, QuantizeBoundary: 0.5}, 2.0},
		{"outside boundary snaps forward", 2.6, QuantizeSpec{BeatDivision: 1, QuantizeBoundary: 0.5}, 3.0},
		{"partial strength", 2.5, QuantizeSpec{BeatDivision: 1, QuantizeAmt: 0.5}, 2.75},
		{"exact boundary unchanged", 3.0, QuantizeSpec{BeatDivision: 1}, 3.0},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.expected, quantizeBeat(tc.beat, tc.spec), 1e-9)
		})
	}
}
