package room

import (
	"log"
	"math"
	"time"

	"github.com/npezzotti/go-jamroom/internal/clock"
)

// NoteEvent is one note-on or note-off attributed to a user and instrument.
type NoteEvent struct {
	UserID       string `json:"user_id"`
	InstrumentID string `json:"instrument_id"`
	Note         int    `json:"note"`
	Velocity     int    `json:"velocity,omitempty"`
}

// FlushFunc receives every note due at a frame as one atomic batch.
type FlushFunc func(noteOns, noteOffs []NoteEvent)

// ArmTimerFunc arms a one-shot timer and returns its cancel func. The
// production implementation posts fire back into the room loop; tests
// capture the callback and fire it deterministically.
type ArmTimerFunc func(d time.Duration, fire func()) (cancel func())

type trackedNote struct {
	NoteEvent
	unquantizedBeat float64
	quantizedBeat   float64
	frame           int64
	flushed         bool
}

type frameQueue struct {
	noteOns  []*trackedNote
	noteOffs []NoteEvent
	cancel   func()
}

// Quantizer snaps live note events onto beat-subdivision boundaries, or
// passes them through immediately for unquantized users. Queued note-ons are
// tracked until their matching note-off is scheduled so the played duration
// is preserved across quantization.
type Quantizer struct {
	met     *clock.Metronome
	log     *log.Logger
	flush   FlushFunc
	arm     ArmTimerFunc
	frames  map[int64]*frameQueue
	tracked []*trackedNote
}

func NewQuantizer(met *clock.Metronome, logger *log.Logger, flush FlushFunc, arm ArmTimerFunc) *Quantizer {
	return &Quantizer{
		met:    met,
		log:    logger,
		flush:  flush,
		arm:    arm,
		frames: make(map[int64]*frameQueue),
	}
}

// liveTiming computes when the user intended the note. Half the measured
// round trip is an estimate of the one-way latency, not a guarantee; it is
// kept as documented behavior.
func (q *Quantizer) liveTiming(pingMS float64, spec QuantizeSpec) (unquantized, quantized float64, frame int64) {
	bpm := q.met.BPM()
	unquantized = q.met.AbsoluteBeat() - clock.MSToBeats(pingMS/2, bpm)
	quantized = quantizeBeat(unquantized, spec)
	frame = clock.BeatToFrame(quantized, bpm)
	return
}

// quantizeBeat snaps a beat position per the user's spec. Positions within
// QuantizeBoundary of the previous subdivision snap backward (the note then
// plays immediately, since its frame is already past); everything else
// snaps forward. QuantizeAmt blends between the played and snapped
// positions, with unset meaning full strength.
func quantizeBeat(beat float64, spec QuantizeSpec) float64 {
	if spec.BeatDivision <= 0 {
		return beat
	}

	snapped := clock.CeilToDivision(beat, spec.BeatDivision)
	if spec.QuantizeBoundary > 0 {
		lower := math.Floor(beat*spec.BeatDivision) / spec.BeatDivision
		if (beat-lower)*spec.BeatDivision <= spec.QuantizeBoundary {
			snapped = lower
		}
	}

	amt := spec.QuantizeAmt
	if amt <= 0 || amt > 1 {
		amt = 1
	}
	return beat + (snapped-beat)*amt
}

func (q *Quantizer) OnLiveNoteOn(u *User, instrumentID string, note, velocity int) {
	ev := NoteEvent{UserID: u.UserID, InstrumentID: instrumentID, Note: note, Velocity: velocity}
	if u.Quantize.BeatDivision <= 0 {
		q.flush([]NoteEvent{ev}, nil)
		return
	}

	// a repeated or replayed note-on supersedes any queued one for the same
	// triple; without this the earlier on can never be matched and sticks
	q.ClearNoteOn(u.UserID, instrumentID, note)

	unq, quant, frame := q.liveTiming(float64(u.PingMS), u.Quantize)
	tn := &trackedNote{
		NoteEvent:       ev,
		unquantizedBeat: unq,
		quantizedBeat:   quant,
		frame:           frame,
	}
	q.tracked = append(q.tracked, tn)
	q.scheduleEvent(frame, tn, nil)
}

func (q *Quantizer) OnLiveNoteOff(u *User, instrumentID string, note int) {
	ev := NoteEvent{UserID: u.UserID, InstrumentID: instrumentID, Note: note}

	tn := q.findTracked(u.UserID, instrumentID, note)
	if tn == nil || u.Quantize.BeatDivision <= 0 {
		// unmatched note-offs pass through live rather than being dropped
		q.flush(nil, []NoteEvent{ev})
		return
	}

	bpm := q.met.BPM()
	nowUnquantized := q.met.AbsoluteBeat() - clock.MSToBeats(float64(u.PingMS)/2, bpm)
	length := nowUnquantized - tn.unquantizedBeat
	if length < 0 {
		length = 0
	}

	// the off lands at the on's quantized beat plus the played length, so
	// quantization never shortens or stretches the note itself
	offBeat := tn.quantizedBeat + length
	frame := clock.BeatToFrame(offBeat, bpm)
	if frame < tn.frame {
		frame = tn.frame
	}
	q.removeTracked(tn)
	q.scheduleEvent(frame, nil, &ev)
}

func (q *Quantizer) scheduleEvent(frame int64, on *trackedNote, off *NoteEvent) {
	fq, ok := q.frames[frame]
	if !ok {
		fq = &frameQueue{}
		q.frames[frame] = fq

		delayMS := clock.FrameToMS(frame) - clock.BeatsToMS(q.met.AbsoluteBeat(), q.met.BPM())
		if delayMS < 0 {
			delayMS = 0
		}
		fq.cancel = q.arm(time.Duration(delayMS*float64(time.Millisecond)), func() {
			q.FireFrame(frame)
		})
	}

	if on != nil {
		fq.noteOns = append(fq.noteOns, on)
	}
	if off != nil {
		fq.noteOffs = append(fq.noteOffs, *off)
	}
}

// FireFrame flushes everything queued for the frame as one batch.
func (q *Quantizer) FireFrame(frame int64) {
	fq, ok := q.frames[frame]
	if !ok {
		return
	}
	delete(q.frames, frame)

	noteOns := make([]NoteEvent, 0, len(fq.noteOns))
	for _, tn := range fq.noteOns {
		tn.flushed = true
		noteOns = append(noteOns, tn.NoteEvent)
	}
	if len(noteOns) == 0 && len(fq.noteOffs) == 0 {
		return
	}
	q.flush(noteOns, fq.noteOffs)
}

// PendingFrames reports how many frame timers are armed.
func (q *Quantizer) PendingFrames() int {
	return len(q.frames)
}

func (q *Quantizer) findTracked(userID, instrumentID string, note int) *trackedNote {
	for i := len(q.tracked) - 1; i >= 0; i-- {
		tn := q.tracked[i]
		if tn.UserID == userID && tn.InstrumentID == instrumentID && tn.Note == note {
			return tn
		}
	}
	return nil
}

func (q *Quantizer) removeTracked(target *trackedNote) {
	for i, tn := range q.tracked {
		if tn == target {
			q.tracked = append(q.tracked[:i], q.tracked[i+1:]...)
			return
		}
	}
}

// ClearNoteOn purges queued and tracked note-ons for one (user, instrument,
// note) triple.
func (q *Quantizer) ClearNoteOn(userID, instrumentID string, note int) {
	q.clearMatching(func(ev NoteEvent) bool {
		return ev.UserID == userID && ev.InstrumentID == instrumentID && ev.Note == note
	}, false)
}

// ClearInstrument purges every pending event referencing the instrument.
// Required on release so no stale timer fires into a re-owned instrument.
func (q *Quantizer) ClearInstrument(instrumentID string) {
	q.clearMatching(func(ev NoteEvent) bool {
		return ev.InstrumentID == instrumentID
	}, true)
}

// ClearUser purges every pending event referencing the user. Required on
// disconnect so no stale timer fires for a user who no longer exists.
func (q *Quantizer) ClearUser(userID string) {
	q.clearMatching(func(ev NoteEvent) bool {
		return ev.UserID == userID
	}, true)
}

func (q *Quantizer) clearMatching(match func(NoteEvent) bool, clearOffs bool) {
	kept := q.tracked[:0]
	for _, tn := range q.tracked {
		if !match(tn.NoteEvent) {
			kept = append(kept, tn)
		}
	}
	q.tracked = kept

	for frame, fq := range q.frames {
		ons := fq.noteOns[:0]
		for _, tn := range fq.noteOns {
			if !match(tn.NoteEvent) {
				ons = append(ons, tn)
			}
		}
		fq.noteOns = ons

		if clearOffs {
			offs := fq.noteOffs[:0]
			for _, ev := range fq.noteOffs {
				if !match(ev) {
					offs = append(offs, ev)
				}
			}
			fq.noteOffs = offs
		}

		if len(fq.noteOns) == 0 && len(fq.noteOffs) == 0 {
			if fq.cancel != nil {
				fq.cancel()
			}
			delete(q.frames, frame)
		}
	}
}
