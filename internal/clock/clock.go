// Package clock provides musical time conversions and the per-room metronome.
package clock

import "math"

// FrameDurationMS is the fixed time quantum used to collapse continuous
// musical time into integer frame keys. Scheduling lookups use exact-match
// integer frames instead of comparing floating-point beat positions, which
// would drift and cause duplicate or missed slots.
const FrameDurationMS = 12

const (
	MinBPM = 20
	MaxBPM = 220
)

func BeatsToMS(beats, bpm float64) float64 {
	return beats * 60000.0 / bpm
}

func MSToBeats(ms, bpm float64) float64 {
	return ms / 60000.0 * bpm
}

// BeatToFrame converts an absolute beat position to its integer frame key.
func BeatToFrame(beat, bpm float64) int64 {
	return int64(math.Round(BeatsToMS(beat, bpm) / FrameDurationMS))
}

// FrameToMS returns the absolute millisecond position of a frame key.
func FrameToMS(frame int64) float64 {
	return float64(frame) * FrameDurationMS
}

// CeilToDivision snaps beat up to the next multiple of 1/division beats.
// A division of 0 (unquantized) returns beat unchanged.
func CeilToDivision(beat, division float64) float64 {
	if division <= 0 {
		return beat
	}
	return math.Ceil(beat*division) / division
}

func ClampBPM(bpm float64) float64 {
	if bpm < MinBPM {
		return MinBPM
	}
	if bpm > MaxBPM {
		return MaxBPM
	}
	return bpm
}
