package playback

import "math"

// DriftDeadband is the largest video/audio discrepancy (seconds) that is
// left alone. Correcting smaller jitter causes visible stutter.
const DriftDeadband = 0.3

// VideoTarget maps clip time onto a looping video of the given length.
func VideoTarget(clipTime, videoDuration float64) float64 {
	if videoDuration <= 0 {
		return clipTime
	}
	t := math.Mod(clipTime, videoDuration)
	if t < 0 {
		t += videoDuration
	}
	return t
}

// Correction decides whether the background video must be moved toward the
// audio-derived clip time. Distances are measured around the loop.
func Correction(videoPos, clipTime, videoDuration float64) (seekTo float64, needed bool) {
	target := VideoTarget(clipTime, videoDuration)
	d := math.Abs(videoPos - target)
	if videoDuration > 0 && d > videoDuration/2 {
		d = videoDuration - d
	}
	if d <= DriftDeadband {
		return 0, false
	}
	return target, true
}
