// SPDX-License-Identifier: MIT

// Package tts orchestrates speech synthesis over the key allocator: it plans
// call windows, drives the per-call retry loop, and assembles PCM output.
package tts

import (
	"encoding/binary"
	"sort"
)

// SampleRate is the provider's output rate for raw PCM payloads.
const SampleRate = 24000

const bytesPerSample = 2

// Split modes for carving one synthesis payload back into per-line segments.
const (
	SplitModePause    = "pause"
	SplitModeDuration = "duration"
	SplitModeSilence  = "silence"
)

// silenceBlock returns n zeroed samples as little-endian PCM.
func silenceBlock(samples int) []byte {
	if samples < 0 {
		samples = 0
	}
	return make([]byte, samples*bytesPerSample)
}

// SilenceMs returns ms of silence as PCM at the module sample rate.
func SilenceMs(ms int) []byte {
	return silenceBlock(SampleRate * ms / 1000)
}

// DurationSeconds returns the playback length of a raw PCM payload.
func DurationSeconds(pcm []byte) float64 {
	return float64(len(pcm)/bytesPerSample) / float64(SampleRate)
}

func sampleAt(pcm []byte, index int) int {
	offset := index * bytesPerSample
	return int(int16(binary.LittleEndian.Uint16(pcm[offset : offset+2])))
}

func absSampleAt(pcm []byte, index int) int {
	value := sampleAt(pcm, index)
	if value < 0 {
		return -value
	}
	return value
}

// durationBoundaries places len(weights)-1 cut points proportional to the
// cumulative weights, clamped so each segment keeps at least one sample.
func durationBoundaries(sampleCount int, weights []int) []int {
	total := 0
	for _, w := range weights {
		if w < 1 {
			w = 1
		}
		total += w
	}
	boundaries := make([]int, 0, len(weights)-1)
	acc := 0
	prev := 0
	for _, w := range weights[:len(weights)-1] {
		if w < 1 {
			w = 1
		}
		acc += w
		cut := sampleCount * acc / total
		if cut <= prev {
			cut = prev + 1
		}
		if cut > sampleCount {
			cut = sampleCount
		}
		boundaries = append(boundaries, cut)
		prev = cut
	}
	return boundaries
}

// quietRunCenters scans the payload for sustained low-amplitude runs and
// returns their center sample indexes. The amplitude threshold adapts to the
// payload's own noise floor.
func quietRunCenters(pcm []byte) []int {
	count := len(pcm) / bytesPerSample
	if count == 0 {
		return nil
	}
	stride := count / 4000
	if stride < 1 {
		stride = 1
	}
	probes := make([]int, 0, count/stride+1)
	sum := 0
	for i := 0; i < count; i += stride {
		amp := absSampleAt(pcm, i)
		probes = append(probes, amp)
		sum += amp
	}
	sorted := make([]int, len(probes))
	copy(sorted, probes)
	sort.Ints(sorted)
	quiet := sorted[len(sorted)/5]
	avg := sum / len(probes)

	threshold := quiet * 2
	if q := avg / 4; q > threshold {
		threshold = q
	}
	if threshold > 3000 {
		threshold = 3000
	}
	if threshold < 120 {
		threshold = 120
	}

	minRun := count / 200
	if minRun > 2400 {
		minRun = 2400
	}
	if minRun < 240 {
		minRun = 240
	}

	var centers []int
	runStart := -1
	for i, amp := range probes {
		position := i * stride
		if amp <= threshold {
			if runStart < 0 {
				runStart = position
			}
			continue
		}
		if runStart >= 0 {
			if position-runStart >= minRun {
				centers = append(centers, runStart+(position-runStart)/2)
			}
			runStart = -1
		}
	}
	if runStart >= 0 && count-runStart >= minRun {
		centers = append(centers, runStart+(count-runStart)/2)
	}
	return centers
}

// refineBoundariesByPause snaps each duration boundary to the nearest quiet
// run center within tolerance. All targets must snap or the refinement is
// rejected wholesale.
func refineBoundariesByPause(pcm []byte, targets []int) ([]int, bool) {
	count := len(pcm) / bytesPerSample
	if count == 0 || len(targets) == 0 {
		return nil, false
	}
	centers := quietRunCenters(pcm)
	if len(centers) == 0 {
		return nil, false
	}
	denom := len(targets) * 2
	if denom < 4 {
		denom = 4
	}
	tolerance := count / denom
	if tolerance < 200 {
		tolerance = 200
	}

	refined := make([]int, 0, len(targets))
	prev := 0
	for _, target := range targets {
		best := -1
		bestDistance := tolerance + 1
		for _, center := range centers {
			distance := center - target
			if distance < 0 {
				distance = -distance
			}
			if distance <= tolerance && distance < bestDistance && center > prev && center < count {
				best = center
				bestDistance = distance
			}
		}
		if best < 0 {
			return nil, false
		}
		refined = append(refined, best)
		prev = best
	}
	return refined, true
}

// SplitPCM carves one payload into len(weights) segments. Pause mode refines
// the proportional cuts toward detected pauses and falls back to plain
// duration cuts when refinement is rejected; the second return reports whether
// every boundary snapped to a pause. Silence mode keeps the whole payload in
// the first segment and fills the rest with 10 ms of silence.
func SplitPCM(pcm []byte, weights []int, mode string) ([][]byte, bool) {
	if len(weights) <= 1 {
		return [][]byte{pcm}, false
	}
	count := len(pcm) / bytesPerSample
	if count == 0 {
		segments := make([][]byte, len(weights))
		for i := range segments {
			segments[i] = silenceBlock(240)
		}
		return segments, false
	}
	if mode == SplitModeSilence {
		segments := make([][]byte, len(weights))
		segments[0] = pcm
		for i := 1; i < len(segments); i++ {
			segments[i] = silenceBlock(240)
		}
		return segments, false
	}

	boundaries := durationBoundaries(count, weights)
	usedPause := false
	if mode == SplitModePause {
		if refined, ok := refineBoundariesByPause(pcm, boundaries); ok {
			boundaries = refined
			usedPause = true
		}
	}

	segments := make([][]byte, 0, len(weights))
	prev := 0
	for _, cut := range boundaries {
		segments = append(segments, pcm[prev*bytesPerSample:cut*bytesPerSample])
		prev = cut
	}
	segments = append(segments, pcm[prev*bytesPerSample:])
	return segments, usedPause
}

// ConcatPCM joins segments in order.
func ConcatPCM(segments [][]byte) []byte {
	total := 0
	for _, segment := range segments {
		total += len(segment)
	}
	out := make([]byte, 0, total)
	for _, segment := range segments {
		out = append(out, segment...)
	}
	return out
}
