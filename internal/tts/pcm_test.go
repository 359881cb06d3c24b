// SPDX-License-Identifier: MIT

package tts

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tonePCM returns samples of a constant amplitude as little-endian PCM.
func tonePCM(samples int, level int16) []byte {
	out := make([]byte, samples*bytesPerSample)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(level))
	}
	return out
}

func TestDurationSeconds(t *testing.T) {
	assert.InDelta(t, 1.0, DurationSeconds(tonePCM(SampleRate, 100)), 1e-9)
	assert.InDelta(t, 0.0, DurationSeconds(nil), 1e-9)
}

func TestSplitPCMDurationProportional(t *testing.T) {
	pcm := tonePCM(9000, 1000)
	segments, usedPause := SplitPCM(pcm, []int{1, 2}, SplitModeDuration)
	assert.False(t, usedPause)
	require.Len(t, segments, 2)
	assert.Equal(t, 3000*bytesPerSample, len(segments[0]))
	assert.Equal(t, 6000*bytesPerSample, len(segments[1]))
	assert.Equal(t, pcm, ConcatPCM(segments))
}

func TestSplitPCMBoundariesStayMonotone(t *testing.T) {
	pcm := tonePCM(10, 1000)
	segments, _ := SplitPCM(pcm, []int{0, 0, 0, 1}, SplitModeDuration)
	require.Len(t, segments, 4)
	total := 0
	for _, segment := range segments {
		assert.NotEmpty(t, segment)
		total += len(segment)
	}
	assert.Equal(t, len(pcm), total)
}

func TestSplitPCMPauseSnapsToQuietRun(t *testing.T) {
	// loud, 1000 samples of silence, loud again: the cut should land in the
	// silent gap even though the weights point elsewhere
	pcm := ConcatPCM([][]byte{
		tonePCM(4000, 5000),
		tonePCM(1000, 0),
		tonePCM(4000, 5000),
	})
	segments, usedPause := SplitPCM(pcm, []int{1, 2}, SplitModePause)
	require.Len(t, segments, 2)
	assert.True(t, usedPause)
	cut := len(segments[0]) / bytesPerSample
	assert.Greater(t, cut, 4000)
	assert.Less(t, cut, 5000)
	assert.Equal(t, pcm, ConcatPCM(segments))
}

func TestSplitPCMPauseFallsBackWithoutQuietRuns(t *testing.T) {
	pcm := tonePCM(9000, 5000)
	segments, usedPause := SplitPCM(pcm, []int{1, 2}, SplitModePause)
	require.Len(t, segments, 2)
	assert.False(t, usedPause)
	assert.Equal(t, 3000*bytesPerSample, len(segments[0]))
}

func TestSplitPCMSilenceMode(t *testing.T) {
	pcm := tonePCM(1000, 1234)
	segments, _ := SplitPCM(pcm, []int{1, 1, 1}, SplitModeSilence)
	require.Len(t, segments, 3)
	assert.Equal(t, pcm, segments[0])
	assert.Equal(t, 240*bytesPerSample, len(segments[1]))
	assert.Equal(t, 240*bytesPerSample, len(segments[2]))
	assert.Equal(t, silenceBlock(240), segments[1])
}

func TestSplitPCMEmptyPayload(t *testing.T) {
	segments, _ := SplitPCM(nil, []int{1, 1}, SplitModePause)
	require.Len(t, segments, 2)
	for _, segment := range segments {
		assert.Equal(t, 240*bytesPerSample, len(segment))
	}
}

func TestSplitPCMSingleWeight(t *testing.T) {
	pcm := tonePCM(100, 7)
	segments, _ := SplitPCM(pcm, []int{5}, SplitModePause)
	require.Len(t, segments, 1)
	assert.Equal(t, pcm, segments[0])
}

func TestSilenceMs(t *testing.T) {
	assert.Equal(t, 720*bytesPerSample, len(SilenceMs(30)))
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := tonePCM(24000, 42)
	wav := EncodeWAV(pcm, SampleRate)
	require.Equal(t, 44+len(pcm), len(wav))
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(SampleRate), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(wav[34:36]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(wav[40:44]))
	assert.Equal(t, pcm, wav[44:])
}
