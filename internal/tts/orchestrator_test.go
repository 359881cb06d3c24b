// SPDX-License-Identifier: MIT

package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/voiceflow/internal/allocator"
	"github.com/ManuGH/voiceflow/internal/upstream"
)

type fakeSpeech struct {
	mu    sync.Mutex
	calls []upstream.SpeechRequest
	fn    func(req upstream.SpeechRequest) ([]byte, error)
}

func (f *fakeSpeech) GeneratePCM(_ context.Context, req upstream.SpeechRequest) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeSpeech) callLog() []upstream.SpeechRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]upstream.SpeechRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

func testTTSAllocator(t *testing.T, nowMs func() int64) *allocator.Allocator {
	t.Helper()
	cfg, err := allocator.ParseConfig([]byte(`{
		"version": "test",
		"windowSeconds": 60,
		"defaultWaitTimeoutMs": 6000,
		"models": [
			{"id": "alpha", "rpm": 100, "tpm": 1000000, "enabledFor": ["tts", "text", "ocr"]},
			{"id": "beta", "rpm": 100, "tpm": 1000000, "enabledFor": ["tts", "text", "ocr"]}
		],
		"routes": {"tts": ["alpha", "beta"], "text": ["alpha"], "ocr": ["alpha"]}
	}`))
	require.NoError(t, err)
	return allocator.New(cfg, allocator.Options{NowMs: nowMs})
}

func sampleLevel(pcm []byte, index int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[index*2:]))
}

func studioLines(speakers int) []Line {
	lines := make([]Line, 0, speakers*2)
	for i := 0; i < speakers; i++ {
		lines = append(lines, Line{Speaker: fmt.Sprintf("Speaker%d", i), Text: fmt.Sprintf("line %d", i)})
	}
	for i := 0; i < speakers; i++ {
		lines = append(lines, Line{Speaker: fmt.Sprintf("Speaker%d", i), Text: "more"})
	}
	return lines
}

// lineLevelSpeech renders 100 samples per script line at a per-text level, so
// tests can check where each line landed in the assembled stream.
func lineLevelSpeech(levels map[string]int16) func(req upstream.SpeechRequest) ([]byte, error) {
	return func(req upstream.SpeechRequest) ([]byte, error) {
		var out [][]byte
		for _, line := range ParseDialogue(req.Text) {
			level, ok := levels[line.Text]
			if !ok {
				return nil, fmt.Errorf("unexpected line %q", line.Text)
			}
			out = append(out, tonePCM(100, level))
		}
		return ConcatPCM(out), nil
	}
}

func TestSynthesizePairGroupsLineOrderAndConcurrency(t *testing.T) {
	levels := map[string]int16{"one": 1000, "two": 1100, "three": 1200, "four": 1300}
	render := lineLevelSpeech(levels)
	var peak, inFlight atomic.Int32
	client := &fakeSpeech{fn: func(req upstream.SpeechRequest) ([]byte, error) {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		if len(req.Speakers) == 0 {
			return nil, fmt.Errorf("expected multi speaker request")
		}
		return render(req)
	}}
	o := New(testTTSAllocator(t, nil), client, Options{})

	result, err := o.Synthesize(context.Background(), Request{
		Lines: []Line{
			{Speaker: "Ana", Text: "one"},
			{Speaker: "Ben", Text: "two"},
			{Speaker: "Cleo", Text: "three"},
			{Speaker: "Ana", Text: "four"},
		},
		KeyPool:      []string{"key-a", "key-b", "key-c"},
		PairGrouping: true,
		Concurrency:  7,
	})
	require.NoError(t, err)

	assert.Equal(t, StrategyPairGroups, result.Diagnostics.Strategy)
	assert.Equal(t, 2, result.Diagnostics.Windows)
	assert.Equal(t, 2, result.Diagnostics.ConcurrencyUsed)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	// Ana and Cleo synthesize in different groups, yet the assembled stream
	// follows transcript line order, not group order
	require.Len(t, result.Segments, 4)
	require.Len(t, result.LineChunks, 4)
	require.Equal(t, 400*bytesPerSample, len(result.PCM))
	for i, want := range []int16{1000, 1100, 1200, 1300} {
		assert.Equal(t, want, sampleLevel(result.PCM, i*100), "line %d", i)
		assert.Equal(t, want, sampleLevel(result.PCM, i*100+99), "line %d tail", i)
	}
	for i, chunk := range result.LineChunks {
		assert.Equal(t, i, chunk.LineIndex)
		assert.False(t, chunk.SilenceFallback)
		assert.Equal(t, SplitModeDuration, chunk.SplitMode)
	}
	assert.Equal(t, SplitModeDuration, result.Diagnostics.SplitMode)
}

func TestSynthesizePairGroupsSilenceFallbackForUncoveredLines(t *testing.T) {
	client := &fakeSpeech{fn: lineLevelSpeech(map[string]int16{"one": 700, "two": 900})}
	o := New(testTTSAllocator(t, nil), client, Options{})

	result, err := o.Synthesize(context.Background(), Request{
		Lines: []Line{
			{Speaker: "Ana", Text: "one"},
			{Speaker: "", Text: "stage direction"},
			{Speaker: "Ben", Text: "two"},
		},
		KeyPool:      []string{"key-a"},
		PairGrouping: true,
	})
	require.NoError(t, err)

	require.Len(t, result.LineChunks, 3)
	assert.False(t, result.LineChunks[0].SilenceFallback)
	assert.True(t, result.LineChunks[1].SilenceFallback)
	assert.Equal(t, SplitModeSilence, result.LineChunks[1].SplitMode)
	assert.Equal(t, len(SilenceMs(10)), len(result.LineChunks[1].PCM))
	assert.False(t, result.LineChunks[2].SilenceFallback)
	assert.Equal(t, (100+240+100)*bytesPerSample, len(result.PCM))
}

func TestSynthesizePairGroupsRetryOnce(t *testing.T) {
	var failed atomic.Bool
	client := &fakeSpeech{fn: func(req upstream.SpeechRequest) ([]byte, error) {
		// a timeout ends the inner retry loop, so only the group-level
		// second run can recover this window
		if len(req.Speakers) > 0 && req.Speakers[0].Speaker == "Speaker2" && failed.CompareAndSwap(false, true) {
			return nil, fmt.Errorf("upstream deadline exceeded")
		}
		return tonePCM(10, 500), nil
	}}
	o := New(testTTSAllocator(t, nil), client, Options{})

	result, err := o.Synthesize(context.Background(), Request{
		Lines:        studioLines(8),
		KeyPool:      []string{"key-a", "key-b", "key-c"},
		PairGrouping: true,
		RetryOnce:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Diagnostics.Windows)
	assert.Equal(t, 40*bytesPerSample, len(result.PCM))
}

func TestSynthesizeSpeechModeDowngrade(t *testing.T) {
	client := &fakeSpeech{fn: func(req upstream.SpeechRequest) ([]byte, error) {
		if len(req.Speakers) > 0 {
			return nil, fmt.Errorf("multi speaker rendering failed internally")
		}
		return tonePCM(50, 700), nil
	}}
	o := New(testTTSAllocator(t, nil), client, Options{})

	result, err := o.Synthesize(context.Background(), Request{
		Text: "Ana: hello\nBen: hi",
		Speakers: []upstream.SpeakerVoice{
			{Speaker: "Ana", VoiceName: "aoede"},
			{Speaker: "Ben", VoiceName: "kore"},
		},
		KeyPool: []string{"key-a"},
	})
	require.NoError(t, err)

	calls := client.callLog()
	require.Len(t, calls, 2)
	assert.NotEmpty(t, calls[0].Speakers)
	assert.Empty(t, calls[1].Speakers)
	assert.Equal(t, "aoede", calls[1].Voice)

	require.Len(t, result.Diagnostics.Attempts, 1)
	assert.Equal(t, "multi_speaker", result.Diagnostics.Attempts[0].SpeechMode)
	assert.Equal(t, 1, result.Diagnostics.Attempts[0].Attempt)
}

func TestSynthesizeAllKeysAuthFailed(t *testing.T) {
	client := &fakeSpeech{fn: func(upstream.SpeechRequest) ([]byte, error) {
		return nil, fmt.Errorf("403 permission denied: API key not valid")
	}}
	o := New(testTTSAllocator(t, nil), client, Options{})
	o.Affinity().Bind("ana", "key-a")

	_, err := o.Synthesize(context.Background(), Request{
		Text:    "hello world",
		KeyPool: []string{"key-a", "key-b"},
	})
	require.Error(t, err)
	synthErr, ok := err.(*SynthError)
	require.True(t, ok)
	assert.Equal(t, upstream.CodeAllKeysAuthFailed, synthErr.Code)
	assert.Len(t, synthErr.Attempts, 2)
	assert.NotEmpty(t, synthErr.Summary)

	// the failed keys were evicted from the affinity table
	_, bound := o.Affinity().Lookup("ana")
	assert.False(t, bound)
}

func TestSynthesizeAllKeysRateLimited(t *testing.T) {
	clock := int64(1_000_000)
	var mu sync.Mutex
	nowMs := func() int64 {
		mu.Lock()
		defer mu.Unlock()
		clock += 400
		return clock
	}
	client := &fakeSpeech{fn: func(upstream.SpeechRequest) ([]byte, error) {
		return nil, fmt.Errorf("429 RESOURCE_EXHAUSTED: quota exceeded")
	}}
	o := New(testTTSAllocator(t, nowMs), client, Options{NowMs: nowMs})

	_, err := o.Synthesize(context.Background(), Request{
		Text:           "hello world",
		KeyPool:        []string{"key-a"},
		TotalTimeoutMs: 5000,
	})
	require.Error(t, err)
	synthErr, ok := err.(*SynthError)
	require.True(t, ok)
	assert.Equal(t, upstream.CodeAllKeysRateLimited, synthErr.Code)
	assert.GreaterOrEqual(t, len(synthErr.Attempts), 2)
}

func TestSynthesizeModelBlockAfterSingleModeFailure(t *testing.T) {
	client := &fakeSpeech{fn: func(req upstream.SpeechRequest) ([]byte, error) {
		if req.Model == "alpha" {
			return nil, fmt.Errorf("internal rendering error")
		}
		return tonePCM(20, 300), nil
	}}
	o := New(testTTSAllocator(t, nil), client, Options{})

	result, err := o.Synthesize(context.Background(), Request{
		Text:    "plain narration",
		KeyPool: []string{"key-a"},
	})
	require.NoError(t, err)

	calls := client.callLog()
	require.Len(t, calls, 2)
	assert.Equal(t, "alpha", calls[0].Model)
	assert.Equal(t, "beta", calls[1].Model)
	assert.Equal(t, StrategySingle, result.Diagnostics.Strategy)
}

func TestSynthesizeWordLimitPreflight(t *testing.T) {
	client := &fakeSpeech{fn: func(upstream.SpeechRequest) ([]byte, error) {
		t.Fatal("no upstream call expected")
		return nil, nil
	}}
	o := New(testTTSAllocator(t, nil), client, Options{MaxWordsPerRequest: 3})

	_, err := o.Synthesize(context.Background(), Request{
		Text:    "one two three four five",
		KeyPool: []string{"key-a"},
	})
	require.Error(t, err)
	synthErr, ok := err.(*SynthError)
	require.True(t, ok)
	assert.Equal(t, upstream.CodeWordLimitExceeded, synthErr.Code)
}

func TestSynthesizeWordWindowsOverLineMap(t *testing.T) {
	client := &fakeSpeech{fn: func(upstream.SpeechRequest) ([]byte, error) {
		return tonePCM(30, 900), nil
	}}
	o := New(testTTSAllocator(t, nil), client, Options{MaxWordsPerRequest: 4})

	result, err := o.Synthesize(context.Background(), Request{
		Lines: []Line{
			{Speaker: "Ana", Text: "one two three"},
			{Speaker: "Ben", Text: "four five six"},
			{Speaker: "Ana", Text: "seven"},
		},
		KeyPool: []string{"key-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyWordWindows, result.Diagnostics.Strategy)
	assert.Equal(t, 2, result.Diagnostics.Windows)
	assert.Equal(t, 60*bytesPerSample, len(result.PCM))
	assert.Len(t, client.callLog(), 2)
}

func TestSynthesizeWordWindowsRunPairGroupsPerWindow(t *testing.T) {
	client := &fakeSpeech{fn: func(req upstream.SpeechRequest) ([]byte, error) {
		require.LessOrEqual(t, len(req.Speakers), 2)
		var out [][]byte
		for range ParseDialogue(req.Text) {
			out = append(out, tonePCM(100, 600))
		}
		return ConcatPCM(out), nil
	}}
	o := New(testTTSAllocator(t, nil), client, Options{MaxWordsPerRequest: 4})

	result, err := o.Synthesize(context.Background(), Request{
		Lines: []Line{
			{Speaker: "Ana", Text: "one two three"},
			{Speaker: "Ben", Text: "four five six"},
			{Speaker: "Cleo", Text: "seven"},
			{Speaker: "Dan", Text: "eight"},
		},
		KeyPool:      []string{"key-a", "key-b"},
		PairGrouping: true,
	})
	require.NoError(t, err)

	// the oversized line map is windowed first, pair grouping applies inside
	// each window
	assert.Equal(t, StrategyWordWindows, result.Diagnostics.Strategy)
	assert.Equal(t, 3, result.Diagnostics.Windows)
	assert.Equal(t, 400*bytesPerSample, len(result.PCM))
	require.Len(t, result.LineChunks, 4)
	for i, chunk := range result.LineChunks {
		assert.Equal(t, i, chunk.LineIndex)
		assert.False(t, chunk.SilenceFallback)
	}
}

func TestSynthesizeTextOrderWindowsWithSilenceBridge(t *testing.T) {
	client := &fakeSpeech{fn: func(req upstream.SpeechRequest) ([]byte, error) {
		require.LessOrEqual(t, len(req.Speakers), 2)
		return tonePCM(100, 800), nil
	}}
	o := New(testTTSAllocator(t, nil), client, Options{})

	result, err := o.Synthesize(context.Background(), Request{
		Text: "Ana: one\nBen: two\nCleo: three",
		Speakers: []upstream.SpeakerVoice{
			{Speaker: "Ana", VoiceName: "aoede"},
			{Speaker: "Ben", VoiceName: "kore"},
			{Speaker: "Cleo", VoiceName: "puck"},
		},
		KeyPool: []string{"key-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyTextWindows, result.Diagnostics.Strategy)
	assert.Equal(t, 2, result.Diagnostics.Windows)
	// two 100-sample windows joined by a 30 ms (720 sample) bridge
	assert.Equal(t, (100+720+100)*bytesPerSample, len(result.PCM))
	assert.Equal(t, int16(0), sampleLevel(result.PCM, 150))
}

func TestSynthesizeAffinityPreferredKey(t *testing.T) {
	client := &fakeSpeech{fn: func(upstream.SpeechRequest) ([]byte, error) {
		return tonePCM(10, 100), nil
	}}
	o := New(testTTSAllocator(t, nil), client, Options{})
	o.Affinity().Bind("Ana", "key-c")

	_, err := o.Synthesize(context.Background(), Request{
		Text: "Ana: hello\nBen: hi",
		Speakers: []upstream.SpeakerVoice{
			{Speaker: "Ana", VoiceName: "aoede"},
			{Speaker: "Ben", VoiceName: "kore"},
		},
		KeyPool: []string{"key-a", "key-b", "key-c"},
	})
	require.NoError(t, err)

	calls := client.callLog()
	require.Len(t, calls, 1)
	assert.Equal(t, "key-c", calls[0].APIKey)
}

func TestSynthesizeEmptyKeyPool(t *testing.T) {
	client := &fakeSpeech{fn: func(upstream.SpeechRequest) ([]byte, error) { return nil, nil }}
	o := New(testTTSAllocator(t, nil), client, Options{})

	_, err := o.Synthesize(context.Background(), Request{Text: "hi"})
	require.Error(t, err)
	synthErr, ok := err.(*SynthError)
	require.True(t, ok)
	assert.Equal(t, upstream.CodeAPIKeyMissing, synthErr.Code)
}

func TestSynthesizeDiagnosticsRealtime(t *testing.T) {
	client := &fakeSpeech{fn: func(upstream.SpeechRequest) ([]byte, error) {
		return tonePCM(SampleRate, 100), nil // one second of audio
	}}
	o := New(testTTSAllocator(t, nil), client, Options{})

	result, err := o.Synthesize(context.Background(), Request{
		Text:    "hello",
		KeyPool: []string{"key-a"},
		TraceID: "trace-123",
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Diagnostics.AudioSeconds, 1e-9)
	assert.Equal(t, realtimeTargetFactor, result.Diagnostics.RealtimeTarget)
	assert.Equal(t, "trace-123", result.Diagnostics.TraceID)
	assert.Equal(t, 44+len(result.PCM), len(result.WAV()))
}
