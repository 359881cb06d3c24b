// SPDX-License-Identifier: MIT

package tts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/voiceflow/internal/allocator"
	"github.com/ManuGH/voiceflow/internal/keypool"
	"github.com/ManuGH/voiceflow/internal/log"
	"github.com/ManuGH/voiceflow/internal/upstream"
)

// Synthesis strategies, reported in diagnostics.
const (
	StrategyPairGroups  = "studio_pair_groups"
	StrategyWordWindows = "word_windows"
	StrategyTextWindows = "text_order_windows"
	StrategySingle      = "single_window"
)

// Speech modes for one upstream call.
const (
	speechModeMulti  = "multi_speaker"
	speechModeSingle = "single_speaker"
)

const (
	singleCallTimeoutMs  = 45_000
	multiCallTimeoutMs   = 90_000
	minTotalTimeoutMs    = 5_000
	maxGroupConcurrency  = 7
	silenceBridgeMs      = 30
	realtimeTargetFactor = 150.0
)

// Request is one synthesis job handed to the orchestrator.
type Request struct {
	Text         string
	Lines        []Line
	Speakers     []upstream.SpeakerVoice
	Voice        string
	LanguageCode string

	KeyPool        []string
	Concurrency    int
	RetryOnce      bool
	PairGrouping   bool
	SplitMode      string
	TotalTimeoutMs int64
	TraceID        string
}

// Diagnostics is the per-request synthesis report surfaced to callers.
type Diagnostics struct {
	Strategy        string             `json:"strategy"`
	Windows         int                `json:"windows"`
	ConcurrencyUsed int                `json:"concurrencyUsed,omitempty"`
	Attempts        []upstream.Attempt `json:"attempts,omitempty"`
	AudioSeconds    float64            `json:"audioSeconds"`
	ElapsedMs       int64              `json:"elapsedMs"`
	RealtimeFactor  float64            `json:"realtimeFactor"`
	RealtimeTarget  float64            `json:"realtimeTarget"`
	SplitMode       string             `json:"splitMode,omitempty"`
	TraceID         string             `json:"traceId,omitempty"`
}

// LineChunk is one transcript line's slice of the assembled audio.
// SilenceFallback marks lines that got a silence placeholder because no
// synthesized audio covered them.
type LineChunk struct {
	LineIndex       int
	PCM             []byte
	SplitMode       string
	SilenceFallback bool
}

// Result carries the assembled audio plus diagnostics. LineChunks is set by
// the line-mapped strategies and lists per-line audio in line order.
type Result struct {
	PCM         []byte
	Segments    [][]byte
	LineChunks  []LineChunk
	Diagnostics Diagnostics
}

// WAV returns the assembled audio as a RIFF payload.
func (r *Result) WAV() []byte { return EncodeWAV(r.PCM, SampleRate) }

// SynthError is a terminal synthesis failure with an operator-safe summary.
// It never carries raw API keys, only fingerprints inside attempts.
type SynthError struct {
	Code         string             `json:"errorCode"`
	Summary      string             `json:"summary,omitempty"`
	RetryAfterMs int64              `json:"retryAfterMs,omitempty"`
	TraceID      string             `json:"traceId,omitempty"`
	Attempts     []upstream.Attempt `json:"attempts,omitempty"`
}

func (e *SynthError) Error() string {
	if e.Summary == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Summary)
}

// Options tune the orchestrator.
type Options struct {
	MaxWordsPerRequest int
	AffinityCap        int
	NowMs              func() int64
}

// Orchestrator plans synthesis windows and drives them through the allocator
// and the upstream speech client.
type Orchestrator struct {
	alloc    *allocator.Allocator
	client   upstream.SpeechClient
	affinity *Affinity
	maxWords int
	nowMs    func() int64
	logger   zerolog.Logger
}

// New builds an orchestrator. maxWords <= 0 disables the word cap.
func New(alloc *allocator.Allocator, client upstream.SpeechClient, opts Options) *Orchestrator {
	nowMs := opts.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Orchestrator{
		alloc:    alloc,
		client:   client,
		affinity: NewAffinity(opts.AffinityCap),
		maxWords: opts.MaxWordsPerRequest,
		nowMs:    nowMs,
		logger:   log.WithComponent("tts"),
	}
}

// Affinity exposes the speaker affinity table for snapshots.
func (o *Orchestrator) Affinity() *Affinity { return o.affinity }

func estimateTokens(text string) int {
	tokens := len(text) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// synthState is shared across all windows of one request: auth-failed keys
// and hard-failed models stay blocked for every subsequent call.
type synthState struct {
	mu            sync.Mutex
	keyPool       []string
	language      string
	deadlineMs    int64
	blockedKeys   map[string]bool
	blockedModels map[string]bool
	attempts      []upstream.Attempt
	attemptSeq    int
	timedOut      bool
}

func (s *synthState) snapshotAttempts() []upstream.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]upstream.Attempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

func (s *synthState) recordAttempt(a upstream.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attemptSeq++
	a.Attempt = s.attemptSeq
	s.attempts = append(s.attempts, a)
}

func (s *synthState) blockedKeysCopy() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.blockedKeys))
	for k := range s.blockedKeys {
		out[k] = true
	}
	return out
}

func (s *synthState) blockKey(key string) {
	s.mu.Lock()
	s.blockedKeys[key] = true
	s.mu.Unlock()
}

func (s *synthState) blockModel(model string) {
	s.mu.Lock()
	s.blockedModels[model] = true
	s.mu.Unlock()
}

func (s *synthState) allKeysBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keyPool {
		if !s.blockedKeys[key] {
			return false
		}
	}
	return true
}

func (s *synthState) openModels(route []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(route))
	for _, model := range route {
		if !s.blockedModels[model] {
			out = append(out, model)
		}
	}
	return out
}

// callSpec is one upstream synthesis window.
type callSpec struct {
	text             string
	speakers         []upstream.SpeakerVoice
	voice            string
	preferredSpeaker string
}

func (o *Orchestrator) terminal(st *synthState, traceID string, retryAfterMs int64) *SynthError {
	attempts := st.snapshotAttempts()
	// a pool-wait timeout with recorded attempts classifies from the attempts,
	// so an all-rate-limited exhaustion is not masked as a generic timeout
	timedOut := st.timedOut && len(attempts) == 0
	return &SynthError{
		Code:         upstream.TerminalErrorCode(attempts, timedOut),
		Summary:      SummarizeAttempts(attempts),
		RetryAfterMs: retryAfterMs,
		TraceID:      traceID,
		Attempts:     attempts,
	}
}

// synthesizeCall runs the key-pool retry loop for one window. It returns the
// raw PCM and the key that produced it so the caller can bind affinity.
func (o *Orchestrator) synthesizeCall(ctx context.Context, st *synthState, spec callSpec, traceID string) ([]byte, string, error) {
	speechMode := speechModeSingle
	if len(spec.speakers) > 0 {
		speechMode = speechModeMulti
	}
	firstTry := true

	for {
		remainingMs := st.deadlineMs - o.nowMs()
		if remainingMs <= 0 {
			st.mu.Lock()
			st.timedOut = true
			st.mu.Unlock()
			return nil, "", o.terminal(st, traceID, 0)
		}

		candidates := st.openModels(o.alloc.RouteModels(allocator.TaskTTS))
		if len(candidates) == 0 || st.allKeysBlocked() {
			return nil, "", o.terminal(st, traceID, 0)
		}

		preferredKey := ""
		if firstTry && spec.preferredSpeaker != "" {
			if key, ok := o.affinity.Lookup(spec.preferredSpeaker); ok {
				preferredKey = key
			}
		}

		acquired := o.alloc.AcquireForModels(ctx, candidates, allocator.AcquireRequest{
			KeyPool:         st.keyPool,
			RequestedTokens: estimateTokens(spec.text),
			BlockedKeys:     st.blockedKeysCopy(),
			WaitTimeoutMs:   remainingMs,
			PreferredKey:    preferredKey,
		})
		firstTry = false
		if acquired.TimedOut {
			st.mu.Lock()
			st.timedOut = true
			st.mu.Unlock()
			return nil, "", o.terminal(st, traceID, acquired.RetryAfterMs)
		}
		lease := acquired.Lease

		callTimeoutMs := int64(singleCallTimeoutMs)
		if speechMode == speechModeMulti {
			callTimeoutMs = multiCallTimeoutMs
		}
		if left := st.deadlineMs - o.nowMs(); left < callTimeoutMs {
			callTimeoutMs = left
		}

		speechReq := upstream.SpeechRequest{
			APIKey:       lease.Key,
			Model:        lease.ModelID,
			Text:         spec.text,
			LanguageCode: st.language,
			TimeoutMs:    callTimeoutMs,
		}
		if speechMode == speechModeMulti {
			speechReq.Speakers = spec.speakers
		} else {
			speechReq.Voice = spec.voice
		}

		pcm, err := o.client.GeneratePCM(ctx, speechReq)
		if err == nil && len(pcm) > 0 {
			o.alloc.Release(lease, true, estimateTokens(spec.text), "")
			return pcm, lease.Key, nil
		}
		detail := "empty audio payload"
		if err != nil {
			detail = err.Error()
		}
		kind := upstream.Classify(detail)
		st.recordAttempt(upstream.Attempt{
			Model:            lease.ModelID,
			SpeechMode:       speechMode,
			KeySelectionIdx:  lease.KeyIndex,
			KeyFingerprint:   keypool.Fingerprint(lease.Key),
			RequestTimeoutMs: callTimeoutMs,
			Error:            detail,
		})
		o.alloc.Release(lease, false, 0, string(kind))
		attemptFailuresTotal.WithLabelValues(string(kind)).Inc()
		o.logger.Warn().
			Str("event", "tts.attempt_failed").
			Str("model", lease.ModelID).
			Str("kind", string(kind)).
			Str("key", keypool.Fingerprint(lease.Key)).
			Str("trace_id", traceID).
			Msg("synthesis attempt failed")

		switch kind {
		case upstream.KindTimeout:
			return nil, "", o.terminal(st, traceID, 0)
		case upstream.KindAuth:
			o.affinity.EvictKey(lease.Key)
			st.blockKey(lease.Key)
		case upstream.KindRateLimit:
			// lane is temp-blocked by the release; the next acquire rotates on
		default:
			if speechMode == speechModeMulti {
				speechMode = speechModeSingle
			} else {
				st.blockModel(lease.ModelID)
			}
		}
	}
}

// Synthesize plans the request into windows, runs them, and assembles the
// final PCM stream. On failure it returns a *SynthError.
func (o *Orchestrator) Synthesize(ctx context.Context, req Request) (*Result, error) {
	startedMs := o.nowMs()
	if len(req.KeyPool) == 0 {
		return nil, &SynthError{Code: upstream.CodeAPIKeyMissing, Summary: "no upstream API keys configured", TraceID: req.TraceID}
	}

	totalTimeoutMs := req.TotalTimeoutMs
	if totalTimeoutMs <= 0 {
		totalTimeoutMs = int64(o.alloc.Config().DefaultWaitTimeoutMs)
	}
	if totalTimeoutMs < minTotalTimeoutMs {
		totalTimeoutMs = minTotalTimeoutMs
	}

	st := &synthState{
		keyPool:       req.KeyPool,
		language:      req.LanguageCode,
		deadlineMs:    startedMs + totalTimeoutMs,
		blockedKeys:   map[string]bool{},
		blockedModels: map[string]bool{},
	}

	lines := req.Lines
	if len(lines) == 0 && strings.TrimSpace(req.Text) != "" {
		lines = ParseDialogue(req.Text)
	}
	cast := speakersInOrder(lines)

	var (
		result *Result
		err    error
	)
	// an oversized line map is windowed first; pair grouping then applies
	// inside each window
	switch {
	case len(req.Lines) > 0 && o.maxWords > 0 && lineWords(req.Lines) > o.maxWords:
		result, err = o.runWordWindows(ctx, st, req)
	case req.PairGrouping && len(cast) >= 2 && len(lines) >= 2:
		result, err = o.runPairGroups(ctx, st, req, lines)
	case len(req.Speakers) >= 2 && len(req.Lines) == 0 && len(cast) > 2:
		result, err = o.runTextOrderWindows(ctx, st, req, lines)
	default:
		result, err = o.runSingleWindow(ctx, st, req)
	}

	strategy := StrategySingle
	if result != nil {
		strategy = result.Diagnostics.Strategy
	} else if synthErr, ok := err.(*SynthError); ok && synthErr != nil {
		// strategy label still useful on failure paths
		strategy = "failed"
	}
	if err != nil {
		requestsTotal.WithLabelValues(strategy, "error").Inc()
		return nil, err
	}

	elapsedMs := o.nowMs() - startedMs
	audioSeconds := DurationSeconds(result.PCM)
	factor := 0.0
	if elapsedMs > 0 {
		factor = audioSeconds / (float64(elapsedMs) / 1000.0)
	}
	result.Diagnostics.Attempts = st.snapshotAttempts()
	result.Diagnostics.AudioSeconds = audioSeconds
	result.Diagnostics.ElapsedMs = elapsedMs
	result.Diagnostics.RealtimeFactor = factor
	result.Diagnostics.RealtimeTarget = realtimeTargetFactor
	result.Diagnostics.TraceID = req.TraceID
	if result.Diagnostics.SplitMode == "" && req.SplitMode != "" {
		result.Diagnostics.SplitMode = req.SplitMode
	}

	requestsTotal.WithLabelValues(result.Diagnostics.Strategy, "success").Inc()
	realtimeFactor.Observe(factor)
	audioSecondsTotal.Add(audioSeconds)
	o.logger.Info().
		Str("event", "tts.synthesized").
		Str("strategy", result.Diagnostics.Strategy).
		Int("windows", result.Diagnostics.Windows).
		Float64("audio_seconds", audioSeconds).
		Float64("realtime_factor", factor).
		Str("trace_id", req.TraceID).
		Msg("synthesis complete")
	return result, nil
}

// voiceIndex maps normalized speaker labels to their configured voices.
func voiceIndex(speakers []upstream.SpeakerVoice) map[string]upstream.SpeakerVoice {
	index := make(map[string]upstream.SpeakerVoice, len(speakers))
	for _, sv := range speakers {
		index[normalizeSpeaker(sv.Speaker)] = sv
	}
	return index
}

func voicesFor(index map[string]upstream.SpeakerVoice, cast []string) []upstream.SpeakerVoice {
	out := make([]upstream.SpeakerVoice, 0, len(cast))
	for _, speaker := range cast {
		if sv, ok := index[normalizeSpeaker(speaker)]; ok {
			out = append(out, sv)
			continue
		}
		out = append(out, upstream.SpeakerVoice{Speaker: speaker})
	}
	return out
}

func fallbackVoice(speakers []upstream.SpeakerVoice, requested string) string {
	if requested != "" {
		return requested
	}
	for _, sv := range speakers {
		if sv.VoiceName != "" {
			return sv.VoiceName
		}
	}
	return ""
}

// groupAudio is one pair group's synthesized audio split back into per-line
// chunks.
type groupAudio struct {
	chunks    []LineChunk
	usedPause bool
}

// runPairGroups synthesizes studio multi-speaker audio: the cast is chunked
// into pairs, each pair's lines become one window, and windows run
// concurrently under a bounded group. Each group's audio is split back into
// per-line chunks so the final stream follows transcript line order, not
// group order. Lines no group covered get a short silence placeholder.
func (o *Orchestrator) runPairGroups(ctx context.Context, st *synthState, req Request, lines []Line) (*Result, error) {
	groups := BuildPairGroups(lines)
	if len(groups) == 0 {
		return o.runSingleWindow(ctx, st, req)
	}

	concurrency := req.Concurrency
	if concurrency < 1 {
		concurrency = len(groups)
	}
	if concurrency > maxGroupConcurrency {
		concurrency = maxGroupConcurrency
	}
	if concurrency > len(groups) {
		concurrency = len(groups)
	}
	if concurrency > len(req.KeyPool) {
		concurrency = len(req.KeyPool)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	splitMode := req.SplitMode
	if splitMode == "" {
		splitMode = SplitModePause
	}

	index := voiceIndex(req.Speakers)
	results := make([]groupAudio, len(groups))
	runs := 1
	if req.RetryOnce {
		runs = 2
	}

	eg, groupCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)
	for i, group := range groups {
		eg.Go(func() error {
			spec := callSpec{
				text:             group.Text(),
				speakers:         voicesFor(index, group.Speakers),
				voice:            fallbackVoice(voicesFor(index, group.Speakers), req.Voice),
				preferredSpeaker: group.Speakers[0],
			}
			var lastErr error
			for run := 0; run < runs; run++ {
				pcm, usedKey, err := o.synthesizeCall(groupCtx, st, spec, req.TraceID)
				if err == nil {
					for _, speaker := range group.Speakers {
						o.affinity.Bind(speaker, usedKey)
					}
					results[i] = splitGroup(group, pcm, splitMode)
					return nil
				}
				lastErr = err
			}
			return lastErr
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	lineChunks, anyPause := assembleLineOrder(results, len(lines))
	segments := make([][]byte, len(lineChunks))
	for i, chunk := range lineChunks {
		segments[i] = chunk.PCM
	}
	effectiveMode := SplitModeDuration
	if splitMode == SplitModeSilence {
		effectiveMode = SplitModeSilence
	} else if anyPause {
		effectiveMode = SplitModePause
	}

	return &Result{
		PCM:        ConcatPCM(segments),
		Segments:   segments,
		LineChunks: lineChunks,
		Diagnostics: Diagnostics{
			Strategy:        StrategyPairGroups,
			Windows:         len(groups),
			ConcurrencyUsed: concurrency,
			SplitMode:       effectiveMode,
		},
	}, nil
}

// splitGroup carves one group's audio into per-line chunks weighted by word
// count.
func splitGroup(group PairGroup, pcm []byte, splitMode string) groupAudio {
	weights := make([]int, len(group.Lines))
	for i, line := range group.Lines {
		words := CountWords(line.Text)
		if words < 1 {
			words = 1
		}
		weights[i] = words
	}
	pieces, usedPause := SplitPCM(pcm, weights, splitMode)
	mode := SplitModeDuration
	if splitMode == SplitModeSilence {
		mode = SplitModeSilence
	} else if usedPause {
		mode = SplitModePause
	}
	chunks := make([]LineChunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = LineChunk{
			LineIndex:       group.LineIndexes[i],
			PCM:             piece,
			SplitMode:       mode,
			SilenceFallback: splitMode == SplitModeSilence && i > 0,
		}
	}
	return groupAudio{chunks: chunks, usedPause: usedPause}
}

// assembleLineOrder flattens group audio back into transcript line order,
// filling uncovered lines with 10 ms of silence.
func assembleLineOrder(results []groupAudio, lineCount int) ([]LineChunk, bool) {
	byIndex := make(map[int]LineChunk, lineCount)
	anyPause := false
	for _, result := range results {
		if result.usedPause {
			anyPause = true
		}
		for _, chunk := range result.chunks {
			byIndex[chunk.LineIndex] = chunk
		}
	}
	chunks := make([]LineChunk, 0, lineCount)
	for index := 0; index < lineCount; index++ {
		chunk, ok := byIndex[index]
		if !ok {
			chunk = LineChunk{
				LineIndex:       index,
				PCM:             SilenceMs(10),
				SplitMode:       SplitModeSilence,
				SilenceFallback: true,
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, anyPause
}

// runWordWindows splits an oversized line map into whole-line windows under
// the word cap, then runs pair grouping inside each window so no upstream call
// carries more than two speakers. Windows run serially in line order.
func (o *Orchestrator) runWordWindows(ctx context.Context, st *synthState, req Request) (*Result, error) {
	windows := BuildWordWindows(req.Lines, o.maxWords)
	var (
		segments    [][]byte
		lineChunks  []LineChunk
		concurrency int
		anyPause    bool
	)
	offset := 0
	for _, window := range windows {
		sub := req
		sub.Text = ""
		sub.Lines = window
		partial, err := o.runPairGroups(ctx, st, sub, window)
		if err != nil {
			return nil, err
		}
		if partial.Diagnostics.ConcurrencyUsed > concurrency {
			concurrency = partial.Diagnostics.ConcurrencyUsed
		}
		if partial.Diagnostics.SplitMode == SplitModePause {
			anyPause = true
		}
		if len(partial.LineChunks) > 0 {
			for _, chunk := range partial.LineChunks {
				chunk.LineIndex += offset
				lineChunks = append(lineChunks, chunk)
				segments = append(segments, chunk.PCM)
			}
		} else {
			segments = append(segments, partial.PCM)
		}
		offset += len(window)
	}
	splitMode := SplitModeDuration
	if req.SplitMode == SplitModeSilence {
		splitMode = SplitModeSilence
	} else if anyPause {
		splitMode = SplitModePause
	}
	return &Result{
		PCM:        ConcatPCM(segments),
		Segments:   segments,
		LineChunks: lineChunks,
		Diagnostics: Diagnostics{
			Strategy:        StrategyWordWindows,
			Windows:         len(windows),
			ConcurrencyUsed: concurrency,
			SplitMode:       splitMode,
		},
	}, nil
}

// runTextOrderWindows handles scripts with more than two speakers but no
// line map: windows are cut in text order at the two-speaker ceiling and
// joined with a short silence bridge.
func (o *Orchestrator) runTextOrderWindows(ctx context.Context, st *synthState, req Request, lines []Line) (*Result, error) {
	windows := BuildTextOrderWindows(lines)
	index := voiceIndex(req.Speakers)
	bridge := SilenceMs(silenceBridgeMs)
	segments := make([][]byte, 0, len(windows)*2)
	for i, window := range windows {
		cast := speakersInOrder(window)
		spec := callSpec{
			text:  renderLines(window),
			voice: req.Voice,
		}
		if len(cast) > 0 {
			spec.speakers = voicesFor(index, cast)
			spec.voice = fallbackVoice(spec.speakers, req.Voice)
			spec.preferredSpeaker = cast[0]
		}
		pcm, usedKey, err := o.synthesizeCall(ctx, st, spec, req.TraceID)
		if err != nil {
			return nil, err
		}
		for _, speaker := range cast {
			o.affinity.Bind(speaker, usedKey)
		}
		if i > 0 {
			segments = append(segments, bridge)
		}
		segments = append(segments, pcm)
	}
	return &Result{
		PCM:      ConcatPCM(segments),
		Segments: segments,
		Diagnostics: Diagnostics{
			Strategy: StrategyTextWindows,
			Windows:  len(windows),
		},
	}, nil
}

// runSingleWindow is the legacy path: one upstream call for the whole text.
func (o *Orchestrator) runSingleWindow(ctx context.Context, st *synthState, req Request) (*Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Lines) > 0 {
		text = renderLines(req.Lines)
	}
	if o.maxWords > 0 && CountWords(text) > o.maxWords {
		return nil, &SynthError{
			Code:    upstream.CodeWordLimitExceeded,
			Summary: fmt.Sprintf("text has %d words, limit is %d", CountWords(text), o.maxWords),
			TraceID: req.TraceID,
		}
	}
	spec := callSpec{
		text:  text,
		voice: fallbackVoice(req.Speakers, req.Voice),
	}
	if len(req.Speakers) >= 2 {
		spec.speakers = req.Speakers
		spec.preferredSpeaker = req.Speakers[0].Speaker
	}
	pcm, usedKey, err := o.synthesizeCall(ctx, st, spec, req.TraceID)
	if err != nil {
		return nil, err
	}
	for _, sv := range spec.speakers {
		o.affinity.Bind(sv.Speaker, usedKey)
	}
	return &Result{
		PCM:      pcm,
		Segments: [][]byte{pcm},
		Diagnostics: Diagnostics{
			Strategy: StrategySingle,
			Windows:  1,
		},
	}, nil
}
