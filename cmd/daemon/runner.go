// SPDX-License-Identifier: MIT
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/voiceflow/internal/jobs"
	"github.com/ManuGH/voiceflow/internal/keypool"
	vflog "github.com/ManuGH/voiceflow/internal/log"
	"github.com/ManuGH/voiceflow/internal/tts"
	"github.com/ManuGH/voiceflow/internal/upstream"
)

const stageCallTimeout = 30 * time.Minute

// pipelineRunner executes dubbing stages. Synthesis runs in-process through
// the orchestrator; every other stage is delegated to the pipeline worker
// sidecar, which owns the media processing toolchain.
type pipelineRunner struct {
	orch    *tts.Orchestrator
	pool    *keypool.Pool
	dataDir string
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func newPipelineRunner(orch *tts.Orchestrator, pool *keypool.Pool, dataDir, baseURL string) *pipelineRunner {
	return &pipelineRunner{
		orch:    orch,
		pool:    pool,
		dataDir: dataDir,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{},
		logger:  vflog.WithComponent("pipeline"),
	}
}

func (r *pipelineRunner) RunStage(ctx context.Context, stage string, data map[string]any) (jobs.StageResult, error) {
	if stage == jobs.StageTTS {
		return r.runSynthesis(ctx, data)
	}
	return r.delegate(ctx, stage, data)
}

// delegate posts the stage plus the job context to the worker sidecar and
// merges its outputs back.
func (r *pipelineRunner) delegate(ctx context.Context, stage string, data map[string]any) (jobs.StageResult, error) {
	if r.baseURL == "" {
		return jobs.StageResult{}, fmt.Errorf("no pipeline worker configured for %s", stage)
	}

	callCtx, cancel := context.WithTimeout(ctx, stageCallTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{"stage": stage, "context": data})
	if err != nil {
		return jobs.StageResult{}, fmt.Errorf("encode stage request: %w", err)
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.baseURL+"/stages/"+stage, bytes.NewReader(body))
	if err != nil {
		return jobs.StageResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return jobs.StageResult{}, fmt.Errorf("pipeline worker call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return jobs.StageResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		detail := strings.TrimSpace(string(raw))
		if len(detail) > 300 {
			detail = detail[:300]
		}
		return jobs.StageResult{}, fmt.Errorf("pipeline worker status %d: %s", resp.StatusCode, detail)
	}

	var payload struct {
		Outputs map[string]any `json:"outputs"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return jobs.StageResult{}, fmt.Errorf("decode stage response: %w", err)
	}
	return jobs.StageResult{Outputs: payload.Outputs}, nil
}

// runSynthesis renders every translated segment through the orchestrator and
// writes per-segment WAV artifacts under the job directory. Failed segments
// are reported, not fatal here; the engine applies the failure policy.
func (r *pipelineRunner) runSynthesis(ctx context.Context, data map[string]any) (jobs.StageResult, error) {
	segments, _ := data["segments"].([]any)
	if len(segments) == 0 {
		return jobs.StageResult{}, fmt.Errorf("no segments to synthesize")
	}
	speakers := voiceMapSpeakers(data["voice_map"])

	jobID := vflog.JobIDFromContext(ctx)
	outDir := filepath.Join(r.dataDir, jobID, "tts")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return jobs.StageResult{}, fmt.Errorf("create synthesis dir: %w", err)
	}

	ttsSegments := make([]any, 0, len(segments))
	var failures []jobs.SynthesisFailure
	for i, entry := range segments {
		segment, _ := entry.(map[string]any)
		speaker, _ := segment["speaker"].(string)
		text := segmentText(segment)
		if text == "" {
			failures = append(failures, jobs.SynthesisFailure{Segment: i, Speaker: speaker, Error: "empty segment text"})
			continue
		}

		result, err := r.orch.Synthesize(ctx, tts.Request{
			Lines:    []tts.Line{{Speaker: speaker, Text: text}},
			Speakers: speakers,
			KeyPool:  r.pool.Keys(),
			TraceID:  uuid.NewString(),
		})
		if err != nil {
			r.logger.Warn().
				Str("event", "pipeline.segment_failed").
				Str("jobId", jobID).
				Int("segment", i).
				Err(err).
				Msg("segment synthesis failed")
			failures = append(failures, jobs.SynthesisFailure{Segment: i, Speaker: speaker, Error: err.Error()})
			continue
		}

		path := filepath.Join(outDir, fmt.Sprintf("segment_%03d.wav", i))
		if err := os.WriteFile(path, result.WAV(), 0o600); err != nil {
			return jobs.StageResult{}, fmt.Errorf("write segment %d: %w", i, err)
		}
		ttsSegments = append(ttsSegments, map[string]any{
			"segment":    i,
			"speaker":    speaker,
			"path":       path,
			"durationMs": int64(len(result.PCM)) * 1000 / (2 * tts.SampleRate),
		})
	}

	return jobs.StageResult{
		Outputs:  map[string]any{"tts_segments": ttsSegments},
		Failures: failures,
	}, nil
}

// segmentText prefers the translated text, falling back to the raw one.
func segmentText(segment map[string]any) string {
	if text, _ := segment["translated_text"].(string); strings.TrimSpace(text) != "" {
		return text
	}
	text, _ := segment["text"].(string)
	return strings.TrimSpace(text)
}

// voiceMapSpeakers converts the job's speaker→voice map into the upstream
// speaker configuration.
func voiceMapSpeakers(raw any) []upstream.SpeakerVoice {
	voiceMap, _ := raw.(map[string]any)
	out := make([]upstream.SpeakerVoice, 0, len(voiceMap))
	for speaker, value := range voiceMap {
		voice, _ := value.(string)
		if speaker == "" || voice == "" {
			continue
		}
		out = append(out, upstream.SpeakerVoice{Speaker: speaker, VoiceName: voice})
	}
	return out
}
