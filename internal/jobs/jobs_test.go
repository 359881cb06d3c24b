// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu       sync.Mutex
	ran      []string
	fail     map[string]error
	failures []SynthesisFailure
	dropKeys map[string][]string
	onStage  func(stage string)
}

func (f *fakeRunner) RunStage(_ context.Context, stage string, _ map[string]any) (StageResult, error) {
	f.mu.Lock()
	f.ran = append(f.ran, stage)
	f.mu.Unlock()
	if f.onStage != nil {
		f.onStage(stage)
	}
	if err := f.fail[stage]; err != nil {
		return StageResult{}, err
	}
	outputs := make(map[string]any)
	for _, key := range StageOutputs(stage) {
		outputs[key] = "artifact_" + key
	}
	for _, key := range f.dropKeys[stage] {
		delete(outputs, key)
	}
	result := StageResult{Outputs: outputs}
	if stage == StageTTS {
		result.Failures = f.failures
	}
	return result, nil
}

func (f *fakeRunner) stages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func jobPayload() map[string]any {
	return map[string]any{
		"source_path":     "/media/input.mp4",
		"target_language": "de",
		"voice_map":       map[string]string{"SPEAKER_00": "kore"},
	}
}

func awaitJob(t *testing.T, e *Engine, id string) Job {
	t.Helper()
	e.mu.Lock()
	done := e.done[id]
	e.mu.Unlock()
	require.NotNil(t, done)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job worker did not finish")
	}
	job, ok := e.Get(id)
	require.True(t, ok)
	return job
}

func TestJobRunsAllStagesToCompletion(t *testing.T) {
	dataDir := t.TempDir()
	runner := &fakeRunner{}
	e := NewEngine(runner, Options{DataDir: dataDir})

	job := awaitJob(t, e, e.Submit(jobPayload()).ID)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, job.Error)
	assert.True(t, job.QualityGate.Passed)
	assert.Equal(t, StageOrder, runner.stages())
	assert.Equal(t, "artifact_dubbed_video_final", job.ResultPath)
	assert.Equal(t, map[string]string{
		"dubbed_audio":       "artifact_dubbed_audio",
		"dubbed_video_raw":   "artifact_dubbed_video_raw",
		"dubbed_video_final": "artifact_dubbed_video_final",
	}, job.OutputFiles)

	require.Len(t, job.StageTimeline, len(StageOrder))
	for i, entry := range job.StageTimeline {
		assert.Equal(t, StageOrder[i], entry.Stage)
		assert.Equal(t, "completed", entry.Status)
		require.NotNil(t, entry.EndMs)
		require.NotNil(t, entry.DurationMs)
		assert.GreaterOrEqual(t, *entry.DurationMs, int64(0))
	}

	expectedReport := filepath.Join(dataDir, job.ID, "report.json")
	assert.Equal(t, expectedReport, job.ReportPath)
	raw, err := os.ReadFile(expectedReport)
	require.NoError(t, err)
	var written report
	require.NoError(t, json.Unmarshal(raw, &written))
	assert.Equal(t, job.ID, written.JobID)
	assert.Equal(t, StatusCompleted, written.Status)
	assert.True(t, written.QualityGate.Passed)
	assert.Len(t, written.StageTimeline, len(StageOrder))
}

func TestJobFailsOnMissingInputs(t *testing.T) {
	e := NewEngine(&fakeRunner{}, Options{})
	payload := jobPayload()
	delete(payload, "voice_map")
	delete(payload, "source_path")

	job := awaitJob(t, e, e.Submit(payload).ID)

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, ErrCodeStageFailed, job.ErrorCode)
	assert.Equal(t, "stage_contract_violation:stage1_preprocess:before:missing=source_path,voice_map", job.Error)
	require.Len(t, job.StageTimeline, 1)
	assert.Equal(t, "failed", job.StageTimeline[0].Status)
	assert.Equal(t, []string{job.Error}, job.QualityGate.Reasons)
}

func TestJobFailsOnMissingStageOutput(t *testing.T) {
	runner := &fakeRunner{dropKeys: map[string][]string{StageTTS: {"tts_segments"}}}
	e := NewEngine(runner, Options{})

	job := awaitJob(t, e, e.Submit(jobPayload()).ID)

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "stage_contract_violation:stage6_tts:after:missing=tts_segments", job.Error)
	// nothing past the violating stage runs
	assert.Equal(t, StageOrder[:6], runner.stages())
}

func TestJobFailsWhenStageErrors(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{StageTranslate: errors.New("translate provider down")}}
	e := NewEngine(runner, Options{})

	job := awaitJob(t, e, e.Submit(jobPayload()).ID)

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, ErrCodeStageFailed, job.ErrorCode)
	assert.Equal(t, "translate provider down", job.Error)
	assert.Equal(t, StageOrder[:5], runner.stages())

	last := job.StageTimeline[len(job.StageTimeline)-1]
	assert.Equal(t, StageTranslate, last.Stage)
	assert.Equal(t, "failed", last.Status)
}

func TestQualityGateHardFail(t *testing.T) {
	runner := &fakeRunner{failures: []SynthesisFailure{
		{Segment: 3, Speaker: "SPEAKER_01", Error: "no audio payload"},
		{Segment: 7, Error: "timed out"},
	}}
	e := NewEngine(runner, Options{})

	job := awaitJob(t, e, e.Submit(jobPayload()).ID)

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "tts_segment_failures:2", job.Error)
	assert.False(t, job.QualityGate.Passed)
	assert.Equal(t, StageOrder[:6], runner.stages())
}

func TestQualityGateLenientPolicyCompletes(t *testing.T) {
	runner := &fakeRunner{failures: []SynthesisFailure{{Segment: 1, Error: "no audio payload"}}}
	e := NewEngine(runner, Options{SegmentFailurePolicy: PolicyLenient})

	job := awaitJob(t, e, e.Submit(jobPayload()).ID)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.False(t, job.QualityGate.Passed)
	assert.Equal(t, []string{"segment_synthesis_failed"}, job.QualityGate.Reasons)
	assert.Equal(t, StageOrder, runner.stages())
}

func TestCancelBetweenStages(t *testing.T) {
	dataDir := t.TempDir()
	runner := &fakeRunner{}
	entered := make(chan struct{})
	release := make(chan struct{})
	runner.onStage = func(stage string) {
		if stage == StageEmotion {
			close(entered)
			<-release
		}
	}
	e := NewEngine(runner, Options{DataDir: dataDir})

	submitted := e.Submit(jobPayload())
	// flag cancellation while the third stage is still in flight
	<-entered
	cancelled, err := e.Cancel(submitted.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.CancelRequested)
	assert.Equal(t, StatusCancelling, cancelled.Status)
	close(release)

	job := awaitJob(t, e, submitted.ID)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Equal(t, ErrCodeCancelled, job.ErrorCode)
	assert.Equal(t, 0, job.Progress)
	// the in-flight stage finished; nothing after it ran
	assert.Contains(t, runner.stages(), StageEmotion)
	assert.NotContains(t, runner.stages(), StageSegmentDetect)

	raw, err := os.ReadFile(filepath.Join(dataDir, job.ID, "report.json"))
	require.NoError(t, err)
	var written report
	require.NoError(t, json.Unmarshal(raw, &written))
	assert.Equal(t, StatusCancelled, written.Status)
}

func TestCancelRejectsUnknownAndFinishedJobs(t *testing.T) {
	e := NewEngine(&fakeRunner{}, Options{})
	_, err := e.Cancel("missing")
	assert.Error(t, err)

	job := awaitJob(t, e, e.Submit(jobPayload()).ID)
	require.Equal(t, StatusCompleted, job.Status)
	_, err = e.Cancel(job.ID)
	assert.Error(t, err)
}

func TestListNewestFirst(t *testing.T) {
	var now atomic.Int64
	now.Store(1_000)
	e := NewEngine(&fakeRunner{}, Options{NowMs: func() int64 { return now.Add(10) }})
	first := e.Submit(jobPayload())
	second := e.Submit(jobPayload())
	awaitJob(t, e, first.ID)
	awaitJob(t, e, second.ID)

	listed := e.List()
	require.Len(t, listed, 2)
	assert.Equal(t, second.ID, listed[0].ID)
	assert.Equal(t, first.ID, listed[1].ID)
}

func TestStageContractKeyTables(t *testing.T) {
	assert.Equal(t, []string{"source_path", "target_language", "voice_map"}, StageInputs(StagePreprocess))
	assert.Equal(t, []string{"tts_segments"}, StageOutputs(StageTTS))
	assert.Equal(t, []string{"dubbed_video_final"}, StageOutputs(StageLipsync))
	for _, stage := range StageOrder {
		assert.NotEmpty(t, StageInputs(stage), stage)
		assert.NotEmpty(t, StageOutputs(stage), stage)
	}
}
