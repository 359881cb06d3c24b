// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/voiceflow/internal/log"
)

// Job statuses.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusCancelling = "cancelling"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Terminal error codes surfaced on the job record.
const (
	ErrCodeCancelled   = "CANCELLED"
	ErrCodeStageFailed = "STAGE_FAILED"
)

// Segment failure policies for the synthesis stage.
const (
	PolicyHardFail = "hard_fail"
	PolicyLenient  = "lenient"
)

const maxJobLogs = 200

// StageEntry is one row of the job's stage timeline.
type StageEntry struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	StartMs    int64  `json:"startMs"`
	EndMs      *int64 `json:"endMs"`
	DurationMs *int64 `json:"durationMs"`
}

// QualityGate records whether the finished job passed its output checks.
type QualityGate struct {
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons"`
}

// SynthesisFailure is one segment the synthesis stage could not render.
type SynthesisFailure struct {
	Segment int    `json:"segment"`
	Speaker string `json:"speaker,omitempty"`
	Error   string `json:"error"`
}

// Job is one dubbing job record. Only the worker goroutine mutates it;
// readers get copies.
type Job struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	Stage           string            `json:"stage"`
	Progress        int               `json:"progress"`
	Error           string            `json:"error,omitempty"`
	ErrorCode       string            `json:"errorCode,omitempty"`
	CancelRequested bool              `json:"cancelRequested"`
	CreatedMs       int64             `json:"createdMs"`
	UpdatedMs       int64             `json:"updatedMs"`
	Logs            []string          `json:"logs"`
	ResultPath      string            `json:"resultPath,omitempty"`
	ReportPath      string            `json:"reportPath,omitempty"`
	StageTimeline   []StageEntry      `json:"stageTimeline"`
	OutputFiles     map[string]string `json:"outputFiles,omitempty"`
	QualityGate     QualityGate       `json:"qualityGate"`
}

// StageResult is what a stage hands back: outputs merged into the shared
// job context, plus any per-segment synthesis failures (TTS stage only).
type StageResult struct {
	Outputs  map[string]any
	Failures []SynthesisFailure
}

// StageRunner executes one pipeline stage against the shared job context.
// The engine validates the stage contract on both sides of the call.
type StageRunner interface {
	RunStage(ctx context.Context, stage string, data map[string]any) (StageResult, error)
}

// Options configures an Engine.
type Options struct {
	// DataDir is where job reports land. Empty disables report files.
	DataDir string
	// SegmentFailurePolicy defaults to hard_fail.
	SegmentFailurePolicy string
	// NowMs overrides the clock for tests.
	NowMs func() int64
}

// Engine owns the job table and one worker goroutine per running job.
type Engine struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	done    map[string]chan struct{}
	runner  StageRunner
	dataDir string
	policy  string
	nowMs   func() int64
	logger  zerolog.Logger
}

// NewEngine builds a job engine around the given stage runner.
func NewEngine(runner StageRunner, opts Options) *Engine {
	policy := opts.SegmentFailurePolicy
	if policy == "" {
		policy = PolicyHardFail
	}
	nowMs := opts.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Engine{
		jobs:    make(map[string]*Job),
		done:    make(map[string]chan struct{}),
		runner:  runner,
		dataDir: opts.DataDir,
		policy:  policy,
		nowMs:   nowMs,
		logger:  log.WithComponent("jobs"),
	}
}

// Submit enqueues a dubbing job over the given initial context keys and
// starts its worker. The payload must satisfy the first stage's inputs;
// a violation still surfaces on the job record, not here.
func (e *Engine) Submit(payload map[string]any) Job {
	now := e.nowMs()
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Stage:     StageOrder[0],
		CreatedMs: now,
		UpdatedMs: now,
		Logs:      []string{},
		QualityGate: QualityGate{
			Reasons: []string{},
		},
	}
	data := make(map[string]any, len(payload))
	for k, v := range payload {
		data[k] = v
	}

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.done[job.ID] = make(chan struct{})
	snapshot := *job
	e.mu.Unlock()

	e.logger.Info().
		Str("event", "jobs.submitted").
		Str("jobId", job.ID).
		Msg("dubbing job queued")
	go e.run(job.ID, data)
	return snapshot
}

// Get returns a copy of a job record.
func (e *Engine) Get(id string) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return Job{}, false
	}
	return copyJob(job), true
}

// List returns copies of all jobs, newest first.
func (e *Engine) List() []Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Job, 0, len(e.jobs))
	for _, job := range e.jobs {
		out = append(out, copyJob(job))
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedMs > out[i].CreatedMs {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// Cancel flags a queued or running job for cooperative cancellation. The
// worker observes the flag between stages; an in-flight stage finishes
// first and its result is discarded.
func (e *Engine) Cancel(id string) (Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("job %s not found", id)
	}
	switch job.Status {
	case StatusQueued, StatusRunning, StatusCancelling:
		job.CancelRequested = true
		job.Status = StatusCancelling
		job.Stage = StatusCancelling
		job.UpdatedMs = e.nowMs()
	default:
		return Job{}, fmt.Errorf("job %s already %s", id, job.Status)
	}
	return copyJob(job), nil
}

func copyJob(job *Job) Job {
	out := *job
	out.Logs = append([]string(nil), job.Logs...)
	out.StageTimeline = append([]StageEntry(nil), job.StageTimeline...)
	out.QualityGate.Reasons = append([]string(nil), job.QualityGate.Reasons...)
	if job.OutputFiles != nil {
		out.OutputFiles = make(map[string]string, len(job.OutputFiles))
		for k, v := range job.OutputFiles {
			out.OutputFiles[k] = v
		}
	}
	return out
}

// run drives one job through the pipeline. It is the only goroutine that
// mutates the job record.
func (e *Engine) run(id string, data map[string]any) {
	defer func() {
		e.mu.Lock()
		done := e.done[id]
		e.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	ctx := log.ContextWithJobID(context.Background(), id)
	e.update(id, func(job *Job) {
		job.Status = StatusRunning
	})
	e.appendLog(id, "Starting dubbing pipeline")

	var failures []SynthesisFailure
	for idx, stage := range StageOrder {
		if e.cancelRequested(id) {
			e.finishCancelled(id)
			return
		}

		e.openStage(id, stage, idx*100/len(StageOrder))
		if err := validateStageContract(stage, contractBefore, stageInputs[stage], data); err != nil {
			e.finishFailed(id, stage, err)
			return
		}

		result, err := e.runner.RunStage(ctx, stage, data)
		if err != nil {
			e.finishFailed(id, stage, err)
			return
		}
		for k, v := range result.Outputs {
			data[k] = v
		}
		if err := validateStageContract(stage, contractAfter, stageOutputs[stage], data); err != nil {
			e.finishFailed(id, stage, err)
			return
		}
		if stage == StageTTS && len(result.Failures) > 0 {
			failures = result.Failures
			if e.policy == PolicyHardFail {
				e.finishFailed(id, stage, fmt.Errorf("tts_segment_failures:%d", len(result.Failures)))
				return
			}
			e.appendLog(id, fmt.Sprintf("Synthesis finished with %d failed segments", len(result.Failures)))
		}

		e.closeStage(id, "completed")
		e.update(id, func(job *Job) {
			job.Progress = (idx + 1) * 100 / len(StageOrder)
		})
	}

	e.complete(id, data, failures)
}

func (e *Engine) cancelRequested(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	return ok && job.CancelRequested
}

func (e *Engine) update(id string, fn func(job *Job)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedMs = e.nowMs()
}

func (e *Engine) appendLog(id, line string) {
	e.update(id, func(job *Job) {
		job.Logs = append(job.Logs, line)
		if len(job.Logs) > maxJobLogs {
			job.Logs = job.Logs[len(job.Logs)-maxJobLogs:]
		}
	})
}

// openStage closes any still-running timeline entry as completed and
// appends the next one.
func (e *Engine) openStage(id, stage string, progress int) {
	now := e.nowMs()
	e.update(id, func(job *Job) {
		job.Stage = stage
		job.Progress = progress
		job.StageTimeline = append(job.StageTimeline, StageEntry{
			Stage:   stage,
			Status:  StatusRunning,
			StartMs: now,
		})
	})
}

func (e *Engine) closeStage(id, status string) {
	now := e.nowMs()
	e.update(id, func(job *Job) {
		if len(job.StageTimeline) == 0 {
			return
		}
		entry := &job.StageTimeline[len(job.StageTimeline)-1]
		if entry.Status != StatusRunning {
			return
		}
		entry.Status = status
		entry.EndMs = &now
		duration := now - entry.StartMs
		if duration < 0 {
			duration = 0
		}
		entry.DurationMs = &duration
	})
}

func (e *Engine) finishCancelled(id string) {
	e.closeStage(id, "failed")
	e.update(id, func(job *Job) {
		job.Status = StatusCancelled
		job.Stage = StatusCancelled
		job.Progress = 0
		job.ErrorCode = ErrCodeCancelled
	})
	e.appendLog(id, "Dubbing cancelled.")
	e.writeReport(id, nil)
	e.logger.Info().
		Str("event", "jobs.cancelled").
		Str("jobId", id).
		Msg("dubbing job cancelled")
}

func (e *Engine) finishFailed(id, stage string, cause error) {
	e.closeStage(id, "failed")
	e.update(id, func(job *Job) {
		job.Status = StatusFailed
		job.Stage = StatusFailed
		job.Error = cause.Error()
		job.ErrorCode = ErrCodeStageFailed
		job.QualityGate.Passed = false
		job.QualityGate.Reasons = []string{cause.Error()}
	})
	e.appendLog(id, fmt.Sprintf("Stage %s failed: %v", stage, cause))
	e.writeReport(id, nil)
	e.logger.Warn().
		Str("event", "jobs.failed").
		Str("jobId", id).
		Str("stage", stage).
		Err(cause).
		Msg("dubbing job failed")
}

func (e *Engine) complete(id string, data map[string]any, failures []SynthesisFailure) {
	outputFiles := collectOutputFiles(data)
	gate := QualityGate{Passed: len(failures) == 0, Reasons: []string{}}
	if len(failures) > 0 {
		gate.Reasons = append(gate.Reasons, "segment_synthesis_failed")
	}
	e.update(id, func(job *Job) {
		job.Status = StatusCompleted
		job.Stage = StatusCompleted
		job.Progress = 100
		job.OutputFiles = outputFiles
		job.QualityGate = gate
		if path, ok := data["dubbed_video_final"].(string); ok {
			job.ResultPath = path
		}
	})
	e.appendLog(id, "Dubbing completed.")
	e.writeReport(id, failures)
	e.logger.Info().
		Str("event", "jobs.completed").
		Str("jobId", id).
		Bool("qualityGatePassed", gate.Passed).
		Msg("dubbing job completed")
}

// collectOutputFiles picks the artifact paths out of the job context.
func collectOutputFiles(data map[string]any) map[string]string {
	out := make(map[string]string)
	for _, key := range []string{"dubbed_audio", "dubbed_video_raw", "dubbed_video_final"} {
		if path, ok := data[key].(string); ok && path != "" {
			out[key] = path
		}
	}
	return out
}
