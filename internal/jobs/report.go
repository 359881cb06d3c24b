// SPDX-License-Identifier: MIT

package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// report is the JSON document written next to a finished job's artifacts.
type report struct {
	JobID             string             `json:"jobId"`
	Status            string             `json:"status"`
	Error             string             `json:"error,omitempty"`
	ErrorCode         string             `json:"errorCode,omitempty"`
	StageTimeline     []StageEntry       `json:"stageTimeline"`
	QualityGate       QualityGate        `json:"qualityGate"`
	OutputFiles       map[string]string  `json:"outputFiles"`
	SynthesisFailures []SynthesisFailure `json:"synthesisFailures"`
	Logs              []string           `json:"logs"`
}

// writeReport persists the terminal job state. The write is atomic and
// durable: fsync before rename, so a crash never leaves a torn report.
func (e *Engine) writeReport(id string, failures []SynthesisFailure) {
	if e.dataDir == "" {
		return
	}
	job, ok := e.Get(id)
	if !ok {
		return
	}
	if failures == nil {
		failures = []SynthesisFailure{}
	}
	if job.OutputFiles == nil {
		job.OutputFiles = map[string]string{}
	}

	jobDir := filepath.Join(e.dataDir, id)
	path := filepath.Join(jobDir, "report.json")
	if err := writeReportFile(jobDir, path, report{
		JobID:             job.ID,
		Status:            job.Status,
		Error:             job.Error,
		ErrorCode:         job.ErrorCode,
		StageTimeline:     job.StageTimeline,
		QualityGate:       job.QualityGate,
		OutputFiles:       job.OutputFiles,
		SynthesisFailures: failures,
		Logs:              job.Logs,
	}); err != nil {
		e.logger.Warn().
			Str("event", "jobs.report_write_failed").
			Str("jobId", id).
			Err(err).
			Msg("job report not written")
		return
	}
	e.update(id, func(job *Job) {
		job.ReportPath = path
	})
}

func writeReportFile(dir, path string, payload report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending report file: %w", err)
	}
	defer func() {
		_ = pendingFile.Cleanup()
	}()

	enc := json.NewEncoder(pendingFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("write report data: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace report file: %w", err)
	}
	return nil
}
