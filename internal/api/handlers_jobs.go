// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/voiceflow/internal/jobs"
	"github.com/ManuGH/voiceflow/internal/runtimes"
)

// handleDubbingPrepare warms up the engine runtimes ahead of a dubbing
// session: offline engines are started, online ones just probed. The
// response reports each engine's resulting state.
func (s *Server) handleDubbingPrepare(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	engines := make(map[string]string)
	ready := true
	for _, engine := range s.runtimes.Engines() {
		state, err := s.runtimes.Prepare(r.Context(), engine)
		if err != nil {
			s.logger.Warn().
				Str("event", "api.prepare_failed").
				Str("engine", engine).
				Err(err).
				Msg("engine prepare failed")
		}
		engines[engine] = state
		if state != runtimes.StateOnline {
			ready = false
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ready, "engines": engines})
}

type jobCreateRequest struct {
	SourcePath     string            `json:"sourcePath"`
	TargetLanguage string            `json:"targetLanguage"`
	VoiceMap       map[string]string `json:"voiceMap,omitempty"`
}

// handleJobCreate enqueues a dubbing job and answers immediately.
func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	var req jobCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SourcePath == "" || req.TargetLanguage == "" {
		writeDetail(w, http.StatusBadRequest, "sourcePath and targetLanguage are required")
		return
	}
	if req.VoiceMap == nil {
		req.VoiceMap = map[string]string{}
	}

	job := s.jobs.Submit(map[string]any{
		"source_path":     req.SourcePath,
		"target_language": req.TargetLanguage,
		"voice_map":       req.VoiceMap,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "job": job})
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobs": s.jobs.List()})
}

func (s *Server) jobByID(w http.ResponseWriter, r *http.Request) (jobs.Job, bool) {
	job, ok := s.jobs.Get(chi.URLParam(r, "jobID"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Job not found")
		return jobs.Job{}, false
	}
	return job, true
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	job, ok := s.jobByID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": job})
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	if _, ok := s.jobByID(w, r); !ok {
		return
	}
	job, err := s.jobs.Cancel(chi.URLParam(r, "jobID"))
	if err != nil {
		writeDetail(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": job})
}

// handleJobReport streams the atomically written report document.
func (s *Server) handleJobReport(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	job, ok := s.jobByID(w, r)
	if !ok {
		return
	}
	if job.ReportPath == "" {
		writeDetail(w, http.StatusNotFound, "Report not ready")
		return
	}
	if _, err := os.Stat(job.ReportPath); err != nil {
		writeDetail(w, http.StatusNotFound, "Report file missing")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, job.ReportPath)
}

// handleJobResult streams the final artifact once the job completed.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	job, ok := s.jobByID(w, r)
	if !ok {
		return
	}
	if job.Status != jobs.StatusCompleted || job.ResultPath == "" {
		writeDetail(w, http.StatusNotFound, "Result not ready")
		return
	}
	if _, err := os.Stat(job.ResultPath); err != nil {
		writeDetail(w, http.StatusNotFound, "Result file missing")
		return
	}
	http.ServeFile(w, r, job.ResultPath)
}
