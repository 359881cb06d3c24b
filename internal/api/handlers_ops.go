// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/voiceflow/internal/version"
)

// handleHealth reports the capability snapshot: engine runtimes, key pool,
// and guardian posture, alongside the checker verdicts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	report := s.health.Health(r.Context(), verbose)

	payload := map[string]any{
		"status":  report.Status,
		"version": report.Version,
		"engines": s.runtimes.Snapshot(),
		"keyPool": map[string]any{
			"count":      s.pool.Size(),
			"configured": s.pool.Configured(),
		},
		"guardianMode": s.guardian.Status().Mode,
	}
	if verbose {
		payload["checks"] = report.Checks
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Current(map[string]bool{
		"tts":      true,
		"kokoro":   s.kokoro != nil,
		"dubbing":  s.jobs != nil,
		"guardian": true,
	}))
}

// handleGuardianStatus is the ops dashboard payload: guardian state plus the
// current scan findings and approval queue.
func (s *Server) handleGuardianStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"guardian":  s.guardian.Status(),
		"engines":   s.runtimes.Snapshot(),
		"keyPool":   map[string]any{"count": s.pool.Size(), "configured": s.pool.Configured()},
		"proposals": s.guardian.Scan(),
		"approvals": s.guardian.Approvals(""),
	})
}

// handleGuardianScan runs detection; with ?apply=true minor findings are
// autofixed and major ones queued for approval.
func (s *Server) handleGuardianScan(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("apply") != "true" {
		writeJSON(w, http.StatusOK, map[string]any{"proposals": s.guardian.Scan()})
		return
	}
	records, queued := s.guardian.Autofix(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"executed": records,
		"queued":   queued,
	})
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": s.guardian.Approvals(r.URL.Query().Get("status")),
	})
}

type actionRequest struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// handleGuardianAction invokes a remediation action. Minor actions execute
// immediately for any caller; major actions execute only with admin
// credentials and are otherwise queued, answered with 202 and the pending
// approval.
func (s *Server) handleGuardianAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	uid, token := adminCredentials(r)
	requestedBy := uid
	if requestedBy == "" {
		if identity, ok := callerIdentity(r); ok {
			requestedBy = identity.UID
		}
	}
	record, approval, err := s.guardian.Invoke(r.Context(), req.Action, req.Payload, req.Reason, requestedBy, s.guardian.IsAdmin(uid, token))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if approval != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"approval": approval})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": record})
}

type approvalDecision struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleApprovalDecide(w http.ResponseWriter, r *http.Request) {
	var req approvalDecision
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	uid, token := adminCredentials(r)
	record, err := s.guardian.Decide(r.Context(), chi.URLParam(r, "approvalID"), uid, token, req.Approve)
	if err != nil {
		status := http.StatusBadRequest
		if err.Error() == "admin credentials rejected" {
			status = http.StatusForbidden
		}
		writeDetail(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approved": req.Approve,
		"record":   record,
	})
}

// handlePoolSnapshot exposes per-key, per-lane allocator state. Key material
// never leaves the process; the snapshot carries fingerprints only.
func (s *Server) handlePoolSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.alloc.Snapshot(s.pool.Keys()))
}

func (s *Server) handlePoolReload(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	size, err := s.pool.Reload()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.alloc.EnsureKeys(s.pool.Keys())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "keys": size})
}

// requireAdmin enforces the ops header credentials against the guardian's
// admin allowlist.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	uid, token := adminCredentials(r)
	if !s.guardian.IsAdmin(uid, token) {
		writeDetail(w, http.StatusForbidden, "admin credentials rejected")
		return false
	}
	return true
}
