// SPDX-License-Identifier: MIT

// Package api is the gateway facade: thin chi handlers over the guardian,
// quota, orchestrator, job engine, and ops surfaces, with one uniform
// error envelope.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/ManuGH/voiceflow/internal/allocator"
	"github.com/ManuGH/voiceflow/internal/config"
	"github.com/ManuGH/voiceflow/internal/guardian"
	"github.com/ManuGH/voiceflow/internal/health"
	"github.com/ManuGH/voiceflow/internal/jobs"
	"github.com/ManuGH/voiceflow/internal/keypool"
	"github.com/ManuGH/voiceflow/internal/log"
	"github.com/ManuGH/voiceflow/internal/quota"
	"github.com/ManuGH/voiceflow/internal/ratelimit"
	"github.com/ManuGH/voiceflow/internal/runtimes"
	"github.com/ManuGH/voiceflow/internal/tts"
	"github.com/ManuGH/voiceflow/internal/upstream"
)

// Deps bundles everything the gateway handlers call into.
type Deps struct {
	Config       config.Config
	Guardian     *guardian.Guardian
	Quota        *quota.Manager
	Orchestrator *tts.Orchestrator
	Allocator    *allocator.Allocator
	KeyPool      *keypool.Pool
	Runtimes     *runtimes.Manager
	Kokoro       *runtimes.KokoroClient
	Text         upstream.TextClient
	Extract      upstream.ExtractClient
	Jobs         *jobs.Engine
	Health       *health.Manager
	Verifier     TokenVerifier
}

// Server holds the gateway's wired dependencies.
type Server struct {
	cfg      config.Config
	guardian *guardian.Guardian
	quota    *quota.Manager
	orch     *tts.Orchestrator
	alloc    *allocator.Allocator
	pool     *keypool.Pool
	runtimes *runtimes.Manager
	kokoro   *runtimes.KokoroClient
	text     upstream.TextClient
	extract  upstream.ExtractClient
	jobs     *jobs.Engine
	health   *health.Manager
	verifier TokenVerifier
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
}

// New builds a gateway server from its dependencies.
func New(deps Deps) *Server {
	return &Server{
		cfg:      deps.Config,
		guardian: deps.Guardian,
		quota:    deps.Quota,
		orch:     deps.Orchestrator,
		alloc:    deps.Allocator,
		pool:     deps.KeyPool,
		runtimes: deps.Runtimes,
		kokoro:   deps.Kokoro,
		text:     deps.Text,
		extract:  deps.Extract,
		jobs:     deps.Jobs,
		health:   deps.Health,
		verifier: deps.Verifier,
		limiter:  ratelimit.New(ratelimit.DefaultConfig()),
		logger:   log.WithComponent("api"),
	}
}

// Router assembles the middleware stack and route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	if limit := s.cfg.RateLimit.PerIPPerMinute; limit > 0 {
		r.Use(httprate.Limit(
			limit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "60")
				writeDetail(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
			}),
		))
	}
	r.Use(s.guard)
	r.Use(s.authenticate)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Get("/system/version", s.handleVersion)

	synthesis := r.With(s.classLimit(ratelimit.ClassSynthesis))
	synthesis.Post("/tts/synthesize", s.handleTTS)
	synthesis.Post("/tts/structured", s.handleTTSStructured)
	synthesis.Post("/tts/kokoro", s.handleKokoro)
	text := r.With(s.classLimit(ratelimit.ClassText))
	text.Post("/ai/generate-text", s.handleGenerateText)
	text.Post("/ai/extract-text", s.handleExtractText)
	r.Get("/account/entitlements", s.handleEntitlements)
	r.Post("/services/dubbing/prepare", s.handleDubbingPrepare)

	r.Route("/dubbing/jobs", func(r chi.Router) {
		r.With(s.classLimit(ratelimit.ClassDubbing)).Post("/v2", s.handleJobCreate)
		r.Get("/", s.handleJobList)
		r.Get("/{jobID}", s.handleJobGet)
		r.Post("/{jobID}/cancel", s.handleJobCancel)
		r.Get("/{jobID}/report", s.handleJobReport)
		r.Get("/{jobID}/result", s.handleJobResult)
	})

	r.Route("/ops", func(r chi.Router) {
		r.Use(s.classLimit(ratelimit.ClassOps))
		r.Get("/guardian/status", s.handleGuardianStatus)
		r.Post("/guardian/scan", s.handleGuardianScan)
		r.Post("/guardian/actions", s.handleGuardianAction)
		r.Get("/guardian/approvals", s.handleApprovalList)
		r.Post("/guardian/approvals/{approvalID}/decision", s.handleApprovalDecide)
		r.Get("/pool", s.handlePoolSnapshot)
		r.Post("/pool/reload", s.handlePoolReload)
	})

	return r
}
