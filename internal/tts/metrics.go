// SPDX-License-Identifier: MIT

package tts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceflow_tts_requests_total",
		Help: "Synthesis requests by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	attemptFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceflow_tts_attempt_failures_total",
		Help: "Failed upstream synthesis attempts by error kind.",
	}, []string{"kind"})

	realtimeFactor = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voiceflow_tts_realtime_factor",
		Help:    "Audio seconds produced per wall-clock second.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 150, 250, 500},
	})

	audioSecondsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceflow_tts_audio_seconds_total",
		Help: "Total audio seconds synthesized.",
	})
)
