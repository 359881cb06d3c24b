// SPDX-License-Identifier: MIT

package allocator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voiceflow",
			Name:      "allocator_acquisitions_total",
			Help:      "Total lane leases issued, by model",
		},
		[]string{"model"},
	)

	acquireTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voiceflow",
			Name:      "allocator_acquire_timeouts_total",
			Help:      "Total acquisitions that exhausted their wait budget",
		},
	)
)
