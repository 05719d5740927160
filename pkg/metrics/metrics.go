/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Namespace is the common Prometheus namespace for all metrics this
// controller exposes.
const Namespace = "fairness_control"

var (
	PlanningDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "planner",
			Name:      "duration_seconds",
			Help:      "Time to compute an eviction plan for a pending pod, labeled by outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	CandidatesEvaluatedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "planner",
			Name:      "candidates_evaluated_total",
			Help:      "Number of (candidate service, node) pairs evaluated while searching for a feasible plan.",
		},
		[]string{"strategy"},
	)

	PlansFoundCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "planner",
			Name:      "plans_total",
			Help:      "Number of planning attempts, labeled by outcome (feasible/infeasible) and strategy.",
		},
		[]string{"outcome", "strategy"},
	)

	EvictionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "executor",
			Name:      "evictions_total",
			Help:      "Number of victim pods deleted, labeled by victim service and result.",
		},
		[]string{"service", "result"},
	)

	QuotaPatchesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "quota",
			Name:      "patches_total",
			Help:      "Number of ResourceQuota hard.pods patches applied, labeled by direction and cause.",
		},
		[]string{"direction", "cause"},
	)

	FallbackInvocationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "fallback",
			Name:      "invocations_total",
			Help:      "Number of times the quota-shrink fallback ran after an infeasible plan, labeled by result.",
		},
		[]string{"result"},
	)
)

// MustRegister registers all metrics against the shared controller-runtime
// Prometheus registry. No Manager or Reconciler is used; the registry is
// consumed purely as a shared prometheus.Registerer so /metrics can be
// served from a plain http.Server.
func MustRegister() {
	crmetrics.Registry.MustRegister(
		PlanningDuration,
		CandidatesEvaluatedCounter,
		PlansFoundCounter,
		EvictionsCounter,
		QuotaPatchesCounter,
		FallbackInvocationsCounter,
	)
}
