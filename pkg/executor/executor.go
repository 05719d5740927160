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

// Package executor applies an eviction plan: for each victim namespace,
// shrink its pod quota before deleting the selected victim pods, so the
// workload controller doesn't spawn replacements mid-drain (§4.4).
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/cuemby/fairness-control/pkg/events"
	"github.com/cuemby/fairness-control/pkg/log"
	"github.com/cuemby/fairness-control/pkg/metrics"
	"github.com/cuemby/fairness-control/pkg/orchestrator"
	"github.com/cuemby/fairness-control/pkg/planner"
)

// Executor applies planner.Plan values against the orchestrator.
type Executor struct {
	orchestrator    orchestrator.Client
	recorder        *events.Recorder
	quotaObjectName string
	gracePeriod     time.Duration
}

// New constructs an Executor. gracePeriod is capped by callers (see
// pkg/options) at 3s per §4.4.
func New(client orchestrator.Client, recorder *events.Recorder, quotaObjectName string, gracePeriod time.Duration) *Executor {
	return &Executor{
		orchestrator:    client,
		recorder:        recorder,
		quotaObjectName: quotaObjectName,
		gracePeriod:     gracePeriod,
	}
}

// Execute applies plan. Each victim namespace is processed independently;
// a failure on one does not abort the others (§4.4), and their errors are
// logged but never propagated to the caller — the watcher's next pending
// event re-enters planning per §7.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan) {
	logger := log.FromContext(ctx).WithValues("node", plan.Node, "strategy", plan.Strategy)

	var errs error
	for _, victim := range plan.Victims {
		if err := e.executeVictim(ctx, logger, plan.Node, victim); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("victim %q: %w", victim.Service, err))
		}
	}
	if errs != nil {
		logger.Error(errs, "one or more victim namespaces failed eviction; others proceeded")
	}
}

func (e *Executor) executeVictim(ctx context.Context, logger logr.Logger, node string, victim planner.Victim) error {
	// 1. Running pods of this service on the target node, deletion-stamped excluded.
	localPods, err := e.orchestrator.ListRunningPodsForServiceOnNode(ctx, victim.Service, node)
	if err != nil {
		return fmt.Errorf("listing local running pods for %q on %q: %w", victim.Service, node, err)
	}

	// 2. Cluster-wide Running count for the quota-shrink arithmetic.
	globalPods, err := e.orchestrator.ListRunningPodsForService(ctx, victim.Service)
	if err != nil {
		return fmt.Errorf("listing cluster-wide running pods for %q: %w", victim.Service, err)
	}
	globalCount := int64(len(globalPods))
	newQuota := globalCount - victim.Count

	// 3. Shrink the namespace's pod quota before deleting, the thrash guard.
	if err := e.orchestrator.PatchQuotaHardPods(ctx, victim.Service, e.quotaObjectName, newQuota); err != nil {
		metrics.QuotaPatchesCounter.WithLabelValues("shrink", "eviction_failed").Inc()
		return fmt.Errorf("shrinking quota for %q to %d: %w", victim.Service, newQuota, err)
	}
	metrics.QuotaPatchesCounter.WithLabelValues("shrink", "eviction").Inc()
	logger.Info("shrunk victim namespace quota", "service", victim.Service, "hardPods", newQuota)

	// 4. Delete the first needed_count pods with a short grace period.
	deleted := int64(0)
	for i := range localPods {
		if deleted >= victim.Count {
			break
		}
		pod := &localPods[i]
		err := e.orchestrator.DeletePod(ctx, pod.Namespace, pod.Name, e.gracePeriod)
		if err != nil {
			if apierrors.IsNotFound(err) {
				deleted++
				continue
			}
			metrics.EvictionsCounter.WithLabelValues(victim.Service, "error").Inc()
			logger.Error(err, "deleting victim pod", "pod", pod.Name)
			continue
		}
		metrics.EvictionsCounter.WithLabelValues(victim.Service, "success").Inc()
		if e.recorder != nil {
			e.recorder.Publish(events.Evicted(pod, "fairness eviction"))
		}
		deleted++
	}
	logger.Info("evicted victim pods", "service", victim.Service, "requested", victim.Count, "deleted", deleted)
	return nil
}
