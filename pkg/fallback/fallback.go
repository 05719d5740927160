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

// Package fallback applies the quota-shrink fallback (§4.5): when the
// planner finds no feasible eviction plan, the controller retreats to a
// self-limiting action on the trigger's own namespace rather than leaving
// the pending pod stuck against an unchanged ceiling.
package fallback

import (
	"context"
	"fmt"

	v1 "k8s.io/api/core/v1"

	"github.com/cuemby/fairness-control/pkg/events"
	"github.com/cuemby/fairness-control/pkg/log"
	"github.com/cuemby/fairness-control/pkg/metrics"
	"github.com/cuemby/fairness-control/pkg/orchestrator"
	"github.com/cuemby/fairness-control/pkg/profile"
)

// Fallback applies the §4.5 quota-shrink action.
type Fallback struct {
	orchestrator    orchestrator.Client
	store           *profile.Store
	recorder        *events.Recorder
	quotaObjectName string
}

// New constructs a Fallback.
func New(client orchestrator.Client, store *profile.Store, recorder *events.Recorder, quotaObjectName string) *Fallback {
	return &Fallback{
		orchestrator:    client,
		store:           store,
		recorder:        recorder,
		quotaObjectName: quotaObjectName,
	}
}

// Apply runs the fallback against pendingPod's own namespace: read the
// namespace's quota hard.pods; if strictly greater than the service's
// min_container, decrement by one, patch the quota, and delete the
// pending pod. If hard.pods <= min_container, it does nothing and leaves
// the pod Pending — the invariant hard.pods >= min_container is preserved.
func (f *Fallback) Apply(ctx context.Context, pendingPod *v1.Pod) error {
	service := pendingPod.Namespace
	logger := log.FromContext(ctx).WithValues("service", service, "pod", pendingPod.Name)

	profileRow, err := f.store.GetService(ctx, service)
	if err != nil {
		// Profile read errors are treated as missing data (§7); the
		// decision becomes a no-op and the pod is left Pending.
		logger.Error(err, "reading service profile for fallback; leaving pod pending")
		return nil
	}
	if profileRow == nil {
		logger.V(1).Info("no profile for service; leaving pod pending")
		return nil
	}

	quota, err := f.orchestrator.GetQuota(ctx, service, f.quotaObjectName)
	if err != nil {
		return fmt.Errorf("getting quota %q in %q: %w", f.quotaObjectName, service, err)
	}
	if quota == nil {
		logger.V(1).Info("no quota object for service; leaving pod pending")
		return nil
	}

	hardPods, ok := quota.Spec.Hard[v1.ResourcePods]
	if !ok {
		logger.V(1).Info("quota has no hard.pods; leaving pod pending")
		return nil
	}
	current := hardPods.Value()

	if current <= profileRow.MinContainer {
		logger.V(1).Info("hard.pods already at floor; leaving pod pending",
			"hardPods", current, "minContainer", profileRow.MinContainer)
		return nil
	}

	newHard := current - 1
	if err := f.orchestrator.PatchQuotaHardPods(ctx, service, f.quotaObjectName, newHard); err != nil {
		metrics.QuotaPatchesCounter.WithLabelValues("shrink", "fallback_failed").Inc()
		return fmt.Errorf("shrinking quota for %q to %d: %w", service, newHard, err)
	}
	metrics.QuotaPatchesCounter.WithLabelValues("shrink", "fallback").Inc()
	if f.recorder != nil {
		f.recorder.Publish(events.QuotaShrunk(quota, current, newHard, "fallback"))
	}
	logger.Info("shrunk own namespace quota via fallback", "hardPods", newHard)

	if err := f.orchestrator.DeletePod(ctx, pendingPod.Namespace, pendingPod.Name, 0); err != nil {
		return fmt.Errorf("deleting pending pod %q: %w", pendingPod.Name, err)
	}
	metrics.FallbackInvocationsCounter.WithLabelValues("applied").Inc()
	return nil
}
