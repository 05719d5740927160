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

// Package releaser implements the quota releaser (§4.6): an independent
// worker watching the orchestrator's event stream for FailedCreate events
// caused by an exhausted quota, restoring one slot of hard.pods at a time
// so the shrink actions from pkg/executor and pkg/fallback don't become
// permanent.
package releaser

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"
	v1 "k8s.io/api/core/v1"
	clientgoretry "k8s.io/client-go/util/retry"

	"github.com/cuemby/fairness-control/pkg/events"
	"github.com/cuemby/fairness-control/pkg/internal/changemonitor"
	"github.com/cuemby/fairness-control/pkg/log"
	"github.com/cuemby/fairness-control/pkg/metrics"
	"github.com/cuemby/fairness-control/pkg/orchestrator"
	"github.com/cuemby/fairness-control/pkg/profile"
)

const reconnectBackoffDefault = 2 * time.Second

// workloadControllerKinds is the set of InvolvedObject kinds a FailedCreate
// quota event is believed to originate from (§4.6: "workload-controller
// kinds").
var workloadControllerKinds = map[string]bool{
	"ReplicaSet":  true,
	"Deployment":  true,
	"StatefulSet": true,
	"Job":         true,
	"DaemonSet":   true,
}

// Releaser is the §4.6 quota releaser worker.
type Releaser struct {
	orchestrator     orchestrator.Client
	store            *profile.Store
	recorder         *events.Recorder
	quotaObjectName  string
	idleTimeout      time.Duration
	reconnectBackoff time.Duration
	seen             *changemonitor.Monitor
}

// New constructs a Releaser.
func New(client orchestrator.Client, store *profile.Store, recorder *events.Recorder, quotaObjectName string, idleTimeout, reconnectBackoff time.Duration) *Releaser {
	if reconnectBackoff <= 0 {
		reconnectBackoff = reconnectBackoffDefault
	}
	return &Releaser{
		orchestrator:     client,
		store:            store,
		recorder:         recorder,
		quotaObjectName:  quotaObjectName,
		idleTimeout:      idleTimeout,
		reconnectBackoff: reconnectBackoff,
		seen:             changemonitor.New(),
	}
}

// Run blocks, watching the event stream and releasing quota until ctx is
// cancelled (§5: "a shared stop signal terminates both" workers).
func (r *Releaser) Run(ctx context.Context) {
	logger := log.FromContext(ctx).WithValues("worker", "releaser")
	resourceVersion := ""

	for ctx.Err() == nil {
		rv, err := r.watchOnce(ctx, resourceVersion)
		resourceVersion = rv
		if err != nil && ctx.Err() == nil {
			logger.Error(err, "event stream error, reconnecting", "backoff", r.reconnectBackoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.reconnectBackoff):
			}
		}
	}
}

// watchOnce watches the event stream for a single connection, returning
// the last observed resourceVersion for the next reconnect — the same
// at-least-once reconnect idiom as the scheduling-failure watcher (§4.2
// "Stream recovery").
func (r *Releaser) watchOnce(ctx context.Context, resourceVersion string) (string, error) {
	logger := log.FromContext(ctx).WithValues("worker", "releaser")

	w, err := r.orchestrator.WatchEvents(ctx, resourceVersion)
	if err != nil {
		return resourceVersion, err
	}
	defer w.Stop()

	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return resourceVersion, nil
		case <-idle.C:
			return resourceVersion, nil
		case evt, ok := <-w.ResultChan():
			if !ok {
				return resourceVersion, nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(r.idleTimeout)

			kubeEvent, ok := evt.Object.(*v1.Event)
			if !ok {
				continue
			}
			resourceVersion = kubeEvent.ResourceVersion
			r.handleEvent(ctx, logger, kubeEvent)
		}
	}
}

// handleEvent admits only FailedCreate events on a workload-controller
// kind whose message names an exceeded quota, then releases one slot of
// hard.pods on that workload's namespace.
func (r *Releaser) handleEvent(ctx context.Context, logger logr.Logger, evt *v1.Event) {
	if evt.Reason != "FailedCreate" {
		return
	}
	if !workloadControllerKinds[evt.InvolvedObject.Kind] {
		return
	}
	if !strings.Contains(evt.Message, "exceeded quota") {
		return
	}

	namespace := evt.InvolvedObject.Namespace
	if namespace == "" {
		return
	}

	if err := r.release(ctx, namespace); err != nil {
		logger.Error(err, "releasing quota", "namespace", namespace)
	}
}

// release applies the single-step increment described in §4.6, using
// RetryOnConflict for the read-then-patch race against other writers of
// the same quota object.
func (r *Releaser) release(ctx context.Context, namespace string) error {
	logger := log.FromContext(ctx).WithValues("worker", "releaser", "namespace", namespace)

	profileRow, err := r.store.GetService(ctx, namespace)
	if err != nil {
		// Profile read errors are treated as missing data (§7); no-op.
		logger.Error(err, "reading service profile; skipping release")
		return nil
	}
	if profileRow == nil {
		logger.V(1).Info("no profile for namespace; skipping release")
		return nil
	}

	return clientgoretry.RetryOnConflict(clientgoretry.DefaultRetry, func() error {
		quota, err := r.orchestrator.GetQuota(ctx, namespace, r.quotaObjectName)
		if err != nil {
			return err
		}
		if quota == nil {
			return nil
		}
		hardPods, ok := quota.Spec.Hard[v1.ResourcePods]
		if !ok {
			return nil
		}
		current := hardPods.Value()
		if current >= profileRow.MaxContainer {
			return nil
		}

		newHard := current + 1
		if err := r.orchestrator.PatchQuotaHardPods(ctx, namespace, r.quotaObjectName, newHard); err != nil {
			metrics.QuotaPatchesCounter.WithLabelValues("release", "release_failed").Inc()
			return err
		}
		metrics.QuotaPatchesCounter.WithLabelValues("release", "release").Inc()
		if r.recorder != nil {
			r.recorder.Publish(events.QuotaReleased(quota, current, newHard))
		}
		if r.seen.HasChanged(namespace, newHard) {
			logger.Info("released quota slot", "hardPods", newHard)
		}
		return nil
	})
}
