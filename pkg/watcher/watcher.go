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

// Package watcher implements the scheduling-failure watcher (§4.2): it
// watches Pending pods cluster-wide, admits the ones that are actually
// unschedulable, debounces repeats of the same pod, and hands admitted
// pods to the planner, executor and fallback.
package watcher

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/patrickmn/go-cache"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/cuemby/fairness-control/pkg/events"
	"github.com/cuemby/fairness-control/pkg/executor"
	"github.com/cuemby/fairness-control/pkg/fallback"
	"github.com/cuemby/fairness-control/pkg/log"
	"github.com/cuemby/fairness-control/pkg/orchestrator"
	"github.com/cuemby/fairness-control/pkg/planner"
	"github.com/cuemby/fairness-control/pkg/profile"
)

// Watcher is the §4.2 scheduling-failure watcher worker.
type Watcher struct {
	orchestrator orchestrator.Client
	store        *profile.Store
	planner      *planner.Planner
	executor     *executor.Executor
	fallback     *fallback.Fallback
	recorder     *events.Recorder

	idleTimeout      time.Duration
	reconnectBackoff time.Duration

	// inFlight debounces repeats of the same pod (by uid) within
	// IN_FLIGHT_TIMEOUT; printRate independently rate-limits the
	// "pending detected" log line by (namespace, name, uid) within
	// PRINT_REPEAT_SECONDS. Both are per-worker caches, never shared
	// (§5 "the in-flight set and print-rate map are per-worker").
	inFlight  *cache.Cache
	printRate *cache.Cache
}

// New constructs a Watcher.
func New(
	client orchestrator.Client,
	store *profile.Store,
	pl *planner.Planner,
	ex *executor.Executor,
	fb *fallback.Fallback,
	recorder *events.Recorder,
	inFlightTimeout, printRepeatInterval, idleTimeout, reconnectBackoff time.Duration,
) *Watcher {
	return &Watcher{
		orchestrator:     client,
		store:            store,
		planner:          pl,
		executor:         ex,
		fallback:         fb,
		recorder:         recorder,
		idleTimeout:      idleTimeout,
		reconnectBackoff: reconnectBackoff,
		inFlight:         cache.New(inFlightTimeout, inFlightTimeout),
		printRate:        cache.New(printRepeatInterval, printRepeatInterval),
	}
}

// Run blocks, watching Pending pods and driving planning/eviction until
// ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	logger := log.FromContext(ctx).WithValues("worker", "watcher")
	resourceVersion := ""

	for ctx.Err() == nil {
		rv, err := w.watchOnce(ctx, resourceVersion)
		resourceVersion = rv
		if err != nil && ctx.Err() == nil {
			logger.Error(err, "pod stream error, reconnecting", "backoff", w.reconnectBackoff)
			_ = retry.Do(func() error {
				select {
				case <-ctx.Done():
				case <-time.After(w.reconnectBackoff):
				}
				return nil
			}, retry.Attempts(1))
		}
	}
}

// watchOnce watches the pod stream for a single connection, tracking the
// last observed resourceVersion across reconnects (§4.2 "Stream
// recovery"); duplicates across reconnects are absorbed by the in-flight
// debounce.
func (w *Watcher) watchOnce(ctx context.Context, resourceVersion string) (string, error) {
	stream, err := w.orchestrator.WatchPods(ctx, resourceVersion)
	if err != nil {
		return resourceVersion, err
	}
	defer stream.Stop()

	idle := time.NewTimer(w.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return resourceVersion, nil
		case <-idle.C:
			return resourceVersion, nil
		case evt, ok := <-stream.ResultChan():
			if !ok {
				return resourceVersion, nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(w.idleTimeout)

			pod, ok := evt.Object.(*v1.Pod)
			if !ok {
				continue
			}
			resourceVersion = pod.ResourceVersion
			if evt.Type != watch.Modified && evt.Type != watch.Added {
				continue
			}
			w.handlePod(ctx, pod)
		}
	}
}

// handlePod admits pod if it's genuinely unschedulable, debounces repeats,
// and on admission decides between planning an eviction and leaving the
// pod pending (gated on running < max_container, §4.2's own admission
// rule on top of the scheduling condition check).
func (w *Watcher) handlePod(ctx context.Context, pod *v1.Pod) {
	logger := log.FromContext(ctx).WithValues("worker", "watcher", "pod", pod.Name, "namespace", pod.Namespace)

	if !orchestrator.IsUnschedulablePending(pod) {
		return
	}

	uid := string(pod.UID)
	if _, found := w.inFlight.Get(uid); found {
		return
	}
	w.inFlight.SetDefault(uid, time.Now())

	printKey := pod.Namespace + "/" + pod.Name + "/" + uid
	if _, found := w.printRate.Get(printKey); !found {
		w.printRate.SetDefault(printKey, time.Now())
		logger.Info("pending pod detected", "uid", uid)
	}

	service := pod.Namespace
	profileRow, err := w.store.GetService(ctx, service)
	if err != nil {
		// Profile read errors are treated as missing data (§7): no-op.
		logger.Error(err, "reading service profile; leaving pod pending")
		return
	}
	if profileRow == nil {
		logger.V(1).Info("no profile for service; leaving pod pending")
		return
	}

	runningPods, err := w.orchestrator.ListRunningPodsForService(ctx, service)
	if err != nil {
		logger.Error(err, "listing running pods for service; leaving pod pending")
		return
	}
	if int64(len(runningPods)) >= profileRow.MaxContainer {
		logger.V(1).Info("running count already at or above max_container; leaving pod pending",
			"running", len(runningPods), "maxContainer", profileRow.MaxContainer)
		return
	}

	plan, err := w.planner.Plan(ctx, pod)
	if err != nil {
		logger.Error(err, "planning eviction")
		return
	}
	if plan == nil {
		if w.recorder != nil {
			w.recorder.Publish(events.PlanInfeasible(pod))
		}
		if err := w.fallback.Apply(ctx, pod); err != nil {
			logger.Error(err, "applying quota-shrink fallback")
		}
		return
	}

	victimCount := 0
	for _, v := range plan.Victims {
		victimCount += int(v.Count)
	}
	if w.recorder != nil {
		w.recorder.Publish(events.PlanFound(pod, string(plan.Strategy), plan.Node, victimCount))
	}
	w.executor.Execute(ctx, plan)
}
