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

// Package events gives the controller a single place to emit Kubernetes
// Events for operator observability: planning outcomes, evictions, quota
// shrinks and releases.
package events

import (
	"fmt"
	"time"

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
)

// Event describes one Kubernetes Event to publish against an involved
// object, with optional de-duplication so a repeating condition doesn't
// flood the event stream.
type Event struct {
	InvolvedObject runtime.Object
	Type           string
	Reason         string
	Message        string
	DedupeValues   []string
	DedupeTimeout  time.Duration
}

func dedupeKey(e Event) string {
	return fmt.Sprintf("%s/%v", e.Reason, e.DedupeValues)
}

// Recorder publishes Events through an underlying client-go EventRecorder,
// with de-duplication state kept independent per worker per §5 ("no
// controller-local state crosses workers").
type Recorder struct {
	recorder record.EventRecorder
	dedupe   *dedupeCache
}

// NewRecorder wraps a client-go EventRecorder.
func NewRecorder(recorder record.EventRecorder) *Recorder {
	return &Recorder{
		recorder: recorder,
		dedupe:   newDedupeCache(),
	}
}

// Publish emits each event via the underlying recorder, skipping emission
// if an identical (Reason, DedupeValues) pair was already published within
// DedupeTimeout.
func (r *Recorder) Publish(evts ...Event) {
	for _, e := range evts {
		if e.DedupeTimeout > 0 && !r.dedupe.shouldEmit(e) {
			continue
		}
		r.recorder.Event(e.InvolvedObject, e.Type, e.Reason, e.Message)
	}
}

// PlanFound is emitted against the pending pod when the planner returns a
// feasible plan.
func PlanFound(pod *v1.Pod, strategy, node string, victimCount int) Event {
	return Event{
		InvolvedObject: pod,
		Type:           v1.EventTypeNormal,
		Reason:         "EvictionPlanFound",
		Message:        fmt.Sprintf("strategy=%s node=%s victims=%d", strategy, node, victimCount),
		DedupeValues:   []string{pod.Namespace, pod.Name, strategy, node},
	}
}

// PlanInfeasible is emitted against the pending pod when no plan could be
// found and the quota-shrink fallback is about to run.
func PlanInfeasible(pod *v1.Pod) Event {
	return Event{
		InvolvedObject: pod,
		Type:           v1.EventTypeWarning,
		Reason:         "EvictionPlanInfeasible",
		Message:        "no feasible eviction plan; falling back to quota shrink",
		DedupeValues:   []string{pod.Namespace, pod.Name},
		DedupeTimeout:  time.Minute,
	}
}

// Evicted is emitted against a victim pod once its delete call succeeds.
func Evicted(pod *v1.Pod, reason string) Event {
	return Event{
		InvolvedObject: pod,
		Type:           v1.EventTypeNormal,
		Reason:         "Evicted",
		Message:        fmt.Sprintf("evicted to free capacity: %s", reason),
		DedupeValues:   []string{pod.Namespace, pod.Name},
	}
}

// QuotaShrunk is emitted against a ResourceQuota when hard.pods is reduced.
func QuotaShrunk(quota *v1.ResourceQuota, from, to int64, cause string) Event {
	return Event{
		InvolvedObject: quota,
		Type:           v1.EventTypeNormal,
		Reason:         "QuotaShrunk",
		Message:        fmt.Sprintf("hard.pods %d -> %d (%s)", from, to, cause),
		DedupeValues:   []string{quota.Namespace, quota.Name, cause},
		DedupeTimeout:  30 * time.Second,
	}
}

// QuotaReleased is emitted against a ResourceQuota when hard.pods is
// incremented by the releaser.
func QuotaReleased(quota *v1.ResourceQuota, from, to int64) Event {
	return Event{
		InvolvedObject: quota,
		Type:           v1.EventTypeNormal,
		Reason:         "QuotaReleased",
		Message:        fmt.Sprintf("hard.pods %d -> %d", from, to),
		DedupeValues:   []string{quota.Namespace, quota.Name},
		DedupeTimeout:  30 * time.Second,
	}
}
