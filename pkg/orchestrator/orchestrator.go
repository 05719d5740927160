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

// Package orchestrator narrows the Kubernetes API surface this controller
// actually needs (§6) down to a small interface, so the planner, executor,
// fallback, releaser and watcher packages depend on a seam rather than on
// client-go directly.
package orchestrator

import (
	"context"
	"time"

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// Client is the subset of the Kubernetes API this controller consumes.
type Client interface {
	// WatchPods watches pods across all namespaces starting from
	// resourceVersion (empty for "now").
	WatchPods(ctx context.Context, resourceVersion string) (watch.Interface, error)

	// ListNamespacePods lists non-terminal pods in namespace scheduled onto
	// nodeName. If nodeName is empty, all nodes are included.
	ListNamespacePods(ctx context.Context, namespace, nodeName string) ([]v1.Pod, error)

	// ListRunningPodsForService lists cluster-wide Running pods for service
	// (a namespace), excluding those with a non-zero DeletionTimestamp.
	ListRunningPodsForService(ctx context.Context, service string) ([]v1.Pod, error)

	// ListRunningPodsForServiceOnNode is ListRunningPodsForService narrowed
	// to a single node.
	ListRunningPodsForServiceOnNode(ctx context.Context, service, nodeName string) ([]v1.Pod, error)

	// GetNode fetches a node's current spec/status.
	GetNode(ctx context.Context, name string) (*v1.Node, error)

	// ListNodes lists all nodes, ordered by name ascending.
	ListNodes(ctx context.Context) ([]v1.Node, error)

	// ListAllPodsOnNode lists all non-terminal pods scheduled onto node,
	// regardless of namespace, for live free-capacity computation.
	ListAllPodsOnNode(ctx context.Context, nodeName string) ([]v1.Pod, error)

	// DeletePod deletes a pod with the given grace period.
	DeletePod(ctx context.Context, namespace, name string, gracePeriod time.Duration) error

	// GetQuota fetches a namespace's named ResourceQuota. A missing quota
	// returns (nil, nil), not an error — callers treat it as a no-op.
	GetQuota(ctx context.Context, namespace, name string) (*v1.ResourceQuota, error)

	// PatchQuotaHardPods merge-patches a ResourceQuota's spec.hard.pods.
	PatchQuotaHardPods(ctx context.Context, namespace, name string, hardPods int64) error

	// WatchEvents watches cluster-wide events starting from
	// resourceVersion (empty for "now").
	WatchEvents(ctx context.Context, resourceVersion string) (watch.Interface, error)
}

// PodRequests sums a pod's container resource requests, ephemeral per §3
// ("Pod resource view").
func PodRequests(pod *v1.Pod) (cpuMillicores, memoryBytes int64) {
	for _, c := range pod.Spec.Containers {
		if cpu := c.Resources.Requests.Cpu(); cpu != nil {
			cpuMillicores += cpu.MilliValue()
		}
		if mem := c.Resources.Requests.Memory(); mem != nil {
			memoryBytes += mem.Value()
		}
	}
	return cpuMillicores, memoryBytes
}

// IsTerminal reports whether pod is in a phase that no longer consumes
// scheduled resources.
func IsTerminal(pod *v1.Pod) bool {
	return pod.Status.Phase == v1.PodSucceeded || pod.Status.Phase == v1.PodFailed
}

// IsPendingDeletion reports whether pod has been marked for deletion.
func IsPendingDeletion(pod *v1.Pod) bool {
	return pod.DeletionTimestamp != nil
}

// IsRunning reports whether pod is Running and not pending deletion —
// the "Running, deletion-stamped pods excluded" filter used throughout §4.
func IsRunning(pod *v1.Pod) bool {
	return pod.Status.Phase == v1.PodRunning && !IsPendingDeletion(pod)
}

// IsUnschedulablePending reports whether pod is Pending with a negative
// scheduling condition carrying an Unschedulable or SchedulingDisabled
// reason, per §4.2.
func IsUnschedulablePending(pod *v1.Pod) bool {
	if pod.Status.Phase != v1.PodPending {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type != v1.PodScheduled {
			continue
		}
		if cond.Status == v1.ConditionTrue {
			continue
		}
		if cond.Reason == "Unschedulable" || cond.Reason == "SchedulingDisabled" {
			return true
		}
	}
	return false
}
