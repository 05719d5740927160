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

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// kubernetesClient implements Client against a live apiserver connection.
type kubernetesClient struct {
	clientset kubernetes.Interface
}

// NewFromCredentials builds a Client, preferring ambient in-cluster
// credentials and falling back to a local kubeconfig, in that order, per
// §6 ("both are attempted in that order at startup; failure is fatal").
func NewFromCredentials(kubeconfigPath string) (Client, error) {
	cfg, err := loadConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes credentials: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	return &kubernetesClient{clientset: clientset}, nil
}

func loadConfig(kubeconfigPath string) (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

func (k *kubernetesClient) WatchPods(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return k.clientset.CoreV1().Pods(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		ResourceVersion: resourceVersion,
	})
}

func (k *kubernetesClient) ListNamespacePods(ctx context.Context, namespace, nodeName string) ([]v1.Pod, error) {
	opts := metav1.ListOptions{}
	if nodeName != "" {
		opts.FieldSelector = fields.OneTermEqualSelector("spec.nodeName", nodeName).String()
	}
	list, err := k.clientset.CoreV1().Pods(namespace).List(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]v1.Pod, 0, len(list.Items))
	for _, pod := range list.Items {
		if !IsTerminal(&pod) { //nolint:exportloopref
			out = append(out, pod)
		}
	}
	return out, nil
}

func (k *kubernetesClient) ListRunningPodsForService(ctx context.Context, service string) ([]v1.Pod, error) {
	return k.listRunningFiltered(ctx, service, "")
}

func (k *kubernetesClient) ListRunningPodsForServiceOnNode(ctx context.Context, service, nodeName string) ([]v1.Pod, error) {
	return k.listRunningFiltered(ctx, service, nodeName)
}

func (k *kubernetesClient) listRunningFiltered(ctx context.Context, service, nodeName string) ([]v1.Pod, error) {
	selector := fields.OneTermEqualSelector("status.phase", string(v1.PodRunning))
	if nodeName != "" {
		selector = fields.AndSelectors(selector, fields.OneTermEqualSelector("spec.nodeName", nodeName))
	}
	list, err := k.clientset.CoreV1().Pods(service).List(ctx, metav1.ListOptions{
		FieldSelector: selector.String(),
	})
	if err != nil {
		return nil, err
	}
	out := make([]v1.Pod, 0, len(list.Items))
	for _, pod := range list.Items {
		if IsRunning(&pod) { //nolint:exportloopref // copied by value into out below
			out = append(out, pod)
		}
	}
	return out, nil
}

func (k *kubernetesClient) GetNode(ctx context.Context, name string) (*v1.Node, error) {
	return k.clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
}

func (k *kubernetesClient) ListNodes(ctx context.Context) ([]v1.Node, error) {
	list, err := k.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	items := list.Items
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (k *kubernetesClient) ListAllPodsOnNode(ctx context.Context, nodeName string) ([]v1.Pod, error) {
	list, err := k.clientset.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
	})
	if err != nil {
		return nil, err
	}
	out := make([]v1.Pod, 0, len(list.Items))
	for _, pod := range list.Items {
		if !IsTerminal(&pod) { //nolint:exportloopref
			out = append(out, pod)
		}
	}
	return out, nil
}

func (k *kubernetesClient) DeletePod(ctx context.Context, namespace, name string, gracePeriod time.Duration) error {
	seconds := int64(gracePeriod.Seconds())
	err := k.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &seconds,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (k *kubernetesClient) GetQuota(ctx context.Context, namespace, name string) (*v1.ResourceQuota, error) {
	quota, err := k.clientset.CoreV1().ResourceQuotas(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return quota, nil
}

func (k *kubernetesClient) PatchQuotaHardPods(ctx context.Context, namespace, name string, hardPods int64) error {
	patch := map[string]interface{}{
		"spec": map[string]interface{}{
			"hard": map[string]interface{}{
				"pods": fmt.Sprintf("%d", hardPods),
			},
		},
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshalling quota patch: %w", err)
	}
	_, err = k.clientset.CoreV1().ResourceQuotas(namespace).Patch(ctx, name, types.MergePatchType, body, metav1.PatchOptions{})
	return err
}

func (k *kubernetesClient) WatchEvents(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return k.clientset.CoreV1().Events(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		ResourceVersion: resourceVersion,
	})
}

// IsRetryable reports whether err is the kind of transient Kubernetes API
// error §7 says to log-and-continue rather than treat as fatal.
func IsRetryable(err error) bool {
	return apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) || apierrors.IsTooManyRequests(err) || apierrors.IsServiceUnavailable(err)
}

// IsConflict reports an optimistic-concurrency conflict on an update/patch.
func IsConflict(err error) bool {
	return apierrors.IsConflict(err)
}
