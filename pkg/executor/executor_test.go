package executor_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/record"

	"github.com/cuemby/fairness-control/pkg/events"
	"github.com/cuemby/fairness-control/pkg/executor"
	"github.com/cuemby/fairness-control/pkg/planner"
)

func testRecorder() *events.Recorder {
	return events.NewRecorder(record.NewFakeRecorder(64))
}

type recordedPatch struct {
	namespace, name string
	hardPods        int64
}
type recordedDelete struct {
	namespace, name string
}

type fakeClient struct {
	runningOnNode map[string][]v1.Pod
	runningGlobal map[string][]v1.Pod
	patches       []recordedPatch
	deletes       []recordedDelete
}

func (f *fakeClient) WatchPods(context.Context, string) (watch.Interface, error) { return nil, nil }
func (f *fakeClient) ListNamespacePods(context.Context, string, string) ([]v1.Pod, error) {
	return nil, nil
}
func (f *fakeClient) ListRunningPodsForService(_ context.Context, service string) ([]v1.Pod, error) {
	return f.runningGlobal[service], nil
}
func (f *fakeClient) ListRunningPodsForServiceOnNode(_ context.Context, service, node string) ([]v1.Pod, error) {
	return f.runningOnNode[service+"@"+node], nil
}
func (f *fakeClient) GetNode(context.Context, string) (*v1.Node, error) { return &v1.Node{}, nil }
func (f *fakeClient) ListNodes(context.Context) ([]v1.Node, error)     { return nil, nil }
func (f *fakeClient) ListAllPodsOnNode(context.Context, string) ([]v1.Pod, error) {
	return nil, nil
}
func (f *fakeClient) DeletePod(_ context.Context, namespace, name string, _ time.Duration) error {
	f.deletes = append(f.deletes, recordedDelete{namespace, name})
	return nil
}
func (f *fakeClient) GetQuota(context.Context, string, string) (*v1.ResourceQuota, error) {
	return nil, nil
}
func (f *fakeClient) PatchQuotaHardPods(_ context.Context, namespace, name string, hardPods int64) error {
	f.patches = append(f.patches, recordedPatch{namespace, name, hardPods})
	return nil
}
func (f *fakeClient) WatchEvents(context.Context, string) (watch.Interface, error) { return nil, nil }

func pod(namespace, name string) v1.Pod {
	return v1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name}}
}

// Invariant 1 (§8): after an executor run, the quota-shrink amount equals
// global_running_count - needed_count, and the requested number of local
// victims are deleted.
func TestExecuteShrinksQuotaBeforeDeleting(t *testing.T) {
	g := NewWithT(t)

	client := &fakeClient{
		runningOnNode: map[string][]v1.Pod{
			"b@n1": {pod("b", "b-1"), pod("b", "b-2"), pod("b", "b-3")},
		},
		runningGlobal: map[string][]v1.Pod{
			"b": {pod("b", "b-1"), pod("b", "b-2"), pod("b", "b-3"), pod("b", "b-4")},
		},
	}

	exec := executor.New(client, testRecorder(), "pod-quota", time.Second)
	exec.Execute(context.Background(), &planner.Plan{
		Strategy: planner.StrategySingleService,
		Node:     "n1",
		Victims:  []planner.Victim{{Service: "b", Count: 2}},
	})

	g.Expect(client.patches).To(HaveLen(1))
	g.Expect(client.patches[0].hardPods).To(Equal(int64(2))) // 4 global - 2 needed
	g.Expect(client.deletes).To(HaveLen(2))
	g.Expect(client.deletes[0].name).To(Equal("b-1"))
	g.Expect(client.deletes[1].name).To(Equal("b-2"))
}

// Independent-per-namespace processing (§4.4): a quota-patch failure on
// one victim namespace must not prevent others from being processed.
type failingPatchClient struct {
	*fakeClient
	failNamespace string
}

func (f *failingPatchClient) PatchQuotaHardPods(ctx context.Context, namespace, name string, hardPods int64) error {
	if namespace == f.failNamespace {
		return context.DeadlineExceeded
	}
	return f.fakeClient.PatchQuotaHardPods(ctx, namespace, name, hardPods)
}

func TestExecuteContinuesAfterOneNamespaceFails(t *testing.T) {
	g := NewWithT(t)

	inner := &fakeClient{
		runningOnNode: map[string][]v1.Pod{
			"b@n1": {pod("b", "b-1")},
			"c@n1": {pod("c", "c-1")},
		},
		runningGlobal: map[string][]v1.Pod{
			"b": {pod("b", "b-1")},
			"c": {pod("c", "c-1")},
		},
	}
	client := &failingPatchClient{fakeClient: inner, failNamespace: "b"}

	exec := executor.New(client, testRecorder(), "pod-quota", time.Second)
	exec.Execute(context.Background(), &planner.Plan{
		Strategy: planner.StrategyCumulativeServices,
		Node:     "n1",
		Victims: []planner.Victim{
			{Service: "b", Count: 1},
			{Service: "c", Count: 1},
		},
	})

	// b's quota patch failed so no delete happened for b, but c still proceeded.
	g.Expect(inner.deletes).To(HaveLen(1))
	g.Expect(inner.deletes[0].namespace).To(Equal("c"))
}
