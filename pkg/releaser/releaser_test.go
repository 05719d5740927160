package releaser_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	v1 "k8s.io/api/core/v1"
	resourcev1 "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/record"
	_ "modernc.org/sqlite"

	"github.com/cuemby/fairness-control/pkg/events"
	"github.com/cuemby/fairness-control/pkg/orchestrator"
	"github.com/cuemby/fairness-control/pkg/profile"
	"github.com/cuemby/fairness-control/pkg/releaser"
)

type fakeClient struct {
	quota     map[string]*v1.ResourceQuota
	patches   []int64
	eventChan chan watch.Event
}

func (f *fakeClient) WatchPods(context.Context, string) (watch.Interface, error) { return nil, nil }
func (f *fakeClient) ListNamespacePods(context.Context, string, string) ([]v1.Pod, error) {
	return nil, nil
}
func (f *fakeClient) ListRunningPodsForService(context.Context, string) ([]v1.Pod, error) {
	return nil, nil
}
func (f *fakeClient) ListRunningPodsForServiceOnNode(context.Context, string, string) ([]v1.Pod, error) {
	return nil, nil
}
func (f *fakeClient) GetNode(context.Context, string) (*v1.Node, error) { return nil, nil }
func (f *fakeClient) ListNodes(context.Context) ([]v1.Node, error)     { return nil, nil }
func (f *fakeClient) ListAllPodsOnNode(context.Context, string) ([]v1.Pod, error) {
	return nil, nil
}
func (f *fakeClient) DeletePod(context.Context, string, string, time.Duration) error { return nil }
func (f *fakeClient) GetQuota(_ context.Context, namespace, name string) (*v1.ResourceQuota, error) {
	return f.quota[namespace], nil
}
func (f *fakeClient) PatchQuotaHardPods(_ context.Context, namespace, name string, hardPods int64) error {
	f.patches = append(f.patches, hardPods)
	q := f.quota[namespace]
	q.Spec.Hard[v1.ResourcePods] = *resourcev1.NewQuantity(hardPods, resourcev1.DecimalSI)
	return nil
}
func (f *fakeClient) WatchEvents(context.Context, string) (watch.Interface, error) {
	return &fakeWatch{ch: f.eventChan}, nil
}

var _ orchestrator.Client = (*fakeClient)(nil)

type fakeWatch struct {
	ch chan watch.Event
}

func (w *fakeWatch) Stop()                        {}
func (w *fakeWatch) ResultChan() <-chan watch.Event { return w.ch }

func quotaWithHard(namespace string, hard int64) *v1.ResourceQuota {
	return &v1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: "pod-quota"},
		Spec: v1.ResourceQuotaSpec{
			Hard: v1.ResourceList{
				v1.ResourcePods: *resourcev1.NewQuantity(hard, resourcev1.DecimalSI),
			},
		},
	}
}

func seedStore(t *testing.T, service string, maxContainer int64) *profile.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("opening seed db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE service_profile (
			service TEXT PRIMARY KEY, creation_time INTEGER, t_warm REAL, t_cold REAL,
			t_execute REAL, weight INTEGER, qos REAL, max_container INTEGER,
			min_container INTEGER, active_container INTEGER, request_cnt INTEGER
		);
		CREATE TABLE node_resource_status (
			node_name TEXT PRIMARY KEY, cpu_allocatable_m INTEGER, cpu_free_m INTEGER,
			mem_allocatable_bytes INTEGER, mem_free_bytes INTEGER, last_updated INTEGER
		);`); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO service_profile VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		service, 0, 0.0, 0.0, 0.0, 1, 0.0, maxContainer, 1, 0, 0); err != nil {
		t.Fatalf("seeding service: %v", err)
	}
	db.Close()

	store, err := profile.Open(path)
	if err != nil {
		t.Fatalf("opening profile store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecorder() *events.Recorder {
	return events.NewRecorder(record.NewFakeRecorder(64))
}

func failedCreateEvent(namespace, message string) watch.Event {
	return watch.Event{
		Type: watch.Added,
		Object: &v1.Event{
			ObjectMeta:     metav1.ObjectMeta{Namespace: namespace, Name: "evt-1"},
			Reason:         "FailedCreate",
			Message:        message,
			InvolvedObject: v1.ObjectReference{Kind: "ReplicaSet", Namespace: namespace, Name: "b-abc"},
		},
	}
}

func TestReleaserIncrementsQuotaOnExceededQuotaEvent(t *testing.T) {
	g := NewWithT(t)

	client := &fakeClient{
		quota:     map[string]*v1.ResourceQuota{"b": quotaWithHard("b", 2)},
		eventChan: make(chan watch.Event, 1),
	}
	store := seedStore(t, "b", 4)

	r := releaser.New(client, store, testRecorder(), "pod-quota", 200*time.Millisecond, 10*time.Millisecond)

	client.eventChan <- failedCreateEvent("b", "pods \"b-abc\" is forbidden: exceeded quota: pod-quota")
	close(client.eventChan)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	g.Expect(client.patches).To(Equal([]int64{3}))
}

func TestReleaserNoOpAtCeiling(t *testing.T) {
	g := NewWithT(t)

	client := &fakeClient{
		quota:     map[string]*v1.ResourceQuota{"b": quotaWithHard("b", 4)},
		eventChan: make(chan watch.Event, 1),
	}
	store := seedStore(t, "b", 4)

	r := releaser.New(client, store, testRecorder(), "pod-quota", 200*time.Millisecond, 10*time.Millisecond)

	client.eventChan <- failedCreateEvent("b", "exceeded quota: pod-quota")
	close(client.eventChan)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	g.Expect(client.patches).To(BeEmpty())
}
