package planner_test

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
	_ "modernc.org/sqlite"

	"github.com/cuemby/fairness-control/pkg/orchestrator"
	"github.com/cuemby/fairness-control/pkg/planner"
	"github.com/cuemby/fairness-control/pkg/profile"
)

// fakeClient is an in-memory orchestrator.Client used only for planner
// tests; it holds fixed nodes and per-(service,node) Running pods.
type fakeClient struct {
	nodeAllocatable map[string]v1.ResourceList
	podsOnNode      map[string][]v1.Pod          // nodeName -> all non-terminal pods
	runningByNode   map[string]map[string][]v1.Pod // nodeName -> service -> running pods
	runningByService map[string][]v1.Pod
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		nodeAllocatable:  map[string]v1.ResourceList{},
		podsOnNode:       map[string][]v1.Pod{},
		runningByNode:    map[string]map[string][]v1.Pod{},
		runningByService: map[string][]v1.Pod{},
	}
}

func podWith(cpu, mem string) v1.Pod {
	return v1.Pod{
		Spec: v1.PodSpec{
			Containers: []v1.Container{{
				Resources: v1.ResourceRequirements{
					Requests: v1.ResourceList{
						v1.ResourceCPU:    resourcev1.MustParse(cpu),
						v1.ResourceMemory: resourcev1.MustParse(mem),
					},
				},
			}},
		},
		Status: v1.PodStatus{Phase: v1.PodRunning},
	}
}

func (f *fakeClient) addNode(name, cpu, mem string) {
	f.nodeAllocatable[name] = v1.ResourceList{
		v1.ResourceCPU:    resourcev1.MustParse(cpu),
		v1.ResourceMemory: resourcev1.MustParse(mem),
	}
}

func (f *fakeClient) addServicePods(node, service string, count int, cpu, mem string) {
	if f.runningByNode[node] == nil {
		f.runningByNode[node] = map[string][]v1.Pod{}
	}
	for i := 0; i < count; i++ {
		p := podWith(cpu, mem)
		f.runningByNode[node][service] = append(f.runningByNode[node][service], p)
		f.podsOnNode[node] = append(f.podsOnNode[node], p)
		f.runningByService[service] = append(f.runningByService[service], p)
	}
}

func (f *fakeClient) WatchPods(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return nil, nil
}
func (f *fakeClient) ListNamespacePods(ctx context.Context, namespace, nodeName string) ([]v1.Pod, error) {
	return f.runningByNode[nodeName][namespace], nil
}
func (f *fakeClient) ListRunningPodsForService(ctx context.Context, service string) ([]v1.Pod, error) {
	return f.runningByService[service], nil
}
func (f *fakeClient) ListRunningPodsForServiceOnNode(ctx context.Context, service, nodeName string) ([]v1.Pod, error) {
	return f.runningByNode[nodeName][service], nil
}
func (f *fakeClient) GetNode(ctx context.Context, name string) (*v1.Node, error) {
	return &v1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status:     v1.NodeStatus{Allocatable: f.nodeAllocatable[name]},
	}, nil
}
func (f *fakeClient) ListNodes(ctx context.Context) ([]v1.Node, error) { return nil, nil }
func (f *fakeClient) ListAllPodsOnNode(ctx context.Context, nodeName string) ([]v1.Pod, error) {
	return f.podsOnNode[nodeName], nil
}
func (f *fakeClient) DeletePod(ctx context.Context, namespace, name string, gracePeriod time.Duration) error {
	return nil
}
func (f *fakeClient) GetQuota(ctx context.Context, namespace, name string) (*v1.ResourceQuota, error) {
	return nil, nil
}
func (f *fakeClient) PatchQuotaHardPods(ctx context.Context, namespace, name string, hardPods int64) error {
	return nil
}
func (f *fakeClient) WatchEvents(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return nil, nil
}

var _ orchestrator.Client = (*fakeClient)(nil)

func seedProfileStore(t *testing.T, services []struct {
	name                  string
	tCold, weight         int64
	min, max, activeUnused int64
}, nodes []string) *profile.Store {
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
	for _, s := range services {
		if _, err := db.Exec(`INSERT INTO service_profile VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			s.name, 0, 0.0, float64(s.tCold), 0.0, s.weight, 0.0, s.max, s.min, 0, 0); err != nil {
			t.Fatalf("seeding service: %v", err)
		}
	}
	for _, n := range nodes {
		if _, err := db.Exec(`INSERT INTO node_resource_status VALUES (?,?,?,?,?,?)`,
			n, 0, 0, 0, 0, 0); err != nil {
			t.Fatalf("seeding node: %v", err)
		}
	}
	db.Close()

	store, err := profile.Open(path)
	if err != nil {
		t.Fatalf("opening profile store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func pendingPod(namespace, cpu, mem string) *v1.Pod {
	p := podWith(cpu, mem)
	p.Namespace = namespace
	p.Name = "pending"
	p.Status.Phase = v1.PodPending
	return &p
}

// Scenario 1 (§8): single-service feasible.
func TestPlanSingleServiceFeasible(t *testing.T) {
	g := NewWithT(t)

	client := newFakeClient()
	client.addNode("n1", "0m", "0")
	client.addServicePods("n1", "b", 3, "500m", "512Mi")

	store := seedProfileStore(t, []struct {
		name                   string
		tCold, weight          int64
		min, max, activeUnused int64
	}{
		{"a", 0, 0, 1, 3, 0},
		{"b", 5, 10, 1, 4, 0},
	}, []string{"n1"})

	pl := planner.New(store, client)
	plan, err := pl.Plan(context.Background(), pendingPod("a", "600m", "600Mi"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(plan).NotTo(BeNil())
	g.Expect(plan.Strategy).To(Equal(planner.StrategySingleService))
	g.Expect(plan.Node).To(Equal("n1"))
	g.Expect(plan.Victims).To(Equal([]planner.Victim{{Service: "b", Count: 2}}))
}

// Scenario 2 (§8): infeasible Level-1 for every candidate alone (each
// candidate's reducible pod count is too small to single-handedly cover
// the request), feasible Level-2 once B's and C's yields are accumulated.
func TestPlanCumulativeFeasible(t *testing.T) {
	g := NewWithT(t)

	client := newFakeClient()
	// Node's live free capacity is fully consumed by B's and C's own pods,
	// so freeCPU computes to 0 and the whole 600m must come from eviction.
	client.addNode("n1", "700m", "0")
	// B: 2 pods @ 250m each -> reducible=2, yields only 500m alone (<600m
	// needed), so Level 1 needs ceil(600/250)=3 > reducible(2): infeasible.
	client.addServicePods("n1", "b", 2, "250m", "0")
	// C: 2 pods @ 100m each -> reducible=2, yields only 200m alone, Level 1
	// needs ceil(600/100)=6 > reducible(2): infeasible.
	client.addServicePods("n1", "c", 2, "100m", "0")

	store := seedProfileStore(t, []struct {
		name                   string
		tCold, weight          int64
		min, max, activeUnused int64
	}{
		{"a", 0, 0, 1, 3, 0},
		{"b", 5, 10, 1, 4, 0}, // lower t_cold: evaluated before c
		{"c", 10, 20, 0, 4, 0},
	}, []string{"n1"})

	pl := planner.New(store, client)
	plan, err := pl.Plan(context.Background(), pendingPod("a", "600m", "0"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(plan).NotTo(BeNil())
	g.Expect(plan.Strategy).To(Equal(planner.StrategyCumulativeServices))
	g.Expect(plan.Node).To(Equal("n1"))
	// B's full evictable set (500m) alone isn't enough; C's full evictable
	// set (200m) is appended next, bringing the node accumulator to 700m,
	// which satisfies the 600m request.
	g.Expect(plan.Victims).To(Equal([]planner.Victim{
		{Service: "b", Count: 2},
		{Service: "c", Count: 2},
	}))
}

// Scenario 3 (§8): no feasible plan anywhere.
func TestPlanInfeasibleReturnsNil(t *testing.T) {
	g := NewWithT(t)

	client := newFakeClient()
	client.addNode("n1", "0m", "0")
	// b has no pods at all on n1 -> reducible_count == 0 always.
	store := seedProfileStore(t, []struct {
		name                   string
		tCold, weight          int64
		min, max, activeUnused int64
	}{
		{"a", 0, 0, 1, 3, 0},
		{"b", 5, 10, 1, 4, 0},
	}, []string{"n1"})

	pl := planner.New(store, client)
	plan, err := pl.Plan(context.Background(), pendingPod("a", "600m", "600Mi"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(plan).To(BeNil())
}

// Boundary case (§8): a pending pod with zero requests should not force
// any eviction when free capacity already covers it.
func TestPlanZeroRequestNoEvictionNeeded(t *testing.T) {
	g := NewWithT(t)

	client := newFakeClient()
	client.addNode("n1", "1000m", "1Gi")
	client.addServicePods("n1", "b", 1, "100m", "1Mi")

	store := seedProfileStore(t, []struct {
		name                   string
		tCold, weight          int64
		min, max, activeUnused int64
	}{
		{"a", 0, 0, 1, 3, 0},
		{"b", 5, 10, 1, 4, 0},
	}, []string{"n1"})

	pl := planner.New(store, client)
	plan, err := pl.Plan(context.Background(), pendingPod("a", "0", "0"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(plan).NotTo(BeNil())
	g.Expect(plan.Victims[0].Count).To(Equal(int64(0)))
}
