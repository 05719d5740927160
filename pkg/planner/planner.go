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

// Package planner computes eviction plans for a pending, unschedulable
// pod: a node and a set of victim services/counts whose removal frees
// enough aggregate CPU and memory for the pod to schedule (§4.3).
package planner

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	v1 "k8s.io/api/core/v1"

	"github.com/cuemby/fairness-control/pkg/log"
	"github.com/cuemby/fairness-control/pkg/metrics"
	"github.com/cuemby/fairness-control/pkg/orchestrator"
	"github.com/cuemby/fairness-control/pkg/profile"
	"github.com/cuemby/fairness-control/pkg/resource"
)

// Strategy is the closed set of plan strategies (§9: "carries no
// behavioral meaning in the executor and exists for operator
// observability").
type Strategy string

const (
	StrategySingleService      Strategy = "Single Service"
	StrategyCumulativeServices Strategy = "Cumulative Services"
)

// Victim is one entry of a Plan's evict_list: a candidate service and how
// many of its Running pods on Plan.Node to delete.
type Victim struct {
	Service string
	Count   int64
}

// Plan is the planner's output: a node and an ordered set of victims whose
// eviction is expected to free enough room for the pending pod.
type Plan struct {
	Strategy Strategy
	Node     string
	Victims  []Victim
}

// Planner computes Plans from live orchestrator state and the profile
// store's priority ordering.
type Planner struct {
	store        *profile.Store
	orchestrator orchestrator.Client
}

// New constructs a Planner.
func New(store *profile.Store, client orchestrator.Client) *Planner {
	return &Planner{store: store, orchestrator: client}
}

type nodeFreeResources struct {
	cpuFreeM     int64
	memFreeBytes int64
}

// Plan computes a feasible eviction plan for pendingPod, whose namespace is
// the trigger service and is excluded from victim candidates. It returns
// (nil, nil) when no feasible plan exists — planning infeasibility is not
// an error (§7).
func (p *Planner) Plan(ctx context.Context, pendingPod *v1.Pod) (*Plan, error) {
	planID := uuid.NewString()
	logger := log.FromContext(ctx).WithValues("planID", planID, "triggerService", pendingPod.Namespace, "pod", pendingPod.Name)

	// Mirrors the teacher's defer-a-timer idiom (provisioner.go's
	// schedulingDuration), but that histogram's label is fixed at entry;
	// this one's "outcome" label isn't known until Plan returns, so the
	// observation is deferred directly against the outcome var instead.
	start := time.Now()
	outcome := "infeasible"
	defer func() {
		metrics.PlanningDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	reqCPU, reqMem := orchestrator.PodRequests(pendingPod)
	logger.V(1).Info("computing eviction plan", "reqCPUMillicores", reqCPU, "reqMemoryBytes", reqMem)

	candidates, err := p.store.CandidateServices(ctx, pendingPod.Namespace)
	if err != nil {
		outcome = "error"
		return nil, fmt.Errorf("loading candidate services: %w", err)
	}
	snapshots, err := p.store.NodeSnapshots(ctx)
	if err != nil {
		outcome = "error"
		return nil, fmt.Errorf("loading node snapshots: %w", err)
	}
	nodeNames := lo.Map(snapshots, func(s profile.NodeResourceSnapshot, _ int) string { return s.NodeName })

	var scanErrs error

	plan, level1Errs := p.planLevel1(ctx, logger, candidates, nodeNames, reqCPU, reqMem)
	scanErrs = multierr.Append(scanErrs, level1Errs)
	if plan != nil {
		outcome = "feasible"
		metrics.PlansFoundCounter.WithLabelValues("feasible", string(plan.Strategy)).Inc()
		return plan, nil
	}

	plan, level2Errs := p.planLevel2(ctx, logger, candidates, snapshots, reqCPU, reqMem)
	scanErrs = multierr.Append(scanErrs, level2Errs)
	if plan != nil {
		outcome = "feasible"
		metrics.PlansFoundCounter.WithLabelValues("feasible", string(plan.Strategy)).Inc()
		return plan, nil
	}

	// Per-candidate-node lookup errors never abort the scan (§7: planning
	// infeasibility is not itself an error); they're only surfaced here for
	// operator visibility once the whole scan has concluded infeasible.
	if scanErrs != nil {
		logger.V(1).Info("planning scan completed with non-fatal lookup errors", "errors", scanErrs.Error())
	}

	metrics.PlansFoundCounter.WithLabelValues("infeasible", "").Inc()
	return nil, nil
}

// planLevel1 implements §4.3 "Level 1 — single-service plan". The second
// return value aggregates (via multierr) every non-fatal per-candidate or
// per-node lookup error encountered during the scan; it is never the
// reason the scan stops early.
func (p *Planner) planLevel1(ctx context.Context, logger logr.Logger, candidates []profile.ServiceProfile, nodeNames []string, reqCPU, reqMem int64) (*Plan, error) {
	var errs error
	for _, candidate := range candidates {
		allRunning, err := p.orchestrator.ListRunningPodsForService(ctx, candidate.Service)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("listing running pods for %q: %w", candidate.Service, err))
			continue
		}
		allRunningCount := int64(len(allRunning))

		for _, nodeName := range nodeNames {
			metrics.CandidatesEvaluatedCounter.WithLabelValues(string(StrategySingleService)).Inc()

			free, err := p.nodeFreeResources(ctx, nodeName)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("node %q free resources: %w", nodeName, err))
				continue
			}

			pCPU, pMem, reducibleCount, err := p.serviceGainOnNode(ctx, nodeName, candidate.Service)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%q on node %q: %w", candidate.Service, nodeName, err))
				continue
			}
			logger.V(1).Info("candidate", "service", candidate.Service, "node", nodeName, "reducibleCount", reducibleCount)
			if reducibleCount == 0 {
				continue
			}

			count, ok := victimCount(reqCPU, reqMem, free.cpuFreeM, free.memFreeBytes, pCPU, pMem)
			if !ok {
				continue
			}
			if count > reducibleCount {
				continue
			}
			if allRunningCount-count < candidate.MinContainer {
				continue
			}

			logger.Info("feasible single-service plan", "service", candidate.Service, "node", nodeName, "count", count)
			return &Plan{
				Strategy: StrategySingleService,
				Node:     nodeName,
				Victims:  []Victim{{Service: candidate.Service, Count: count}},
			}, errs
		}
	}
	return nil, errs
}

// planLevel2 implements §4.3 "Level 2 — cumulative plan". Per §9, no
// min_container floor is enforced here and the per-node accumulator is
// seeded from the cached snapshot rather than a live read — both are
// deliberate, documented gaps carried over from the original algorithm.
func (p *Planner) planLevel2(ctx context.Context, logger logr.Logger, candidates []profile.ServiceProfile, snapshots []profile.NodeResourceSnapshot, reqCPU, reqMem int64) (*Plan, error) {
	var errs error
	type accumulator struct {
		cpu, mem int64
		victims  []Victim
	}
	states := make(map[string]*accumulator, len(snapshots))
	order := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		states[s.NodeName] = &accumulator{cpu: s.CPUFreeM, mem: s.MemFreeBytes}
		order = append(order, s.NodeName)
	}

	for _, candidate := range candidates {
		for _, nodeName := range order {
			metrics.CandidatesEvaluatedCounter.WithLabelValues(string(StrategyCumulativeServices)).Inc()

			state := states[nodeName]
			pCPU, pMem, count, err := p.serviceGainOnNode(ctx, nodeName, candidate.Service)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%q on node %q: %w", candidate.Service, nodeName, err))
				continue
			}
			logger.V(1).Info("candidate", "service", candidate.Service, "node", nodeName, "reducibleCount", count)
			if count > 0 {
				state.cpu += count * pCPU
				state.mem += count * pMem
				state.victims = append(state.victims, Victim{Service: candidate.Service, Count: count})
			}
			if state.cpu >= reqCPU && state.mem >= reqMem {
				logger.Info("feasible cumulative plan", "node", nodeName, "victims", state.victims)
				return &Plan{
					Strategy: StrategyCumulativeServices,
					Node:     nodeName,
					Victims:  state.victims,
				}, errs
			}
		}
	}
	return nil, errs
}

// nodeFreeResources computes live allocatable-minus-used for node,
// consulting the orchestrator directly rather than the cached snapshot
// (§4.3 "Per-node realtime free resources", §9 "Planner locality").
func (p *Planner) nodeFreeResources(ctx context.Context, nodeName string) (nodeFreeResources, error) {
	node, err := p.orchestrator.GetNode(ctx, nodeName)
	if err != nil {
		return nodeFreeResources{}, fmt.Errorf("getting node %q: %w", nodeName, err)
	}
	totalCPU := resource.ParseCPUMillicores(node.Status.Allocatable.Cpu().String())
	totalMem := resource.ParseMemoryBytes(node.Status.Allocatable.Memory().String())

	pods, err := p.orchestrator.ListAllPodsOnNode(ctx, nodeName)
	if err != nil {
		return nodeFreeResources{}, fmt.Errorf("listing pods on node %q: %w", nodeName, err)
	}
	var usedCPU, usedMem int64
	for i := range pods {
		cpu, mem := orchestrator.PodRequests(&pods[i])
		usedCPU += cpu
		usedMem += mem
	}

	freeCPU := totalCPU - usedCPU
	if freeCPU < 0 {
		freeCPU = 0
	}
	freeMem := totalMem - usedMem
	if freeMem < 0 {
		freeMem = 0
	}
	return nodeFreeResources{cpuFreeM: freeCPU, memFreeBytes: freeMem}, nil
}

// serviceGainOnNode is §4.3's "Per-(node, candidate) yield estimate":
// inspect the first Running, non-deletion-stamped pod of service on node
// as the resource exemplar; the planner assumes resource homogeneity
// within (service, node) — a known limitation (§9).
func (p *Planner) serviceGainOnNode(ctx context.Context, nodeName, service string) (pCPU, pMem, reducibleCount int64, err error) {
	pods, err := p.orchestrator.ListRunningPodsForServiceOnNode(ctx, service, nodeName)
	if err != nil {
		return 0, 0, 0, err
	}
	if len(pods) == 0 {
		return 0, 0, 0, nil
	}
	cpu, mem := orchestrator.PodRequests(&pods[0])
	return cpu, mem, int64(len(pods)), nil
}

// victimCount is §4.3 step 3: the minimum number of victim pods needed in
// each dimension independently, each guarded against division by a
// zero-request exemplar (§9 "Planner division by p_cpu/p_mem requires a
// guard"). ok is false when a dimension is under-satisfied by a
// zero-yield exemplar, meaning this (service, node) pair cannot help.
func victimCount(reqCPU, reqMem, freeCPU, freeMem, pCPU, pMem int64) (count int64, ok bool) {
	cpuNeeded := reqCPU - freeCPU
	memNeeded := reqMem - freeMem

	cpuCount, cpuOK := ceilDivGuarded(cpuNeeded, pCPU)
	memCount, memOK := ceilDivGuarded(memNeeded, pMem)
	if !cpuOK || !memOK {
		return 0, false
	}
	if cpuCount > memCount {
		return cpuCount, true
	}
	return memCount, true
}

// ceilDivGuarded returns ceil(numerator/denominator), treating a
// non-positive numerator as already satisfied (0), and reports false if
// the numerator is still positive but denominator is zero (would divide
// by zero — that dimension cannot be satisfied by this exemplar).
func ceilDivGuarded(numerator, denominator int64) (int64, bool) {
	if numerator <= 0 {
		return 0, true
	}
	if denominator <= 0 {
		return 0, false
	}
	return int64(math.Ceil(float64(numerator) / float64(denominator))), true
}
