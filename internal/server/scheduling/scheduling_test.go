package scheduling

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/configuration"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/plan"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/state"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/workerdb"
)

var algorithms = []string{
	configuration.HeuristicAlgorithm,
	configuration.ExactAlgorithm,
	configuration.AutoAlgorithm,
}

func testConfig(algorithm string) configuration.SchedulingConfig {
	return configuration.SchedulingConfig{
		Algorithm:       algorithm,
		MaxReadyPerPass: 1000,
		OverbookFactor:  1,
		Heuristic: configuration.HeuristicConfig{
			DependentBonus:    10,
			CpuBonus:          10,
			LookaheadFanout:   4,
			LookaheadSiblings: 4,
			LookaheadWeight:   0.5,
			LookaheadCap:      1000,
		},
		Exact: configuration.ExactConfig{
			MaxTasks:       20,
			MaxWorkers:     8,
			MaxBranchNodes: 200,
			TaskBonus:      1,
			TransferWeight: 0.5,
		},
	}
}

type workerSpec struct {
	cpus      int
	taskTypes []string
}

type fixture struct {
	s       *state.ComputationState
	workers []graph.WorkerId
}

func newFixture(t *testing.T, specs ...workerSpec) *fixture {
	wdb, err := workerdb.NewWorkerDb()
	require.NoError(t, err)
	f := &fixture{}
	for i, spec := range specs {
		w, err := wdb.Register(fmt.Sprintf("worker-%d", i), spec.cpus, spec.taskTypes, time.Time{})
		require.NoError(t, err)
		f.workers = append(f.workers, w.Id)
	}
	f.s = state.NewComputationState(wdb, dictionary.New(), state.Config{})
	return f
}

func cpuWorkers(cpus ...int) []workerSpec {
	specs := make([]workerSpec, len(cpus))
	for i, c := range cpus {
		specs[i] = workerSpec{cpus: c}
	}
	return specs
}

func (f *fixture) add(t *testing.T, p *plan.Plan) graph.NodeId {
	first, _, err := f.s.AddPlan("session", p, nil)
	require.NoError(t, err)
	return first
}

func (f *fixture) finish(id graph.NodeId, w graph.WorkerId, size uint64) {
	f.s.SetRunningTask(id, w)
	f.s.SetTaskFinished(id, w, size, 1, false)
}

func schedule(t *testing.T, algorithm configuration.SchedulingConfig, s State) Distribution {
	a, err := New(algorithm)
	require.NoError(t, err)
	d, err := a.Schedule(loomcontext.Background(), s)
	require.NoError(t, err)
	return d
}

// assertValid checks every node is assigned at most once, only ready nodes are assigned and no worker gets more
// cpus than it has free.
func assertValid(t *testing.T, s State, d Distribution) {
	seen := make(map[graph.NodeId]bool)
	ready := make(map[graph.NodeId]bool)
	for _, id := range s.Ready() {
		ready[id] = true
	}
	for w, nodes := range d {
		cpus := 0
		for _, id := range nodes {
			assert.False(t, seen[id], "node %d assigned twice", id)
			assert.True(t, ready[id], "node %d is not ready", id)
			seen[id] = true
			n, _ := s.Node(id)
			cpus += n.Cpus()
		}
		worker := s.Workers().MustGet(w)
		assert.False(t, worker.Blocked, "worker %d is blocked", w)
		assert.LessOrEqual(t, cpus, worker.FreeCpus, "worker %d", w)
	}
}

func TestSchedule_IndependentRootsSpread(t *testing.T) {
	for _, algorithm := range algorithms {
		t.Run(algorithm, func(t *testing.T) {
			f := newFixture(t, cpuWorkers(1, 1)...)
			b := plan.NewBuilder()
			n0 := b.Add("t")
			n1 := b.Add("t")
			n2 := b.Add("t", n0, n1)
			first := f.add(t, b.WithCpus(n0, 1).WithCpus(n1, 1).WithCpus(n2, 1).Result(n2).Build())

			d := schedule(t, testConfig(algorithm), f.s)
			assertValid(t, f.s, d)
			require.Len(t, d, 2)
			assert.Len(t, d[f.workers[0]], 1)
			assert.Len(t, d[f.workers[1]], 1)
			assert.ElementsMatch(t, []graph.NodeId{first, first + 1}, append(d[f.workers[0]], d[f.workers[1]]...))
		})
	}
}

func TestSchedule_LargerInputWins(t *testing.T) {
	for _, algorithm := range algorithms {
		t.Run(algorithm, func(t *testing.T) {
			f := newFixture(t, cpuWorkers(1, 1)...)
			a, b := f.workers[0], f.workers[1]
			first := f.add(t, diamond())
			f.finish(first, a, 200)
			f.finish(first+1, b, 100)
			require.Equal(t, []graph.NodeId{first + 2}, f.s.Ready())

			d := schedule(t, testConfig(algorithm), f.s)
			assert.Equal(t, Distribution{a: {first + 2}}, d)
		})
	}
}

func TestSchedule_Constraints(t *testing.T) {
	tests := map[string]struct {
		workers []workerSpec
		build   func(b *plan.Builder)
		block   []int
		// Local indexes of the nodes expected per worker index.
		expected map[int][]int
		// Number of assigned nodes when the exact placement is not determined.
		assigned int
	}{
		"capacity": {
			workers: cpuWorkers(1, 1),
			build: func(b *plan.Builder) {
				for i := 0; i < 3; i++ {
					b.WithCpus(b.Add("t"), 1)
				}
			},
			assigned: 2,
		},
		"multi cpu": {
			workers: cpuWorkers(1, 3),
			build: func(b *plan.Builder) {
				b.WithCpus(b.Add("t"), 3)
			},
			expected: map[int][]int{1: {0}},
		},
		"zero cost slots": {
			workers: cpuWorkers(1),
			build: func(b *plan.Builder) {
				for i := 0; i < 5; i++ {
					b.Add("t")
				}
			},
			assigned: workerdb.ZeroCostSlots(1),
		},
		"blocked worker": {
			workers: cpuWorkers(4, 4),
			build: func(b *plan.Builder) {
				b.WithCpus(b.Add("t"), 1)
				b.WithCpus(b.Add("t"), 1)
			},
			block:    []int{0},
			expected: map[int][]int{1: {0, 1}},
		},
		"task types": {
			workers: []workerSpec{{cpus: 2, taskTypes: []string{"common"}}, {cpus: 2, taskTypes: []string{"common", "special"}}},
			build: func(b *plan.Builder) {
				b.WithCpus(b.Add("special"), 1)
				b.WithCpus(b.Add("unknown"), 1)
				b.WithCpus(b.Add(dictionary.Slice), 1)
			},
			assigned: 2,
			expected: map[int][]int{1: {0}},
		},
	}
	for name, tc := range tests {
		for _, algorithm := range algorithms {
			t.Run(name+"/"+algorithm, func(t *testing.T) {
				f := newFixture(t, tc.workers...)
				for _, i := range tc.block {
					require.NoError(t, f.s.Workers().Update(f.workers[i], func(w *workerdb.Worker) { w.Blocked = true }))
				}
				b := plan.NewBuilder()
				tc.build(b)
				first := f.add(t, b.Build())

				d := schedule(t, testConfig(algorithm), f.s)
				assertValid(t, f.s, d)
				if tc.assigned > 0 {
					assert.Equal(t, tc.assigned, d.Len())
				}
				for w, locals := range tc.expected {
					for _, local := range locals {
						assert.Contains(t, d[f.workers[w]], first+graph.NodeId(local))
					}
				}
				if tc.assigned == 0 {
					assert.Equal(t, len(tc.expected), len(d))
				}
			})
		}
	}
}

func TestSchedule_EmptyReadySet(t *testing.T) {
	for _, algorithm := range algorithms {
		t.Run(algorithm, func(t *testing.T) {
			f := newFixture(t, cpuWorkers(2)...)
			assert.Empty(t, schedule(t, testConfig(algorithm), f.s))
		})
	}
}

func TestSchedule_NoWorkers(t *testing.T) {
	for _, algorithm := range algorithms {
		t.Run(algorithm, func(t *testing.T) {
			f := newFixture(t)
			f.add(t, diamond())
			assert.Empty(t, schedule(t, testConfig(algorithm), f.s))
		})
	}
}

func TestNew_UnknownAlgorithm(t *testing.T) {
	_, err := New(testConfig("random"))
	assert.True(t, loomerrors.IsInvalidArgument(err))
}

func TestDistribution_Len(t *testing.T) {
	assert.Equal(t, 0, Distribution{}.Len())
	assert.Equal(t, 3, Distribution{0: {1, 2}, 1: {3}}.Len())
}

func diamond() *plan.Plan {
	b := plan.NewBuilder()
	n0 := b.Add("t")
	n1 := b.Add("t")
	n2 := b.Add("t", n0, n1)
	return b.WithCpus(n0, 1).WithCpus(n1, 1).WithCpus(n2, 1).Result(n2).Build()
}
