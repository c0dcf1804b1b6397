package workerdb

import (
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
)

// Worker is the server-side proxy of a connected worker. Objects read from the WorkerDb are shared and must not be
// mutated outside WorkerDb.Update.
type Worker struct {
	Id      graph.WorkerId
	Address string
	Cpus    int
	// Cpus not taken by running or residual tasks. Negative while the scheduler overbooks the worker.
	FreeCpus int
	// Slots for tasks requesting no CPU; a worker runs at most 2*Cpus+1 of those at once.
	FreeZeroCost int
	TaskTypes    []string
	// Blocked workers receive no new tasks but keep their data and are drained normally.
	Blocked                 bool
	PendingCheckpointWrites int
	PendingCheckpointLoads  int
	// Completions the worker still owes for work the server has forgotten, keyed by node.
	// Residual tasks map to the cpus held by each outstanding instance; residual transfers to the number of
	// outstanding copies.
	ResidualTasks     map[graph.NodeId][]int
	ResidualTransfers map[graph.NodeId]int
	LastHeartbeat     time.Time
}

func ZeroCostSlots(cpus int) int {
	return 2*cpus + 1
}

func (w *Worker) DeepCopy() *Worker {
	c := *w
	c.TaskTypes = slices.Clone(w.TaskTypes)
	if w.ResidualTasks != nil {
		c.ResidualTasks = make(map[graph.NodeId][]int, len(w.ResidualTasks))
		for id, instances := range w.ResidualTasks {
			c.ResidualTasks[id] = slices.Clone(instances)
		}
	}
	c.ResidualTransfers = maps.Clone(w.ResidualTransfers)
	return &c
}

// Acquire takes capacity for a task needing cpus; tasks needing none take a zero-cost slot.
func (w *Worker) Acquire(cpus int) {
	if cpus == 0 {
		w.FreeZeroCost--
		return
	}
	w.FreeCpus -= cpus
}

func (w *Worker) Release(cpus int) {
	if cpus == 0 {
		w.FreeZeroCost++
	} else {
		w.FreeCpus += cpus
	}
	loomerrors.Invariant(w.FreeCpus <= w.Cpus && w.FreeZeroCost <= ZeroCostSlots(w.Cpus),
		"worker %d released more capacity than it has", w.Id)
}

// AddResidualTask records that an instance of node is still running on the worker even though the server no longer
// tracks it. The capacity it holds stays acquired until ConsumeResidualTask.
func (w *Worker) AddResidualTask(node graph.NodeId, cpus int) {
	if w.ResidualTasks == nil {
		w.ResidualTasks = make(map[graph.NodeId][]int)
	}
	w.ResidualTasks[node] = append(w.ResidualTasks[node], cpus)
}

// ConsumeResidualTask releases the capacity of the oldest residual instance of node and reports whether there was one.
func (w *Worker) ConsumeResidualTask(node graph.NodeId) bool {
	instances, ok := w.ResidualTasks[node]
	if !ok {
		return false
	}
	if len(instances) == 1 {
		delete(w.ResidualTasks, node)
	} else {
		w.ResidualTasks[node] = instances[1:]
	}
	w.Release(instances[0])
	return true
}

func (w *Worker) AddResidualTransfer(node graph.NodeId) {
	if w.ResidualTransfers == nil {
		w.ResidualTransfers = make(map[graph.NodeId]int)
	}
	w.ResidualTransfers[node]++
}

func (w *Worker) ConsumeResidualTransfer(node graph.NodeId) bool {
	n, ok := w.ResidualTransfers[node]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(w.ResidualTransfers, node)
	} else {
		w.ResidualTransfers[node] = n - 1
	}
	return true
}

// ResidualCpus returns the cpus held by residual tasks.
func (w *Worker) ResidualCpus() int {
	total := 0
	for _, instances := range w.ResidualTasks {
		for _, cpus := range instances {
			total += cpus
		}
	}
	return total
}

func (w *Worker) Schedulable() bool {
	return !w.Blocked
}

func (w *Worker) SupportsTaskType(taskType string) bool {
	return len(w.TaskTypes) == 0 || slices.Contains(w.TaskTypes, taskType)
}
