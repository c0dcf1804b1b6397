package scheduling

import (
	"math"

	"github.com/It4innovations/HyperLoom-sub000/internal/server/configuration"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/workerdb"
)

// workerSlot is the capacity of a worker as seen by one pass.
type workerSlot struct {
	id       graph.WorkerId
	cpus     int
	free     int
	freeZero int
	// Nothing runs on the worker and nothing was assigned to it in this pass.
	idle   bool
	worker *workerdb.Worker
}

// pass holds the input of one scheduling pass: the candidate nodes and the apparent capacity of schedulable workers.
// Capacity taken by assignments made during the pass is tracked here and never written back to the WorkerDb.
type pass struct {
	state   State
	nodes   []*graph.Node
	workers []*workerSlot
	totalFree  int
	overbooked bool
	taskTypes  map[dictionary.Symbol]string
}

func newPass(s State, config configuration.SchedulingConfig) *pass {
	p := &pass{
		state:     s,
		taskTypes: make(map[dictionary.Symbol]string),
	}
	for _, w := range s.Workers().All() {
		if !w.Schedulable() {
			continue
		}
		p.workers = append(p.workers, &workerSlot{
			id:       w.Id,
			cpus:     w.Cpus,
			free:     w.FreeCpus,
			freeZero: w.FreeZeroCost,
			idle:     w.FreeCpus == w.Cpus,
			worker:   w,
		})
		if w.FreeCpus > 0 {
			p.totalFree += w.FreeCpus
		}
	}

	ready := s.Ready()
	if config.OverbookThreshold > 0 && float64(len(ready)) > config.OverbookThreshold*float64(p.totalFree) {
		p.overbooked = true
		for _, ws := range p.workers {
			if ws.free > 0 {
				ws.free = int(math.Floor(float64(ws.free) * config.OverbookFactor))
			}
		}
	}
	if config.MaxReadyPerPass > 0 && len(ready) > config.MaxReadyPerPass {
		ready = ready[:config.MaxReadyPerPass]
	}
	p.nodes = make([]*graph.Node, 0, len(ready))
	for _, id := range ready {
		if n, ok := s.Node(id); ok {
			p.nodes = append(p.nodes, n)
		}
	}
	return p
}

func (p *pass) supports(ws *workerSlot, n *graph.Node) bool {
	name, ok := p.taskTypes[n.TaskType()]
	if !ok {
		var err error
		name, err = p.state.Dictionary().Translate(n.TaskType())
		if err != nil {
			return false
		}
		p.taskTypes[n.TaskType()] = name
	}
	return dictionary.IsBuiltinTaskType(name) || ws.worker.SupportsTaskType(name)
}

func (p *pass) fits(ws *workerSlot, n *graph.Node) bool {
	if n.Cpus() == 0 {
		return ws.freeZero > 0
	}
	return ws.free >= n.Cpus()
}

func (p *pass) take(ws *workerSlot, n *graph.Node) {
	if n.Cpus() == 0 {
		ws.freeZero--
	} else {
		ws.free -= n.Cpus()
	}
	ws.idle = false
}

// fallback returns the worker a node larger than every worker able to run it should run on: the one of those with
// the most free cpus, provided it is idle. Nodes that fit some supporting worker wait for a later pass instead.
func (p *pass) fallback(n *graph.Node) *workerSlot {
	var best *workerSlot
	for _, ws := range p.workers {
		if !p.supports(ws, n) {
			continue
		}
		if n.Cpus() <= ws.cpus {
			return nil
		}
		if best == nil || ws.free > best.free {
			best = ws
		}
	}
	if best == nil || !best.idle {
		return nil
	}
	return best
}

// placeOversized adds to d the nodes left out of it that fit no supporting worker, each on its fallback worker.
// Workers given work by d are no longer idle.
func (p *pass) placeOversized(d Distribution) {
	assigned := make(map[graph.NodeId]bool)
	for _, ws := range p.workers {
		for _, id := range d[ws.id] {
			assigned[id] = true
			ws.idle = false
		}
	}
	for _, n := range p.nodes {
		if assigned[n.Id()] {
			continue
		}
		if ws := p.fallback(n); ws != nil {
			d[ws.id] = append(d[ws.id], n.Id())
			p.take(ws, n)
		}
	}
}

// isLocal reports whether the data of n is on w or on its way there.
func isLocal(n *graph.Node, w graph.WorkerId) bool {
	s := n.Status(w)
	return s == graph.StatusOwner || s == graph.StatusTransfer
}
