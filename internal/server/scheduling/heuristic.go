package scheduling

import (
	"container/heap"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/configuration"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
)

// HeuristicScheduler assigns ready nodes greedily. Every candidate node is scored against every worker it fits on;
// the globally best (node, worker) pair is taken first. Data a picked node reads is treated as present on its worker
// for the rest of the pass, so only nodes sharing inputs with it need to be re-scored.
type HeuristicScheduler struct {
	config configuration.SchedulingConfig
}

func NewHeuristicScheduler(config configuration.SchedulingConfig) *HeuristicScheduler {
	return &HeuristicScheduler{config: config}
}

func (h *HeuristicScheduler) Schedule(ctx *loomcontext.Context, s State) (Distribution, error) {
	return h.schedulePass(ctx, newPass(s, h.config)), nil
}

func (h *HeuristicScheduler) schedulePass(ctx *loomcontext.Context, p *pass) Distribution {
	r := &heuristicRun{
		config:     h.config.Heuristic,
		pass:       p,
		planned:    make(map[graph.NodeId]map[graph.WorkerId]bool),
		candidates: make(map[graph.NodeId]*graph.Node, len(p.nodes)),
		versions:   make(map[graph.NodeId]int, len(p.nodes)),
		result:     make(Distribution),
	}
	if len(p.workers) == 0 || len(p.nodes) == 0 {
		return r.result
	}
	for _, n := range p.nodes {
		r.candidates[n.Id()] = n
	}
	for _, n := range p.nodes {
		r.push(n)
	}
	for r.pq.Len() > 0 {
		item := heap.Pop(&r.pq).(*scoredNode)
		if item.version != r.versions[item.node.Id()] {
			continue
		}
		if item.fallback {
			if item.worker.idle {
				r.assign(item.node, item.worker)
			} else {
				r.push(item.node)
			}
			continue
		}
		if !p.fits(item.worker, item.node) {
			r.push(item.node)
			continue
		}
		r.assign(item.node, item.worker)
	}
	ctx.Log.Debugf(
		"heuristic pass assigned %d of %d candidate nodes (overbooked: %t)",
		r.result.Len(), len(p.nodes), p.overbooked,
	)
	return r.result
}

type heuristicRun struct {
	config configuration.HeuristicConfig
	pass   *pass
	// Workers an input will be copied to by assignments made in this pass.
	planned map[graph.NodeId]map[graph.WorkerId]bool
	// Candidates not yet assigned or dropped.
	candidates map[graph.NodeId]*graph.Node
	// Heap entries with an older version are stale.
	versions map[graph.NodeId]int
	pq       scoreQueue
	result   Distribution
}

// push (re)scores n and queues its best worker. Nodes that fit nowhere are dropped from the pass.
func (r *heuristicRun) push(n *graph.Node) {
	r.versions[n.Id()]++
	version := r.versions[n.Id()]
	if ws, score, ok := r.best(n); ok {
		heap.Push(&r.pq, &scoredNode{node: n, worker: ws, score: score, version: version})
		return
	}
	if ws := r.pass.fallback(n); ws != nil {
		heap.Push(&r.pq, &scoredNode{node: n, worker: ws, score: r.score(n)[ws.id], version: version, fallback: true})
		return
	}
	delete(r.candidates, n.Id())
}

func (r *heuristicRun) assign(n *graph.Node, ws *workerSlot) {
	r.pass.take(ws, n)
	delete(r.candidates, n.Id())
	r.versions[n.Id()]++
	r.result[ws.id] = append(r.result[ws.id], n.Id())

	affected := make(map[graph.NodeId]*graph.Node)
	for _, id := range n.UniqueInputs() {
		input, ok := r.pass.state.Node(id)
		if !ok {
			continue
		}
		if !isLocal(input, ws.id) {
			if r.planned[id] == nil {
				r.planned[id] = make(map[graph.WorkerId]bool)
			}
			r.planned[id][ws.id] = true
		}
		for _, next := range input.Nexts() {
			if c, ok := r.candidates[next]; ok {
				affected[next] = c
			}
			consumer, ok := r.pass.state.Node(next)
			if !ok {
				continue
			}
			for _, sibling := range consumer.UniqueInputs() {
				if c, ok := r.candidates[sibling]; ok {
					affected[sibling] = c
				}
			}
		}
	}
	ids := maps.Keys(affected)
	slices.Sort(ids)
	for _, id := range ids {
		r.push(affected[id])
	}
}

// best returns the highest scoring worker n currently fits on. Ties go to the lower worker id.
func (r *heuristicRun) best(n *graph.Node) (*workerSlot, float64, bool) {
	scores := r.score(n)
	var best *workerSlot
	bestScore := 0.0
	for _, ws := range r.pass.workers {
		if !r.pass.supports(ws, n) || !r.pass.fits(ws, n) {
			continue
		}
		if score := scores[ws.id]; best == nil || score > bestScore {
			best, bestScore = ws, score
		}
	}
	return best, bestScore, best != nil
}

// score returns the score of running n on every worker of the pass.
func (r *heuristicRun) score(n *graph.Node) map[graph.WorkerId]float64 {
	owned := make(map[graph.WorkerId]float64, len(r.pass.workers))
	total, totalOwned := 0.0, 0.0
	for _, id := range n.UniqueInputs() {
		input, ok := r.pass.state.Node(id)
		if !ok {
			continue
		}
		size := float64(input.Size())
		total += size
		for _, w := range r.holders(input) {
			owned[w] += size
			totalOwned += size
		}
	}
	// Average over workers of the bytes the node would have to fetch.
	avgFetch := total - totalOwned/float64(len(r.pass.workers))
	base := -avgFetch + r.config.DependentBonus*float64(len(n.Nexts()))
	if n.Cpus() > 1 {
		base += r.config.CpuBonus * float64(n.Cpus()-1)
	}

	lookahead := r.lookahead(n)
	scores := make(map[graph.WorkerId]float64, len(r.pass.workers))
	for _, ws := range r.pass.workers {
		scores[ws.id] = base + owned[ws.id] + lookahead[ws.id]
	}
	return scores
}

// lookahead rewards workers already holding the other inputs of the consumers of n.
func (r *heuristicRun) lookahead(n *graph.Node) map[graph.WorkerId]float64 {
	bonus := make(map[graph.WorkerId]float64)
	if r.config.LookaheadWeight == 0 {
		return bonus
	}
	nexts := n.Nexts()
	if len(nexts) > r.config.LookaheadFanout {
		nexts = nexts[:r.config.LookaheadFanout]
	}
	for _, next := range nexts {
		consumer, ok := r.pass.state.Node(next)
		if !ok {
			continue
		}
		siblings := 0
		for _, id := range consumer.UniqueInputs() {
			if id == n.Id() {
				continue
			}
			if siblings == r.config.LookaheadSiblings {
				break
			}
			siblings++
			sibling, ok := r.pass.state.Node(id)
			if !ok {
				continue
			}
			for _, w := range r.holders(sibling) {
				bonus[w] += r.config.LookaheadWeight * float64(sibling.Size())
			}
		}
	}
	if r.config.LookaheadCap > 0 {
		for w, b := range bonus {
			if b > r.config.LookaheadCap {
				bonus[w] = r.config.LookaheadCap
			}
		}
	}
	return bonus
}

// holders returns the workers that hold the data of n, or will once this pass is distributed.
func (r *heuristicRun) holders(n *graph.Node) []graph.WorkerId {
	var workers []graph.WorkerId
	for _, w := range n.Workers() {
		if isLocal(n, w) {
			workers = append(workers, w)
		}
	}
	for w := range r.planned[n.Id()] {
		if !isLocal(n, w) {
			workers = append(workers, w)
		}
	}
	return workers
}

type scoredNode struct {
	node    *graph.Node
	worker  *workerSlot
	score   float64
	version int
	// The node fits no worker and takes an idle one regardless of capacity.
	fallback bool
}

// scoreQueue is a max-heap on score; ties go to the lower node id.
type scoreQueue []*scoredNode

func (pq scoreQueue) Len() int { return len(pq) }

func (pq scoreQueue) Less(i, j int) bool {
	if pq[i].score != pq[j].score {
		return pq[i].score > pq[j].score
	}
	return pq[i].node.Id() < pq[j].node.Id()
}

func (pq scoreQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *scoreQueue) Push(x any) {
	*pq = append(*pq, x.(*scoredNode))
}

func (pq *scoreQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}
