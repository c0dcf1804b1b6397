package state

import (
	"fmt"

	"github.com/benbjohnson/immutable"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/plan"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/workerdb"
)

type nodeIdComparer struct{}

func (nodeIdComparer) Compare(a, b graph.NodeId) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

var emptyReadySet = immutable.NewSortedSet[graph.NodeId](nodeIdComparer{})

type resultKey struct {
	session  string
	clientId int
}

// Removal asks for the output of Node to be deleted from Workers.
type Removal struct {
	Node    graph.NodeId
	Workers []graph.WorkerId
}

// Effects lists what a state transition requires the caller to tell workers and clients.
type Effects struct {
	Removals []Removal
	// Result nodes that completed; the client is told about each one.
	Results []*graph.Node
	// Expansion nodes that were rewritten.
	Expanded []graph.NodeId
}

type Config struct {
	// Upper bound on the number of ranges a dslice is split into. 0 splits per element.
	MaxSlices int
}

// ComputationState is the authoritative record of the task graph and of which worker runs, receives or holds each
// node. It is owned by the server's event loop and is not safe for concurrent use.
type ComputationState struct {
	graph   *graph.Graph
	workers *workerdb.WorkerDb
	dict    *dictionary.Dictionary
	config  Config
	ready   immutable.SortedSet[graph.NodeId]
	// Unfinished nodes per session.
	pending map[string]int
	results map[resultKey]graph.NodeId
	epoch   uint64

	dsliceSymbol dictionary.Symbol
	dgetSymbol   dictionary.Symbol
	sliceSymbol  dictionary.Symbol
	getSymbol    dictionary.Symbol
}

func NewComputationState(workers *workerdb.WorkerDb, dict *dictionary.Dictionary, config Config) *ComputationState {
	return &ComputationState{
		graph:        graph.New(),
		workers:      workers,
		dict:         dict,
		config:       config,
		ready:        emptyReadySet,
		pending:      make(map[string]int),
		results:      make(map[resultKey]graph.NodeId),
		dsliceSymbol: dict.MustFind(dictionary.DSlice),
		dgetSymbol:   dict.MustFind(dictionary.DGet),
		sliceSymbol:  dict.MustFind(dictionary.Slice),
		getSymbol:    dict.MustFind(dictionary.Get),
	}
}

func (s *ComputationState) Node(id graph.NodeId) (*graph.Node, bool) {
	return s.graph.Node(id)
}

func (s *ComputationState) NodeCount() int {
	return s.graph.Len()
}

func (s *ComputationState) NodeIds() []graph.NodeId {
	return s.graph.Ids()
}

func (s *ComputationState) Workers() *workerdb.WorkerDb {
	return s.workers
}

func (s *ComputationState) Dictionary() *dictionary.Dictionary {
	return s.dict
}

// Ready returns the ready nodes in ascending id order.
func (s *ComputationState) Ready() []graph.NodeId {
	ids := make([]graph.NodeId, 0, s.ready.Len())
	it := s.ready.Iterator()
	for !it.Done() {
		id, _ := it.Next()
		ids = append(ids, id)
	}
	return ids
}

func (s *ComputationState) ReadyLen() int {
	return s.ready.Len()
}

func (s *ComputationState) IsReady(id graph.NodeId) bool {
	return s.ready.Has(id)
}

// PendingCount returns the number of unfinished nodes over all sessions.
func (s *ComputationState) PendingCount() int {
	total := 0
	for _, n := range s.pending {
		total += n
	}
	return total
}

func (s *ComputationState) SessionPending(session string) int {
	return s.pending[session]
}

// Sessions returns the sessions with nodes in the graph, sorted.
func (s *ComputationState) Sessions() []string {
	sessions := make(map[string]bool)
	for _, id := range s.graph.Ids() {
		sessions[s.graph.MustNode(id).Session()] = true
	}
	keys := maps.Keys(sessions)
	slices.Sort(keys)
	return keys
}

// Epoch counts resets; ownership only grows between two resets.
func (s *ComputationState) Epoch() uint64 {
	return s.epoch
}

// AddPlan validates p and inserts its tasks, rebased onto fresh ids. Tasks listed in checkpoints are loaded from
// their checkpoint instead of being computed, which may leave some producers unneeded; those are pruned.
// It returns the id of the first task; task i of the plan gets id first+i.
func (s *ComputationState) AddPlan(session string, p *plan.Plan, checkpoints map[int]bool) (graph.NodeId, *Effects, error) {
	if err := p.Validate(nil); err != nil {
		return 0, nil, err
	}
	cpus := make([]int, len(p.Tasks))
	for i := range p.Tasks {
		c, err := p.Cpus(i)
		if err != nil {
			return 0, nil, errors.WithStack(&loomerrors.ErrInvalidArgument{
				Name:    fmt.Sprintf("tasks[%d].resourceRequest", i),
				Value:   p.Tasks[i].ResourceRequest,
				Message: err.Error(),
			})
		}
		cpus[i] = c
	}

	fx := &Effects{}
	results := p.Results()
	first := s.graph.AllocateIds(len(p.Tasks))
	for i, task := range p.Tasks {
		inputs := make([]graph.NodeId, len(task.Inputs))
		for j, input := range task.Inputs {
			inputs[j] = first + graph.NodeId(input)
		}
		clientId := graph.NoClientId
		if results[i] {
			clientId = i
		}
		n := graph.NewNode(graph.NodeSpec{
			Id:             first + graph.NodeId(i),
			ClientId:       clientId,
			Session:        session,
			TaskType:       s.dict.FindOrCreate(task.TaskType),
			Config:         task.Config,
			Cpus:           cpus[i],
			Inputs:         inputs,
			Result:         results[i],
			CheckpointPath: task.CheckpointPath,
		})
		s.graph.Insert(n)
		for _, input := range inputs {
			s.graph.MustNode(input).AddRefs(1)
		}
		if results[i] {
			n.AddRefs(1)
			s.results[resultKey{session: session, clientId: i}] = n.Id()
		}
		s.addPending(session, 1)
	}

	for i := len(p.Tasks) - 1; i >= 0; i-- {
		if !checkpoints[i] || plan.IsExpansion(p.Tasks[i].TaskType) {
			continue
		}
		id := first + graph.NodeId(i)
		if _, ok := s.graph.Node(id); !ok {
			continue
		}
		for _, input := range s.graph.DropInputs(id) {
			s.releaseRef(input, fx)
		}
	}

	for i := range p.Tasks {
		n, ok := s.graph.Node(first + graph.NodeId(i))
		if ok && len(n.Inputs()) == 0 {
			s.makeReady(n, fx)
		}
	}
	return first, fx, nil
}

// SetRunningTask records that w starts computing (or loading) the node.
func (s *ComputationState) SetRunningTask(id graph.NodeId, w graph.WorkerId) {
	n := s.graph.MustNode(id)
	loomerrors.Invariant(n.Status(w) == graph.StatusNone, "node %d is %s on worker %d, cannot start it", id, n.Status(w), w)
	loomerrors.Invariant(!n.IsRunning() && !n.IsFinished(), "node %d is already computed or running", id)
	n.SetStatus(w, graph.StatusRunning)
	s.workers.MustUpdate(w, func(worker *workerdb.Worker) {
		worker.Acquire(n.Cpus())
		if n.LoadsCheckpoint() {
			worker.PendingCheckpointLoads++
		}
	})
	s.ready = s.ready.Delete(id)
}

// SetTransfer records that the output of the node is being copied to w.
func (s *ComputationState) SetTransfer(id graph.NodeId, w graph.WorkerId) {
	n := s.graph.MustNode(id)
	loomerrors.Invariant(n.Status(w) == graph.StatusNone, "node %d is %s on worker %d, cannot transfer it", id, n.Status(w), w)
	loomerrors.Invariant(n.HasOwner(), "node %d has no owner to transfer from", id)
	n.SetStatus(w, graph.StatusTransfer)
}

// SetDataTransferred records that w received the output of the node.
func (s *ComputationState) SetDataTransferred(id graph.NodeId, w graph.WorkerId) {
	n := s.graph.MustNode(id)
	loomerrors.Invariant(n.Status(w) == graph.StatusTransfer, "node %d is %s on worker %d, not in transfer", id, n.Status(w), w)
	n.SetStatus(w, graph.StatusOwner)
}

// SetTaskFinished records that w computed (or loaded) the node. The worker will also write a checkpoint if
// checkpointing is set.
func (s *ComputationState) SetTaskFinished(id graph.NodeId, w graph.WorkerId, size, length uint64, checkpointing bool) *Effects {
	n := s.graph.MustNode(id)
	loomerrors.Invariant(n.Status(w) == graph.StatusRunning, "node %d is %s on worker %d, cannot finish it", id, n.Status(w), w)
	fx := &Effects{}
	n.SetStatus(w, graph.StatusOwner)
	s.workers.MustUpdate(w, func(worker *workerdb.Worker) {
		worker.Release(n.Cpus())
		if n.LoadsCheckpoint() {
			worker.PendingCheckpointLoads--
		}
		if checkpointing {
			worker.PendingCheckpointWrites++
		}
	})
	first := n.MarkFinished(size, length)
	loomerrors.Invariant(first, "node %d finished twice", id)
	s.addPending(n.Session(), -1)

	if n.IsResult() {
		fx.Results = append(fx.Results, n)
	}
	for _, input := range n.Inputs() {
		s.releaseRef(input, fx)
	}
	for _, next := range slices.Clone(n.Nexts()) {
		if d, ok := s.graph.Node(next); ok {
			s.checkReady(d, fx)
		}
	}
	// An empty expansion may already have dropped n.
	if _, ok := s.graph.Node(id); ok && n.RefCount() <= 0 && !n.IsResult() {
		s.removeNode(n, fx)
	}
	return fx
}

// SetTaskFailed records that the execution of the node on w failed and returns how many times it has failed.
func (s *ComputationState) SetTaskFailed(id graph.NodeId, w graph.WorkerId) int {
	n := s.graph.MustNode(id)
	loomerrors.Invariant(n.Status(w) == graph.StatusRunning, "node %d is %s on worker %d, cannot fail it", id, n.Status(w), w)
	n.SetStatus(w, graph.StatusNone)
	s.workers.MustUpdate(w, func(worker *workerdb.Worker) {
		worker.Release(n.Cpus())
		if n.LoadsCheckpoint() {
			worker.PendingCheckpointLoads--
		}
	})
	return n.IncFailures()
}

// SetCheckpointWriteDone records that w finished writing a checkpoint, successfully or not.
func (s *ComputationState) SetCheckpointWriteDone(w graph.WorkerId) {
	s.workers.MustUpdate(w, func(worker *workerdb.Worker) {
		loomerrors.Invariant(worker.PendingCheckpointWrites > 0, "worker %d has no checkpoint write pending", w)
		worker.PendingCheckpointWrites--
	})
}

// ResetInFlight forgets all running tasks and transfers. Workers are expected to still report them; those reports are
// recorded as residuals and consumed without affecting the graph. Owned data is kept and the ready set is rebuilt.
func (s *ComputationState) ResetInFlight() *Effects {
	fx := &Effects{}
	for _, id := range s.graph.Ids() {
		s.forgetInFlight(s.graph.MustNode(id))
	}
	s.ready = emptyReadySet
	for _, id := range s.graph.Ids() {
		if n, ok := s.graph.Node(id); ok {
			s.checkReady(n, fx)
		}
	}
	s.epoch++
	return fx
}

// TrashAll drops the whole graph. Owners are asked to remove their data; in-flight work becomes residual.
func (s *ComputationState) TrashAll() *Effects {
	fx := &Effects{}
	for _, id := range s.graph.Ids() {
		n := s.graph.MustNode(id)
		s.forgetInFlight(n)
		if owners := n.Owners(); len(owners) > 0 {
			fx.Removals = append(fx.Removals, Removal{Node: id, Workers: owners})
		}
	}
	s.graph.Clear()
	s.ready = emptyReadySet
	s.pending = make(map[string]int)
	s.results = make(map[resultKey]graph.NodeId)
	s.epoch++
	return fx
}

// RemoveWorker forgets w and everything it held. It reports whether some node still needed lost its last copy.
func (s *ComputationState) RemoveWorker(w graph.WorkerId) (bool, error) {
	lost := false
	for _, id := range s.graph.Ids() {
		n := s.graph.MustNode(id)
		status := n.Status(w)
		if status == graph.StatusNone {
			continue
		}
		n.SetStatus(w, graph.StatusNone)
		if status == graph.StatusOwner && !n.HasOwner() {
			lost = true
		}
	}
	if err := s.workers.Delete(w); err != nil {
		return lost, err
	}
	return lost, nil
}

// Release drops the client's interest in a result. The node is removed once nothing else needs it.
func (s *ComputationState) Release(session string, clientId int) (*Effects, error) {
	key := resultKey{session: session, clientId: clientId}
	id, ok := s.results[key]
	if !ok {
		return nil, errors.WithStack(&loomerrors.ErrNotFound{
			Type:  "result",
			Value: fmt.Sprintf("%s/%d", session, clientId),
		})
	}
	delete(s.results, key)
	fx := &Effects{}
	n := s.graph.MustNode(id)
	n.SetResult(false)
	s.releaseRef(id, fx)
	return fx, nil
}

func (s *ComputationState) forgetInFlight(n *graph.Node) {
	for _, w := range n.Workers() {
		switch n.Status(w) {
		case graph.StatusRunning:
			s.workers.MustUpdate(w, func(worker *workerdb.Worker) {
				worker.AddResidualTask(n.Id(), n.Cpus())
				if n.LoadsCheckpoint() {
					worker.PendingCheckpointLoads--
				}
			})
			n.SetStatus(w, graph.StatusNone)
		case graph.StatusTransfer:
			s.workers.MustUpdate(w, func(worker *workerdb.Worker) {
				worker.AddResidualTransfer(n.Id())
			})
			n.SetStatus(w, graph.StatusNone)
		}
	}
}

// checkReady makes n ready if it was never assigned and all its inputs are owned somewhere.
func (s *ComputationState) checkReady(n *graph.Node, fx *Effects) {
	if n.IsAssigned() || n.IsFinished() || s.ready.Has(n.Id()) || !s.graph.InputsOwned(n) {
		return
	}
	s.makeReady(n, fx)
}

func (s *ComputationState) makeReady(n *graph.Node, fx *Effects) {
	if n.TaskType() == s.dsliceSymbol || n.TaskType() == s.dgetSymbol {
		s.expand(n, fx)
		return
	}
	s.ready = s.ready.Add(n.Id())
}

func (s *ComputationState) releaseRef(id graph.NodeId, fx *Effects) {
	n, ok := s.graph.Node(id)
	if !ok {
		return
	}
	if n.AddRefs(-1) <= 0 && !n.IsResult() {
		s.removeNode(n, fx)
	}
}

// removeNode deletes n. Unfinished nodes give up the references they hold on their inputs.
func (s *ComputationState) removeNode(n *graph.Node, fx *Effects) {
	s.forgetInFlight(n)
	if owners := n.Owners(); len(owners) > 0 {
		fx.Removals = append(fx.Removals, Removal{Node: n.Id(), Workers: owners})
	}
	s.ready = s.ready.Delete(n.Id())
	s.graph.Remove(n.Id())
	if !n.IsFinished() {
		s.addPending(n.Session(), -1)
		for _, input := range n.Inputs() {
			s.releaseRef(input, fx)
		}
	}
}

func (s *ComputationState) addPending(session string, delta int) {
	s.pending[session] += delta
	if s.pending[session] <= 0 {
		delete(s.pending, session)
	}
}
