package graph

import (
	"golang.org/x/exp/slices"

	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
)

type (
	NodeId   int64
	WorkerId int64
)

// Status is the relationship between a node and a worker.
type Status uint8

const (
	StatusNone Status = iota
	// The worker is computing the node (or loading it from a checkpoint).
	StatusRunning
	// The node's output is being copied to the worker.
	StatusTransfer
	// The worker holds the node's output.
	StatusOwner
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusRunning:
		return "running"
	case StatusTransfer:
		return "transfer"
	case StatusOwner:
		return "owner"
	}
	return "unknown"
}

// NoClientId marks nodes the client never hears about.
const NoClientId = -1

// NodeSpec describes a node to be created.
type NodeSpec struct {
	Id             NodeId
	ClientId       int
	Session        string
	TaskType       dictionary.Symbol
	Config         []byte
	Cpus           int
	Inputs         []NodeId
	Result         bool
	CheckpointPath string
}

// Node is a vertex of the task graph. Nodes are owned by a Graph and mutated only through the computation state;
// slices returned by getters must not be modified.
type Node struct {
	id             NodeId
	clientId       int
	session        string
	taskType       dictionary.Symbol
	config         []byte
	cpus           int
	inputs         []NodeId
	nexts          []NodeId
	result         bool
	checkpointPath string
	loadCheckpoint bool
	workers        map[WorkerId]Status
	finished       bool
	size           uint64
	length         uint64
	refCount       int
	failures       int
}

func NewNode(spec NodeSpec) *Node {
	return &Node{
		id:             spec.Id,
		clientId:       spec.ClientId,
		session:        spec.Session,
		taskType:       spec.TaskType,
		config:         spec.Config,
		cpus:           spec.Cpus,
		inputs:         slices.Clone(spec.Inputs),
		result:         spec.Result,
		checkpointPath: spec.CheckpointPath,
		workers:        make(map[WorkerId]Status),
	}
}

func (n *Node) Id() NodeId {
	return n.id
}

func (n *Node) ClientId() int {
	return n.clientId
}

func (n *Node) Session() string {
	return n.session
}

func (n *Node) TaskType() dictionary.Symbol {
	return n.taskType
}

func (n *Node) Config() []byte {
	return n.config
}

// Cpus is the number of CPUs the next execution occupies. Loading a checkpoint needs none.
func (n *Node) Cpus() int {
	if n.loadCheckpoint {
		return 0
	}
	return n.cpus
}

func (n *Node) Inputs() []NodeId {
	return n.inputs
}

// UniqueInputs returns the inputs without duplicates, in first-occurrence order.
func (n *Node) UniqueInputs() []NodeId {
	unique := make([]NodeId, 0, len(n.inputs))
	for _, id := range n.inputs {
		if !slices.Contains(unique, id) {
			unique = append(unique, id)
		}
	}
	return unique
}

// Nexts returns the distinct consumers of this node in ascending id order.
func (n *Node) Nexts() []NodeId {
	return n.nexts
}

func (n *Node) IsResult() bool {
	return n.result
}

func (n *Node) CheckpointPath() string {
	return n.checkpointPath
}

// LoadsCheckpoint reports whether the node is produced by loading its checkpoint instead of running its task.
func (n *Node) LoadsCheckpoint() bool {
	return n.loadCheckpoint
}

func (n *Node) Status(w WorkerId) Status {
	return n.workers[w]
}

// Workers returns the ids of workers with a non-None status, ascending.
func (n *Node) Workers() []WorkerId {
	ids := make([]WorkerId, 0, len(n.workers))
	for id := range n.workers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Owners returns the ids of workers holding the output, ascending.
func (n *Node) Owners() []WorkerId {
	return n.workersWith(StatusOwner)
}

func (n *Node) workersWith(s Status) []WorkerId {
	var ids []WorkerId
	for id, status := range n.workers {
		if status == s {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (n *Node) HasOwner() bool {
	for _, status := range n.workers {
		if status == StatusOwner {
			return true
		}
	}
	return false
}

// IsAssigned reports whether any worker runs, receives or holds the node.
func (n *Node) IsAssigned() bool {
	return len(n.workers) > 0
}

// IsRunning reports whether some worker is currently computing the node.
func (n *Node) IsRunning() bool {
	for _, status := range n.workers {
		if status == StatusRunning {
			return true
		}
	}
	return false
}

func (n *Node) IsFinished() bool {
	return n.finished
}

func (n *Node) Size() uint64 {
	return n.size
}

func (n *Node) Length() uint64 {
	return n.length
}

func (n *Node) RefCount() int {
	return n.refCount
}

func (n *Node) Failures() int {
	return n.failures
}

// SetStatus records the status of the node on w. StatusNone removes the entry.
func (n *Node) SetStatus(w WorkerId, s Status) {
	if s == StatusNone {
		delete(n.workers, w)
		return
	}
	n.workers[w] = s
}

// ClearWorkers drops every status entry.
func (n *Node) ClearWorkers() {
	n.workers = make(map[WorkerId]Status)
}

// MarkFinished records the output description. Only the first report is kept.
func (n *Node) MarkFinished(size, length uint64) bool {
	if n.finished {
		return false
	}
	n.finished = true
	n.size = size
	n.length = length
	return true
}

func (n *Node) AddRefs(delta int) int {
	n.refCount += delta
	return n.refCount
}

func (n *Node) SetResult(result bool) {
	n.result = result
}

func (n *Node) IncFailures() int {
	n.failures++
	return n.failures
}

// LoadFromCheckpoint makes the node a root produced by loading its checkpoint.
// The dropped inputs are returned so the caller can release their references.
func (n *Node) LoadFromCheckpoint() []NodeId {
	dropped := n.inputs
	n.inputs = nil
	n.loadCheckpoint = true
	return dropped
}

func (n *Node) addNext(id NodeId) {
	if slices.Contains(n.nexts, id) {
		return
	}
	n.nexts = append(n.nexts, id)
	slices.Sort(n.nexts)
}

func (n *Node) removeNext(id NodeId) {
	if i := slices.Index(n.nexts, id); i >= 0 {
		n.nexts = slices.Delete(n.nexts, i, i+1)
	}
}
