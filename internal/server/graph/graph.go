package graph

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
)

// Graph is the arena of live nodes keyed by id. Ids are allocated monotonically and never reused, including across
// Clear. Graph does not interpret statuses or reference counts; ComputationState does.
type Graph struct {
	nodes  map[NodeId]*Node
	nextId NodeId
}

func New() *Graph {
	return &Graph{nodes: make(map[NodeId]*Node)}
}

func (g *Graph) Node(id NodeId) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// MustNode returns the node with the given id, panicking if it does not exist.
func (g *Graph) MustNode(id NodeId) *Node {
	n, ok := g.nodes[id]
	loomerrors.Invariant(ok, "node %d does not exist", id)
	return n
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// Ids returns the ids of all live nodes in ascending order.
func (g *Graph) Ids() []NodeId {
	ids := maps.Keys(g.nodes)
	slices.Sort(ids)
	return ids
}

// NextId is the id the next allocation will start at.
func (g *Graph) NextId() NodeId {
	return g.nextId
}

// AllocateIds reserves n consecutive ids and returns the first.
func (g *Graph) AllocateIds(n int) NodeId {
	first := g.nextId
	g.nextId += NodeId(n)
	return first
}

// Insert adds n and registers it as a consumer of its inputs. Every input must already be present.
func (g *Graph) Insert(n *Node) {
	_, exists := g.nodes[n.id]
	loomerrors.Invariant(!exists, "node %d inserted twice", n.id)
	if n.id >= g.nextId {
		g.nextId = n.id + 1
	}
	g.nodes[n.id] = n
	for _, input := range n.inputs {
		g.MustNode(input).addNext(n.id)
	}
}

// Remove deletes the node and unregisters it as a consumer of its inputs.
func (g *Graph) Remove(id NodeId) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, input := range n.inputs {
		if in, ok := g.nodes[input]; ok {
			in.removeNext(id)
		}
	}
	delete(g.nodes, id)
}

// DropInputs turns n into a root and returns the inputs it had.
func (g *Graph) DropInputs(id NodeId) []NodeId {
	n := g.MustNode(id)
	for _, input := range n.inputs {
		if in, ok := g.nodes[input]; ok {
			in.removeNext(id)
		}
	}
	return n.LoadFromCheckpoint()
}

// Clear removes every node. Id allocation continues from where it was.
func (g *Graph) Clear() {
	g.nodes = make(map[NodeId]*Node)
}

// InputsOwned reports whether every input of n has at least one owner.
func (g *Graph) InputsOwned(n *Node) bool {
	for _, input := range n.inputs {
		in, ok := g.nodes[input]
		if !ok || !in.HasOwner() {
			return false
		}
	}
	return true
}
