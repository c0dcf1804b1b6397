package scheduling

import (
	"github.com/pkg/errors"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/configuration"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/workerdb"
)

// Distribution maps a worker to the nodes it should start, in the order they were picked.
type Distribution map[graph.WorkerId][]graph.NodeId

// Len returns the number of assigned nodes.
func (d Distribution) Len() int {
	n := 0
	for _, nodes := range d {
		n += len(nodes)
	}
	return n
}

// State is the part of the computation state a scheduling pass reads. Implementations must not be mutated while a
// pass is running.
type State interface {
	// Ready returns the ready nodes in ascending id order.
	Ready() []graph.NodeId
	Node(id graph.NodeId) (*graph.Node, bool)
	Workers() *workerdb.WorkerDb
	Dictionary() *dictionary.Dictionary
}

// Algorithm assigns ready nodes to workers. It never changes the state; the caller applies the distribution.
type Algorithm interface {
	Schedule(ctx *loomcontext.Context, s State) (Distribution, error)
}

// New returns the algorithm selected by config.Algorithm.
func New(config configuration.SchedulingConfig) (Algorithm, error) {
	switch config.Algorithm {
	case configuration.HeuristicAlgorithm, "":
		return NewHeuristicScheduler(config), nil
	case configuration.ExactAlgorithm:
		return NewExactScheduler(config, false), nil
	case configuration.AutoAlgorithm:
		return NewExactScheduler(config, true), nil
	}
	return nil, errors.WithStack(&loomerrors.ErrInvalidArgument{
		Name:    "Algorithm",
		Value:   config.Algorithm,
		Message: "expected one of heuristic, exact or auto",
	})
}
