package state

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
)

// expand replaces a dslice/dget node whose input is available by one slice/get task and one copy of its consumer
// per piece of the input. Expanding a node that no longer exists is a no-op.
func (s *ComputationState) expand(d *graph.Node, fx *Effects) {
	if _, ok := s.graph.Node(d.Id()); !ok {
		return
	}
	input := s.graph.MustNode(d.Inputs()[0])
	perElement := d.TaskType() == s.dgetSymbol
	pieceType := s.sliceSymbol
	if perElement {
		pieceType = s.getSymbol
	}
	rw, err := s.graph.PlanExpansion(graph.ExpansionRequest{
		Node:       d.Id(),
		PieceType:  pieceType,
		PerElement: perElement,
		Length:     input.Length(),
		MaxPieces:  s.config.MaxSlices,
		FirstId:    s.graph.NextId(),
	})
	loomerrors.Invariant(err == nil, "cannot expand node %d: %v", d.Id(), err)
	s.graph.Apply(rw)
	s.addPending(d.Session(), len(rw.Added)-2)
	fx.Expanded = append(fx.Expanded, d.Id())

	touched := maps.Keys(rw.RefDeltas)
	slices.Sort(touched)
	for _, id := range touched {
		if n, ok := s.graph.Node(id); ok && n.RefCount() <= 0 && !n.IsResult() {
			s.removeNode(n, fx)
		}
	}
	for _, n := range rw.Added {
		s.checkReady(n, fx)
	}
	if m, ok := s.graph.Node(rw.Collector); ok {
		s.checkReady(m, fx)
	}
}
