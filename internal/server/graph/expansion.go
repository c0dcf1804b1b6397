package graph

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
)

// ExpansionRequest describes how an expansion node D is replaced once the length of its single input is known.
//
// The fragment I -> D -> T -> M becomes I -> P_i -> T_i -> M for every piece i, where P_i selects part of I's output
// and T_i is a copy of T reading P_i in place of D.
type ExpansionRequest struct {
	Node      NodeId
	PieceType dictionary.Symbol
	// One piece per element if true, otherwise contiguous ranges.
	PerElement bool
	Length     uint64
	// Upper bound on the number of ranges; 0 means one range per element.
	MaxPieces int
	// First id to assign to the created nodes.
	FirstId NodeId
}

// Rewrite is the result of planning an expansion. It is applied with Graph.Apply.
type Rewrite struct {
	Expanded  NodeId
	Template  NodeId
	Collector NodeId
	Added     []*Node
	// New input list of the collector.
	CollectorInputs []NodeId
	RefDeltas       map[NodeId]int
}

// Pieces returns the half-open element ranges the input is split into.
func Pieces(length uint64, perElement bool, maxPieces int) [][2]uint64 {
	k := length
	if !perElement && maxPieces > 0 && uint64(maxPieces) < length {
		k = uint64(maxPieces)
	}
	pieces := make([][2]uint64, 0, k)
	for i := uint64(0); i < k; i++ {
		pieces = append(pieces, [2]uint64{i * length / k, (i + 1) * length / k})
	}
	return pieces
}

// EncodeRange is the config blob of slice and get tasks: start and end as little-endian uint64.
func EncodeRange(start, end uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[:8], start)
	binary.LittleEndian.PutUint64(b[8:], end)
	return b
}

func DecodeRange(b []byte) (uint64, uint64, error) {
	if len(b) != 16 {
		return 0, 0, errors.Errorf("range config has %d bytes, expected 16", len(b))
	}
	return binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:]), nil
}

// PlanExpansion computes the rewrite for req without modifying the graph.
func (g *Graph) PlanExpansion(req ExpansionRequest) (*Rewrite, error) {
	d, ok := g.nodes[req.Node]
	if !ok {
		return nil, errors.WithStack(&loomerrors.ErrNotFound{Type: "node", Value: nodeString(req.Node)})
	}
	if len(d.inputs) != 1 || len(d.nexts) != 1 {
		return nil, invalidExpansion(req.Node, "expansion node needs exactly one input and one consumer")
	}
	input := d.inputs[0]
	t := g.nodes[d.nexts[0]]
	if t == nil || len(t.nexts) != 1 || t.result {
		return nil, invalidExpansion(req.Node, "the consumer of an expansion node needs exactly one consumer")
	}
	m := g.nodes[t.nexts[0]]
	if m == nil {
		return nil, invalidExpansion(req.Node, "collector does not exist")
	}

	pieces := Pieces(req.Length, req.PerElement, req.MaxPieces)
	k := len(pieces)
	rw := &Rewrite{
		Expanded:  d.id,
		Template:  t.id,
		Collector: m.id,
		RefDeltas: make(map[NodeId]int),
	}

	collectorRefs := 0
	for _, id := range m.inputs {
		if id == t.id {
			collectorRefs++
		}
	}

	copies := make([]NodeId, 0, k)
	id := req.FirstId
	for _, piece := range pieces {
		p := NewNode(NodeSpec{
			Id:       id,
			ClientId: NoClientId,
			Session:  d.session,
			TaskType: req.PieceType,
			Config:   EncodeRange(piece[0], piece[1]),
			Inputs:   []NodeId{input},
		})
		p.refCount = 1
		inputs := make([]NodeId, len(t.inputs))
		for j, in := range t.inputs {
			if in == d.id {
				inputs[j] = p.id
			} else {
				inputs[j] = in
			}
		}
		c := NewNode(NodeSpec{
			Id:             id + 1,
			ClientId:       NoClientId,
			Session:        t.session,
			TaskType:       t.taskType,
			Config:         t.config,
			Cpus:           t.cpus,
			Inputs:         inputs,
			CheckpointPath: t.checkpointPath,
		})
		c.refCount = collectorRefs
		rw.Added = append(rw.Added, p, c)
		copies = append(copies, c.id)
		id += 2
	}

	for _, in := range m.inputs {
		if in == t.id {
			rw.CollectorInputs = append(rw.CollectorInputs, copies...)
		} else {
			rw.CollectorInputs = append(rw.CollectorInputs, in)
		}
	}

	// D's single edge to the input is replaced by one edge per piece, and each other input of T gains k-1 copies of
	// every edge T had to it.
	rw.RefDeltas[input] += k - 1
	for _, in := range t.inputs {
		if in != d.id {
			rw.RefDeltas[in] += k - 1
		}
	}
	return rw, nil
}

// Apply performs a rewrite produced by PlanExpansion on the same graph.
func (g *Graph) Apply(rw *Rewrite) {
	t := g.MustNode(rw.Template)
	m := g.MustNode(rw.Collector)
	g.Remove(rw.Expanded)
	g.Remove(rw.Template)
	for _, n := range rw.Added {
		g.Insert(n)
	}
	for _, in := range m.inputs {
		if node, ok := g.nodes[in]; ok && in != t.id {
			node.removeNext(m.id)
		}
	}
	m.inputs = rw.CollectorInputs
	for _, in := range m.inputs {
		g.MustNode(in).addNext(m.id)
	}
	for id, delta := range rw.RefDeltas {
		if n, ok := g.nodes[id]; ok {
			n.refCount += delta
		}
	}
}

func invalidExpansion(id NodeId, msg string) error {
	return errors.WithStack(&loomerrors.ErrInvalidArgument{Name: "node", Value: id, Message: msg})
}
