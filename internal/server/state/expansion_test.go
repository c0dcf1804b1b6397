package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/plan"
)

// expansionPlan is input -> kind -> map -> collect, with collect the result.
func expansionPlan(kind string) *plan.Plan {
	b := plan.NewBuilder()
	input := b.Add("t")
	d := b.Add(kind, input)
	m := b.Add("map", d)
	c := b.Add("collect", m)
	return b.WithCpus(m, 1).Result(c).Build()
}

func TestExpansion(t *testing.T) {
	tests := map[string]struct {
		kind      string
		maxSlices int
		length    uint64
		pieces    int
	}{
		"dget":               {kind: dictionary.DGet, length: 3, pieces: 3},
		"dget ignores bound": {kind: dictionary.DGet, maxSlices: 1, length: 3, pieces: 3},
		"dslice unbounded":   {kind: dictionary.DSlice, length: 4, pieces: 4},
		"dslice bounded":     {kind: dictionary.DSlice, maxSlices: 2, length: 5, pieces: 2},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s, workers := newState(t, 4)
			s.config.MaxSlices = tc.maxSlices
			w := workers[0]
			first := addPlan(t, s, expansionPlan(tc.kind))
			input, d, m, c := first, first+1, first+2, first+3

			s.SetRunningTask(input, w)
			fx := s.SetTaskFinished(input, w, 100, tc.length, false)
			assert.Equal(t, []graph.NodeId{d}, fx.Expanded)

			for _, id := range []graph.NodeId{d, m} {
				_, ok := s.Node(id)
				assert.False(t, ok, "node %d should be replaced", id)
			}
			ready := s.Ready()
			require.Len(t, ready, tc.pieces)

			in, _ := s.Node(input)
			assert.Equal(t, tc.pieces, in.RefCount())
			collector, _ := s.Node(c)
			assert.Len(t, collector.Inputs(), tc.pieces)
			assert.Equal(t, 1+2*tc.pieces, s.PendingCount())

			pieceType := dictionary.Slice
			if tc.kind == dictionary.DGet {
				pieceType = dictionary.Get
			}
			covered := uint64(0)
			for i, id := range ready {
				piece, _ := s.Node(id)
				name, err := s.Dictionary().Translate(piece.TaskType())
				require.NoError(t, err)
				assert.Equal(t, pieceType, name)
				start, end, err := graph.DecodeRange(piece.Config())
				require.NoError(t, err)
				assert.Equal(t, covered, start, "piece %d", i)
				covered = end

				copyOfMap, _ := s.Node(piece.Nexts()[0])
				assert.Equal(t, 1, copyOfMap.Cpus())
				assert.Equal(t, []graph.NodeId{c}, copyOfMap.Nexts())
			}
			assert.Equal(t, tc.length, covered)
			assertReadiness(t, s)

			// Running everything to completion leaves only the result.
			for len(s.Ready()) > 0 {
				id := s.Ready()[0]
				s.SetRunningTask(id, w)
				s.SetTaskFinished(id, w, 1, 1, false)
			}
			assert.Equal(t, 1, s.NodeCount())
			assert.Equal(t, 0, s.PendingCount())
		})
	}
}

func TestExpansion_Empty(t *testing.T) {
	s, workers := newState(t, 1)
	w := workers[0]
	first := addPlan(t, s, expansionPlan(dictionary.DSlice))
	input, c := first, first+3

	s.SetRunningTask(input, w)
	fx := s.SetTaskFinished(input, w, 0, 0, false)

	// Nothing reads the input any more, and the collector runs without inputs.
	assert.Equal(t, []Removal{{Node: input, Workers: []graph.WorkerId{w}}}, fx.Removals)
	assert.Equal(t, []graph.NodeId{c}, s.Ready())
	assert.Equal(t, 1, s.NodeCount())
	assert.Equal(t, 1, s.PendingCount())
}

func TestExpansion_Idempotent(t *testing.T) {
	s, workers := newState(t, 1)
	w := workers[0]
	first := addPlan(t, s, expansionPlan(dictionary.DGet))
	d, _ := s.Node(first + 1)

	s.SetRunningTask(first, w)
	s.SetTaskFinished(first, w, 10, 2, false)
	count := s.NodeCount()

	fx := &Effects{}
	s.expand(d, fx)
	assert.Empty(t, fx.Expanded)
	assert.Equal(t, count, s.NodeCount())

	// A reset recomputes readiness without expanding again.
	s.ResetInFlight()
	assert.Equal(t, count, s.NodeCount())
	assert.Len(t, s.Ready(), 2)
}

func TestExpansion_ConsumerOfTwoExpansionsIsRejected(t *testing.T) {
	s, _ := newState(t, 1)
	b := plan.NewBuilder()
	input := b.Add("t")
	d1 := b.Add(dictionary.DSlice, input)
	d2 := b.Add(dictionary.DSlice, input)
	m := b.Add("map", d1, d2)
	c := b.Add("collect", m)

	_, _, err := s.AddPlan(session, b.Result(c).Build(), nil)
	assert.True(t, loomerrors.IsInvalidArgument(err))
	assert.Equal(t, 0, s.NodeCount())
	assert.Equal(t, 0, s.PendingCount())
}

func TestExpansion_SharedInput(t *testing.T) {
	s, workers := newState(t, 1)
	w := workers[0]
	b := plan.NewBuilder()
	input := b.Add("t")
	d1 := b.Add(dictionary.DSlice, input)
	d2 := b.Add(dictionary.DGet, input)
	m1 := b.Add("map", d1)
	m2 := b.Add("map", d2)
	c := b.Add("collect", m1, m2)
	first := addPlan(t, s, b.Result(c).Build())

	s.SetRunningTask(first, w)
	var fx *Effects
	require.NotPanics(t, func() { fx = s.SetTaskFinished(first, w, 100, 3, false) })
	assert.ElementsMatch(t, []graph.NodeId{first + 1, first + 2}, fx.Expanded)

	in, _ := s.Node(first)
	assert.Equal(t, 6, in.RefCount())
	assert.Len(t, s.Ready(), 6)
	collector, _ := s.Node(first + graph.NodeId(c))
	assert.Len(t, collector.Inputs(), 6)
	assertReadiness(t, s)

	for len(s.Ready()) > 0 {
		id := s.Ready()[0]
		s.SetRunningTask(id, w)
		s.SetTaskFinished(id, w, 1, 1, false)
	}
	assert.Equal(t, 1, s.NodeCount())
	assert.Equal(t, 0, s.PendingCount())
}
