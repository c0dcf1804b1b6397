package scheduling

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/configuration"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/metrics"
)

const (
	simplexTolerance = 1e-10
	// Relaxed values closer than this to 0 or 1 count as integral.
	integralityTolerance = 1e-6
)

// ExactScheduler solves a scheduling pass as a 0/1 program: x[t,w] is one if task t runs on worker w and y[i,w] is
// one if input i has to be copied to worker w. It maximises
//
//	TaskBonus * Σ x[t,w] - TransferWeight * Σ size(i)/totalSize * y[i,w]
//
// subject to every task running at most once, the cpu and zero-cost capacity of every worker and x[t,w] <= y[i,w]
// for every input i of t not already on w. The program is solved by branch and bound over LP relaxations. Passes
// larger than the configured limits, and passes where the solver fails, are handled by the heuristic.
type ExactScheduler struct {
	config    configuration.SchedulingConfig
	heuristic *HeuristicScheduler
	// If true, only passes that are not overbooked are solved exactly.
	onlyUncontended bool
}

func NewExactScheduler(config configuration.SchedulingConfig, onlyUncontended bool) *ExactScheduler {
	return &ExactScheduler{
		config:          config,
		heuristic:       NewHeuristicScheduler(config),
		onlyUncontended: onlyUncontended,
	}
}

func (e *ExactScheduler) Schedule(ctx *loomcontext.Context, s State) (Distribution, error) {
	p := newPass(s, e.config)
	if reason := e.rejects(p); reason != "" {
		if reason != "empty" {
			metrics.RecordExactFallback(reason)
		}
		return e.heuristic.schedulePass(ctx, p), nil
	}
	d, err := e.solve(ctx, p)
	if err != nil {
		metrics.RecordExactFallback("solver")
		logging.WithStacktrace(ctx.Log, err).Warn("exact scheduling failed; falling back to the heuristic")
		return e.heuristic.schedulePass(ctx, newPass(s, e.config)), nil
	}
	// The model only places nodes within capacity.
	p.placeOversized(d)
	return d, nil
}

// rejects returns why p is left to the heuristic, or "" if it is solved exactly.
func (e *ExactScheduler) rejects(p *pass) string {
	switch {
	case len(p.nodes) == 0 || len(p.workers) == 0:
		return "empty"
	case len(p.nodes) > e.config.Exact.MaxTasks || len(p.workers) > e.config.Exact.MaxWorkers:
		return "size"
	case e.onlyUncontended && p.overbooked:
		return "overbooked"
	}
	return ""
}

func (e *ExactScheduler) solve(ctx *loomcontext.Context, p *pass) (Distribution, error) {
	m := newModel(p, e.config.Exact)
	if len(m.assignments) == 0 {
		return make(Distribution), nil
	}
	b := &branchAndBound{
		model:    m,
		maxNodes: e.config.Exact.MaxBranchNodes,
		best:     make([]bool, len(m.assignments)),
	}
	if err := b.branch(nil); err != nil {
		return nil, err
	}
	ctx.Log.Debugf(
		"exact pass explored %d relaxations (truncated: %t), objective %f",
		b.explored, b.truncated, b.bestObjective,
	)
	return m.distribution(b.best), nil
}

type assignment struct {
	task   int
	worker int
	// Indexes into model.transfers of the inputs this assignment has to copy.
	transfers []int
}

type transfer struct {
	input  graph.NodeId
	worker int
	weight float64
}

// row is a sparse constraint Σ coefficient*variable <= bound.
type row struct {
	columns      []int
	coefficients []float64
	bound        float64
}

type model struct {
	pass        *pass
	assignments []assignment
	transfers   []transfer
	objective   []float64
	rows        []row
}

func newModel(p *pass, config configuration.ExactConfig) *model {
	m := &model{pass: p}
	transferIndex := make(map[graph.NodeId]map[int]int)
	totalSize := 0.0
	seen := make(map[graph.NodeId]bool)
	for _, n := range p.nodes {
		for _, id := range n.UniqueInputs() {
			if input, ok := p.state.Node(id); ok && !seen[id] {
				seen[id] = true
				totalSize += float64(input.Size())
			}
		}
	}

	for t, n := range p.nodes {
		for w, ws := range p.workers {
			if !p.supports(ws, n) || !p.fits(ws, n) {
				continue
			}
			a := assignment{task: t, worker: w}
			for _, id := range n.UniqueInputs() {
				input, ok := p.state.Node(id)
				if !ok || isLocal(input, ws.id) {
					continue
				}
				if transferIndex[id] == nil {
					transferIndex[id] = make(map[int]int)
				}
				idx, ok := transferIndex[id][w]
				if !ok {
					weight := 0.0
					if totalSize > 0 {
						weight = config.TransferWeight * float64(input.Size()) / totalSize
					}
					idx = len(m.transfers)
					transferIndex[id][w] = idx
					m.transfers = append(m.transfers, transfer{input: id, worker: w, weight: weight})
				}
				a.transfers = append(a.transfers, idx)
			}
			m.assignments = append(m.assignments, a)
		}
	}

	nx := len(m.assignments)
	m.objective = make([]float64, nx+len(m.transfers))
	for j := range m.assignments {
		m.objective[j] = -config.TaskBonus
	}
	for k, tr := range m.transfers {
		m.objective[nx+k] = tr.weight
	}

	byTask := make(map[int]*row)
	byWorkerCpus := make(map[int]*row)
	byWorkerZero := make(map[int]*row)
	for j, a := range m.assignments {
		addTerm(byTask, a.task, j, 1, 1)
		ws := p.workers[a.worker]
		if cpus := p.nodes[a.task].Cpus(); cpus > 0 {
			addTerm(byWorkerCpus, a.worker, j, float64(cpus), float64(ws.free))
		} else {
			addTerm(byWorkerZero, a.worker, j, 1, float64(ws.freeZero))
		}
	}
	for _, rows := range []map[int]*row{byTask, byWorkerCpus, byWorkerZero} {
		keys := make([]int, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			m.rows = append(m.rows, *rows[k])
		}
	}
	for j, a := range m.assignments {
		for _, k := range a.transfers {
			m.rows = append(m.rows, row{columns: []int{j, nx + k}, coefficients: []float64{1, -1}})
		}
	}
	for k := range m.transfers {
		m.rows = append(m.rows, row{columns: []int{nx + k}, coefficients: []float64{1}, bound: 1})
	}
	return m
}

func addTerm(rows map[int]*row, key int, column int, coefficient float64, bound float64) {
	r, ok := rows[key]
	if !ok {
		r = &row{bound: bound}
		rows[key] = r
	}
	r.columns = append(r.columns, column)
	r.coefficients = append(r.coefficients, coefficient)
}

// fixing pins an assignment variable to 0 or 1 in a branch.
type fixing struct {
	column int
	value  float64
}

// relax solves the LP relaxation with the given fixings. Every inequality gets a slack column so the constraint
// matrix has full row rank, as lp.Simplex requires.
func (m *model) relax(fixings []fixing) (float64, []float64, error) {
	nv := len(m.objective)
	ni := len(m.rows)
	a := mat.NewDense(ni+len(fixings), nv+ni, nil)
	b := make([]float64, 0, ni+len(fixings))
	for i, r := range m.rows {
		for k, col := range r.columns {
			a.Set(i, col, r.coefficients[k])
		}
		a.Set(i, nv+i, 1)
		b = append(b, r.bound)
	}
	for k, f := range fixings {
		a.Set(ni+k, f.column, 1)
		b = append(b, f.value)
	}
	c := make([]float64, nv+ni)
	copy(c, m.objective)
	objective, x, err := lp.Simplex(c, a, b, simplexTolerance, nil)
	if err != nil {
		return 0, nil, err
	}
	return objective, x[:nv], nil
}

// value returns the objective of running exactly the selected assignments, or false if they violate a constraint.
func (m *model) value(selected []bool) (float64, bool) {
	nx := len(m.assignments)
	x := make([]float64, len(m.objective))
	for j, s := range selected {
		if !s {
			continue
		}
		x[j] = 1
		for _, k := range m.assignments[j].transfers {
			x[nx+k] = 1
		}
	}
	for _, r := range m.rows {
		sum := 0.0
		for k, col := range r.columns {
			sum += r.coefficients[k] * x[col]
		}
		if sum > r.bound+integralityTolerance {
			return 0, false
		}
	}
	objective := 0.0
	for j, v := range x {
		objective += m.objective[j] * v
	}
	return objective, true
}

func (m *model) distribution(selected []bool) Distribution {
	d := make(Distribution)
	for j, s := range selected {
		if s {
			a := m.assignments[j]
			w := m.pass.workers[a.worker].id
			d[w] = append(d[w], m.pass.nodes[a.task].Id())
		}
	}
	for _, nodes := range d {
		slices.Sort(nodes)
	}
	return d
}

type branchAndBound struct {
	model     *model
	maxNodes  int
	explored  int
	truncated bool
	// Assigning nothing is always feasible and is the initial incumbent.
	best          []bool
	bestObjective float64
}

func (b *branchAndBound) branch(fixings []fixing) error {
	if b.explored >= b.maxNodes {
		b.truncated = true
		return nil
	}
	b.explored++
	objective, x, err := b.model.relax(fixings)
	if errors.Is(err, lp.ErrInfeasible) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "solving relaxation with %d fixings", len(fixings))
	}
	if objective >= b.bestObjective-integralityTolerance {
		return nil
	}

	// Rounding down a relaxed solution keeps it feasible and often gives a good incumbent early.
	rounded := make([]bool, len(b.model.assignments))
	fractional, mostFractional := -1, 1.0
	for j := range b.model.assignments {
		v := x[j]
		rounded[j] = v >= 1-integralityTolerance
		if v > integralityTolerance && v < 1-integralityTolerance {
			if d := math.Abs(v - 0.5); d < mostFractional {
				fractional, mostFractional = j, d
			}
		}
	}
	if value, ok := b.model.value(rounded); ok && value < b.bestObjective {
		b.best, b.bestObjective = rounded, value
	}
	if fractional < 0 {
		return nil
	}
	for _, v := range []float64{1, 0} {
		next := append(slices.Clone(fixings), fixing{column: fractional, value: v})
		if err := b.branch(next); err != nil {
			return err
		}
	}
	return nil
}
