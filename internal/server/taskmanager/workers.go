package taskmanager

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/trace"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/workerdb"
)

// RegisterWorker adds a worker. Its task types become known to the dictionary.
func (tm *TaskManager) RegisterWorker(ctx *loomcontext.Context, reg transport.Registration) (*workerdb.Worker, error) {
	address := tm.interner.Intern(reg.Address)
	taskTypes := make([]string, len(reg.TaskTypes))
	for i, taskType := range reg.TaskTypes {
		taskTypes[i] = tm.interner.Intern(taskType)
		tm.state.Dictionary().FindOrCreate(taskType)
	}
	w, err := tm.workers.Register(address, reg.Cpus, taskTypes, tm.clock.Now())
	if err != nil {
		return nil, err
	}
	ctx.Log.WithField("worker", address).Infof("worker registered with %d cpus and %d task types", w.Cpus, len(taskTypes))
	if tm.config.Trace.Enabled {
		tm.send(ctx, address, transport.Command{Type: transport.UpdateTrace, TraceDirectory: tm.config.Trace.Directory})
	}
	tm.tracer.Record(trace.Event{Kind: trace.WorkerJoined, Worker: address, Cpus: w.Cpus})
	tm.dirty = true
	return w, nil
}

// Heartbeat records that the worker at address is alive.
func (tm *TaskManager) Heartbeat(ctx *loomcontext.Context, address string) {
	w, ok := tm.workers.GetByAddress(address)
	if !ok {
		ctx.Log.Debugf("heartbeat from unknown worker %s", address)
		return
	}
	now := tm.clock.Now()
	tm.workers.MustUpdate(w.Id, func(w *workerdb.Worker) { w.LastHeartbeat = now })
}

// BlockWorker stops (or resumes) scheduling new tasks on a worker. Blocked workers still serve their data.
func (tm *TaskManager) BlockWorker(ctx *loomcontext.Context, address string, blocked bool) error {
	w, ok := tm.workers.GetByAddress(address)
	if !ok {
		return errors.WithStack(&loomerrors.ErrNotFound{Type: "worker", Value: address})
	}
	tm.workers.MustUpdate(w.Id, func(w *workerdb.Worker) { w.Blocked = blocked })
	ctx.Log.WithField("worker", address).Infof("worker blocked: %t", blocked)
	tm.dirty = true
	return nil
}

// WorkerDisconnected forgets a worker that left.
func (tm *TaskManager) WorkerDisconnected(ctx *loomcontext.Context, address string) {
	w, ok := tm.workers.GetByAddress(address)
	if !ok {
		return
	}
	tm.removeWorker(ctx, w, "disconnected")
}

// ExpireWorkers forgets workers that have not sent a heartbeat within the worker timeout.
func (tm *TaskManager) ExpireWorkers(ctx *loomcontext.Context) {
	if tm.config.WorkerTimeout <= 0 {
		return
	}
	for _, w := range tm.workers.StaleWorkers(tm.clock.Now(), tm.config.WorkerTimeout) {
		tm.removeWorker(ctx, w, fmt.Sprintf("no heartbeat since %s", w.LastHeartbeat.Format("15:04:05")))
	}
}

// removeWorker drops w. Tasks on it and transfers from or to it will never complete, so in-flight work is reset; if w
// held the only copy of data still needed, nothing can be recomputed and every computation is dropped.
func (tm *TaskManager) removeWorker(ctx *loomcontext.Context, w *workerdb.Worker, reason string) {
	ctx.Log.WithField("worker", w.Address).Warnf("removing worker: %s", reason)
	busy := tm.hasInFlightWork(w.Id)
	lost, err := tm.state.RemoveWorker(w.Id)
	if err != nil {
		ctx.Log.WithError(err).Errorf("removing worker %s", w.Address)
	}
	tm.tracer.Record(trace.Event{Kind: trace.WorkerLeft, Worker: w.Address, Message: reason})
	switch {
	case tm.state.NodeCount() == 0:
	case lost:
		tm.trashAll(ctx, fmt.Sprintf("worker %s held the only copy of needed data", w.Address))
	case busy:
		tm.resetInFlight(ctx, fmt.Sprintf("worker %s was lost", w.Address))
	}
	tm.dirty = true
}

// hasInFlightWork reports whether a task runs on the worker, data is copied to it, or data it holds is being copied.
func (tm *TaskManager) hasInFlightWork(id graph.WorkerId) bool {
	for _, nodeId := range tm.state.NodeIds() {
		n, _ := tm.state.Node(nodeId)
		switch n.Status(id) {
		case graph.StatusRunning, graph.StatusTransfer:
			return true
		case graph.StatusOwner:
			for _, other := range n.Workers() {
				if n.Status(other) == graph.StatusTransfer {
					return true
				}
			}
		}
	}
	return false
}
