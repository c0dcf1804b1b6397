package taskmanager

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/metrics"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/trace"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/workerdb"
)

// HandleResponse applies a worker's report to the computation.
func (tm *TaskManager) HandleResponse(ctx *loomcontext.Context, resp transport.Response) {
	w, ok := tm.workers.GetByAddress(resp.Worker)
	if !ok {
		ctx.Log.Warnf("ignoring %s for node %d from unknown worker %s", resp.Type, resp.Node, resp.Worker)
		return
	}
	ctx = loomcontext.WithLogFields(ctx, logrus.Fields{"worker": w.Address, "node": resp.Node})
	switch resp.Type {
	case transport.TaskFinished, transport.CheckpointLoaded:
		tm.taskFinished(ctx, w, resp)
	case transport.TaskFailed:
		tm.taskFailed(ctx, w, resp, transport.TaskFailedEvent)
	case transport.CheckpointLoadFailed:
		tm.taskFailed(ctx, w, resp, transport.CheckpointFailed)
	case transport.DataTransferred:
		tm.dataTransferred(ctx, w, resp)
	case transport.CheckpointWritten, transport.CheckpointWriteFailed:
		tm.checkpointWritten(ctx, w, resp)
	default:
		ctx.Log.Warnf("ignoring response of unknown type %q", resp.Type)
	}
}

func (tm *TaskManager) taskFinished(ctx *loomcontext.Context, w *workerdb.Worker, resp transport.Response) {
	if tm.consumeResidualTask(ctx, w, resp) {
		return
	}
	n, ok := tm.state.Node(resp.Node)
	if !ok || n.Status(w.Id) != graph.StatusRunning {
		ctx.Log.Errorf("worker reported %s for a node it does not run", resp.Type)
		return
	}
	session := n.Session()
	fx := tm.state.SetTaskFinished(resp.Node, w.Id, resp.Size, resp.Length, resp.Checkpointing)
	tm.tracer.Record(trace.Event{Kind: trace.TaskFinished, Node: resp.Node, Worker: w.Address, Size: resp.Size})
	tm.apply(ctx, fx)
	tm.finishSessions(ctx, session)
}

func (tm *TaskManager) taskFailed(ctx *loomcontext.Context, w *workerdb.Worker, resp transport.Response, event transport.EventType) {
	if tm.consumeResidualTask(ctx, w, resp) {
		return
	}
	n, ok := tm.state.Node(resp.Node)
	if !ok || n.Status(w.Id) != graph.StatusRunning {
		ctx.Log.Errorf("worker reported %s for a node it does not run", resp.Type)
		return
	}
	message := tm.interner.Intern(resp.Error)
	failures := tm.state.SetTaskFailed(resp.Node, w.Id)
	metrics.RecordTaskFailure()
	tm.tracer.Record(trace.Event{Kind: trace.TaskFailed, Node: resp.Node, Worker: w.Address, Message: message})
	ctx.Log.Warnf("task failed (%d times): %s", failures, message)
	tm.notify(ctx, n.Session(), transport.ClientEvent{
		Type:     event,
		ClientId: n.ClientId(),
		Node:     n.Id(),
		Workers:  []string{w.Address},
		Error:    message,
	})

	maxFailures := tm.config.MaxTaskRetries
	if maxFailures < 1 {
		maxFailures = 1
	}
	if failures >= maxFailures {
		tm.trashAll(ctx, fmt.Sprintf("node %d failed %d times, last on %s: %s", resp.Node, failures, w.Address, message))
		return
	}
	tm.resetInFlight(ctx, fmt.Sprintf("node %d failed on %s", resp.Node, w.Address))
}

func (tm *TaskManager) dataTransferred(ctx *loomcontext.Context, w *workerdb.Worker, resp transport.Response) {
	residual := false
	tm.workers.MustUpdate(w.Id, func(w *workerdb.Worker) { residual = w.ConsumeResidualTransfer(resp.Node) })
	if residual {
		metrics.RecordResidual("transfer")
		tm.removeOrphan(ctx, w, resp.Node)
		return
	}
	n, ok := tm.state.Node(resp.Node)
	if !ok || n.Status(w.Id) != graph.StatusTransfer {
		ctx.Log.Errorf("worker reported data it was not sent")
		return
	}
	tm.state.SetDataTransferred(resp.Node, w.Id)
	tm.tracer.Record(trace.Event{Kind: trace.TransferFinished, Node: resp.Node, Worker: w.Address})
	tm.dirty = true
}

func (tm *TaskManager) checkpointWritten(ctx *loomcontext.Context, w *workerdb.Worker, resp transport.Response) {
	if w.PendingCheckpointWrites <= 0 {
		ctx.Log.Errorf("worker reported %s without a pending checkpoint write", resp.Type)
		return
	}
	tm.state.SetCheckpointWriteDone(w.Id)
	if resp.Type == transport.CheckpointWritten {
		if err := tm.checkpoints.Record(resp.CheckpointPath, resp.Size, resp.Length); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("could not record checkpoint %s", resp.CheckpointPath)
		}
		return
	}
	ctx.Log.Warnf("writing checkpoint %s failed: %s", resp.CheckpointPath, resp.Error)
	if n, ok := tm.state.Node(resp.Node); ok {
		tm.notify(ctx, n.Session(), transport.ClientEvent{
			Type:     transport.CheckpointFailed,
			ClientId: n.ClientId(),
			Node:     n.Id(),
			Workers:  []string{w.Address},
			Error:    tm.interner.Intern(resp.Error),
		})
	}
}

// consumeResidualTask handles the report of a task instance the server forgot in a reset. Its cpus are released and
// the data it produced is removed unless the node is tracked on the worker again.
func (tm *TaskManager) consumeResidualTask(ctx *loomcontext.Context, w *workerdb.Worker, resp transport.Response) bool {
	residual := false
	tm.workers.MustUpdate(w.Id, func(w *workerdb.Worker) {
		residual = w.ConsumeResidualTask(resp.Node)
		if residual && resp.Checkpointing {
			w.PendingCheckpointWrites++
		}
	})
	if !residual {
		return false
	}
	metrics.RecordResidual("task")
	if resp.Type == transport.TaskFinished || resp.Type == transport.CheckpointLoaded {
		tm.removeOrphan(ctx, w, resp.Node)
	}
	tm.dirty = true
	return true
}

func (tm *TaskManager) removeOrphan(ctx *loomcontext.Context, w *workerdb.Worker, id graph.NodeId) {
	if n, ok := tm.state.Node(id); ok && n.Status(w.Id) != graph.StatusNone {
		return
	}
	tm.send(ctx, w.Address, transport.Command{Type: transport.RemoveData, Node: id})
	tm.tracer.Record(trace.Event{Kind: trace.DataRemoved, Node: id, Worker: w.Address})
}
