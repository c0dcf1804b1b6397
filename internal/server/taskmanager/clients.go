package taskmanager

import (
	"fmt"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/plan"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
)

// SubmitPlan adds a client's plan to the graph. Tasks whose checkpoint already exists are loaded instead of computed.
// A rejected plan is reported to the client and leaves the graph untouched.
func (tm *TaskManager) SubmitPlan(ctx *loomcontext.Context, sub transport.Submission) (graph.NodeId, error) {
	log := ctx.Log.WithField("session", sub.Session)
	first, err := tm.submit(ctx, sub)
	if err != nil {
		logging.WithStacktrace(log, err).Warn("rejecting plan")
		tm.notify(ctx, sub.Session, transport.ClientEvent{Type: transport.PlanRejected, Error: err.Error()})
		return 0, err
	}
	log.Infof("accepted plan with %d tasks as nodes %d..%d", len(sub.Plan.Tasks), first, first+graph.NodeId(len(sub.Plan.Tasks))-1)
	tm.finishSessions(ctx, sub.Session)
	return first, nil
}

func (tm *TaskManager) submit(ctx *loomcontext.Context, sub transport.Submission) (graph.NodeId, error) {
	if sub.Plan == nil {
		sub.Plan = &plan.Plan{}
	}
	if tm.config.StrictTaskTypes {
		if err := sub.Plan.Validate(tm.knownTaskType); err != nil {
			return 0, err
		}
	}
	checkpoints := make(map[int]bool)
	for i, task := range sub.Plan.Tasks {
		if task.CheckpointPath == "" {
			continue
		}
		found, err := tm.checkpoints.Lookup(task.CheckpointPath)
		if err != nil {
			// Computing the task is always possible.
			logging.WithStacktrace(ctx.Log, err).Warnf("could not look up checkpoint %s", task.CheckpointPath)
			continue
		}
		checkpoints[i] = found
	}
	first, fx, err := tm.state.AddPlan(sub.Session, sub.Plan, checkpoints)
	if err != nil {
		return 0, err
	}
	tm.apply(ctx, fx)
	return first, nil
}

// knownTaskType reports whether some registered worker can run taskType.
func (tm *TaskManager) knownTaskType(taskType string) bool {
	for _, w := range tm.workers.All() {
		if w.SupportsTaskType(taskType) {
			return true
		}
	}
	return false
}

// Release drops the client's interest in results it has fetched.
func (tm *TaskManager) Release(ctx *loomcontext.Context, req transport.ReleaseRequest) {
	pending := tm.state.SessionPending(req.Session)
	for _, clientId := range req.ClientIds {
		fx, err := tm.state.Release(req.Session, clientId)
		if err != nil {
			ctx.Log.WithError(err).Warnf("session %s released an unknown result", req.Session)
			continue
		}
		tm.apply(ctx, fx)
	}
	// Releasing a result that was not computed yet prunes the work leading to it.
	if pending > 0 {
		tm.finishSessions(ctx, req.Session)
	}
}

// Trash drops every computation on behalf of a client.
func (tm *TaskManager) Trash(ctx *loomcontext.Context, session string) {
	if tm.state.NodeCount() == 0 {
		return
	}
	tm.trashAll(ctx, fmt.Sprintf("trashed by session %s", session))
}
