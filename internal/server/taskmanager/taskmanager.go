package taskmanager

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/stringinterner"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/checkpoint"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/configuration"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/metrics"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/scheduling"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/state"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/trace"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/workerdb"
)

// TaskManager turns state transitions into commands and client events. It owns the ComputationState and, like it,
// must only be used from the server's event loop.
type TaskManager struct {
	state       *state.ComputationState
	workers     *workerdb.WorkerDb
	scheduler   scheduling.Algorithm
	sender      transport.Sender
	checkpoints checkpoint.Store
	tracer      trace.Recorder
	interner    *stringinterner.StringInterner
	clock       clock.Clock
	config      configuration.Configuration
	// Set by a scheduling-relevant change since the last pass.
	dirty bool
}

type Params struct {
	State       *state.ComputationState
	Scheduler   scheduling.Algorithm
	Sender      transport.Sender
	Checkpoints checkpoint.Store
	Tracer      trace.Recorder
	Clock       clock.Clock
	Config      configuration.Configuration
}

func New(params Params) *TaskManager {
	tm := &TaskManager{
		state:       params.State,
		workers:     params.State.Workers(),
		scheduler:   params.Scheduler,
		sender:      params.Sender,
		checkpoints: params.Checkpoints,
		tracer:      params.Tracer,
		interner:    stringinterner.New(params.Config.InternedStringsCacheSize),
		clock:       params.Clock,
		config:      params.Config,
	}
	if tm.checkpoints == nil {
		tm.checkpoints = checkpoint.NoStore{}
	}
	if tm.tracer == nil {
		tm.tracer = trace.Noop{}
	}
	if tm.clock == nil {
		tm.clock = clock.RealClock{}
	}
	return tm
}

func (tm *TaskManager) State() *state.ComputationState {
	return tm.state
}

// NeedsScheduling reports whether something changed that a scheduling pass could act on.
func (tm *TaskManager) NeedsScheduling() bool {
	return tm.dirty && tm.state.ReadyLen() > 0
}

// RunTaskDistribution runs one scheduling pass and sends its result to the workers.
func (tm *TaskManager) RunTaskDistribution(ctx *loomcontext.Context) {
	tm.dirty = false
	defer tm.reportState()
	if tm.state.ReadyLen() == 0 || tm.workers.Len() == 0 {
		return
	}
	start := tm.clock.Now()
	distribution, err := tm.scheduler.Schedule(ctx, tm.state)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("scheduling pass failed")
		return
	}
	metrics.RecordSchedulingPass(tm.algorithm(), tm.clock.Since(start), distribution.Len())
	if distribution.Len() > 0 {
		ctx.Log.Debugf("scheduled %d of %d ready tasks", distribution.Len(), tm.state.ReadyLen())
	}
	tm.DistributeWork(ctx, distribution)
}

// DistributeWork starts every task of the distribution on its worker. Inputs missing on the worker are first
// requested from their lowest-id owner.
func (tm *TaskManager) DistributeWork(ctx *loomcontext.Context, distribution scheduling.Distribution) {
	workerIds := maps.Keys(distribution)
	slices.Sort(workerIds)
	for _, workerId := range workerIds {
		worker, ok := tm.workers.Get(workerId)
		if !ok {
			ctx.Log.Warnf("dropping assignments to unknown worker %d", workerId)
			continue
		}
		for _, id := range distribution[workerId] {
			n, ok := tm.state.Node(id)
			if !ok || !tm.state.IsReady(id) {
				ctx.Log.Warnf("dropping assignment of node %d, it is no longer ready", id)
				continue
			}
			tm.startTask(ctx, n, worker)
		}
	}
}

func (tm *TaskManager) startTask(ctx *loomcontext.Context, n *graph.Node, worker *workerdb.Worker) {
	for _, id := range n.UniqueInputs() {
		in, ok := tm.state.Node(id)
		loomerrors.Invariant(ok, "input %d of ready node %d does not exist", id, n.Id())
		if status := in.Status(worker.Id); status == graph.StatusOwner || status == graph.StatusTransfer {
			continue
		}
		source := tm.workers.MustGet(in.Owners()[0])
		tm.send(ctx, source.Address, transport.Command{Type: transport.SendData, Node: id, Target: worker.Address})
		tm.state.SetTransfer(id, worker.Id)
		metrics.RecordTransfer()
		tm.tracer.Record(trace.Event{Kind: trace.TransferStarted, Node: id, Worker: worker.Address, Size: in.Size()})
	}

	taskType, err := tm.state.Dictionary().Translate(n.TaskType())
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Errorf("node %d has no task type", n.Id())
		return
	}
	cmd := transport.Command{
		Type:           transport.StartTask,
		Node:           n.Id(),
		TaskType:       taskType,
		Config:         n.Config(),
		Inputs:         n.Inputs(),
		Cpus:           n.Cpus(),
		CheckpointPath: n.CheckpointPath(),
	}
	if n.LoadsCheckpoint() {
		cmd = transport.Command{Type: transport.LoadCheckpoint, Node: n.Id(), Cpus: n.Cpus(), CheckpointPath: n.CheckpointPath()}
	}
	tm.state.SetRunningTask(n.Id(), worker.Id)
	tm.send(ctx, worker.Address, cmd)
	tm.tracer.Record(trace.Event{Kind: trace.TaskStarted, Node: n.Id(), Worker: worker.Address, TaskType: taskType, Cpus: n.Cpus()})
}

// apply sends the commands and events a state transition asks for.
func (tm *TaskManager) apply(ctx *loomcontext.Context, fx *state.Effects) {
	if fx == nil {
		return
	}
	for _, removal := range fx.Removals {
		for _, workerId := range removal.Workers {
			worker, ok := tm.workers.Get(workerId)
			if !ok {
				continue
			}
			tm.send(ctx, worker.Address, transport.Command{Type: transport.RemoveData, Node: removal.Node})
			tm.tracer.Record(trace.Event{Kind: trace.DataRemoved, Node: removal.Node, Worker: worker.Address})
		}
	}
	for _, n := range fx.Results {
		owners := n.Owners()
		addresses := make([]string, 0, len(owners))
		for _, workerId := range owners {
			if worker, ok := tm.workers.Get(workerId); ok {
				addresses = append(addresses, worker.Address)
			}
		}
		tm.notify(ctx, n.Session(), transport.ClientEvent{
			Type:     transport.ResultReady,
			ClientId: n.ClientId(),
			Node:     n.Id(),
			Workers:  addresses,
			Size:     n.Size(),
			Length:   n.Length(),
		})
	}
	if len(fx.Expanded) > 0 {
		ctx.Log.Debugf("expanded nodes %v", fx.Expanded)
	}
	tm.dirty = true
}

// finishSessions tells the clients of sessions whose nodes have all finished.
func (tm *TaskManager) finishSessions(ctx *loomcontext.Context, sessions ...string) {
	for _, session := range sessions {
		if tm.state.SessionPending(session) == 0 {
			ctx.Log.Infof("all tasks of session %s finished", session)
			tm.notify(ctx, session, transport.ClientEvent{Type: transport.PlanFinished})
		}
	}
}

// resetInFlight drops running tasks and transfers; they are rescheduled.
func (tm *TaskManager) resetInFlight(ctx *loomcontext.Context, reason string) {
	ctx.Log.Infof("resetting in-flight work: %s", reason)
	tm.apply(ctx, tm.state.ResetInFlight())
	metrics.RecordReset("in_flight")
	tm.tracer.Record(trace.Event{Kind: trace.InFlightReset, Message: reason})
}

// trashAll drops every computation and tells every session why.
func (tm *TaskManager) trashAll(ctx *loomcontext.Context, reason string) {
	sessions := tm.state.Sessions()
	ctx.Log.Warnf("dropping all computations: %s", reason)
	tm.apply(ctx, tm.state.TrashAll())
	metrics.RecordReset("all")
	tm.tracer.Record(trace.Event{Kind: trace.GraphTrashed, Message: reason})
	for _, session := range sessions {
		tm.notify(ctx, session, transport.ClientEvent{Type: transport.ComputationAborted, Error: reason})
	}
}

func (tm *TaskManager) send(ctx *loomcontext.Context, address string, cmd transport.Command) {
	if err := tm.sender.SendCommand(address, cmd); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("could not send %s for node %d to %s", cmd.Type, cmd.Node, address)
	}
}

func (tm *TaskManager) notify(ctx *loomcontext.Context, session string, ev transport.ClientEvent) {
	ev.Session = session
	if err := tm.sender.SendClientEvent(session, ev); err != nil {
		ctx.Log.WithError(err).Debugf("could not deliver %s to session %s", ev.Type, session)
	}
}

func (tm *TaskManager) algorithm() string {
	if tm.config.Scheduling.Algorithm == "" {
		return configuration.HeuristicAlgorithm
	}
	return tm.config.Scheduling.Algorithm
}

func (tm *TaskManager) reportState() {
	free := 0
	workers := tm.workers.All()
	for _, w := range workers {
		free += w.FreeCpus
	}
	metrics.ReportState(tm.state.ReadyLen(), tm.state.PendingCount(), len(workers), free)
}
