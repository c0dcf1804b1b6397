package worker

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/trace"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
	"github.com/It4innovations/HyperLoom-sub000/internal/worker/resources"
)

const (
	defaultHeartbeatPeriod = 10 * time.Second
	traceBatchSize         = 100
	traceBatchTimeout      = time.Second
)

type Config struct {
	Address string
	// 0 means every cpu of the machine.
	Cpus int
	// Task types announced to the server. Empty announces every type with a runner.
	TaskTypes []string
	// Relative checkpoint paths are resolved against WorkDir.
	WorkDir         string
	HeartbeatPeriod time.Duration
}

type job struct {
	cmd        transport.Command
	allocation resources.Allocation
	inputs     [][]byte
}

// Worker is an in-process worker runtime. It keeps data objects in memory, runs tasks once their inputs are present
// and cpus are free, and reads and writes checkpoints on the local filesystem.
type Worker struct {
	config    Config
	resources *resources.ResourceManager
	runners   map[string]RunnerFunc
	clock     clock.WithTicker
	log       *logrus.Entry

	link      transport.WorkerLink
	linkReady chan struct{}
	attach    sync.Once

	mu     sync.Mutex
	data   map[graph.NodeId][]byte
	queue  []*job
	tracer trace.Recorder
	jobs   sync.WaitGroup
}

func New(config Config, runners map[string]RunnerFunc, log *logrus.Entry) *Worker {
	if config.HeartbeatPeriod <= 0 {
		config.HeartbeatPeriod = defaultHeartbeatPeriod
	}
	if runners == nil {
		runners = DefaultRunners()
	}
	return &Worker{
		config:    config,
		resources: resources.New(config.Cpus),
		runners:   runners,
		clock:     clock.RealClock{},
		log:       log.WithField("worker", config.Address),
		linkReady: make(chan struct{}),
		data:      make(map[graph.NodeId][]byte),
		tracer:    trace.Noop{},
	}
}

// Registration describes the worker to the server.
func (w *Worker) Registration() transport.Registration {
	taskTypes := slices.Clone(w.config.TaskTypes)
	if len(taskTypes) == 0 {
		for _, taskType := range maps.Keys(w.runners) {
			if !dictionary.IsBuiltinTaskType(taskType) {
				taskTypes = append(taskTypes, taskType)
			}
		}
	}
	slices.Sort(taskTypes)
	return transport.Registration{
		Address:   w.config.Address,
		Cpus:      w.resources.Cpus(),
		TaskTypes: taskTypes,
	}
}

// Attach hands the worker the link it was registered through. Responses wait until a link is attached.
func (w *Worker) Attach(link transport.WorkerLink) {
	w.attach.Do(func() {
		w.link = link
		close(w.linkReady)
	})
}

func (w *Worker) connection() transport.WorkerLink {
	<-w.linkReady
	return w.link
}

func (w *Worker) HandleCommand(cmd transport.Command) {
	switch cmd.Type {
	case transport.StartTask, transport.LoadCheckpoint:
		w.mu.Lock()
		w.queue = append(w.queue, &job{cmd: cmd})
		w.mu.Unlock()
		w.schedule()
	case transport.SendData:
		w.sendData(cmd)
	case transport.RemoveData:
		w.removeData(cmd.Node)
	case transport.UpdateTrace:
		w.updateTrace(cmd.TraceDirectory)
	default:
		w.log.Warnf("ignoring unknown command %q", cmd.Type)
	}
}

func (w *Worker) HandleData(node graph.NodeId, data []byte) {
	w.mu.Lock()
	w.data[node] = data
	tracer := w.tracer
	w.mu.Unlock()
	tracer.Record(trace.Event{Kind: trace.TransferFinished, Node: node, Worker: w.config.Address, Size: uint64(len(data))})
	w.respond(transport.Response{Type: transport.DataTransferred, Node: node, Size: uint64(len(data)), Length: Length(data)})
	w.schedule()
}

func (w *Worker) FetchData(node graph.NodeId) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.data[node]
	return data, ok
}

func (w *Worker) sendData(cmd transport.Command) {
	w.mu.Lock()
	data, ok := w.data[cmd.Node]
	tracer := w.tracer
	w.mu.Unlock()
	if !ok {
		w.log.Errorf("asked to send node %d to %s but it is not held here", cmd.Node, cmd.Target)
		return
	}
	tracer.Record(trace.Event{Kind: trace.TransferStarted, Node: cmd.Node, Worker: w.config.Address, Size: uint64(len(data)), Message: cmd.Target})
	if err := w.connection().PushData(cmd.Target, cmd.Node, data); err != nil {
		logging.WithStacktrace(w.log, err).Errorf("sending node %d to %s", cmd.Node, cmd.Target)
	}
}

// removeData drops a data object. Queued tasks reading it can no longer run and are reported as failed.
func (w *Worker) removeData(node graph.NodeId) {
	w.mu.Lock()
	delete(w.data, node)
	var orphaned, kept []*job
	for _, j := range w.queue {
		if slices.Contains(j.cmd.Inputs, node) {
			orphaned = append(orphaned, j)
		} else {
			kept = append(kept, j)
		}
	}
	w.queue = kept
	tracer := w.tracer
	w.mu.Unlock()
	tracer.Record(trace.Event{Kind: trace.DataRemoved, Node: node, Worker: w.config.Address})
	for _, j := range orphaned {
		w.respond(transport.Response{Type: transport.TaskFailed, Node: j.cmd.Node, Error: "input was removed before the task started"})
	}
}

func (w *Worker) updateTrace(directory string) {
	var next trace.Recorder = trace.Noop{}
	if directory != "" {
		path := filepath.Join(directory, trace.WorkerFileName(w.config.Address))
		recorder, err := trace.NewSqliteRecorder(path, traceBatchSize, traceBatchTimeout, w.log)
		if err != nil {
			logging.WithStacktrace(w.log, err).Error("tracing disabled")
		} else {
			next = recorder
		}
	}
	w.mu.Lock()
	previous := w.tracer
	w.tracer = next
	w.mu.Unlock()
	if err := previous.Close(); err != nil {
		logging.WithStacktrace(w.log, err).Warn("closing trace")
	}
}

// schedule starts every queued job whose inputs are present, in arrival order, as long as cpus are available.
func (w *Worker) schedule() {
	w.mu.Lock()
	var started []*job
	remaining := w.queue[:0]
	for _, j := range w.queue {
		inputs, ok := w.inputsOf(j.cmd)
		if !ok {
			remaining = append(remaining, j)
			continue
		}
		cpus := j.cmd.Cpus
		if cpus > w.resources.Cpus() {
			cpus = w.resources.Cpus()
		}
		allocation := w.resources.Allocate(cpus)
		if !allocation.IsValid() {
			remaining = append(remaining, j)
			continue
		}
		j.allocation = allocation
		j.inputs = inputs
		started = append(started, j)
	}
	for i := len(remaining); i < len(w.queue); i++ {
		w.queue[i] = nil
	}
	w.queue = remaining
	tracer := w.tracer
	w.jobs.Add(len(started))
	w.mu.Unlock()

	for _, j := range started {
		tracer.Record(trace.Event{Kind: trace.TaskStarted, Node: j.cmd.Node, Worker: w.config.Address, TaskType: j.cmd.TaskType, Cpus: j.cmd.Cpus})
		go w.execute(j)
	}
}

func (w *Worker) inputsOf(cmd transport.Command) ([][]byte, bool) {
	inputs := make([][]byte, len(cmd.Inputs))
	for i, id := range cmd.Inputs {
		data, ok := w.data[id]
		if !ok {
			return nil, false
		}
		inputs[i] = data
	}
	return inputs, true
}

func (w *Worker) execute(j *job) {
	defer w.jobs.Done()
	log := w.log.WithField("node", j.cmd.Node)

	var data []byte
	var err error
	if j.cmd.Type == transport.LoadCheckpoint {
		data, err = w.readCheckpoint(j.cmd.CheckpointPath)
	} else {
		data, err = w.run(j)
	}

	w.mu.Lock()
	if err == nil {
		w.data[j.cmd.Node] = data
	}
	w.resources.Free(j.allocation)
	tracer := w.tracer
	w.mu.Unlock()
	w.schedule()

	if err != nil {
		logging.WithStacktrace(log, err).Warn("task failed")
		tracer.Record(trace.Event{Kind: trace.TaskFailed, Node: j.cmd.Node, Worker: w.config.Address, TaskType: j.cmd.TaskType, Message: err.Error()})
		failure := transport.TaskFailed
		if j.cmd.Type == transport.LoadCheckpoint {
			failure = transport.CheckpointLoadFailed
		}
		w.respond(transport.Response{Type: failure, Node: j.cmd.Node, Error: err.Error()})
		return
	}

	tracer.Record(trace.Event{Kind: trace.TaskFinished, Node: j.cmd.Node, Worker: w.config.Address, TaskType: j.cmd.TaskType, Size: uint64(len(data))})
	if j.cmd.Type == transport.LoadCheckpoint {
		w.respond(transport.Response{Type: transport.CheckpointLoaded, Node: j.cmd.Node, Size: uint64(len(data)), Length: Length(data)})
		return
	}
	checkpointing := j.cmd.CheckpointPath != ""
	w.respond(transport.Response{
		Type:          transport.TaskFinished,
		Node:          j.cmd.Node,
		Size:          uint64(len(data)),
		Length:        Length(data),
		Checkpointing: checkpointing,
	})
	if !checkpointing {
		return
	}
	resp := transport.Response{Type: transport.CheckpointWritten, Node: j.cmd.Node, Size: uint64(len(data)), Length: Length(data), CheckpointPath: j.cmd.CheckpointPath}
	if err := w.writeCheckpoint(j.cmd.CheckpointPath, data); err != nil {
		logging.WithStacktrace(log, err).Warn("writing checkpoint")
		resp = transport.Response{Type: transport.CheckpointWriteFailed, Node: j.cmd.Node, CheckpointPath: j.cmd.CheckpointPath, Error: err.Error()}
	}
	w.respond(resp)
}

func (w *Worker) run(j *job) ([]byte, error) {
	runner, ok := w.runners[j.cmd.TaskType]
	if !ok {
		return nil, errors.Errorf("no runner for task type %q", j.cmd.TaskType)
	}
	out, err := runner(Task{Node: j.cmd.Node, TaskType: j.cmd.TaskType, Config: j.cmd.Config, Inputs: j.inputs})
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (w *Worker) checkpointFile(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if !filepath.IsAbs(expanded) && w.config.WorkDir != "" {
		expanded = filepath.Join(w.config.WorkDir, expanded)
	}
	return expanded, nil
}

func (w *Worker) readCheckpoint(path string) ([]byte, error) {
	file, err := w.checkpointFile(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	return data, errors.Wrapf(err, "loading checkpoint %s", path)
}

// writeCheckpoint writes through a temporary file so a reader never sees a partial checkpoint.
func (w *Worker) writeCheckpoint(path string, data []byte) error {
	file, err := w.checkpointFile(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return errors.WithStack(err)
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, file))
}

func (w *Worker) respond(resp transport.Response) {
	if err := w.connection().Respond(resp); err != nil {
		logging.WithStacktrace(w.log, err).Errorf("sending %s for node %d", resp.Type, resp.Node)
	}
}

// Run sends heartbeats until ctx is cancelled, then waits for running tasks and leaves the server. It needs an attached
// link.
func (w *Worker) Run(ctx *loomcontext.Context) error {
	ticker := w.clock.NewTicker(w.config.HeartbeatPeriod)
	defer ticker.Stop()
	link := w.connection()
	for {
		select {
		case <-ctx.Done():
			w.jobs.Wait()
			w.mu.Lock()
			tracer := w.tracer
			w.tracer = trace.Noop{}
			w.mu.Unlock()
			if err := tracer.Close(); err != nil {
				logging.WithStacktrace(w.log, err).Warn("closing trace")
			}
			return link.Close()
		case <-ticker.C():
			if err := link.Heartbeat(); err != nil {
				logging.WithStacktrace(w.log, err).Warn("sending heartbeat")
			}
		}
	}
}
