package transport

import (
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/plan"
)

type CommandType string

const (
	StartTask      CommandType = "StartTask"
	SendData       CommandType = "SendData"
	RemoveData     CommandType = "RemoveData"
	LoadCheckpoint CommandType = "LoadCheckpoint"
	UpdateTrace    CommandType = "UpdateTrace"
)

// Command is an instruction from the server to one worker.
type Command struct {
	Type CommandType  `json:"type"`
	Node graph.NodeId `json:"node,omitempty"`
	// StartTask and LoadCheckpoint.
	TaskType       string         `json:"taskType,omitempty"`
	Config         []byte         `json:"config,omitempty"`
	Inputs         []graph.NodeId `json:"inputs,omitempty"`
	Cpus           int            `json:"cpus,omitempty"`
	CheckpointPath string         `json:"checkpointPath,omitempty"`
	// SendData: address of the worker receiving the data.
	Target string `json:"target,omitempty"`
	// UpdateTrace: directory the worker writes its trace to; empty disables tracing.
	TraceDirectory string `json:"traceDirectory,omitempty"`
}

type ResponseType string

const (
	TaskFinished          ResponseType = "TaskFinished"
	TaskFailed            ResponseType = "TaskFailed"
	DataTransferred       ResponseType = "DataTransferred"
	CheckpointWritten     ResponseType = "CheckpointWritten"
	CheckpointWriteFailed ResponseType = "CheckpointWriteFailed"
	CheckpointLoaded      ResponseType = "CheckpointLoaded"
	CheckpointLoadFailed  ResponseType = "CheckpointLoadFailed"
)

// Response reports the outcome of a command. DataTransferred is sent by the receiving worker.
type Response struct {
	Type   ResponseType `json:"type"`
	Worker string       `json:"worker"`
	Node   graph.NodeId `json:"node"`
	Size   uint64       `json:"size,omitempty"`
	Length uint64       `json:"length,omitempty"`
	// TaskFinished: the worker is writing a checkpoint and reports CheckpointWritten or CheckpointWriteFailed later.
	Checkpointing bool `json:"checkpointing,omitempty"`
	// Path of the checkpoint a CheckpointWritten or CheckpointWriteFailed response refers to.
	CheckpointPath string `json:"checkpointPath,omitempty"`
	Error          string `json:"error,omitempty"`
}

type Registration struct {
	Address   string   `json:"address"`
	Cpus      int      `json:"cpus"`
	TaskTypes []string `json:"taskTypes,omitempty"`
}

type Submission struct {
	Session string     `json:"session"`
	Plan    *plan.Plan `json:"plan"`
}

// ReleaseRequest tells the server a client no longer needs some of its results.
type ReleaseRequest struct {
	Session   string `json:"session"`
	ClientIds []int  `json:"clientIds"`
}

type EventType string

const (
	ResultReady        EventType = "ResultReady"
	TaskFailedEvent    EventType = "TaskFailed"
	CheckpointFailed   EventType = "CheckpointFailed"
	PlanFinished       EventType = "PlanFinished"
	ComputationAborted EventType = "ComputationAborted"
	// PlanRejected is sent when a submitted plan does not validate.
	PlanRejected EventType = "PlanRejected"
)

// ClientEvent is a notification from the server to the client owning a session.
type ClientEvent struct {
	Type     EventType    `json:"type"`
	Session  string       `json:"session"`
	ClientId int          `json:"clientId,omitempty"`
	Node     graph.NodeId `json:"node,omitempty"`
	// ResultReady: workers holding the result.
	Workers []string `json:"workers,omitempty"`
	Size    uint64   `json:"size,omitempty"`
	Length  uint64   `json:"length,omitempty"`
	Error   string   `json:"error,omitempty"`
}
