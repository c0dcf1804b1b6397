package transport

import (
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
)

// Sender delivers messages from the server. Sends never block on the receiver.
type Sender interface {
	SendCommand(address string, cmd Command) error
	SendClientEvent(session string, ev ClientEvent) error
}

// Handler receives everything sent to the server. Implementations are called from transport goroutines and must
// hand the values over to the goroutine owning the computation state.
type Handler interface {
	WorkerRegistered(reg Registration)
	WorkerResponse(resp Response)
	Heartbeat(address string)
	WorkerDisconnected(address string)
	PlanSubmitted(sub Submission)
	ResultsReleased(req ReleaseRequest)
	// TrashRequested asks the server to drop every computation; session is the requesting client.
	TrashRequested(session string)
}

// Server is the server side of a transport.
type Server interface {
	Sender
	// Start delivers inbound messages to h until ctx is cancelled or Close is called.
	Start(ctx *loomcontext.Context, h Handler) error
	Close() error
}

// WorkerHandler is implemented by a worker runtime.
type WorkerHandler interface {
	HandleCommand(cmd Command)
	// HandleData stores data another worker pushed.
	HandleData(node graph.NodeId, data []byte)
	// FetchData returns data the worker holds, for peers and clients.
	FetchData(node graph.NodeId) ([]byte, bool)
}

// WorkerLink is the worker side of a transport.
type WorkerLink interface {
	Respond(resp Response) error
	Heartbeat() error
	PushData(target string, node graph.NodeId, data []byte) error
	Close() error
}

// ClientLink is the client side of a transport.
type ClientLink interface {
	Submit(sub Submission) error
	Release(req ReleaseRequest) error
	Trash() error
	// Fetch reads a result from a worker holding it.
	Fetch(address string, node graph.NodeId) ([]byte, error)
	// Events returns the events of the session the link was opened for.
	Events() <-chan ClientEvent
	Close() error
}
