package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/plan"
)

const timeout = 5 * time.Second

// channelHandler forwards every call to a channel as a value.
type channelHandler struct {
	calls chan any
}

func newChannelHandler() *channelHandler {
	return &channelHandler{calls: make(chan any, 100)}
}

type heartbeat string

type disconnected string

type trashed string

func (h *channelHandler) WorkerRegistered(reg Registration) { h.calls <- reg }
func (h *channelHandler) WorkerResponse(resp Response) { h.calls <- resp }
func (h *channelHandler) Heartbeat(address string) { h.calls <- heartbeat(address) }
func (h *channelHandler) WorkerDisconnected(address string) { h.calls <- disconnected(address) }
func (h *channelHandler) PlanSubmitted(sub Submission) { h.calls <- sub }
func (h *channelHandler) ResultsReleased(req ReleaseRequest) { h.calls <- req }
func (h *channelHandler) TrashRequested(session string) { h.calls <- trashed(session) }

func (h *channelHandler) next(t *testing.T) any {
	select {
	case call := <-h.calls:
		return call
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for the server to receive a message")
		return nil
	}
}

// fakeWorker stores data in memory and records commands.
type fakeWorker struct {
	mu       sync.Mutex
	data     map[graph.NodeId][]byte
	commands chan Command
	received chan graph.NodeId
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		data:     make(map[graph.NodeId][]byte),
		commands: make(chan Command, 100),
		received: make(chan graph.NodeId, 100),
	}
}

func (w *fakeWorker) HandleCommand(cmd Command) { w.commands <- cmd }

func (w *fakeWorker) HandleData(node graph.NodeId, data []byte) {
	w.mu.Lock()
	w.data[node] = data
	w.mu.Unlock()
	w.received <- node
}

func (w *fakeWorker) FetchData(node graph.NodeId) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.data[node]
	return data, ok
}

func TestNetwork_MessagesBeforeStartAreKept(t *testing.T) {
	n := NewNetwork()
	w := newFakeWorker()
	link, err := n.ConnectWorker(Registration{Address: "a", Cpus: 2}, w)
	require.NoError(t, err)
	require.NoError(t, link.Heartbeat())

	h := newChannelHandler()
	ctx, cancel := loomcontext.WithCancel(loomcontext.Background())
	defer cancel()
	require.NoError(t, n.Server().Start(ctx, h))

	assert.Equal(t, Registration{Address: "a", Cpus: 2}, h.next(t))
	assert.Equal(t, heartbeat("a"), h.next(t))
}

func TestNetwork_RoundTrip(t *testing.T) {
	n := NewNetwork()
	server := n.Server()
	h := newChannelHandler()
	ctx, cancel := loomcontext.WithCancel(loomcontext.Background())
	defer cancel()
	require.NoError(t, server.Start(ctx, h))

	a, b := newFakeWorker(), newFakeWorker()
	linkA, err := n.ConnectWorker(Registration{Address: "a", Cpus: 1}, a)
	require.NoError(t, err)
	_, err = n.ConnectWorker(Registration{Address: "b", Cpus: 1}, b)
	require.NoError(t, err)
	h.next(t)
	h.next(t)

	_, err = n.ConnectWorker(Registration{Address: "a"}, newFakeWorker())
	assert.True(t, loomerrors.IsAlreadyExists(err))

	// Server to worker.
	require.NoError(t, server.SendCommand("a", Command{Type: StartTask, Node: 3}))
	select {
	case cmd := <-a.commands:
		assert.Equal(t, graph.NodeId(3), cmd.Node)
	case <-time.After(timeout):
		require.FailNow(t, "command not delivered")
	}
	assert.True(t, loomerrors.IsNotFound(server.SendCommand("missing", Command{Type: StartTask})))

	// Worker to server; the transport fills in the sender.
	require.NoError(t, linkA.Respond(Response{Type: TaskFinished, Node: 3, Size: 10}))
	assert.Equal(t, Response{Type: TaskFinished, Worker: "a", Node: 3, Size: 10}, h.next(t))

	// Worker to worker.
	require.NoError(t, linkA.PushData("b", 3, []byte("payload")))
	select {
	case node := <-b.received:
		assert.Equal(t, graph.NodeId(3), node)
	case <-time.After(timeout):
		require.FailNow(t, "data not delivered")
	}

	// Client.
	client := n.ConnectClient("s1")
	defer client.Close()
	p := &plan.Plan{Tasks: []plan.Task{{TaskType: "t"}}}
	require.NoError(t, client.Submit(Submission{Plan: p}))
	assert.Equal(t, Submission{Session: "s1", Plan: p}, h.next(t))
	require.NoError(t, client.Release(ReleaseRequest{ClientIds: []int{0}}))
	assert.Equal(t, ReleaseRequest{Session: "s1", ClientIds: []int{0}}, h.next(t))
	require.NoError(t, client.Trash())
	assert.Equal(t, trashed("s1"), h.next(t))

	data, err := client.Fetch("b", 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	_, err = client.Fetch("a", 3)
	assert.True(t, loomerrors.IsNotFound(err))

	require.NoError(t, server.SendClientEvent("s1", ClientEvent{Type: PlanFinished, Session: "s1"}))
	select {
	case ev := <-client.Events():
		assert.Equal(t, PlanFinished, ev.Type)
	case <-time.After(timeout):
		require.FailNow(t, "event not delivered")
	}
	assert.True(t, loomerrors.IsNotFound(server.SendClientEvent("s2", ClientEvent{Type: PlanFinished})))

	// Disconnect.
	require.NoError(t, linkA.Close())
	assert.Equal(t, disconnected("a"), h.next(t))
	assert.Error(t, server.SendCommand("a", Command{Type: StartTask}))
}

func TestMailbox_PreservesOrder(t *testing.T) {
	out := make(chan int, 1000)
	m := newMailbox(func(v int) { out <- v })
	defer m.close()
	for i := 0; i < 1000; i++ {
		require.True(t, m.put(i))
	}
	for i := 0; i < 1000; i++ {
		select {
		case v := <-out:
			require.Equal(t, i, v)
		case <-time.After(timeout):
			require.FailNow(t, "mailbox stalled")
		}
	}
	m.close()
	assert.False(t, m.put(1))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Unreachable["down"] = true
	require.NoError(t, r.SendCommand("a", Command{Type: StartTask, Node: 1}))
	require.NoError(t, r.SendCommand("a", Command{Type: SendData, Node: 2}))
	assert.Error(t, r.SendCommand("down", Command{Type: StartTask}))
	require.NoError(t, r.SendClientEvent("s", ClientEvent{Type: ResultReady}))

	commands := r.Commands()
	assert.Len(t, commands, 2)
	assert.Equal(t, []SentCommand{{Address: "a", Command: Command{Type: SendData, Node: 2}}}, CommandsOfType(commands, SendData))
	assert.Empty(t, r.Commands())
	assert.Len(t, EventsOfType(r.Events(), ResultReady, PlanFinished), 1)
}
