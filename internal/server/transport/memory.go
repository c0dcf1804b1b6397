package transport

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
)

// Network is an in-process transport connecting one server with any number of workers and clients. Every receiver
// has its own mailbox, so a send never waits for the receiver to process earlier messages.
type Network struct {
	mu      sync.Mutex
	handler Handler
	started chan struct{}
	server  *mailbox[func(Handler)]
	workers map[string]*memoryWorker
	clients map[string]*memoryClient
}

func NewNetwork() *Network {
	n := &Network{
		started: make(chan struct{}),
		workers: make(map[string]*memoryWorker),
		clients: make(map[string]*memoryClient),
	}
	// Messages sent before the server starts wait for it.
	n.server = newMailbox(func(f func(Handler)) {
		select {
		case <-n.started:
			f(n.handler)
		case <-n.server.done:
		}
	})
	return n
}

// Server returns the server side of the network.
func (n *Network) Server() Server {
	return &memoryServer{network: n}
}

// ConnectWorker attaches a worker and registers it with the server.
func (n *Network) ConnectWorker(reg Registration, h WorkerHandler) (WorkerLink, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.workers[reg.Address]; exists {
		return nil, errors.WithStack(&loomerrors.ErrAlreadyExists{Type: "worker", Value: reg.Address})
	}
	w := &memoryWorker{
		network: n,
		address: reg.Address,
		handler: h,
		inbox:   newMailbox(func(f func()) { f() }),
	}
	n.workers[reg.Address] = w
	n.toServer(func(h Handler) { h.WorkerRegistered(reg) })
	return w, nil
}

// ConnectClient opens a client link receiving the events of session.
func (n *Network) ConnectClient(session string) ClientLink {
	c := &memoryClient{
		network: n,
		session: session,
		events:  make(chan ClientEvent),
		closed:  make(chan struct{}),
	}
	c.inbox = newMailbox(func(ev ClientEvent) {
		select {
		case c.events <- ev:
		case <-c.closed:
		}
	})
	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.clients[session]; ok {
		old.shutdown()
	}
	n.clients[session] = c
	return c
}

func (n *Network) toServer(f func(Handler)) {
	n.server.put(f)
}

func (n *Network) worker(address string) (*memoryWorker, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.workers[address]
	if !ok {
		return nil, errors.WithStack(&loomerrors.ErrNotFound{Type: "worker", Value: address})
	}
	return w, nil
}

type memoryServer struct {
	network   *Network
	startOnce sync.Once
}

func (s *memoryServer) SendCommand(address string, cmd Command) error {
	w, err := s.network.worker(address)
	if err != nil {
		return err
	}
	w.inbox.put(func() { w.handler.HandleCommand(cmd) })
	return nil
}

func (s *memoryServer) SendClientEvent(session string, ev ClientEvent) error {
	s.network.mu.Lock()
	c, ok := s.network.clients[session]
	s.network.mu.Unlock()
	if !ok {
		return errors.WithStack(&loomerrors.ErrNotFound{Type: "session", Value: session})
	}
	c.inbox.put(ev)
	return nil
}

func (s *memoryServer) Start(ctx *loomcontext.Context, h Handler) error {
	s.startOnce.Do(func() {
		s.network.handler = h
		close(s.network.started)
	})
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return nil
}

func (s *memoryServer) Close() error {
	s.network.server.close()
	return nil
}

type memoryWorker struct {
	network *Network
	address string
	handler WorkerHandler
	inbox   *mailbox[func()]
}

func (w *memoryWorker) Respond(resp Response) error {
	resp.Worker = w.address
	w.network.toServer(func(h Handler) { h.WorkerResponse(resp) })
	return nil
}

func (w *memoryWorker) Heartbeat() error {
	w.network.toServer(func(h Handler) { h.Heartbeat(w.address) })
	return nil
}

func (w *memoryWorker) PushData(target string, node graph.NodeId, data []byte) error {
	peer, err := w.network.worker(target)
	if err != nil {
		return err
	}
	peer.inbox.put(func() { peer.handler.HandleData(node, data) })
	return nil
}

func (w *memoryWorker) Close() error {
	w.network.mu.Lock()
	if w.network.workers[w.address] == w {
		delete(w.network.workers, w.address)
	}
	w.network.mu.Unlock()
	w.inbox.close()
	w.network.toServer(func(h Handler) { h.WorkerDisconnected(w.address) })
	return nil
}

type memoryClient struct {
	network   *Network
	session   string
	inbox     *mailbox[ClientEvent]
	events    chan ClientEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *memoryClient) Submit(sub Submission) error {
	sub.Session = c.session
	c.network.toServer(func(h Handler) { h.PlanSubmitted(sub) })
	return nil
}

func (c *memoryClient) Release(req ReleaseRequest) error {
	req.Session = c.session
	c.network.toServer(func(h Handler) { h.ResultsReleased(req) })
	return nil
}

func (c *memoryClient) Trash() error {
	c.network.toServer(func(h Handler) { h.TrashRequested(c.session) })
	return nil
}

func (c *memoryClient) Fetch(address string, node graph.NodeId) ([]byte, error) {
	w, err := c.network.worker(address)
	if err != nil {
		return nil, err
	}
	data, ok := w.handler.FetchData(node)
	if !ok {
		return nil, errors.WithStack(&loomerrors.ErrNotFound{Type: "data", Value: nodeString(node)})
	}
	return data, nil
}

func (c *memoryClient) Events() <-chan ClientEvent {
	return c.events
}

func (c *memoryClient) Close() error {
	c.network.mu.Lock()
	if c.network.clients[c.session] == c {
		delete(c.network.clients, c.session)
	}
	c.network.mu.Unlock()
	c.shutdown()
	return nil
}

func (c *memoryClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.inbox.close()
	})
}

func nodeString(id graph.NodeId) string {
	return strconv.FormatInt(int64(id), 10)
}
