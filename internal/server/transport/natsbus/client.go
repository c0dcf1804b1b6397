package natsbus

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
)

const defaultFetchTimeout = 30 * time.Second

// ClientLink is the client side of the NATS transport, bound to one session.
type ClientLink struct {
	conn         *nats.Conn
	subjects     subjects
	session      string
	sub          *nats.Subscription
	events       chan transport.ClientEvent
	closed       chan struct{}
	closeOnce    sync.Once
	FetchTimeout time.Duration
}

// ConnectClient subscribes to the events of session. The subscription is in place when ConnectClient returns, so no
// event of a plan submitted afterwards is missed.
func ConnectClient(conn *nats.Conn, prefix string, session string, log *logrus.Entry) (*ClientLink, error) {
	c := &ClientLink{
		conn:         conn,
		subjects:     subjects{prefix: prefix},
		session:      session,
		events:       make(chan transport.ClientEvent, 64),
		closed:       make(chan struct{}),
		FetchTimeout: defaultFetchTimeout,
	}
	log = log.WithField("session", session)
	sub, err := conn.Subscribe(c.subjects.client(session), func(msg *nats.Msg) {
		var ev transport.ClientEvent
		if err := decode(msg.Data, &ev); err != nil {
			logging.WithStacktrace(log, err).Warn("dropping malformed event")
			return
		}
		select {
		case c.events <- ev:
		case <-c.closed:
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to events of session %s", session)
	}
	c.sub = sub
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, errors.WithStack(err)
	}
	return c, nil
}

func (c *ClientLink) Submit(sub transport.Submission) error {
	sub.Session = c.session
	return c.publish(c.subjects.submit(), sub)
}

func (c *ClientLink) Release(req transport.ReleaseRequest) error {
	req.Session = c.session
	return c.publish(c.subjects.release(), req)
}

func (c *ClientLink) Trash() error {
	return c.publish(c.subjects.trash(), addressMessage{Address: c.session})
}

func (c *ClientLink) Fetch(address string, node graph.NodeId) ([]byte, error) {
	req, err := encode(fetchRequest{Node: node})
	if err != nil {
		return nil, err
	}
	msg, err := c.conn.Request(c.subjects.fetch(address), req, c.FetchTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching node %d from %s", node, address)
	}
	var reply fetchReply
	if err := decode(msg.Data, &reply); err != nil {
		return nil, err
	}
	if !reply.Found {
		return nil, errors.WithStack(&loomerrors.ErrNotFound{Type: "data", Value: address, Message: "worker does not hold the node"})
	}
	return reply.Data, nil
}

func (c *ClientLink) Events() <-chan transport.ClientEvent {
	return c.events
}

func (c *ClientLink) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = errors.WithStack(c.sub.Unsubscribe())
	})
	return err
}

func (c *ClientLink) publish(subject string, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return errors.Wrapf(err, "publishing to %s", subject)
	}
	return errors.WithStack(c.conn.Flush())
}
