package natsbus

import (
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
)

// WorkerLink is the worker side of the NATS transport.
type WorkerLink struct {
	conn      *nats.Conn
	subjects  subjects
	address   string
	subs      []*nats.Subscription
	log       *logrus.Entry
	closeOnce sync.Once
}

// ConnectWorker subscribes to the subjects of reg.Address and registers the worker with the server.
func ConnectWorker(conn *nats.Conn, prefix string, reg transport.Registration, h transport.WorkerHandler, log *logrus.Entry) (*WorkerLink, error) {
	w := &WorkerLink{
		conn:     conn,
		subjects: subjects{prefix: prefix},
		address:  reg.Address,
		log:      log.WithField("worker", reg.Address),
	}
	subscriptions := map[string]nats.MsgHandler{
		w.subjects.worker(reg.Address): func(msg *nats.Msg) {
			var cmd transport.Command
			if err := decode(msg.Data, &cmd); err != nil {
				logging.WithStacktrace(w.log, err).Warn("dropping malformed command")
				return
			}
			h.HandleCommand(cmd)
		},
		w.subjects.data(reg.Address): func(msg *nats.Msg) {
			var data dataMessage
			if err := decode(msg.Data, &data); err != nil {
				logging.WithStacktrace(w.log, err).Warn("dropping malformed data")
				return
			}
			h.HandleData(data.Node, data.Data)
		},
		w.subjects.fetch(reg.Address): func(msg *nats.Msg) {
			var req fetchRequest
			if err := decode(msg.Data, &req); err != nil {
				logging.WithStacktrace(w.log, err).Warn("dropping malformed fetch request")
				return
			}
			data, found := h.FetchData(req.Node)
			reply, err := encode(fetchReply{Data: data, Found: found})
			if err == nil {
				err = errors.WithStack(msg.Respond(reply))
			}
			if err != nil {
				logging.WithStacktrace(w.log, err).Warn("answering fetch request")
			}
		},
	}
	for subject, handler := range subscriptions {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			_ = w.unsubscribe()
			return nil, errors.Wrapf(err, "subscribing to %s", subject)
		}
		w.subs = append(w.subs, sub)
	}
	if err := w.publish(w.subjects.register(), reg); err != nil {
		_ = w.unsubscribe()
		return nil, err
	}
	return w, nil
}

func (w *WorkerLink) Respond(resp transport.Response) error {
	resp.Worker = w.address
	return w.publish(w.subjects.responses(), resp)
}

func (w *WorkerLink) Heartbeat() error {
	return w.publish(w.subjects.heartbeat(), addressMessage{Address: w.address})
}

func (w *WorkerLink) PushData(target string, node graph.NodeId, data []byte) error {
	return w.publish(w.subjects.data(target), dataMessage{Node: node, Data: data})
}

// Close tells the server the worker is leaving.
func (w *WorkerLink) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.unsubscribe()
		if publishErr := w.publish(w.subjects.disconnect(), addressMessage{Address: w.address}); err == nil {
			err = publishErr
		}
		if flushErr := w.conn.Flush(); err == nil {
			err = errors.WithStack(flushErr)
		}
	})
	return err
}

func (w *WorkerLink) publish(subject string, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return errors.Wrapf(w.conn.Publish(subject, data), "publishing to %s", subject)
}

func (w *WorkerLink) unsubscribe() error {
	var err error
	for _, sub := range w.subs {
		if unsubErr := sub.Unsubscribe(); unsubErr != nil && err == nil {
			err = errors.WithStack(unsubErr)
		}
	}
	w.subs = nil
	return err
}
