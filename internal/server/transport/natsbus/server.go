package natsbus

import (
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
)

// Server is the server side of the NATS transport.
type Server struct {
	conn      *nats.Conn
	subjects  subjects
	mu        sync.Mutex
	subs      []*nats.Subscription
	log       *logrus.Entry
	closeOnce sync.Once
}

func NewServer(conn *nats.Conn, prefix string) *Server {
	return &Server{
		conn:     conn,
		subjects: subjects{prefix: prefix},
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
}

func (s *Server) Start(ctx *loomcontext.Context, h transport.Handler) error {
	s.log = ctx.Log.WithField("transport", "nats")
	handlers := map[string]func(data []byte) error{
		s.subjects.register(): func(data []byte) error {
			var reg transport.Registration
			if err := decode(data, &reg); err != nil {
				return err
			}
			h.WorkerRegistered(reg)
			return nil
		},
		s.subjects.responses(): func(data []byte) error {
			var resp transport.Response
			if err := decode(data, &resp); err != nil {
				return err
			}
			h.WorkerResponse(resp)
			return nil
		},
		s.subjects.heartbeat(): func(data []byte) error {
			var msg addressMessage
			if err := decode(data, &msg); err != nil {
				return err
			}
			h.Heartbeat(msg.Address)
			return nil
		},
		s.subjects.disconnect(): func(data []byte) error {
			var msg addressMessage
			if err := decode(data, &msg); err != nil {
				return err
			}
			h.WorkerDisconnected(msg.Address)
			return nil
		},
		s.subjects.submit(): func(data []byte) error {
			var sub transport.Submission
			if err := decode(data, &sub); err != nil {
				return err
			}
			h.PlanSubmitted(sub)
			return nil
		},
		s.subjects.release(): func(data []byte) error {
			var req transport.ReleaseRequest
			if err := decode(data, &req); err != nil {
				return err
			}
			h.ResultsReleased(req)
			return nil
		},
		s.subjects.trash(): func(data []byte) error {
			var msg addressMessage
			if err := decode(data, &msg); err != nil {
				return err
			}
			h.TrashRequested(msg.Address)
			return nil
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, handle := range handlers {
		subject, handle := subject, handle
		sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
			if err := handle(msg.Data); err != nil {
				logging.WithStacktrace(s.log, err).Warnf("dropping malformed message on %s", subject)
			}
		})
		if err != nil {
			return errors.Wrapf(err, "subscribing to %s", subject)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.conn.Flush(); err != nil {
		return errors.WithStack(err)
	}
	go func() {
		<-ctx.Done()
		if err := s.Close(); err != nil {
			logging.WithStacktrace(s.log, err).Warn("closing nats transport")
		}
	}()
	return nil
}

func (s *Server) SendCommand(address string, cmd transport.Command) error {
	data, err := encode(cmd)
	if err != nil {
		return err
	}
	return errors.WithStack(s.conn.Publish(s.subjects.worker(address), data))
}

func (s *Server) SendClientEvent(session string, ev transport.ClientEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	return errors.WithStack(s.conn.Publish(s.subjects.client(session), data))
}

func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, sub := range s.subs {
			if unsubErr := sub.Unsubscribe(); unsubErr != nil && err == nil {
				err = errors.WithStack(unsubErr)
			}
		}
		s.subs = nil
	})
	return err
}

// Check fails while the connection to NATS is down.
func (s *Server) Check() error {
	if status := s.conn.Status(); status != nats.CONNECTED {
		return errors.Errorf("nats connection is %v", status)
	}
	return nil
}

// RunEmbeddedServer starts a NATS server inside the process. Port 0 picks a free port.
func RunEmbeddedServer(port int) (*server.Server, error) {
	if port == 0 {
		port = server.RANDOM_PORT
	}
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded nats server did not start")
	}
	return ns, nil
}

// Connect opens a connection that keeps reconnecting for as long as the process runs.
func Connect(url string, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	return conn, errors.Wrapf(err, "connecting to nats at %s", url)
}
