package server

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/health"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/serve"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/checkpoint"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/configuration"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/scheduling"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/state"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/taskmanager"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/trace"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport/natsbus"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/workerdb"
	"github.com/It4innovations/HyperLoom-sub000/internal/worker"
)

// Endpoint tells clients and workers how to reach a running server.
type Endpoint struct {
	// Set for the memory transport.
	Network *transport.Network
	// Set for the nats transport.
	NatsUrl       string
	SubjectPrefix string
}

// ConnectClient opens a link for session. Closing the link releases everything it holds.
func (e Endpoint) ConnectClient(ctx *loomcontext.Context, session string) (transport.ClientLink, error) {
	if e.Network != nil {
		return e.Network.ConnectClient(session), nil
	}
	conn, err := natsbus.Connect(e.NatsUrl, "loom-client-"+session)
	if err != nil {
		return nil, err
	}
	link, err := natsbus.ConnectClient(conn, e.SubjectPrefix, session, ctx.Log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &natsClient{ClientLink: link, conn: conn}, nil
}

// ConnectWorker attaches w to the server.
func (e Endpoint) ConnectWorker(ctx *loomcontext.Context, w *worker.Worker) error {
	if e.Network != nil {
		link, err := e.Network.ConnectWorker(w.Registration(), w)
		if err != nil {
			return err
		}
		w.Attach(link)
		return nil
	}
	reg := w.Registration()
	conn, err := natsbus.Connect(e.NatsUrl, "loom-worker-"+reg.Address)
	if err != nil {
		return err
	}
	link, err := natsbus.ConnectWorker(conn, e.SubjectPrefix, reg, w, ctx.Log)
	if err != nil {
		conn.Close()
		return err
	}
	w.Attach(&natsWorker{WorkerLink: link, conn: conn})
	return nil
}

type natsClient struct {
	*natsbus.ClientLink
	conn *nats.Conn
}

func (c *natsClient) Close() error {
	defer c.conn.Close()
	return c.ClientLink.Close()
}

type natsWorker struct {
	*natsbus.WorkerLink
	conn *nats.Conn
}

func (w *natsWorker) Close() error {
	defer w.conn.Close()
	return w.WorkerLink.Close()
}

// Run starts the server and the services its configuration asks for, then blocks until ctx is cancelled or one of
// them fails. ready, if not nil, is called once workers and clients can connect.
func Run(ctx *loomcontext.Context, config configuration.Configuration, ready func(Endpoint)) error {
	g, ctx := loomcontext.ErrGroup(ctx)

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	if !config.Metrics.Disabled {
		mux := serve.NewMux(healthChecks)
		g.Go(func() error { return serve.ListenAndServe(ctx, config.Metrics.Port, mux) })
	}

	checkpoints, err := checkpoint.New(config.Checkpoint)
	if err != nil {
		return errors.WithMessage(err, "error creating checkpoint store")
	}
	if closer, ok := checkpoints.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logging.WithStacktrace(ctx.Log, err).Warn("checkpoint store didn't close down cleanly")
			}
		}()
	}

	var tracer trace.Recorder = trace.Noop{}
	if config.Trace.Enabled {
		directory, err := homedir.Expand(config.Trace.Directory)
		if err != nil {
			return errors.WithStack(err)
		}
		config.Trace.Directory = directory
		recorder, err := trace.NewSqliteRecorder(filepath.Join(directory, trace.ServerFileName), config.Trace.BatchSize, config.Trace.BatchTimeout, ctx.Log)
		if err != nil {
			return errors.WithMessage(err, "error creating trace recorder")
		}
		tracer = recorder
	}
	defer func() {
		if err := tracer.Close(); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("trace didn't close down cleanly")
		}
	}()

	workers, err := workerdb.NewWorkerDb()
	if err != nil {
		return err
	}
	algorithm, err := scheduling.New(config.Scheduling)
	if err != nil {
		return errors.WithMessage(err, "error creating scheduler")
	}

	transportServer, endpoint, shutdown, err := startTransport(config.Transport)
	if err != nil {
		return err
	}
	defer shutdown()
	if checker, ok := transportServer.(health.Checker); ok {
		healthChecks.Add(checker)
	}

	tm := taskmanager.New(taskmanager.Params{
		State:       state.NewComputationState(workers, dictionary.New(), state.Config{MaxSlices: config.MaxSlices}),
		Scheduler:   algorithm,
		Sender:      transportServer,
		Checkpoints: checkpoints,
		Tracer:      tracer,
		Config:      config,
	})
	srv := NewServer(tm, config)
	if err := transportServer.Start(ctx, srv); err != nil {
		return errors.WithMessage(err, "error starting transport")
	}
	g.Go(func() error { return srv.Run(ctx) })

	for i := 0; i < config.LocalWorkers.Count; i++ {
		w := worker.New(worker.Config{
			Address:         fmt.Sprintf("local-%d", i),
			Cpus:            config.LocalWorkers.Cpus,
			TaskTypes:       config.LocalWorkers.TaskTypes,
			WorkDir:         config.LocalWorkers.WorkDir,
			HeartbeatPeriod: config.Transport.Nats.HeartbeatPeriod,
		}, nil, ctx.Log)
		if err := endpoint.ConnectWorker(ctx, w); err != nil {
			return errors.WithMessagef(err, "error starting local worker %d", i)
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	startupCompleteCheck.MarkComplete()
	ctx.Log.Infof("server started with %s transport and %s scheduling", config.Transport.Kind, config.Scheduling.Algorithm)
	if ready != nil {
		ready(endpoint)
	}
	return g.Wait()
}

func startTransport(config configuration.TransportConfig) (transport.Server, Endpoint, func(), error) {
	if config.Kind != configuration.NatsTransport {
		network := transport.NewNetwork()
		srv := network.Server()
		return srv, Endpoint{Network: network}, func() { _ = srv.Close() }, nil
	}

	url := config.Nats.Url
	var shutdownEmbedded func()
	if config.Nats.Embedded {
		ns, err := natsbus.RunEmbeddedServer(config.Nats.EmbeddedPort)
		if err != nil {
			return nil, Endpoint{}, nil, err
		}
		url = ns.ClientURL()
		shutdownEmbedded = ns.Shutdown
	}
	conn, err := natsbus.Connect(url, "loom-server")
	if err != nil {
		if shutdownEmbedded != nil {
			shutdownEmbedded()
		}
		return nil, Endpoint{}, nil, err
	}
	srv := natsbus.NewServer(conn, config.Nats.SubjectPrefix)
	shutdown := func() {
		_ = srv.Close()
		conn.Close()
		if shutdownEmbedded != nil {
			shutdownEmbedded()
		}
	}
	return srv, Endpoint{NatsUrl: url, SubjectPrefix: config.Nats.SubjectPrefix}, shutdown, nil
}

// RunWorker connects a standalone worker to the server at endpoint and runs it until ctx is cancelled.
func RunWorker(ctx *loomcontext.Context, endpoint Endpoint, config worker.Config) error {
	w := worker.New(config, nil, ctx.Log)
	if err := endpoint.ConnectWorker(ctx, w); err != nil {
		return err
	}
	return w.Run(ctx)
}
