package server

import (
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/configuration"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/taskmanager"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
)

type event func(ctx *loomcontext.Context)

// Server serialises every inbound message onto the goroutine running Run, which is the only one touching the
// TaskManager. It implements transport.Handler.
type Server struct {
	tm             *taskmanager.TaskManager
	events         chan event
	done           chan struct{}
	clock          clock.WithTicker
	schedulePeriod time.Duration
	limiter        *rate.Limiter
}

func NewServer(tm *taskmanager.TaskManager, config configuration.Configuration) *Server {
	return &Server{
		tm:             tm,
		events:         make(chan event, config.EventBufferSize),
		done:           make(chan struct{}),
		clock:          clock.RealClock{},
		schedulePeriod: config.SchedulePeriod,
		limiter:        rate.NewLimiter(rate.Limit(config.MaxSchedulingRate), config.MaxSchedulingBurst),
	}
}

// Run processes events until ctx is cancelled. After each event a scheduling pass runs if the event made one
// worthwhile and the rate limit allows it; the periodic tick catches up with passes the limit held back.
func (s *Server) Run(ctx *loomcontext.Context) error {
	defer close(s.done)
	ticker := s.clock.NewTicker(s.schedulePeriod)
	defer ticker.Stop()
	ctx.Log.Info("server event loop started")
	for {
		select {
		case <-ctx.Done():
			ctx.Log.Info("server event loop stopped")
			return nil
		case ev := <-s.events:
			ev(ctx)
			if s.tm.NeedsScheduling() && s.limiter.Allow() {
				s.tm.RunTaskDistribution(ctx)
			}
		case <-ticker.C():
			s.tm.ExpireWorkers(ctx)
			if s.tm.NeedsScheduling() {
				s.tm.RunTaskDistribution(ctx)
			}
		}
	}
}

// Do runs f on the event loop and waits for it. It returns false if the loop stopped first.
func (s *Server) Do(f func(ctx *loomcontext.Context, tm *taskmanager.TaskManager)) bool {
	finished := make(chan struct{})
	if !s.put(func(ctx *loomcontext.Context) {
		defer close(finished)
		f(ctx, s.tm)
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) put(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) WorkerRegistered(reg transport.Registration) {
	s.put(func(ctx *loomcontext.Context) {
		if _, err := s.tm.RegisterWorker(ctx, reg); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("rejecting worker %s", reg.Address)
		}
	})
}

func (s *Server) WorkerResponse(resp transport.Response) {
	s.put(func(ctx *loomcontext.Context) { s.tm.HandleResponse(ctx, resp) })
}

func (s *Server) Heartbeat(address string) {
	s.put(func(ctx *loomcontext.Context) { s.tm.Heartbeat(ctx, address) })
}

func (s *Server) WorkerDisconnected(address string) {
	s.put(func(ctx *loomcontext.Context) { s.tm.WorkerDisconnected(ctx, address) })
}

func (s *Server) PlanSubmitted(sub transport.Submission) {
	s.put(func(ctx *loomcontext.Context) {
		if _, err := s.tm.SubmitPlan(ctx, sub); err != nil {
			ctx.Log.WithField("session", sub.Session).Warnf("plan rejected: %s", err)
		}
	})
}

func (s *Server) ResultsReleased(req transport.ReleaseRequest) {
	s.put(func(ctx *loomcontext.Context) { s.tm.Release(ctx, req) })
}

func (s *Server) TrashRequested(session string) {
	s.put(func(ctx *loomcontext.Context) { s.tm.Trash(ctx, session) })
}
