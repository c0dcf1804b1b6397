package loomclient

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/plan"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
)

// Result is one result of a plan, fetched from a worker holding it.
type Result struct {
	ClientId int
	Node     graph.NodeId
	Size     uint64
	Length   uint64
	Data     []byte
}

// Session submits plans through a client link and collects their results.
type Session struct {
	link transport.ClientLink
	// Task failures reported while the plan was running. The server retries failed tasks, so a failure does not
	// end the plan by itself.
	Failures []transport.ClientEvent
}

func NewSession(link transport.ClientLink) *Session {
	return &Session{link: link}
}

// Run submits p and blocks until the server reports it finished. Every result is fetched as soon as it is ready
// and then released, so the server can drop it.
func (s *Session) Run(ctx *loomcontext.Context, p *plan.Plan) ([]Result, error) {
	if err := s.link.Submit(transport.Submission{Plan: p}); err != nil {
		return nil, err
	}
	var results []Result
	for {
		select {
		case <-ctx.Done():
			return results, errors.WithStack(ctx.Err())
		case ev, ok := <-s.link.Events():
			if !ok {
				return results, errors.New("client link closed")
			}
			switch ev.Type {
			case transport.ResultReady:
				result, err := s.fetch(ev)
				if err != nil {
					return results, err
				}
				ctx.Log.Infof("result %d ready: %d bytes, %d elements", ev.ClientId, ev.Size, ev.Length)
				results = append(results, result)
			case transport.TaskFailedEvent:
				ctx.Log.Warnf("task of result %d failed on %v: %s", ev.ClientId, ev.Workers, ev.Error)
				s.Failures = append(s.Failures, ev)
			case transport.CheckpointFailed:
				ctx.Log.Warnf("checkpoint of node %d failed: %s", ev.Node, ev.Error)
			case transport.PlanFinished:
				slices.SortFunc(results, func(a, b Result) bool { return a.ClientId < b.ClientId })
				return results, nil
			case transport.ComputationAborted:
				return results, errors.Errorf("computation aborted: %s", ev.Error)
			case transport.PlanRejected:
				return nil, errors.WithStack(&loomerrors.ErrInvalidArgument{Name: "plan", Message: ev.Error})
			}
		}
	}
}

func (s *Session) fetch(ev transport.ClientEvent) (Result, error) {
	if len(ev.Workers) == 0 {
		return Result{}, errors.Errorf("result %d is not held by any worker", ev.ClientId)
	}
	var data []byte
	var err error
	for _, address := range ev.Workers {
		if data, err = s.link.Fetch(address, ev.Node); err == nil {
			break
		}
	}
	if err != nil {
		return Result{}, errors.WithMessagef(err, "fetching result %d", ev.ClientId)
	}
	if err := s.link.Release(transport.ReleaseRequest{ClientIds: []int{ev.ClientId}}); err != nil {
		return Result{}, err
	}
	return Result{ClientId: ev.ClientId, Node: ev.Node, Size: ev.Size, Length: ev.Length, Data: data}, nil
}
