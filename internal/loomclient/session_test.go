package loomclient

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomcontext"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/plan"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/transport"
)

// scriptedLink replays events once a plan is submitted and serves data from a fixed map.
type scriptedLink struct {
	script    []transport.ClientEvent
	data      map[string][]byte
	events    chan transport.ClientEvent
	submitted []transport.Submission
	released  []int
}

func newScriptedLink(script []transport.ClientEvent, data map[string][]byte) *scriptedLink {
	return &scriptedLink{script: script, data: data, events: make(chan transport.ClientEvent, len(script))}
}

func (l *scriptedLink) Submit(sub transport.Submission) error {
	l.submitted = append(l.submitted, sub)
	for _, ev := range l.script {
		l.events <- ev
	}
	return nil
}

func (l *scriptedLink) Release(req transport.ReleaseRequest) error {
	l.released = append(l.released, req.ClientIds...)
	return nil
}

func (l *scriptedLink) Trash() error { return nil }

func (l *scriptedLink) Fetch(address string, node graph.NodeId) ([]byte, error) {
	data, ok := l.data[address]
	if !ok {
		return nil, errors.WithStack(&loomerrors.ErrNotFound{Type: "data", Value: address})
	}
	return data, nil
}

func (l *scriptedLink) Events() <-chan transport.ClientEvent { return l.events }

func (l *scriptedLink) Close() error { return nil }

func TestSession_Run(t *testing.T) {
	tests := map[string]struct {
		script           []transport.ClientEvent
		data             map[string][]byte
		expectedResults  []Result
		expectedReleased []int
		expectedFailures int
		expectError      func(err error) bool
	}{
		"results are fetched and released": {
			script: []transport.ClientEvent{
				{Type: transport.ResultReady, ClientId: 3, Node: 7, Workers: []string{"gone", "w1"}, Size: 2, Length: 1},
				{Type: transport.TaskFailedEvent, ClientId: 1, Error: "flaky"},
				{Type: transport.ResultReady, ClientId: 1, Node: 5, Workers: []string{"w0"}, Size: 1, Length: 1},
				{Type: transport.PlanFinished},
			},
			data: map[string][]byte{"w0": []byte("a"), "w1": []byte("bc")},
			expectedResults: []Result{
				{ClientId: 1, Node: 5, Size: 1, Length: 1, Data: []byte("a")},
				{ClientId: 3, Node: 7, Size: 2, Length: 1, Data: []byte("bc")},
			},
			expectedReleased: []int{3, 1},
			expectedFailures: 1,
		},
		"rejected": {
			script:      []transport.ClientEvent{{Type: transport.PlanRejected, Error: "plan has no tasks"}},
			expectError: loomerrors.IsInvalidArgument,
		},
		"aborted": {
			script: []transport.ClientEvent{
				{Type: transport.TaskFailedEvent, ClientId: 0, Error: "boom"},
				{Type: transport.ComputationAborted, Error: "too many failures"},
			},
			expectedFailures: 1,
			expectError:      func(err error) bool { return err != nil },
		},
		"result held nowhere": {
			script:      []transport.ClientEvent{{Type: transport.ResultReady, ClientId: 0, Workers: []string{"gone"}}},
			expectError: loomerrors.IsNotFound,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := loomcontext.WithTimeout(loomcontext.Background(), 5*time.Second)
			defer cancel()
			link := newScriptedLink(tc.script, tc.data)
			session := NewSession(link)

			p := plan.NewBuilder()
			p.Add("t")
			results, err := session.Run(ctx, p.Build())
			require.Len(t, link.submitted, 1)
			assert.Len(t, session.Failures, tc.expectedFailures)
			if tc.expectError != nil {
				assert.True(t, tc.expectError(err), "unexpected error %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedResults, results)
			assert.Equal(t, tc.expectedReleased, link.released)
		})
	}
}

func TestSession_RunCancelled(t *testing.T) {
	ctx, cancel := loomcontext.WithCancel(loomcontext.Background())
	cancel()
	_, err := NewSession(newScriptedLink(nil, nil)).Run(ctx, &plan.Plan{})
	assert.ErrorIs(t, err, context.Canceled)
}
