package loomerrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := map[string]struct {
		err  error
		want string
	}{
		"ErrNotFound with type": {
			err:  &ErrNotFound{Type: "worker", Value: "w1"},
			want: `resource "w1" of type "worker" does not exist`,
		},
		"ErrAlreadyExists with message": {
			err:  &ErrAlreadyExists{Value: "w1", Message: "registered twice"},
			want: `resource "w1" already exists; registered twice`,
		},
		"ErrInvalidArgument": {
			err:  &ErrInvalidArgument{Name: "tasks[2].inputs", Value: 5, Message: "must reference an earlier task"},
			want: `value 5 is invalid for field "tasks[2].inputs"; must reference an earlier task`,
		},
		"ErrInvariantViolation": {
			err:  &ErrInvariantViolation{Message: "node 3 is not running"},
			want: "invariant violation: node 3 is not running",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Error())
		})
	}
}

func TestPredicatesLookThroughWrapping(t *testing.T) {
	assert.True(t, IsNotFound(errors.Wrap(&ErrNotFound{}, "lookup")))
	assert.True(t, IsInvalidArgument(errors.WithMessage(&ErrInvalidArgument{}, "plan")))
	assert.True(t, IsAlreadyExists(errors.WithStack(&ErrAlreadyExists{})))
	assert.False(t, IsNotFound(errors.New("foo")))
	assert.False(t, IsNotFound(nil))
}

func TestInvariant(t *testing.T) {
	assert.NotPanics(t, func() { Invariant(true, "unused") })
	defer func() {
		r := recover()
		err, ok := r.(error)
		if assert.True(t, ok) {
			var violation *ErrInvariantViolation
			assert.True(t, errors.As(err, &violation))
			assert.Equal(t, "node 4 on worker 2", violation.Message)
		}
	}()
	Invariant(false, "node %d on worker %d", 4, 2)
}
