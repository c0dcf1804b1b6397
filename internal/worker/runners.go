package worker

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
)

// Data objects of the simulated worker are sequences of elements separated by newlines.
const separator = '\n'

// Simulated task types provided next to the built-in slice and get.
const (
	// Output is the config blob.
	ConstTaskType = "sim/const"
	// Output is the concatenation of the elements of all inputs.
	ConcatTaskType = "sim/concat"
	// Output has one element per input element, each element reversed.
	ReverseTaskType = "sim/reverse"
	// Always fails with the config blob as message.
	FailTaskType = "sim/fail"
)

type Task struct {
	Node     graph.NodeId
	TaskType string
	Config   []byte
	Inputs   [][]byte
}

type Output struct {
	Data []byte
}

// RunnerFunc computes the output of a task.
type RunnerFunc func(task Task) (Output, error)

// DefaultRunners returns the runners of the simulated task types and of the built-in slice and get.
func DefaultRunners() map[string]RunnerFunc {
	return map[string]RunnerFunc{
		dictionary.Slice: runSlice,
		dictionary.Get:   runSlice,
		ConstTaskType: func(task Task) (Output, error) {
			return Output{Data: task.Config}, nil
		},
		ConcatTaskType: func(task Task) (Output, error) {
			var elements [][]byte
			for _, input := range task.Inputs {
				elements = append(elements, split(input)...)
			}
			return Output{Data: bytes.Join(elements, []byte{separator})}, nil
		},
		ReverseTaskType: func(task Task) (Output, error) {
			if len(task.Inputs) != 1 {
				return Output{}, errors.Errorf("%s takes one input, got %d", ReverseTaskType, len(task.Inputs))
			}
			elements := split(task.Inputs[0])
			reversed := make([][]byte, len(elements))
			for i, element := range elements {
				r := make([]byte, len(element))
				for j := range element {
					r[len(element)-1-j] = element[j]
				}
				reversed[i] = r
			}
			return Output{Data: bytes.Join(reversed, []byte{separator})}, nil
		},
		FailTaskType: func(task Task) (Output, error) {
			return Output{}, errors.New(string(task.Config))
		},
	}
}

// runSlice selects the element range encoded in the config from the single input.
func runSlice(task Task) (Output, error) {
	if len(task.Inputs) != 1 {
		return Output{}, errors.Errorf("%s takes one input, got %d", task.TaskType, len(task.Inputs))
	}
	start, end, err := graph.DecodeRange(task.Config)
	if err != nil {
		return Output{}, err
	}
	elements := split(task.Inputs[0])
	if start > end || end > uint64(len(elements)) {
		return Output{}, errors.Errorf("range [%d, %d) out of bounds for %d elements", start, end, len(elements))
	}
	return Output{Data: bytes.Join(elements[start:end], []byte{separator})}, nil
}

func split(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	return bytes.Split(data, []byte{separator})
}

// Length returns the number of elements of a data object.
func Length(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	return uint64(bytes.Count(data, []byte{separator}) + 1)
}
