package plan

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
)

const cpuResourceName = dictionary.ResourceCpus

// Validate checks the plan is well formed. If knownTaskType is non-nil, every task type must satisfy it.
// All problems found are returned together as a *multierror.Error.
func (p *Plan) Validate(knownTaskType func(string) bool) error {
	var result *multierror.Error
	invalid := func(field string, value interface{}, format string, args ...interface{}) {
		result = multierror.Append(result, errors.WithStack(&loomerrors.ErrInvalidArgument{
			Name:    field,
			Value:   value,
			Message: fmt.Sprintf(format, args...),
		}))
	}

	if len(p.Tasks) == 0 {
		invalid("tasks", 0, "plan has no tasks")
	}
	for i, r := range p.ResourceRequests {
		if _, err := r.Cpus(); err != nil {
			invalid(fmt.Sprintf("resourceRequests[%d]", i), r.Resources, err.Error())
		}
		for _, res := range r.Resources {
			if res.Name != cpuResourceName {
				invalid(fmt.Sprintf("resourceRequests[%d]", i), res.Name, "unknown resource")
			}
		}
	}
	for i, task := range p.Tasks {
		if task.TaskType == "" {
			invalid(fmt.Sprintf("tasks[%d].taskType", i), task.TaskType, "task type is required")
		} else if knownTaskType != nil && !dictionary.IsBuiltinTaskType(task.TaskType) && !knownTaskType(task.TaskType) {
			invalid(fmt.Sprintf("tasks[%d].taskType", i), task.TaskType, "no registered worker provides this task type")
		}
		for _, input := range task.Inputs {
			if input < 0 || input >= i {
				invalid(fmt.Sprintf("tasks[%d].inputs", i), input, "inputs must reference earlier tasks")
			}
		}
		if idx := task.ResourceRequest; idx != nil && (*idx < 0 || *idx >= len(p.ResourceRequests)) {
			invalid(fmt.Sprintf("tasks[%d].resourceRequest", i), *idx, "resource request out of range")
		}
	}

	results := make(map[int]bool, len(p.ResultIds))
	for _, id := range p.ResultIds {
		if id < 0 || id >= len(p.Tasks) {
			invalid("resultIds", id, "result id out of range")
		} else if results[id] {
			invalid("resultIds", id, "duplicate result id")
		}
		results[id] = true
	}

	consumers := p.Consumers()
	expansionsRead := make(map[int]int)
	for i, task := range p.Tasks {
		if !IsExpansion(task.TaskType) {
			continue
		}
		field := fmt.Sprintf("tasks[%d]", i)
		if len(task.Inputs) != 1 {
			invalid(field, len(task.Inputs), "%s must have exactly one input", task.TaskType)
		}
		if results[i] {
			invalid(field, i, "%s cannot be a result", task.TaskType)
		}
		if len(consumers[i]) != 1 {
			invalid(field, len(consumers[i]), "%s must have exactly one consumer", task.TaskType)
			continue
		}
		t := consumers[i][0]
		expansionsRead[t]++
		if count(p.Tasks[t].Inputs, i) != 1 {
			invalid(field, t, "the consumer of %s must read it exactly once", task.TaskType)
		}
		if results[t] {
			invalid(field, t, "the consumer of %s cannot be a result", task.TaskType)
		}
		if len(consumers[t]) != 1 {
			invalid(field, t, "the consumer of %s must itself have exactly one consumer", task.TaskType)
		} else if IsExpansion(p.Tasks[consumers[t][0]].TaskType) {
			invalid(field, consumers[t][0], "the collector of %s cannot be an expansion task", task.TaskType)
		}
	}
	// Expanding one input multiplies the consumer, which then no longer has a single instance to rewrite for the other.
	for t := range p.Tasks {
		if expansionsRead[t] > 1 {
			invalid(fmt.Sprintf("tasks[%d]", t), expansionsRead[t], "a task can read at most one dynamically expanded input")
		}
	}
	return result.ErrorOrNil()
}

// IsExpansion reports whether taskType is rewritten by the server once its input length is known.
func IsExpansion(taskType string) bool {
	return taskType == dictionary.DSlice || taskType == dictionary.DGet
}

func count(xs []int, x int) int {
	n := 0
	for _, v := range xs {
		if v == x {
			n++
		}
	}
	return n
}
