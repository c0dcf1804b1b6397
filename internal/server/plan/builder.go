package plan

import (
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
)

// Builder assembles plans programmatically.
type Builder struct {
	plan          Plan
	requestByCpus map[int]int
}

func NewBuilder() *Builder {
	return &Builder{requestByCpus: make(map[int]int)}
}

// Add appends a task and returns its local id.
func (b *Builder) Add(taskType string, inputs ...int) int {
	b.plan.Tasks = append(b.plan.Tasks, Task{TaskType: taskType, Inputs: inputs})
	return len(b.plan.Tasks) - 1
}

func (b *Builder) WithCpus(id int, cpus int) *Builder {
	idx, ok := b.requestByCpus[cpus]
	if !ok {
		idx = len(b.plan.ResourceRequests)
		b.plan.ResourceRequests = append(b.plan.ResourceRequests, ResourceRequest{
			Resources: []Resource{{Name: dictionary.ResourceCpus, Value: *resource.NewQuantity(int64(cpus), resource.DecimalSI)}},
		})
		b.requestByCpus[cpus] = idx
	}
	b.plan.Tasks[id].ResourceRequest = &idx
	return b
}

func (b *Builder) WithConfig(id int, config []byte) *Builder {
	b.plan.Tasks[id].Config = config
	return b
}

func (b *Builder) WithCheckpoint(id int, path string) *Builder {
	b.plan.Tasks[id].CheckpointPath = path
	return b
}

func (b *Builder) Result(ids ...int) *Builder {
	b.plan.ResultIds = append(b.plan.ResultIds, ids...)
	return b
}

func (b *Builder) Build() *Plan {
	p := b.plan
	return &p
}
