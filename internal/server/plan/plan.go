package plan

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/yaml"
)

// Plan is a client submission: a flat task list whose inputs reference earlier tasks by index.
type Plan struct {
	Tasks            []Task            `json:"tasks"`
	ResourceRequests []ResourceRequest `json:"resourceRequests,omitempty"`
	ResultIds        []int             `json:"resultIds,omitempty"`
}

type Task struct {
	TaskType string `json:"taskType"`
	Config   Blob   `json:"config,omitempty"`
	Inputs   []int  `json:"inputs,omitempty"`
	// Index into Plan.ResourceRequests. A task without a request needs no CPU.
	ResourceRequest *int   `json:"resourceRequest,omitempty"`
	CheckpointPath  string `json:"checkpointPath,omitempty"`
}

type ResourceRequest struct {
	Resources []Resource `json:"resources"`
}

type Resource struct {
	Name  string            `json:"name"`
	Value resource.Quantity `json:"value"`
}

const base64Prefix = "base64:"

// Blob holds opaque task configuration. In documents it is written as a string; strings starting with "base64:" are
// decoded, anything else is taken verbatim.
type Blob []byte

func (b Blob) MarshalJSON() ([]byte, error) {
	if utf8.Valid(b) && !strings.HasPrefix(string(b), base64Prefix) {
		return json.Marshal(string(b))
	}
	return json.Marshal(base64Prefix + base64.StdEncoding.EncodeToString(b))
}

func (b *Blob) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.WithStack(err)
	}
	if strings.HasPrefix(s, base64Prefix) {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, base64Prefix))
		if err != nil {
			return errors.Wrap(err, "invalid base64 config")
		}
		*b = decoded
		return nil
	}
	*b = []byte(s)
	return nil
}

// Parse decodes a YAML or JSON plan document.
func Parse(data []byte) (*Plan, error) {
	p := &Plan{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "error parsing plan")
	}
	return p, nil
}

// Load reads a plan document from path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "plan %s", path)
	}
	return p, nil
}

// Cpus returns the number of CPUs task i requests.
func (p *Plan) Cpus(i int) (int, error) {
	idx := p.Tasks[i].ResourceRequest
	if idx == nil {
		return 0, nil
	}
	if *idx < 0 || *idx >= len(p.ResourceRequests) {
		return 0, errors.Errorf("resource request %d out of range", *idx)
	}
	return p.ResourceRequests[*idx].Cpus()
}

// Cpus returns the CPU count of the request; the quantity must be a non-negative integer.
func (r ResourceRequest) Cpus() (int, error) {
	total := 0
	for _, res := range r.Resources {
		if res.Name != cpuResourceName {
			continue
		}
		if res.Value.Sign() < 0 || res.Value.MilliValue()%1000 != 0 {
			return 0, errors.Errorf("cpu request %s is not a non-negative integer", res.Value.String())
		}
		total += int(res.Value.Value())
	}
	return total, nil
}

// Results returns the set of local task ids the client asked to be notified about.
func (p *Plan) Results() map[int]bool {
	results := make(map[int]bool, len(p.ResultIds))
	for _, id := range p.ResultIds {
		results[id] = true
	}
	return results
}

// Consumers maps each task to the distinct tasks reading it, in submission order.
func (p *Plan) Consumers() [][]int {
	consumers := make([][]int, len(p.Tasks))
	for i, task := range p.Tasks {
		seen := make(map[int]bool, len(task.Inputs))
		for _, input := range task.Inputs {
			if input < 0 || input >= len(p.Tasks) || seen[input] {
				continue
			}
			seen[input] = true
			consumers[input] = append(consumers[input], i)
		}
	}
	return consumers
}
