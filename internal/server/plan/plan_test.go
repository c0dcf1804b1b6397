package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/dictionary"
)

const examplePlan = `
resourceRequests:
  - resources:
      - name: loom/resource/cpus
        value: 2
tasks:
  - taskType: loom/data/const
    config: hello
  - taskType: loom/data/const
    config: "base64:AAEC"
  - taskType: loom/run/run
    inputs: [0, 1, 1]
    resourceRequest: 0
    checkpointPath: /tmp/ckpt/run
resultIds: [2]
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(examplePlan))
	require.NoError(t, err)

	require.Len(t, p.Tasks, 3)
	assert.Equal(t, Blob("hello"), p.Tasks[0].Config)
	assert.Equal(t, Blob{0, 1, 2}, p.Tasks[1].Config)
	assert.Equal(t, []int{0, 1, 1}, p.Tasks[2].Inputs)
	assert.Equal(t, "/tmp/ckpt/run", p.Tasks[2].CheckpointPath)
	assert.Equal(t, map[int]bool{2: true}, p.Results())

	cpus, err := p.Cpus(2)
	require.NoError(t, err)
	assert.Equal(t, 2, cpus)
	cpus, err = p.Cpus(0)
	require.NoError(t, err)
	assert.Equal(t, 0, cpus)

	assert.NoError(t, p.Validate(nil))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(examplePlan), 0o644))
	p, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, p.Tasks, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBlob_JSON(t *testing.T) {
	tests := map[string]Blob{
		"text":   Blob("abc"),
		"binary": Blob{0xff, 0x00},
		"prefix": Blob("base64:looks encoded"),
	}
	for name, blob := range tests {
		t.Run(name, func(t *testing.T) {
			data, err := blob.MarshalJSON()
			require.NoError(t, err)
			var decoded Blob
			require.NoError(t, decoded.UnmarshalJSON(data))
			assert.Equal(t, blob, decoded)
		})
	}
}

func TestConsumers(t *testing.T) {
	b := NewBuilder()
	a := b.Add("t")
	c := b.Add("t", a, a)
	b.Add("t", a, c)
	assert.Equal(t, [][]int{{1, 2}, {2}, nil}, b.Build().Consumers())
}

func TestValidate(t *testing.T) {
	intPtr := func(i int) *int { return &i }
	tests := map[string]struct {
		plan     *Plan
		known    func(string) bool
		problems int
	}{
		"valid chain": {
			plan: func() *Plan {
				b := NewBuilder()
				a := b.Add("t")
				c := b.Add("t", a)
				return b.WithCpus(c, 1).Result(c).Build()
			}(),
		},
		"empty": {
			plan:     &Plan{},
			problems: 1,
		},
		"forward reference": {
			plan:     &Plan{Tasks: []Task{{TaskType: "t", Inputs: []int{1}}, {TaskType: "t"}}},
			problems: 1,
		},
		"self reference": {
			plan:     &Plan{Tasks: []Task{{TaskType: "t", Inputs: []int{0}}}},
			problems: 1,
		},
		"resource request out of range": {
			plan:     &Plan{Tasks: []Task{{TaskType: "t", ResourceRequest: intPtr(3)}}},
			problems: 1,
		},
		"bad results": {
			plan:     &Plan{Tasks: []Task{{TaskType: "t"}}, ResultIds: []int{0, 0, 4}},
			problems: 2,
		},
		"unknown task type": {
			plan:     &Plan{Tasks: []Task{{TaskType: "t"}, {TaskType: dictionary.Get, Inputs: []int{0}}}},
			known:    func(string) bool { return false },
			problems: 1,
		},
		"fractional cpus": {
			plan: func() *Plan {
				p := NewBuilder()
				p.Add("t")
				built := p.WithCpus(0, 1).Build()
				built.ResourceRequests[0].Resources[0].Value.SetMilli(500)
				return built
			}(),
			problems: 1,
		},
		"valid expansion": {
			plan: func() *Plan {
				b := NewBuilder()
				i := b.Add("t")
				d := b.Add(dictionary.DSlice, i)
				t := b.Add("t", d)
				m := b.Add("t", t)
				return b.Result(m).Build()
			}(),
		},
		"expansion with two consumers": {
			plan: func() *Plan {
				b := NewBuilder()
				i := b.Add("t")
				d := b.Add(dictionary.DGet, i)
				t1 := b.Add("t", d)
				t2 := b.Add("t", d)
				b.Add("t", t1, t2)
				return b.Build()
			}(),
			problems: 1,
		},
		"consumer reads two expansions": {
			plan: func() *Plan {
				b := NewBuilder()
				i := b.Add("t")
				d1 := b.Add(dictionary.DSlice, i)
				d2 := b.Add(dictionary.DSlice, i)
				m := b.Add("t", d1, d2)
				c := b.Add("t", m)
				return b.Result(c).Build()
			}(),
			problems: 1,
		},
		"expansions with separate consumers": {
			plan: func() *Plan {
				b := NewBuilder()
				i := b.Add("t")
				d1 := b.Add(dictionary.DSlice, i)
				d2 := b.Add(dictionary.DGet, i)
				m1 := b.Add("t", d1)
				m2 := b.Add("t", d2)
				c := b.Add("t", m1, m2)
				return b.Result(c).Build()
			}(),
		},
		"expansion consumer is result": {
			plan: func() *Plan {
				b := NewBuilder()
				i := b.Add("t")
				d := b.Add(dictionary.DGet, i)
				t := b.Add("t", d)
				return b.Result(t).Build()
			}(),
			problems: 2,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.plan.Validate(tc.known)
			if tc.problems == 0 {
				assert.NoError(t, err)
				return
			}
			var merr *multierror.Error
			require.ErrorAs(t, err, &merr)
			assert.Len(t, merr.Errors, tc.problems)
			for _, e := range merr.Errors {
				assert.True(t, loomerrors.IsInvalidArgument(e))
			}
		})
	}
}
