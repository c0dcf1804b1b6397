package dictionary

import (
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
)

// Symbol is a small integer standing for a task type or resource name.
type Symbol int32

const InvalidSymbol Symbol = -1

const (
	DSlice       = "loom/scheduler/dslice"
	DGet         = "loom/scheduler/dget"
	Slice        = "loom/base/slice"
	Get          = "loom/base/get"
	ResourceCpus = "loom/resource/cpus"
)

var builtins = []string{DSlice, DGet, Slice, Get, ResourceCpus}

// IsBuiltinTaskType reports whether every worker understands taskType without registering it.
func IsBuiltinTaskType(taskType string) bool {
	switch taskType {
	case DSlice, DGet, Slice, Get:
		return true
	}
	return false
}

// Dictionary is a bidirectional mapping between names and symbols. Symbols are assigned in registration order and
// never reused. It is not safe for concurrent use.
type Dictionary struct {
	symbols map[string]Symbol
	names   []string
}

// New returns a Dictionary holding the built-in symbols.
func New() *Dictionary {
	d := &Dictionary{symbols: make(map[string]Symbol)}
	for _, name := range builtins {
		d.FindOrCreate(name)
	}
	return d
}

func (d *Dictionary) Find(name string) (Symbol, bool) {
	s, ok := d.symbols[name]
	return s, ok
}

func (d *Dictionary) FindOrCreate(name string) Symbol {
	if s, ok := d.symbols[name]; ok {
		return s
	}
	s := Symbol(len(d.names))
	d.symbols[name] = s
	d.names = append(d.names, name)
	return s
}

// MustFind is for symbols registered by New.
func (d *Dictionary) MustFind(name string) Symbol {
	s, ok := d.symbols[name]
	if !ok {
		panic(errors.WithStack(&loomerrors.ErrNotFound{Type: "symbol", Value: name}))
	}
	return s
}

func (d *Dictionary) Translate(s Symbol) (string, error) {
	if s < 0 || int(s) >= len(d.names) {
		return "", errors.WithStack(&loomerrors.ErrNotFound{Type: "symbol", Value: symbolString(s)})
	}
	return d.names[s], nil
}

// Names returns every registered name sorted alphabetically.
func (d *Dictionary) Names() []string {
	names := make([]string, len(d.names))
	copy(names, d.names)
	sort.Strings(names)
	return names
}

func (d *Dictionary) Len() int {
	return len(d.names)
}

func symbolString(s Symbol) string {
	return "#" + strconv.Itoa(int(s))
}
