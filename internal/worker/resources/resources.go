package resources

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
)

type allocationKind uint8

const (
	invalidAllocation allocationKind = iota
	cpuAllocation
	zeroCostAllocation
)

// Allocation is the set of CPU slots held by one running task instance. The zero value is invalid.
type Allocation struct {
	id   uint64
	kind allocationKind
	cpus []int
}

func (a Allocation) IsValid() bool {
	return a.kind != invalidAllocation
}

func (a Allocation) IsZeroCost() bool {
	return a.kind == zeroCostAllocation
}

// Cpus returns the slot ids held. Zero-cost allocations hold none.
func (a Allocation) Cpus() []int {
	return a.cpus
}

func (a Allocation) String() string {
	switch a.kind {
	case cpuAllocation:
		return fmt.Sprintf("cpus%v", a.cpus)
	case zeroCostAllocation:
		return "zero-cost"
	}
	return "invalid"
}

// ResourceManager hands out CPU slots of one worker. Tasks requesting no CPU take a slot from a separate zero-cost
// pool of size 2n+1 so they cannot starve CPU-bound work nor run without bound.
// It is safe for concurrent use.
type ResourceManager struct {
	mu         sync.Mutex
	nCpus      int
	freeCpus   []int
	zeroCost   int
	zeroFree   int
	live       map[uint64]Allocation
	lastSerial uint64
}

// New returns a manager for nCpus slots; 0 means runtime.NumCPU().
func New(nCpus int) *ResourceManager {
	if nCpus <= 0 {
		nCpus = runtime.NumCPU()
	}
	rm := &ResourceManager{
		nCpus:    nCpus,
		zeroCost: 2*nCpus + 1,
		live:     make(map[uint64]Allocation),
	}
	rm.zeroFree = rm.zeroCost
	// Slot 0 is handed out first.
	for i := nCpus - 1; i >= 0; i-- {
		rm.freeCpus = append(rm.freeCpus, i)
	}
	return rm
}

func (rm *ResourceManager) Cpus() int {
	return rm.nCpus
}

// Allocate reserves n CPU slots, or a zero-cost slot if n is 0. An invalid allocation is returned when the request
// cannot be satisfied right now.
func (rm *ResourceManager) Allocate(n int) Allocation {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if n < 0 {
		return Allocation{}
	}
	var a Allocation
	if n == 0 {
		if rm.zeroFree == 0 {
			return Allocation{}
		}
		rm.zeroFree--
		a = Allocation{kind: zeroCostAllocation}
	} else {
		if len(rm.freeCpus) < n {
			return Allocation{}
		}
		split := len(rm.freeCpus) - n
		cpus := make([]int, n)
		for i := range cpus {
			cpus[i] = rm.freeCpus[len(rm.freeCpus)-1-i]
		}
		rm.freeCpus = rm.freeCpus[:split]
		a = Allocation{kind: cpuAllocation, cpus: cpus}
	}
	rm.lastSerial++
	a.id = rm.lastSerial
	rm.live[a.id] = a
	return a
}

// Free returns the slots of a. Freeing an invalid allocation or freeing twice is a programming error and panics.
func (rm *ResourceManager) Free(a Allocation) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !a.IsValid() {
		panic(errors.WithStack(&loomerrors.ErrInvariantViolation{Message: "freeing an invalid allocation"}))
	}
	if _, ok := rm.live[a.id]; !ok {
		panic(errors.WithStack(&loomerrors.ErrInvariantViolation{Message: "allocation " + a.String() + " freed twice"}))
	}
	delete(rm.live, a.id)
	if a.IsZeroCost() {
		rm.zeroFree++
		return
	}
	for i := len(a.cpus) - 1; i >= 0; i-- {
		rm.freeCpus = append(rm.freeCpus, a.cpus[i])
	}
}

// FreeCpus returns the number of unallocated CPU slots.
func (rm *ResourceManager) FreeCpus() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.freeCpus)
}

// FreeZeroCost returns the number of unallocated zero-cost slots.
func (rm *ResourceManager) FreeZeroCost() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.zeroFree
}
