package workerdb

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
)

const workersTable = "workers"

// WorkerDb stores the workers connected to the server. Reads return shared immutable objects; writes go through
// Update, which replaces the stored object with a modified copy.
type WorkerDb struct {
	db     *memdb.MemDB
	nextId graph.WorkerId
}

func NewWorkerDb() (*WorkerDb, error) {
	db, err := memdb.NewMemDB(workerDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &WorkerDb{db: db}, nil
}

// Register adds a worker and assigns it an id. Addresses must be unique.
func (wdb *WorkerDb) Register(address string, cpus int, taskTypes []string, now time.Time) (*Worker, error) {
	if cpus <= 0 {
		return nil, errors.WithStack(&loomerrors.ErrInvalidArgument{
			Name:    "cpus",
			Value:   cpus,
			Message: "a worker needs at least one cpu",
		})
	}
	txn := wdb.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(workersTable, "address", address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if existing != nil {
		return nil, errors.WithStack(&loomerrors.ErrAlreadyExists{Type: "worker", Value: address})
	}
	w := &Worker{
		Id:            wdb.nextId,
		Address:       address,
		Cpus:          cpus,
		FreeCpus:      cpus,
		FreeZeroCost:  ZeroCostSlots(cpus),
		TaskTypes:     slices.Clone(taskTypes),
		LastHeartbeat: now,
	}
	if err := txn.Insert(workersTable, w); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	wdb.nextId++
	return w, nil
}

func (wdb *WorkerDb) Get(id graph.WorkerId) (*Worker, bool) {
	return wdb.first("id", id)
}

func (wdb *WorkerDb) GetByAddress(address string) (*Worker, bool) {
	return wdb.first("address", address)
}

// MustGet returns the worker with the given id, panicking if it does not exist.
func (wdb *WorkerDb) MustGet(id graph.WorkerId) *Worker {
	w, ok := wdb.Get(id)
	loomerrors.Invariant(ok, "worker %d does not exist", id)
	return w
}

func (wdb *WorkerDb) first(index string, arg interface{}) (*Worker, bool) {
	obj, err := wdb.db.Txn(false).First(workersTable, index, arg)
	if err != nil {
		panic(errors.WithStack(err))
	}
	if obj == nil {
		return nil, false
	}
	w, ok := obj.(*Worker)
	if !ok {
		panic(fmt.Sprintf("expected *Worker, but got %T", obj))
	}
	return w, true
}

// All returns every worker ordered by id.
func (wdb *WorkerDb) All() []*Worker {
	it, err := wdb.db.Txn(false).Get(workersTable, "id")
	if err != nil {
		panic(errors.WithStack(err))
	}
	var workers []*Worker
	for obj := it.Next(); obj != nil; obj = it.Next() {
		workers = append(workers, obj.(*Worker))
	}
	slices.SortFunc(workers, func(a, b *Worker) bool { return a.Id < b.Id })
	return workers
}

// Update applies f to a copy of the worker and stores the result.
func (wdb *WorkerDb) Update(id graph.WorkerId, f func(w *Worker)) error {
	txn := wdb.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(workersTable, "id", id)
	if err != nil {
		return errors.WithStack(err)
	}
	if obj == nil {
		return errors.WithStack(&loomerrors.ErrNotFound{Type: "worker", Value: fmt.Sprint(id)})
	}
	w := obj.(*Worker).DeepCopy()
	f(w)
	loomerrors.Invariant(w.Id == id && w.Address == obj.(*Worker).Address, "worker identity changed during update")
	if err := txn.Insert(workersTable, w); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// MustUpdate is Update for workers known to exist.
func (wdb *WorkerDb) MustUpdate(id graph.WorkerId, f func(w *Worker)) {
	if err := wdb.Update(id, f); err != nil {
		panic(err)
	}
}

func (wdb *WorkerDb) Delete(id graph.WorkerId) error {
	txn := wdb.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(workersTable, "id", id); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (wdb *WorkerDb) Len() int {
	return len(wdb.All())
}

// TotalCpus sums the cpus of schedulable workers.
func (wdb *WorkerDb) TotalCpus() int {
	total := 0
	for _, w := range wdb.All() {
		if w.Schedulable() {
			total += w.Cpus
		}
	}
	return total
}

// StaleWorkers returns the workers whose last heartbeat is older than timeout.
func (wdb *WorkerDb) StaleWorkers(now time.Time, timeout time.Duration) []*Worker {
	var stale []*Worker
	for _, w := range wdb.All() {
		if now.Sub(w.LastHeartbeat) > timeout {
			stale = append(stale, w)
		}
	}
	return stale
}

func workerDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			workersTable: {
				Name: workersTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "Id"},
					},
					"address": {
						Name:    "address",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Address"},
					},
				},
			},
		},
	}
}
