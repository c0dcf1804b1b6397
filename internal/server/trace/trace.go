package trace

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
	_ "modernc.org/sqlite"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/graph"
)

type Kind string

const (
	TaskStarted      Kind = "task_started"
	TaskFinished     Kind = "task_finished"
	TaskFailed       Kind = "task_failed"
	TransferStarted  Kind = "transfer_started"
	TransferFinished Kind = "transfer_finished"
	DataRemoved      Kind = "data_removed"
	InFlightReset    Kind = "in_flight_reset"
	GraphTrashed     Kind = "graph_trashed"
	WorkerJoined     Kind = "worker_joined"
	WorkerLeft       Kind = "worker_left"
)

// ServerFileName is the name of the server's database inside the trace directory.
const ServerFileName = "server.db"

var fileNameReplacer = strings.NewReplacer("/", "_", ":", "_", "\\", "_")

// WorkerFileName is the name of the database of the worker at address inside the trace directory.
func WorkerFileName(address string) string {
	return "worker-" + fileNameReplacer.Replace(address) + ".db"
}

type Event struct {
	Time     time.Time
	Kind     Kind
	Node     graph.NodeId
	Worker   string
	TaskType string
	Cpus     int
	Size     uint64
	Message  string
}

// Recorder receives scheduling events. Record must not block the caller.
type Recorder interface {
	Record(ev Event)
	Close() error
}

// Noop discards everything.
type Noop struct{}

func (Noop) Record(Event) {}
func (Noop) Close() error { return nil }

// SqliteRecorder writes events to a sqlite database in batches, off the caller's goroutine.
type SqliteRecorder struct {
	db        *sql.DB
	input     chan Event
	done      chan struct{}
	clock     clock.Clock
	log       *logrus.Entry
	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewSqliteRecorder starts recording into a fresh database at path, creating its directory if needed.
func NewSqliteRecorder(path string, batchSize int, batchTimeout time.Duration, log *logrus.Entry) (*SqliteRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating trace directory for %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening trace database %s", path)
	}
	// A single connection keeps writes ordered.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"DROP TABLE IF EXISTS events",
		`CREATE TABLE events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			time INTEGER NOT NULL,
			kind TEXT NOT NULL,
			node INTEGER,
			worker TEXT,
			task_type TEXT,
			cpus INTEGER,
			size INTEGER,
			message TEXT)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "creating trace schema")
		}
	}

	if batchSize <= 0 {
		batchSize = 1
	}
	r := &SqliteRecorder{
		db:    db,
		input: make(chan Event, 4*batchSize),
		done:  make(chan struct{}),
		clock: clock.RealClock{},
		log:   log.WithField("component", "trace"),
	}
	batcher := NewBatcher(r.input, batchSize, batchTimeout, r.write)
	go func() {
		defer close(r.done)
		batcher.Run(context.Background())
	}()
	return r, nil
}

// Record queues ev. Events are dropped when the writer falls behind.
func (r *SqliteRecorder) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = r.clock.Now()
	}
	select {
	case r.input <- ev:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("trace writer is falling behind, dropping events")
		}
	}
}

// Dropped returns the number of events lost because the writer fell behind.
func (r *SqliteRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close writes what is queued and closes the database.
func (r *SqliteRecorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.input)
		<-r.done
		err = errors.WithStack(r.db.Close())
	})
	return err
}

func (r *SqliteRecorder) write(events []Event) {
	if err := r.insert(events); err != nil {
		logging.WithStacktrace(r.log, err).Warnf("lost %d trace events", len(events))
	}
}

func (r *SqliteRecorder) insert(events []Event) error {
	tx, err := r.db.Begin()
	if err != nil {
		return errors.WithStack(err)
	}
	stmt, err := tx.Prepare(
		"INSERT INTO events (time, kind, node, worker, task_type, cpus, size, message) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return errors.WithStack(err)
	}
	defer stmt.Close()
	for _, ev := range events {
		_, err := stmt.Exec(ev.Time.UnixNano(), string(ev.Kind), int64(ev.Node), ev.Worker, ev.TaskType, ev.Cpus, int64(ev.Size), ev.Message)
		if err != nil {
			_ = tx.Rollback()
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(tx.Commit())
}

// ReadEvents returns every event stored in the trace database at path, in recording order.
func ReadEvents(path string) ([]Event, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer db.Close()
	rows, err := db.Query("SELECT time, kind, node, worker, task_type, cpus, size, message FROM events ORDER BY seq")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var (
			nanos int64
			kind  string
			node  int64
			size  int64
			ev    Event
		)
		if err := rows.Scan(&nanos, &kind, &node, &ev.Worker, &ev.TaskType, &ev.Cpus, &size, &ev.Message); err != nil {
			return nil, errors.WithStack(err)
		}
		ev.Time = time.Unix(0, nanos)
		ev.Kind = Kind(kind)
		ev.Node = graph.NodeId(node)
		ev.Size = uint64(size)
		events = append(events, ev)
	}
	return events, errors.WithStack(rows.Err())
}
