package configuration

import (
	"time"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/config"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/logging"
)

const (
	HeuristicAlgorithm = "heuristic"
	ExactAlgorithm     = "exact"
	// AutoAlgorithm solves small passes exactly and everything else with the heuristic.
	AutoAlgorithm = "auto"

	MemoryTransport = "memory"
	NatsTransport   = "nats"

	NoCheckpointBackend    = "none"
	FileCheckpointBackend  = "file"
	RedisCheckpointBackend = "redis"
)

type Configuration struct {
	Logging logging.Config
	// Scheduler configuration
	Scheduling SchedulingConfig
	Transport  TransportConfig
	Checkpoint CheckpointConfig
	Trace      TraceConfig
	Metrics    MetricsConfig
	// Workers started inside the server process. Mostly useful for trying things out.
	LocalWorkers LocalWorkersConfig
	// How often a scheduling pass runs when nothing else triggers one.
	SchedulePeriod time.Duration `validate:"required"`
	// Maximum number of scheduling passes per second.
	MaxSchedulingRate float64 `validate:"gt=0"`
	// Number of passes that may run back to back before the rate limit applies.
	MaxSchedulingBurst int `validate:"gte=1"`
	// A node that failed more often than this aborts the whole computation.
	MaxTaskRetries int `validate:"gte=0"`
	// How long after its last heartbeat a worker is considered lost.
	WorkerTimeout time.Duration `validate:"required"`
	// Maximum number of slices a dslice node expands into; 0 means one per element.
	MaxSlices int `validate:"gte=0"`
	// If true, plans may only use task types registered by some worker.
	StrictTaskTypes bool
	// Capacity of the inbound event queue.
	EventBufferSize int `validate:"gte=1"`
	// Maximum number of strings that should be cached at any one time
	InternedStringsCacheSize uint32 `validate:"required"`
}

type SchedulingConfig struct {
	// One of heuristic, exact or auto.
	Algorithm string `validate:"oneof=heuristic exact auto"`
	// At most this many ready nodes, lowest ids first, are considered by one pass.
	MaxReadyPerPass int `validate:"gt=0"`
	// A pass is overbooked when there are more ready nodes than OverbookThreshold times the free cpus.
	OverbookThreshold float64 `validate:"gte=0"`
	// Free capacity of every worker is multiplied by this factor during an overbooked pass.
	OverbookFactor float64 `validate:"gte=1"`
	Heuristic      HeuristicConfig
	Exact          ExactConfig
}

// HeuristicConfig holds the empirically tuned weights of the greedy scheduler.
type HeuristicConfig struct {
	// Score added per consumer of the node.
	DependentBonus float64 `validate:"gte=0"`
	// Score added per cpu requested beyond the first.
	CpuBonus float64 `validate:"gte=0"`
	// Consumers inspected by the lookahead.
	LookaheadFanout int `validate:"gte=0"`
	// Other inputs inspected per consumer by the lookahead.
	LookaheadSiblings int `validate:"gte=0"`
	// Fraction of the size of sibling inputs already on a worker that counts towards its score.
	LookaheadWeight float64 `validate:"gte=0"`
	// Upper bound on the lookahead bonus.
	LookaheadCap float64 `validate:"gte=0"`
}

type ExactConfig struct {
	// Passes with more ready nodes than this are solved by the heuristic.
	MaxTasks int `validate:"gt=0"`
	// Passes with more workers than this are solved by the heuristic.
	MaxWorkers int `validate:"gt=0"`
	// Branch and bound gives up after solving this many relaxations.
	MaxBranchNodes int `validate:"gt=0"`
	// Objective gain of scheduling one task.
	TaskBonus float64 `validate:"gt=0"`
	// Objective cost of moving all the inputs of a pass once.
	TransferWeight float64 `validate:"gte=0"`
}

type TransportConfig struct {
	// One of memory or nats. The memory transport only reaches local workers and clients.
	Kind string `validate:"oneof=memory nats"`
	Nats NatsConfig
}

type NatsConfig struct {
	// Server url, e.g. nats://localhost:4222
	Url string
	// Prefix of every subject used by the coordinator.
	SubjectPrefix string `validate:"required"`
	// If true, the server starts an embedded nats server listening on EmbeddedPort.
	Embedded     bool
	EmbeddedPort int `validate:"gte=0"`
	// How often workers send heartbeats.
	HeartbeatPeriod time.Duration `validate:"required"`
}

type CheckpointConfig struct {
	// One of none, file or redis.
	Backend string `validate:"oneof=none file redis"`
	// Required by the redis backend.
	Redis *config.RedisConfig
	// Prefix of the redis keys.
	KeyPrefix string
}

type TraceConfig struct {
	Enabled bool
	// Directory holding the trace database; also sent to workers.
	Directory    string
	BatchSize    int           `validate:"gte=1"`
	BatchTimeout time.Duration `validate:"required"`
}

type MetricsConfig struct {
	// If true, no http server exposing /metrics and /health is started.
	Disabled bool
	Port     uint16
}

type LocalWorkersConfig struct {
	Count int `validate:"gte=0"`
	// Cpus of every local worker; 0 means the number of cpus of the machine.
	Cpus      int `validate:"gte=0"`
	TaskTypes []string
	// Directory the local workers keep their data in.
	WorkDir string
}
