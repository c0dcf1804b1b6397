package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/config"
)

func validConfig() Configuration {
	return Configuration{
		Scheduling: SchedulingConfig{
			Algorithm:         HeuristicAlgorithm,
			MaxReadyPerPass:   1000,
			OverbookThreshold: 4,
			OverbookFactor:    2,
			Exact: ExactConfig{
				MaxTasks:       20,
				MaxWorkers:     8,
				MaxBranchNodes: 500,
				TaskBonus:      1,
				TransferWeight: 0.5,
			},
		},
		Transport: TransportConfig{
			Kind: MemoryTransport,
			Nats: NatsConfig{SubjectPrefix: "loom", HeartbeatPeriod: time.Second},
		},
		Checkpoint:               CheckpointConfig{Backend: NoCheckpointBackend},
		Trace:                    TraceConfig{BatchSize: 100, BatchTimeout: time.Second},
		SchedulePeriod:           100 * time.Millisecond,
		MaxSchedulingRate:        20,
		MaxSchedulingBurst:       1,
		WorkerTimeout:            10 * time.Second,
		EventBufferSize:          1024,
		InternedStringsCacheSize: 1000,
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mutate func(c *Configuration)
		valid  bool
	}{
		"valid": {
			mutate: func(c *Configuration) {},
			valid:  true,
		},
		"unknown algorithm": {
			mutate: func(c *Configuration) { c.Scheduling.Algorithm = "random" },
		},
		"overbook factor below one": {
			mutate: func(c *Configuration) { c.Scheduling.OverbookFactor = 0.5 },
		},
		"missing schedule period": {
			mutate: func(c *Configuration) { c.SchedulePeriod = 0 },
		},
		"redis backend without redis": {
			mutate: func(c *Configuration) { c.Checkpoint.Backend = RedisCheckpointBackend },
		},
		"redis backend without addresses": {
			mutate: func(c *Configuration) {
				c.Checkpoint.Backend = RedisCheckpointBackend
				c.Checkpoint.Redis = &config.RedisConfig{}
			},
		},
		"redis backend": {
			mutate: func(c *Configuration) {
				c.Checkpoint.Backend = RedisCheckpointBackend
				c.Checkpoint.Redis = &config.RedisConfig{Addrs: []string{"localhost:6379"}}
			},
			valid: true,
		},
		"nats without url": {
			mutate: func(c *Configuration) { c.Transport.Kind = NatsTransport },
		},
		"embedded nats": {
			mutate: func(c *Configuration) {
				c.Transport.Kind = NatsTransport
				c.Transport.Nats.Embedded = true
			},
			valid: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			err := c.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("LOOM_SCHEDULING_ALGORITHM", AutoAlgorithm)
	var c Configuration
	_, err := config.LoadConfig(&c, "../../../config/loomserver", nil)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, AutoAlgorithm, c.Scheduling.Algorithm)
	assert.Equal(t, 1000.0, c.Scheduling.Heuristic.DependentBonus)
	assert.Equal(t, 100*time.Millisecond, c.SchedulePeriod)
	assert.Equal(t, NatsTransport, c.Transport.Kind)
	assert.True(t, c.Transport.Nats.Embedded)
	assert.Equal(t, FileCheckpointBackend, c.Checkpoint.Backend)
	assert.Nil(t, c.Checkpoint.Redis)
}
