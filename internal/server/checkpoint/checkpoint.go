package checkpoint

import (
	"os"
	"strconv"
	"strings"

	"github.com/go-redis/redis"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/configuration"
)

// Store knows which checkpoints exist. Workers write and read the checkpoint files; the server only consults the
// store when a plan is submitted and updates it when a worker reports a written checkpoint.
type Store interface {
	Lookup(path string) (bool, error)
	Record(path string, size, length uint64) error
}

// New returns the store selected by config.
func New(config configuration.CheckpointConfig) (Store, error) {
	switch config.Backend {
	case "", configuration.NoCheckpointBackend:
		return NoStore{}, nil
	case configuration.FileCheckpointBackend:
		return FileStore{}, nil
	case configuration.RedisCheckpointBackend:
		if config.Redis == nil {
			return nil, errors.WithStack(&loomerrors.ErrInvalidArgument{
				Name:    "checkpoint.redis",
				Message: "the redis backend needs a redis configuration",
			})
		}
		db := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		return NewRedisStore(db, config.KeyPrefix), nil
	}
	return nil, errors.WithStack(&loomerrors.ErrInvalidArgument{
		Name:    "checkpoint.backend",
		Value:   config.Backend,
		Message: "unknown checkpoint backend",
	})
}

// NoStore never reports a checkpoint, so every task is computed.
type NoStore struct{}

func (NoStore) Lookup(string) (bool, error) { return false, nil }
func (NoStore) Record(string, uint64, uint64) error { return nil }

// FileStore reports a checkpoint as available when a regular file exists at its path. It is only meaningful when the
// server shares a file system with the workers.
type FileStore struct{}

func (FileStore) Lookup(path string) (bool, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return false, errors.WithStack(err)
	}
	info, err := os.Stat(expanded)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.WithStack(err)
	}
	return info.Mode().IsRegular(), nil
}

// Record is a no-op; the file written by the worker is the record.
func (FileStore) Record(string, uint64, uint64) error {
	return nil
}

const checkpointsKey = "checkpoints"

// RedisStore keeps written checkpoints in a redis hash mapping path to "size/length".
type RedisStore struct {
	db  redis.UniversalClient
	key string
}

func NewRedisStore(db redis.UniversalClient, prefix string) *RedisStore {
	key := checkpointsKey
	if prefix != "" {
		key = prefix + ":" + checkpointsKey
	}
	return &RedisStore{db: db, key: key}
}

func (r *RedisStore) Lookup(path string) (bool, error) {
	exists, err := r.db.HExists(r.key, path).Result()
	return exists, errors.Wrapf(err, "looking up checkpoint %s", path)
}

func (r *RedisStore) Record(path string, size, length uint64) error {
	value := strconv.FormatUint(size, 10) + "/" + strconv.FormatUint(length, 10)
	return errors.Wrapf(r.db.HSet(r.key, path, value).Err(), "recording checkpoint %s", path)
}

func (r *RedisStore) Close() error {
	return errors.WithStack(r.db.Close())
}

// Get returns the size and length recorded for path.
func (r *RedisStore) Get(path string) (uint64, uint64, error) {
	value, err := r.db.HGet(r.key, path).Result()
	if err == redis.Nil {
		return 0, 0, errors.WithStack(&loomerrors.ErrNotFound{Type: "checkpoint", Value: path})
	} else if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	sizeString, lengthString, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, errors.Errorf("malformed checkpoint record %q for %s", value, path)
	}
	size, err := strconv.ParseUint(sizeString, 10, 64)
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	length, err := strconv.ParseUint(lengthString, 10, 64)
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	return size, length, nil
}
