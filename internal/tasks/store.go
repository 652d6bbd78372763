package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	taskKeyPrefix = "task:"
	jobKeyPrefix  = "task:job:"

	maxTxRetries = 10
)

// Store はタスクの保存先です。
type Store interface {
	// Get はタスクを取得します。存在しない場合は nil を返します。
	Get(ctx context.Context, taskID string) (*Record, error)
	// GetByJob はジョブ ID からタスクを取得します。
	GetByJob(ctx context.Context, jobID string) (*Record, error)
	// Apply はタスクを読み出して mutate を適用し、保存します。存在しない場合は新規に作成します。
	Apply(ctx context.Context, taskID string, mutate func(*Record)) (*Record, error)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore はタスク状態を Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Get はタスク情報を取得します。
func (s *RedisStore) Get(ctx context.Context, taskID string) (*Record, error) {
	if taskID == "" {
		return nil, fmt.Errorf("taskID is required")
	}
	return s.load(ctx, s.rdb, taskKey(taskID))
}

// GetByJob はジョブ ID に対応するタスク情報を取得します。
func (s *RedisStore) GetByJob(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	taskID, err := s.rdb.Get(ctx, jobKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return s.Get(ctx, taskID)
}

// Apply は WATCH による楽観ロックでタスク情報を更新します。
func (s *RedisStore) Apply(ctx context.Context, taskID string, mutate func(*Record)) (*Record, error) {
	if taskID == "" {
		return nil, fmt.Errorf("taskID is required")
	}
	key := taskKey(taskID)

	var result *Record
	txf := func(tx *redis.Tx) error {
		record, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if record == nil {
			record = &Record{TaskID: taskID, CreatedAt: now}
		}
		mutate(record)
		record.TaskID = taskID
		record.UpdatedAt = now
		if s.ttl > 0 {
			record.ExpiresAt = now.Add(s.ttl)
		}

		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			if record.JobID != "" {
				pipe.Set(ctx, jobKey(record.JobID), taskID, s.ttl)
			}
			return nil
		})
		if err == nil {
			result = record
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("update task %s: too many concurrent updates", taskID)
}

func (s *RedisStore) load(ctx context.Context, c getter, key string) (*Record, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
