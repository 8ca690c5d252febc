package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

// createScript writes the run hash only if the key is absent.
// Returns {1, data} for the winner and {0, existing} otherwise.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {0, redis.call('HGET', KEYS[1], 'data')}
end
redis.call('HSET', KEYS[1], 'rev', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {1, ARGV[2]}
`)

// updateScript swaps data when the stored revision matches ARGV[1].
// Returns 1 on success, 0 on revision mismatch, -1 when missing.
var updateScript = redis.NewScript(`
local rev = redis.call('HGET', KEYS[1], 'rev')
if not rev then
  return -1
end
if rev ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'rev', ARGV[2], 'data', ARGV[3])
return 1
`)

// RedisStore keeps each run as a hash {rev, data}.
type RedisStore struct {
	rw        *circuitbreaker.RedisWrapper
	retention time.Duration
}

// NewRedisStore creates a store; retention <= 0 keeps runs forever.
func NewRedisStore(rw *circuitbreaker.RedisWrapper, retention time.Duration) *RedisStore {
	return &RedisStore{rw: rw, retention: retention}
}

func redisKey(tenantID, idem string) string {
	return fmt.Sprintf("resolver:run:{%s}:%s", tenantID, idem)
}

func (s *RedisStore) Create(ctx context.Context, run *models.WorkflowRun) (*models.WorkflowRun, bool, error) {
	if err := validate(run); err != nil {
		return nil, false, err
	}
	if run.Revision == 0 {
		run.Revision = 1
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return nil, false, err
	}

	var res []interface{}
	err = s.rw.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		res, err = createScript.Run(ctx, c, []string{redisKey(run.TenantID, run.IdempotencyKey)},
			run.Revision, payload, s.retention.Milliseconds()).Slice()
		return err
	})
	if err != nil {
		return nil, false, &StoreError{Op: "create", Err: err}
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected create reply: %v", res)
	}
	created, _ := res[0].(int64)
	data, _ := res[1].(string)
	stored, err := decode([]byte(data))
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, tenantID, idem string) (*models.WorkflowRun, error) {
	var data string
	err := s.rw.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		data, err = c.HGet(ctx, redisKey(tenantID, idem), "data").Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	return decode([]byte(data))
}

func (s *RedisStore) Update(ctx context.Context, run *models.WorkflowRun) error {
	if err := validate(run); err != nil {
		return err
	}
	next := *run
	next.Revision = run.Revision + 1
	payload, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	var res int64
	err = s.rw.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		res, err = updateScript.Run(ctx, c, []string{redisKey(run.TenantID, run.IdempotencyKey)},
			strconv.FormatInt(run.Revision, 10), strconv.FormatInt(next.Revision, 10), payload).Int64()
		return err
	})
	if err != nil {
		return &StoreError{Op: "update", Err: err}
	}
	switch res {
	case 1:
		run.Revision = next.Revision
		return nil
	case 0:
		return ErrConflict
	default:
		return ErrNotFound
	}
}
