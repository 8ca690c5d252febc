package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
)

const keyPrefix = "resolver:result"

// RedisStore keeps records as JSON strings written with SETNX, plus sorted
// set indexes (score = created_at millis) per tenant/user/key and per tenant/user.
type RedisStore struct {
	rw *circuitbreaker.RedisWrapper
	// Retention keeps records readable past grace so they can be listed as expired.
	Retention time.Duration
	now       func() time.Time
}

func NewRedisStore(rw *circuitbreaker.RedisWrapper) *RedisStore {
	return &RedisStore{rw: rw, Retention: 24 * time.Hour, now: time.Now}
}

func recordKey(tenantID, id string) string {
	return fmt.Sprintf("%s:{%s}:rec:%s", keyPrefix, tenantID, id)
}

func indexKey(tenantID, userID, key string) string {
	return fmt.Sprintf("%s:{%s}:idx:%s:%s", keyPrefix, tenantID, userID, key)
}

func scopeKey(tenantID, userID string) string {
	return fmt.Sprintf("%s:{%s}:scope:%s", keyPrefix, tenantID, userID)
}

func (s *RedisStore) ttl(rec *models.ResultRecord) time.Duration {
	d := rec.GraceUntil.Sub(s.now()) + s.Retention
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (s *RedisStore) Insert(ctx context.Context, rec *models.ResultRecord) (*models.ResultRecord, bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}
	ttl := s.ttl(rec)
	rk := recordKey(rec.TenantID, rec.RecordID)

	var created bool
	err = s.rw.Do(ctx, func(c redis.UniversalClient) error {
		ok, err := c.SetNX(ctx, rk, payload, ttl).Result()
		if err != nil {
			return err
		}
		created = ok
		if !ok {
			return nil
		}
		member := redis.Z{Score: float64(rec.CreatedAt.UnixMilli()), Member: rec.RecordID}
		ik, sk := indexKey(rec.TenantID, rec.UserID, rec.Key), scopeKey(rec.TenantID, rec.UserID)
		_, err = c.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, ik, member)
			p.ZAdd(ctx, sk, member)
			p.Expire(ctx, ik, ttl)
			p.Expire(ctx, sk, ttl)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		return rec, true, nil
	}
	existing, err := s.Get(ctx, rec.TenantID, rec.RecordID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("record %s vanished after conflicting insert", rec.RecordID)
	}
	return existing, false, nil
}

func (s *RedisStore) Latest(ctx context.Context, tenantID, userID, key string) (*models.ResultRecord, error) {
	var ids []string
	err := s.rw.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		ids, err = c.ZRevRange(ctx, indexKey(tenantID, userID, key), 0, 0).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.Get(ctx, tenantID, ids[0])
}

func (s *RedisStore) Get(ctx context.Context, tenantID, recordID string) (*models.ResultRecord, error) {
	var raw []byte
	err := s.rw.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		raw, err = c.Get(ctx, recordKey(tenantID, recordID)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec models.ResultRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode result record %s: %w", recordID, err)
	}
	return &rec, nil
}

func (s *RedisStore) List(ctx context.Context, tenantID, userID string, limit int) ([]*models.ResultRecord, error) {
	var ids []string
	err := s.rw.Do(ctx, func(c redis.UniversalClient) error {
		var err error
		ids, err = c.ZRevRange(ctx, scopeKey(tenantID, userID), 0, int64(limit-1)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.ResultRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}
