package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-fps-relay/pkg/errors"
)

// RedisIndex 以 Redis 保存索引
//
// 資料結構：
//
//	<prefix>records  HASH  id → 紀錄 JSON
//	<prefix>order    LIST  依上傳順序的 id
//
// 兩者在同一個 MULTI/EXEC 內修改。
type RedisIndex struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisIndex 建立 RedisIndex
func NewRedisIndex(client redis.UniversalClient, prefix string) *RedisIndex {
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) recordsKey() string { return r.prefix + "records" }
func (r *RedisIndex) orderKey() string   { return r.prefix + "order" }

// List 實現 Index
func (r *RedisIndex) List(ctx context.Context) ([]Record, error) {
	ids, err := r.client.LRange(ctx, r.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	values, err := r.client.HMGet(ctx, r.recordsKey(), ids...).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	records := make([]Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// 順序清單與 hash 不一致（外部修改），略過
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode map %s: %w", ids[i], err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Add 實現 Index
func (r *RedisIndex) Add(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode map: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.recordsKey(), rec.ID, data)
		pipe.RPush(ctx, r.orderKey(), rec.ID)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Remove 實現 Index
func (r *RedisIndex) Remove(ctx context.Context, id string) (Record, error) {
	raw, err := r.client.HGet(ctx, r.recordsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, apperrors.ErrMapNotFound
	}
	if err != nil {
		return Record{}, unavailable(err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode map %s: %w", id, err)
	}

	var deleted *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.HDel(ctx, r.recordsKey(), id)
		pipe.LRem(ctx, r.orderKey(), 0, id)
		return nil
	})
	if err != nil {
		return Record{}, unavailable(err)
	}
	if deleted.Val() == 0 {
		// 並發刪除
		return Record{}, apperrors.ErrMapNotFound
	}
	return rec, nil
}

func unavailable(err error) error {
	return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, apperrors.ErrIndexUnavailable.Message)
}
