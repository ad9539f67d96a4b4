package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"trading/internal/purchase"
)

// RedisScheduler keeps delayed envelopes in a sorted set scored by delivery time,
// with payloads in a companion hash. Fired timeouts are appended to an audit stream.
type RedisScheduler struct {
	client     redis.Cmdable
	key        string
	payloadKey string
	stream     string
	maxLen     int64
}

// NewRedisScheduler constructs a scheduler under the given key prefix.
func NewRedisScheduler(client redis.Cmdable, prefix, stream string, maxLen int64) *RedisScheduler {
	if prefix == "" {
		prefix = "trading:timeouts"
	}
	return &RedisScheduler{
		client:     client,
		key:        prefix + ":due",
		payloadKey: prefix + ":payload",
		stream:     stream,
		maxLen:     maxLen,
	}
}

func score(t time.Time) float64 {
	return float64(t.UTC().UnixMilli())
}

func (s *RedisScheduler) Schedule(ctx context.Context, env purchase.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !env.Delayed() {
		return fmt.Errorf("%w: %s", ErrNotDelayed, env.ID)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, s.payloadKey, env.ID, payload)
		pipe.ZAddNX(ctx, s.key, redis.Z{Score: score(*env.DeliverAt), Member: env.ID})
		return nil
	})
	return err
}

func (s *RedisScheduler) Due(ctx context.Context, now time.Time, limit int) ([]purchase.Envelope, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(now), 'f', 0, 64),
		Count: int64(limit),
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	values, err := s.client.HMGet(ctx, s.payloadKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	due := make([]purchase.Envelope, 0, len(ids))
	var orphans []string
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			orphans = append(orphans, ids[i])
			continue
		}
		var env purchase.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			orphans = append(orphans, ids[i])
			continue
		}
		due = append(due, env)
	}
	if len(orphans) > 0 {
		if err := s.Remove(ctx, orphans...); err != nil {
			return nil, err
		}
	}
	return due, nil
}

func (s *RedisScheduler) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.key, members...)
		pipe.HDel(ctx, s.payloadKey, ids...)
		if s.stream != "" {
			for _, id := range ids {
				args := &redis.XAddArgs{
					Stream: s.stream,
					Values: map[string]any{"message_id": id},
				}
				if s.maxLen > 0 {
					args.MaxLen = s.maxLen
					args.Approx = true
				}
				pipe.XAdd(ctx, args)
			}
		}
		return nil
	})
	return err
}

// Len reports how many envelopes are waiting.
func (s *RedisScheduler) Len(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.key).Result()
}
