package queue

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const DefaultRedisKey = "smsrelay:task_queue"

// priorityStride separates priority bands in the score. Sequence numbers
// stay far below it, so every score is an exact float64.
const priorityStride = 1e12

// RedisQueue keeps the hint in a sorted set shared by every api node. The
// member is the task id, so a task is queued at most once; the score is
// -priority*priorityStride plus an insertion sequence, so ZPOPMIN yields
// the most urgent task and equal priorities pop in insertion order.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key}
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) seqKey() string { return q.key + ":seq" }

func score(priority int, seq int64) float64 {
	return float64(-priority)*priorityStride + float64(seq)
}

func (q *RedisQueue) Enqueue(ctx context.Context, taskID uuid.UUID, priority int) error {
	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("queue seq: %w", err)
	}
	return q.client.ZAddArgs(ctx, q.key, redis.ZAddArgs{
		NX:      true,
		Members: []redis.Z{{Score: score(priority, seq), Member: taskID.String()}},
	}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	res, err := q.client.ZPopMin(ctx, q.key, 1).Result()
	if err != nil {
		return uuid.Nil, false, err
	}
	if len(res) == 0 {
		return uuid.Nil, false, nil
	}
	member, _ := res[0].Member.(string)
	id, err := uuid.Parse(member)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed queue member %q: %w", member, err)
	}
	return id, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
