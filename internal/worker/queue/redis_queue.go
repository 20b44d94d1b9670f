package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// popTimeout bounds each BRPOP so that a canceled context is noticed.
const popTimeout = 2 * time.Second

// RedisBroker keeps waiting items in a list (LPUSH/BRPOP) and the keys of
// queued or active items in a set.
type RedisBroker struct {
	rdb     *redis.Client
	listKey string
	keysKey string
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(rdb *redis.Client, queueName string) *RedisBroker {
	return &RedisBroker{
		rdb:     rdb,
		listKey: queueName + ":pending",
		keysKey: queueName + ":keys",
	}
}

func (q *RedisBroker) Push(ctx context.Context, item Item) (bool, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("encode queue item: %w", err)
	}

	added, err := q.rdb.SAdd(ctx, q.keysKey, item.Key).Result()
	if err != nil {
		return false, fmt.Errorf("reserve queue key: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	if err := q.rdb.LPush(ctx, q.listKey, payload).Err(); err != nil {
		q.rdb.SRem(context.WithoutCancel(ctx), q.keysKey, item.Key)
		return false, fmt.Errorf("push queue item: %w", err)
	}
	return true, nil
}

func (q *RedisBroker) Requeue(ctx context.Context, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, q.keysKey, item.Key)
		p.LPush(ctx, q.listKey, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue item: %w", err)
	}
	return nil
}

// Pop blocks (BRPOP) until an item exists or ctx is done.
func (q *RedisBroker) Pop(ctx context.Context) (Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}

		res, err := q.rdb.BRPop(ctx, popTimeout, q.listKey).Result()
		if stderrors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Item{}, err
		}
		if len(res) < 2 {
			continue
		}

		var item Item
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			return Item{}, fmt.Errorf("decode queue item: %w", err)
		}
		return item, nil
	}
}

func (q *RedisBroker) Ack(ctx context.Context, key string) error {
	return q.rdb.SRem(ctx, q.keysKey, key).Err()
}

func (q *RedisBroker) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.listKey).Result()
}

// Close leaves the client open; it is owned by the caller.
func (q *RedisBroker) Close() error { return nil }
