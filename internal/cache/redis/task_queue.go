package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/redis/go-redis/v9"
)

// TaskQueue implements domain.TaskQueue as a Redis list: LPUSH on enqueue,
// BRPOP on dequeue, so tasks are consumed in FIFO order by any number of
// workers.
type TaskQueue struct {
	c    *Client
	name string
}

// NewTaskQueue creates a queue stored under the given list name.
func NewTaskQueue(c *Client, name string) *TaskQueue {
	return &TaskQueue{c: c, name: name}
}

// Enqueue pushes a batch onto the queue.
func (q *TaskQueue) Enqueue(ctx context.Context, batch domain.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("redis: marshal batch %s: %w", batch.ID, err)
	}
	if err := q.c.rdb.LPush(ctx, q.c.key("tasks", q.name), data).Err(); err != nil {
		return wrapErr("enqueue "+batch.ID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next batch. It returns
// domain.ErrNotFound when the queue stayed empty.
func (q *TaskQueue) Dequeue(ctx context.Context, timeout time.Duration) (domain.Batch, error) {
	res, err := q.c.rdb.BRPop(ctx, timeout, q.c.key("tasks", q.name)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Batch{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Batch{}, wrapErr("dequeue", err)
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return domain.Batch{}, fmt.Errorf("redis: dequeue: unexpected reply length %d", len(res))
	}
	var batch domain.Batch
	if err := json.Unmarshal([]byte(res[1]), &batch); err != nil {
		return domain.Batch{}, fmt.Errorf("redis: unmarshal batch: %w", err)
	}
	return batch, nil
}

// Len returns the number of pending tasks.
func (q *TaskQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.c.rdb.LLen(ctx, q.c.key("tasks", q.name)).Result()
	if err != nil {
		return 0, wrapErr("queue length", err)
	}
	return n, nil
}

var _ domain.TaskQueue = (*TaskQueue)(nil)
