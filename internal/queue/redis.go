package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable-list queue: a delivery moves atomically from the
// worker's pending list to its processing list and is only removed from
// processing once handled. Whatever is left in processing after a crash is
// moved back to pending on the next Consume.
type RedisQueue struct {
	client      *redis.Client
	logger      *slog.Logger
	pollTimeout time.Duration
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(client *redis.Client, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client:      client,
		logger:      logger.With("component", "queue", "backend", "redis"),
		pollTimeout: time.Second,
	}
}

func PendingKey(workerID string) string {
	return fmt.Sprintf("queue:worker:%s:pending", workerID)
}

func ProcessingKey(workerID string) string {
	return fmt.Sprintf("queue:worker:%s:processing", workerID)
}

func ControlKey(workerID string) string {
	return fmt.Sprintf("queue:worker:%s:control", workerID)
}

// Publish pushes e onto the worker's pending list, or its control list for cancels.
func (q *RedisQueue) Publish(ctx context.Context, e Envelope) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	key := PendingKey(e.WorkerID)
	if e.Kind == KindCancel {
		key = ControlKey(e.WorkerID)
	}
	if err := q.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("publish %s for job %s: %w", e.Kind, e.JobID, err)
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, workerID string, prefetch int, h Handler) error {
	if prefetch < 1 {
		prefetch = 1
	}
	logger := q.logger.With("worker_id", workerID)

	restored, err := q.restore(ctx, workerID)
	if err != nil {
		return err
	}
	if restored > 0 {
		logger.Info("requeued unacknowledged deliveries", "count", restored)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.consumeControl(ctx, workerID, h, logger)
	}()

	sem := make(chan struct{}, prefetch)
	pending, processing := PendingKey(workerID), ProcessingKey(workerID)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case sem <- struct{}{}:
		}

		raw, err := q.client.BLMove(ctx, pending, processing, "RIGHT", "LEFT", q.pollTimeout).Result()
		if err != nil {
			<-sem
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Error("dequeue failed", "error", err)
			sleepCtx(ctx, q.pollTimeout)
			continue
		}

		wg.Add(1)
		go func(raw string) {
			defer wg.Done()
			defer func() { <-sem }()
			q.deliver(ctx, workerID, raw, h, logger)
		}(raw)
	}
}

func (q *RedisQueue) deliver(ctx context.Context, workerID, raw string, h Handler, logger *slog.Logger) {
	// acknowledgements must land even while shutting down
	ackCtx := context.WithoutCancel(ctx)
	processing := ProcessingKey(workerID)

	e, err := Decode([]byte(raw))
	if err != nil {
		logger.Warn("dropping undecodable delivery", "error", err)
		q.client.LRem(ackCtx, processing, 1, raw)
		return
	}

	if herr := h(ctx, e); herr != nil {
		if ctx.Err() != nil {
			// leave it in processing; the next Consume puts it back
			return
		}
		logger.Warn("handler failed, requeueing", "job_id", e.JobID, "error", herr)
		pipe := q.client.TxPipeline()
		pipe.LRem(ackCtx, processing, 1, raw)
		pipe.LPush(ackCtx, PendingKey(workerID), raw)
		if _, err := pipe.Exec(ackCtx); err != nil {
			logger.Error("requeue failed", "job_id", e.JobID, "error", err)
		}
		return
	}
	if err := q.client.LRem(ackCtx, processing, 1, raw).Err(); err != nil {
		logger.Error("ack failed", "job_id", e.JobID, "error", err)
	}
}

func (q *RedisQueue) consumeControl(ctx context.Context, workerID string, h Handler, logger *slog.Logger) {
	key := ControlKey(workerID)
	for ctx.Err() == nil {
		res, err := q.client.BRPop(ctx, q.pollTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Error("control dequeue failed", "error", err)
			sleepCtx(ctx, q.pollTimeout)
			continue
		}
		// BRPOP answers [key, value]
		e, err := Decode([]byte(res[1]))
		if err != nil {
			logger.Warn("dropping undecodable control message", "error", err)
			continue
		}
		if err := h(ctx, e); err != nil {
			logger.Warn("control handler failed", "job_id", e.JobID, "kind", e.Kind, "error", err)
		}
	}
}

// restore moves leftover processing entries back to the consuming end of pending.
func (q *RedisQueue) restore(ctx context.Context, workerID string) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, ProcessingKey(workerID), PendingKey(workerID), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("restore processing list: %w", err)
		}
		n++
	}
}

// Depth reports pending and processing lengths for a worker.
func (q *RedisQueue) Depth(ctx context.Context, workerID string) (pending, processing int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, PendingKey(workerID))
	r := pipe.LLen(ctx, ProcessingKey(workerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return p.Val(), r.Val(), nil
}

// Close is a no-op: the client is shared with the cache and closed by its owner.
func (q *RedisQueue) Close() error {
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
