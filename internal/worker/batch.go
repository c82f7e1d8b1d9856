package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ErrQueueEmpty is returned by Queue.Pop when the poll timed out.
var ErrQueueEmpty = errors.New("queue empty")

// Queue is a FIFO of raw JSON payloads.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Push(ctx context.Context, items ...string) error
}

// RedisQueue is a Queue backed by a Redis list.
type RedisQueue struct {
	rdb redis.Cmdable
	key string
}

// NewRedisQueue creates a Queue over the list at key.
func NewRedisQueue(rdb redis.Cmdable, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

// Pop blocks for up to timeout.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := q.rdb.BLPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrQueueEmpty
		}
		return "", err
	}
	if len(result) < 2 {
		return "", ErrQueueEmpty
	}
	return result[1], nil
}

// Push appends items in one pipeline.
func (q *RedisQueue) Push(ctx context.Context, items ...string) error {
	pipe := q.rdb.Pipeline()
	for _, it := range items {
		pipe.RPush(ctx, q.key, it)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Sink writes decoded queue items to the database.
type Sink[T any] interface {
	Decode(raw string) (T, error)
	// InsertBatch is the fast path for a whole batch.
	InsertBatch(ctx context.Context, batch []T) error
	// Insert is the row-by-row fallback after a failed batch.
	Insert(ctx context.Context, item T) error
}

type pending[T any] struct {
	raw  string
	item T
}

// Batcher drains a Queue into a Sink, flushing by size or age. Rows that
// fail both paths go back on the queue.
type Batcher[T any] struct {
	queue Queue
	sink  Sink[T]
	log   zerolog.Logger

	size       int
	age        time.Duration
	poll       time.Duration
	retryPause time.Duration
}

// NewBatcher creates a Batcher with the package defaults.
func NewBatcher[T any](queue Queue, sink Sink[T], log zerolog.Logger) *Batcher[T] {
	return &Batcher[T]{
		queue:      queue,
		sink:       sink,
		log:        log,
		size:       BatchSize,
		age:        BatchTimeout,
		poll:       PollTimeout,
		retryPause: 2 * time.Second,
	}
}

// Start runs until ctx is cancelled, then flushes what it holds. Call in a goroutine.
func (b *Batcher[T]) Start(ctx context.Context) {
	b.log.Info().Msg("Worker started")

	buffer := make([]pending[T], 0, b.size)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 && (len(buffer) >= b.size || time.Since(lastFlush) >= b.age) {
			b.flush(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			b.shutdown(buffer)
			return
		default:
		}

		raw, err := b.queue.Pop(ctx, b.poll)
		if err != nil {
			if errors.Is(err, ErrQueueEmpty) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			b.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}

		item, err := b.sink.Decode(raw)
		if err != nil {
			b.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed payload")
			continue
		}
		buffer = append(buffer, pending[T]{raw: raw, item: item})
	}
}

func (b *Batcher[T]) flush(ctx context.Context, batch []pending[T]) {
	items := make([]T, len(batch))
	for i, p := range batch {
		items[i] = p.item
	}
	err := b.sink.InsertBatch(ctx, items)
	if err == nil {
		return
	}
	b.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var requeue []string
	for _, p := range batch {
		if err := b.sink.Insert(ctx, p.item); err != nil {
			b.log.Error().Err(err).Msg("Insert failed, requeueing")
			requeue = append(requeue, p.raw)
		}
	}
	if len(requeue) == 0 {
		return
	}

	if err := b.queue.Push(ctx, requeue...); err != nil {
		b.log.Error().Err(err).Int("count", len(requeue)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	b.log.Info().Int("count", len(requeue)).Msg("Requeued failed items back to Redis")
	sleep(ctx, b.retryPause)
}

func (b *Batcher[T]) shutdown(buffer []pending[T]) {
	b.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		b.flush(ctx, buffer)
	}
	b.log.Info().Msg("Worker stopped")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
