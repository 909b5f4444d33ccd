package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKeyFmt      = "forge:queue:%s"
	processingKeyFmt = "forge:queue:%s:processing"
	delayedKeyFmt    = "forge:queue:%s:delayed"
	claimsKeyFmt     = "forge:queue:%s:claims"

	consumePoll = 5 * time.Second

	// reclaimAfter is the visibility timeout for in-flight deliveries. A
	// claim older than this means the worker died between consume and ack,
	// so the task goes back to the ready list. Long training runs can trip
	// it early; the resulting duplicate delivery is dropped by the claim
	// compare-and-set on the consumer side.
	reclaimAfter = 30 * time.Minute
)

// RedisBroker delivers tasks through redis lists. A task moves atomically
// from the ready list to a processing list on receipt (BLMOVE), with its
// claim time recorded in a sorted set, and is removed from both on ack.
// Claims that outlive the visibility timeout are pushed back onto the ready
// list, so a worker crash leaves the message recoverable instead of lost.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an existing redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish pushes the task onto its ready list.
func (b *RedisBroker) Publish(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := b.client.LPush(ctx, fmt.Sprintf(readyKeyFmt, task.Queue), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish task for job %d: %w", task.JobID, err)
	}
	return nil
}

// PublishAfter parks the task in the delayed set; Consume promotes it once
// its ready time has passed.
func (b *RedisBroker) PublishAfter(ctx context.Context, task Task, delay time.Duration) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	member := redis.Z{
		Score:  float64(time.Now().Add(delay).Unix()),
		Member: payload,
	}
	if err := b.client.ZAdd(ctx, fmt.Sprintf(delayedKeyFmt, task.Queue), member).Err(); err != nil {
		return fmt.Errorf("failed to schedule task for job %d: %w", task.JobID, err)
	}
	return nil
}

// Consume blocks until a task arrives on the named queue. Due delayed tasks
// are promoted and stale in-flight claims reclaimed before each poll.
func (b *RedisBroker) Consume(ctx context.Context, queue string) (*Delivery, error) {
	readyKey := fmt.Sprintf(readyKeyFmt, queue)
	processingKey := fmt.Sprintf(processingKeyFmt, queue)
	claimsKey := fmt.Sprintf(claimsKeyFmt, queue)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := b.promoteDue(ctx, queue); err != nil {
			return nil, err
		}
		if err := b.reclaimStale(ctx, queue); err != nil {
			return nil, err
		}

		raw, err := b.client.BLMove(ctx, readyKey, processingKey, "RIGHT", "LEFT", consumePoll).Result()
		if errors.Is(err, redis.Nil) {
			continue // poll timeout, promote delayed again
		}
		if err != nil {
			return nil, fmt.Errorf("failed to consume from queue %s: %w", queue, err)
		}

		// Record the claim before anything else so the reclaimer can see it.
		if err := b.client.ZAdd(ctx, claimsKey, redis.Z{Score: float64(time.Now().Unix()), Member: raw}).Err(); err != nil {
			return nil, fmt.Errorf("failed to record claim on queue %s: %w", queue, err)
		}

		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			// Undecodable payloads are dropped from the processing ledger;
			// there is no job to resolve them against.
			b.client.LRem(ctx, processingKey, 1, raw)
			b.client.ZRem(ctx, claimsKey, raw)
			return nil, fmt.Errorf("failed to decode task payload: %w", err)
		}
		return &Delivery{Task: task, queue: queue, raw: raw}, nil
	}
}

// promoteDue moves delayed tasks whose ready time has passed onto the ready
// list. Runs as a small Lua script so promotion is atomic under concurrent
// consumers.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, payload in ipairs(due) do
  redis.call('ZREM', KEYS[1], payload)
  redis.call('LPUSH', KEYS[2], payload)
end
return #due
`)

func (b *RedisBroker) promoteDue(ctx context.Context, queue string) error {
	keys := []string{fmt.Sprintf(delayedKeyFmt, queue), fmt.Sprintf(readyKeyFmt, queue)}
	now := fmt.Sprintf("%d", time.Now().Unix())
	if err := promoteScript.Run(ctx, b.client, keys, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to promote delayed tasks on queue %s: %w", queue, err)
	}
	return nil
}

// reclaimScript returns stale in-flight tasks to the ready list. Atomic for
// the same reason as promoteScript: concurrent consumers all run it.
var reclaimScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, payload in ipairs(stale) do
  redis.call('ZREM', KEYS[1], payload)
  redis.call('LREM', KEYS[2], 1, payload)
  redis.call('LPUSH', KEYS[3], payload)
end
return #stale
`)

func (b *RedisBroker) reclaimStale(ctx context.Context, queue string) error {
	keys := []string{
		fmt.Sprintf(claimsKeyFmt, queue),
		fmt.Sprintf(processingKeyFmt, queue),
		fmt.Sprintf(readyKeyFmt, queue),
	}
	cutoff := fmt.Sprintf("%d", time.Now().Add(-reclaimAfter).Unix())
	n, err := reclaimScript.Run(ctx, b.client, keys, cutoff).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to reclaim stale tasks on queue %s: %w", queue, err)
	}
	if n > 0 {
		log.Printf("Reclaimed %d stale in-flight tasks on queue %s", n, queue)
	}
	return nil
}

// Ack removes the delivery from the processing ledger and drops its claim.
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	processingKey := fmt.Sprintf(processingKeyFmt, d.queue)
	claimsKey := fmt.Sprintf(claimsKeyFmt, d.queue)
	if err := b.client.LRem(ctx, processingKey, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack task for job %d: %w", d.Task.JobID, err)
	}
	if err := b.client.ZRem(ctx, claimsKey, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to drop claim for job %d: %w", d.Task.JobID, err)
	}
	return nil
}

// Close is a no-op; the redis client is owned by config.
func (b *RedisBroker) Close() error { return nil }
