package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is a channel-backed broker for tests and single-process
// setups. Same contract as RedisBroker, no durability.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan Task
	timers []*time.Timer
	closed bool
}

// NewMemoryBroker creates an in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: map[string]chan Task{}}
}

func (b *MemoryBroker) channel(queue string) chan Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[queue]
	if !ok {
		ch = make(chan Task, 1024)
		b.queues[queue] = ch
	}
	return ch
}

func (b *MemoryBroker) Publish(ctx context.Context, task Task) error {
	select {
	case b.channel(task.Queue) <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) PublishAfter(ctx context.Context, task Task, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, task)
	}
	ch := b.channel(task.Queue)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.timers = append(b.timers, time.AfterFunc(delay, func() {
		select {
		case ch <- task:
		default:
		}
	}))
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string) (*Delivery, error) {
	select {
	case task := <-b.channel(queue):
		return &Delivery{Task: task, queue: queue}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBroker) Ack(ctx context.Context, d *Delivery) error { return nil }

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, t := range b.timers {
		t.Stop()
	}
	return nil
}
