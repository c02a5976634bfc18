package gojob

import (
	"context"
	"errors"
	"fmt"
	"sync"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-pairing/watchdog"
)

var ErrQueueClosed = errors.New("gojob: queue closed")

// MemoryQueue is a process-local queue. Requeued messages become visible
// again after their nack delay; dead-lettered messages are kept for
// inspection.
type MemoryQueue struct {
	clock watchdog.Clock

	mu          sync.Mutex
	pending     []*memoryDelivery
	deadLetters []*job.ExecutionMessage
	timers      []watchdog.Timer
	closed      bool
	notify      chan struct{}
	done        chan struct{}
}

type MemoryQueueOption func(*MemoryQueue)

func WithQueueClock(clock watchdog.Clock) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

func NewMemoryQueue(opts ...MemoryQueueOption) *MemoryQueue {
	q := &MemoryQueue{
		clock:  watchdog.Real(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	return q.push(&memoryDelivery{queue: q, msg: msg, attempt: 1})
}

// Dequeue blocks until a message is visible, ctx is done or the queue is
// closed.
func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			next := q.pending[0]
			q.pending = q.pending[1:]
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return next, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) DeadLetters() []*job.ExecutionMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job.ExecutionMessage(nil), q.deadLetters...)
}

// Close stops delayed requeues and wakes blocked consumers. Messages already
// pending can still be dequeued; after that Dequeue returns ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	timers := q.timers
	q.timers = nil
	q.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	close(q.done)
	return nil
}

func (q *MemoryQueue) push(delivery *memoryDelivery) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, delivery)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) requeue(delivery *memoryDelivery, opts queue.NackOptions) {
	next := &memoryDelivery{queue: q, msg: delivery.msg, attempt: delivery.attempt + 1}
	if opts.Delay <= 0 {
		_ = q.push(next)
		return
	}
	timer := q.clock.AfterFunc(opts.Delay, func() {
		_ = q.push(next)
	})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		timer.Stop()
		return
	}
	q.timers = append(q.timers, timer)
	q.mu.Unlock()
}

func (q *MemoryQueue) deadLetter(msg *job.ExecutionMessage) {
	q.mu.Lock()
	q.deadLetters = append(q.deadLetters, msg)
	q.mu.Unlock()
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type memoryDelivery struct {
	queue   *MemoryQueue
	msg     *job.ExecutionMessage
	attempt int

	mu      sync.Mutex
	settled bool
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

// Attempt is 1 for the first delivery of a message.
func (d *memoryDelivery) Attempt() int {
	return d.attempt
}

func (d *memoryDelivery) Ack(context.Context) error {
	return d.settle()
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	if err := d.settle(); err != nil {
		return err
	}
	switch {
	case opts.DeadLetter:
		d.queue.deadLetter(d.msg)
	case opts.Requeue:
		d.queue.requeue(d, opts)
	}
	return nil
}

func (d *memoryDelivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return fmt.Errorf("gojob: delivery already settled")
	}
	d.settled = true
	return nil
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*memoryDelivery)(nil)
)
