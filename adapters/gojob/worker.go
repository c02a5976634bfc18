package gojob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	glog "github.com/goliatone/go-logger/glog"
)

// CleanupHandler removes one scratch directory.
type CleanupHandler func(ctx context.Context, task CleanupTask) error

type CleanupWorker struct {
	dequeuer  queue.Dequeuer
	handler   CleanupHandler
	policy    RetryPolicy
	hooks     []worker.Hook
	jobLogger job.Logger
	workers   int
	now       func() time.Time
}

type WorkerOption func(*CleanupWorker)

func WithRetryPolicy(policy RetryPolicy) WorkerOption {
	return func(w *CleanupWorker) {
		w.policy = policy
	}
}

func WithHooks(hooks ...worker.Hook) WorkerOption {
	return func(w *CleanupWorker) {
		for _, hook := range hooks {
			if hook != nil {
				w.hooks = append(w.hooks, hook)
			}
		}
	}
}

// WithJobLogger sets the go-job logger used for worker lifecycle messages.
func WithJobLogger(logger job.Logger) WorkerOption {
	return func(w *CleanupWorker) {
		w.jobLogger = logger
	}
}

func WithConcurrency(n int) WorkerOption {
	return func(w *CleanupWorker) {
		if n > 0 {
			w.workers = n
		}
	}
}

func NewCleanupWorker(dequeuer queue.Dequeuer, handler CleanupHandler, opts ...WorkerOption) (*CleanupWorker, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("gojob: cleanup handler is required")
	}
	w := &CleanupWorker{
		dequeuer: dequeuer,
		handler:  handler,
		policy:   DefaultRetryPolicy(),
		workers:  1,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Run consumes cleanup jobs until ctx is done or the queue is closed.
func (w *CleanupWorker) Run(ctx context.Context) error {
	if w.jobLogger != nil {
		w.jobLogger.Info("cleanup worker started", "workers", w.workers, "max_attempts", w.policy.MaxAttempts)
	}
	var wg sync.WaitGroup
	errs := make([]error, w.workers)
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			errs[slot] = w.loop(ctx)
		}(i)
	}
	wg.Wait()
	if w.jobLogger != nil {
		w.jobLogger.Info("cleanup worker stopped")
	}
	return errors.Join(errs...)
}

func (w *CleanupWorker) loop(ctx context.Context) error {
	for {
		delivery, err := w.dequeuer.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
		w.Process(ctx, delivery)
	}
}

// Process runs one delivery: ack on success, nack with bounded backoff on
// failure and dead-letter once the policy is exhausted.
func (w *CleanupWorker) Process(ctx context.Context, delivery queue.Delivery) {
	if delivery == nil {
		return
	}
	msg := delivery.Message()
	event := worker.Event{
		Message:   msg,
		Attempt:   deliveryAttempt(delivery),
		StartedAt: w.now(),
	}
	w.emit(func(hook worker.Hook) { hook.OnStart(ctx, event) })

	task, err := CleanupTaskFromMessage(msg)
	if err != nil {
		event.Err = err
		event.Duration = w.now().Sub(event.StartedAt)
		_ = delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()})
		w.emit(func(hook worker.Hook) { hook.OnFailure(ctx, event) })
		return
	}

	err = w.handler(ctx, task)
	event.Duration = w.now().Sub(event.StartedAt)
	if err == nil {
		_ = delivery.Ack(ctx)
		w.emit(func(hook worker.Hook) { hook.OnSuccess(ctx, event) })
		return
	}

	event.Err = err
	opts := w.policy.NormalizeAttempt(queue.NackOptions{
		Delay:   w.policy.Delay(event.Attempt),
		Requeue: true,
		Reason:  err.Error(),
	}, event.Attempt)
	event.Delay = opts.Delay
	_ = delivery.Nack(ctx, opts)
	if opts.Requeue {
		w.emit(func(hook worker.Hook) { hook.OnRetry(ctx, event) })
		return
	}
	w.emit(func(hook worker.Hook) { hook.OnFailure(ctx, event) })
}

func (w *CleanupWorker) emit(fn func(hook worker.Hook)) {
	for _, hook := range w.hooks {
		fn(hook)
	}
}

func deliveryAttempt(delivery queue.Delivery) int {
	if counted, ok := delivery.(interface{ Attempt() int }); ok && counted.Attempt() > 0 {
		return counted.Attempt()
	}
	return 1
}

// LoggingHook logs worker outcomes. Failures that exhausted the retry
// policy are logged at error with the dead-lettered path.
type LoggingHook struct {
	logger glog.Logger
}

func NewLoggingHook(logger glog.Logger) *LoggingHook {
	return &LoggingHook{logger: glog.Ensure(logger)}
}

func (h *LoggingHook) OnStart(ctx context.Context, event worker.Event) {
	h.logger.WithContext(ctx).Debug("scratch cleanup started", eventFields(event)...)
}

func (h *LoggingHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.logger.WithContext(ctx).Info("scratch cleanup succeeded", eventFields(event)...)
}

func (h *LoggingHook) OnFailure(ctx context.Context, event worker.Event) {
	h.logger.WithContext(ctx).Error("scratch cleanup failed", eventFields(event)...)
}

func (h *LoggingHook) OnRetry(ctx context.Context, event worker.Event) {
	h.logger.WithContext(ctx).Warn("scratch cleanup retry scheduled", eventFields(event)...)
}

func eventFields(event worker.Event) []any {
	fields := []any{"attempt", event.Attempt}
	if event.Message != nil {
		fields = append(fields,
			"session_id", stringParam(event.Message.Parameters, paramSessionID),
			"path", stringParam(event.Message.Parameters, paramPath),
		)
	}
	if event.Delay > 0 {
		fields = append(fields, "delay", event.Delay.String())
	}
	if event.Err != nil {
		fields = append(fields, "error", event.Err.Error())
	}
	return fields
}

var _ worker.Hook = (*LoggingHook)(nil)
