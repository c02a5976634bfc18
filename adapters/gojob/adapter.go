package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-pairing/core"
)

const JobIDScratchCleanup = "pairing.scratch.cleanup"

const (
	paramSessionID = "session_id"
	paramPath      = "path"
)

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		DeadLetterOnMax: true,
	}
}

// PolicyFromConfig builds the cleanup retry policy from service config.
func PolicyFromConfig(cfg core.CleanupConfig) RetryPolicy {
	policy := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffMS > 0 {
		policy.BaseDelay = cfg.Backoff()
	}
	return policy
}

// Delay is the linear backoff for a failed attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(attempt) * p.BaseDelay
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// CleanupTask is the payload of a scratch cleanup job.
type CleanupTask struct {
	SessionID string
	Path      string
}

func NewCleanupMessage(task CleanupTask) *job.ExecutionMessage {
	sessionID := strings.TrimSpace(task.SessionID)
	return &job.ExecutionMessage{
		JobID:      JobIDScratchCleanup,
		ScriptPath: JobIDScratchCleanup,
		Parameters: map[string]any{
			paramSessionID: sessionID,
			paramPath:      strings.TrimSpace(task.Path),
		},
		IdempotencyKey: "scratch-cleanup:" + sessionID,
	}
}

func CleanupTaskFromMessage(msg *job.ExecutionMessage) (CleanupTask, error) {
	if msg == nil {
		return CleanupTask{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDScratchCleanup {
		return CleanupTask{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	task := CleanupTask{
		SessionID: stringParam(msg.Parameters, paramSessionID),
		Path:      stringParam(msg.Parameters, paramPath),
	}
	if task.Path == "" {
		return CleanupTask{}, fmt.Errorf("gojob: cleanup path is required")
	}
	return task, nil
}

// CleanupScheduler enqueues scratch directories whose terminal delete
// failed so a worker can retry them.
type CleanupScheduler struct {
	enqueuer queue.Enqueuer
}

func NewCleanupScheduler(enqueuer queue.Enqueuer) *CleanupScheduler {
	return &CleanupScheduler{enqueuer: enqueuer}
}

func (s *CleanupScheduler) ScheduleCleanup(ctx context.Context, sessionID string, path string) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("gojob: cleanup path is required")
	}
	return s.enqueuer.Enqueue(ctx, NewCleanupMessage(CleanupTask{SessionID: sessionID, Path: path}))
}

func stringParam(params map[string]any, key string) string {
	if len(params) == 0 {
		return ""
	}
	value, ok := params[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

var _ core.CleanupScheduler = (*CleanupScheduler)(nil)
