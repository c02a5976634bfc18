package core

import (
	"context"
	"sort"
	"strings"
)

const (
	MetricSessionsTotal    = "pairing.sessions.total"
	MetricSessionsDuration = "pairing.sessions.duration_ms"
	MetricUploadAttempts   = "pairing.upload.attempts"
)

func (o *Orchestrator) observeSession(ctx context.Context, snapshot SessionSnapshot, attempts int) {
	if o == nil {
		return
	}
	finishedAt := snapshot.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = o.now()
	}
	duration := finishedAt.Sub(snapshot.StartedAt)

	fields := map[string]any{
		"session_id":      snapshot.ID,
		"masked_identity": snapshot.MaskedIdentity,
		"status":          string(snapshot.Status),
		"trigger":         string(snapshot.Trigger),
		"duration_ms":     duration.Milliseconds(),
	}
	if attempts > 0 {
		fields["attempts"] = attempts
	}
	if snapshot.Err != nil {
		mapped := MapError(snapshot.Err)
		fields["error"] = snapshot.Err.Error()
		fields["error_code"] = mapped.TextCode
		if len(mapped.Metadata) > 0 {
			fields["error_metadata"] = RedactSensitiveMap(mapped.Metadata)
		}
	}

	tags := map[string]string{
		"status":  string(snapshot.Status),
		"trigger": string(snapshot.Trigger),
	}
	o.recordCounter(ctx, MetricSessionsTotal, 1, tags)
	o.recordHistogram(ctx, MetricSessionsDuration, float64(duration.Milliseconds()), tags)
	if attempts > 0 {
		o.recordHistogram(ctx, MetricUploadAttempts, float64(attempts), tags)
	}

	switch snapshot.Status {
	case StatusSucceeded:
		o.logWithLevel(ctx, "info", "pairing session succeeded", fields)
	case StatusAborted:
		o.logWithLevel(ctx, "warn", "pairing session aborted", fields)
	default:
		o.logWithLevel(ctx, "error", "pairing session failed", fields)
	}
}

func (o *Orchestrator) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if o == nil || o.logger == nil {
		return
	}
	logger := o.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	fields = RedactSensitiveMap(fields)
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logger.Debug(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "error":
		logger.Error(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (o *Orchestrator) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if o == nil || o.metrics == nil {
		return
	}
	o.metrics.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (o *Orchestrator) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if o == nil || o.metrics == nil {
		return
	}
	o.metrics.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}
