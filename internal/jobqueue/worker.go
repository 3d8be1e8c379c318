package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GriffinCanCode/backbone/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/backbone/internal/infrastructure/tracing"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// promoteScript moves due jobs from the delayed set back onto the stream in
// one step, so a job is never in both or in neither.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, job in ipairs(due) do
	redis.call('ZREM', KEYS[1], job)
	redis.call('XADD', KEYS[2], '*', 'job', job)
end
return #due
`)

const promoteBatch = 100

func (q *Queue) work(ctx context.Context, consumer string) {
	defer q.wg.Done()

	for ctx.Err() == nil {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.streamKey, ">"},
			Count:    1,
			Block:    q.opts.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Warn("stream read failed", zap.String("consumer", consumer), zap.Error(err))
			q.sleep(ctx, q.opts.PollInterval)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg)
			}
		}
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (q *Queue) handleMessage(ctx context.Context, msg redis.XMessage) {
	// bookkeeping must finish even while shutting down
	store := context.WithoutCancel(ctx)

	raw, _ := msg.Values["job"].(string)
	job, err := decodeJob(raw)
	if err != nil {
		q.logger.Error("dropping undecodable stream entry", zap.String("entry_id", msg.ID), zap.Error(err))
		q.ack(store, msg.ID)
		return
	}

	job.Status = StatusActive
	q.saveStatus(store, job)

	err = q.run(ctx, job)
	if err == nil {
		q.complete(store, msg.ID, job)
		return
	}
	q.fail(store, msg.ID, job, err)
}

// run executes the job's handler inside a span continuing the enqueuer's trace
func (q *Queue) run(ctx context.Context, job *Job) (err error) {
	ctx = tracing.ExtractTraceContext(ctx, job.TraceContext)
	ctx, span := q.tracer.Start(ctx, "process: "+q.opts.Name+"/"+job.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.queue", job.Queue),
			attribute.Int("job.attempt", job.AttemptsMade+1),
		),
	)
	timer := monitoring.NewTimer(q.metrics, q.opts.Name, job.Name)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
		timer.Stop()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	handler := q.handler(job.Name)
	if handler == nil {
		return Permanent(fmt.Errorf("%w for %q", ErrNoHandler, job.Name))
	}
	return handler.Process(ctx, job)
}

func (q *Queue) complete(ctx context.Context, entryID string, job *Job) {
	job.Status = StatusCompleted
	job.LastError = ""
	raw, err := encodeJob(job)
	if err != nil {
		q.logger.Error("encode completed job", zap.Error(err))
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if q.opts.RemoveOnComplete {
			pipe.Del(ctx, q.jobKey(job.ID))
		} else {
			pipe.HSet(ctx, q.jobKey(job.ID), statusFields(job, raw, q.now()))
		}
		pipe.XAck(ctx, q.streamKey, q.group, entryID)
		pipe.XDel(ctx, q.streamKey, entryID)
		return nil
	})
	if err != nil {
		q.logger.Error("record job completion", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	q.metrics.RecordJobCompleted(q.opts.Name, job.Name)
	q.logger.Debug("job completed",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.Int("attempts", job.AttemptsMade+1),
	)
}

// fail counts the attempt, then schedules a retry or dead-letters the job
func (q *Queue) fail(ctx context.Context, entryID string, job *Job, cause error) {
	job.AttemptsMade++
	job.LastError = cause.Error()

	if IsPermanent(cause) || job.AttemptsMade >= job.MaxAttempts {
		q.deadLetter(ctx, entryID, job, cause)
		return
	}

	now := q.now()
	delay := job.Backoff.Next(job.AttemptsMade)
	job.Status = StatusDelayed
	raw, err := encodeJob(job)
	if err != nil {
		q.logger.Error("encode retried job", zap.Error(err))
		return
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: raw,
		})
		pipe.HSet(ctx, q.jobKey(job.ID), statusFields(job, raw, now))
		pipe.XAck(ctx, q.streamKey, q.group, entryID)
		pipe.XDel(ctx, q.streamKey, entryID)
		return nil
	})
	if err != nil {
		q.logger.Error("schedule retry", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	q.metrics.RecordJobRetried(q.opts.Name, job.Name)
	q.logger.Warn("job failed, retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.Int("attempts", job.AttemptsMade),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

func (q *Queue) deadLetter(ctx context.Context, entryID string, job *Job, cause error) {
	now := q.now()
	job.Status = StatusFailed
	letter := newDeadLetter(job, cause, now)

	record, err := encodeDeadLetter(letter)
	if err != nil {
		q.logger.Error("encode dead letter", zap.Error(err))
		return
	}
	raw, err := encodeJob(job)
	if err != nil {
		q.logger.Error("encode failed job", zap.Error(err))
		return
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.dlqKey,
			Values: map[string]interface{}{"record": record},
		})
		pipe.HSet(ctx, q.jobKey(job.ID), statusFields(job, raw, now))
		pipe.XAck(ctx, q.streamKey, q.group, entryID)
		pipe.XDel(ctx, q.streamKey, entryID)
		return nil
	})
	if err != nil {
		q.logger.Error("dead-letter job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	q.opts.DLQLog.Write(letter)
	q.metrics.RecordJobDeadLettered(q.opts.Name, job.Name)
	q.logger.Error("job moved to dead-letter queue",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.Int("attempts", job.AttemptsMade),
		zap.Bool("permanent", IsPermanent(cause)),
		zap.Error(cause),
	)
}

func (q *Queue) ack(ctx context.Context, entryID string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.streamKey, q.group, entryID)
		pipe.XDel(ctx, q.streamKey, entryID)
		return nil
	})
	if err != nil {
		q.logger.Error("ack stream entry", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func (q *Queue) saveStatus(ctx context.Context, job *Job) {
	raw, err := encodeJob(job)
	if err != nil {
		return
	}
	if err := q.client.HSet(ctx, q.jobKey(job.ID), statusFields(job, raw, q.now())).Err(); err != nil {
		q.logger.Warn("save job status", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// promote periodically moves due delayed jobs onto the stream and reclaims
// entries left unacknowledged for longer than ClaimMinIdle
func (q *Queue) promote(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	claim := time.NewTicker(max(q.opts.ClaimMinIdle/2, time.Millisecond))
	defer claim.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("promote delayed jobs", zap.Error(err))
			}
		case <-claim.C:
			if _, err := q.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("reclaim stale jobs", zap.Error(err))
			}
		}
	}
}

// ReclaimStale takes over entries that a consumer read but never
// acknowledged within ClaimMinIdle, such as those of a crashed worker, and
// runs them again. It returns how many were reclaimed.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamKey,
		Group:    q.group,
		Consumer: q.consumer + "-reclaim",
		MinIdle:  q.opts.ClaimMinIdle,
		Start:    "0-0",
		Count:    promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		q.logger.Warn("reclaimed stale stream entry", zap.String("entry_id", msg.ID))
		q.handleMessage(ctx, msg)
	}
	return len(messages), nil
}

// PromoteDue moves every delayed job whose time has come onto the stream and
// returns how many moved
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	moved, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.streamKey},
		q.now().UnixMilli(), promoteBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	if moved > 0 {
		q.logger.Debug("delayed jobs promoted", zap.Int("count", moved))
	}
	return moved, nil
}
