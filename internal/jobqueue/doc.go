/*
Package jobqueue is a durable job queue on Redis Streams.

Each queue owns four keys:

	<queue>:stream     pending jobs, read through the <queue>:workers consumer group
	<queue>:job:<id>   status hash of one job
	<queue>:delayed    sorted set of jobs waiting for a retry or a scheduled start
	<queue>:dlq        dead-letter stream

A failed job is retried after its backoff (fixed, or Delay*Factor^attempts)
until it has made MaxAttempts attempts; it then goes to the
dead-letter stream and, when configured, one JSON line is appended to the
DLQ log. Errors wrapped with Permanent and jobs without a registered handler
skip the remaining attempts. Entries a worker read but never acknowledged,
for instance because it crashed, are reclaimed after ClaimMinIdle and run
again.

	queue := jobqueue.New(conns.QueueWorker(), jobqueue.DefaultOptions("notifications"), logger, metrics)
	queue.Handle("send-email", jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) error {
		return send(ctx, job.Data)
	}))
	if err := queue.Start(ctx); err != nil {
		return err
	}
	defer queue.Close()

	queue.Enqueue(ctx, "send-email", data, jobqueue.WithAttempts(5),
		jobqueue.WithBackoff(jobqueue.Backoff{Type: jobqueue.BackoffExponential, Delay: time.Second}))

Dead letters are never replayed automatically; DrainDLQ re-enqueues them
with the attempts and backoff they were first enqueued with.
*/
package jobqueue
