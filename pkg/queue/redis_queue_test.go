package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

var testJob = Job{DocumentHash: "ab12", Name: "receipt.pdf", ObjectKey: "uploads/document-ab12"}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msg.ID, jobID, testJob); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	gotID, gotJob := decodeMessage(streams[0].Messages[0])
	if gotID != jobID || gotJob != testJob {
		t.Fatalf("unexpected requeued payload: %+v", streams[0].Messages[0].Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msg.ID, jobID, testJob); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestRedisJobQueueHandleMessageSuccess(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)

	var seen JobStatus
	q.handleMessage(ctx, msg, func(_ context.Context, job JobStatus) error {
		seen = job
		return nil
	})
	if seen.Job != testJob || seen.Status != StatusProcessing || seen.Attempts != 1 {
		t.Fatalf("handler saw %+v", seen)
	}
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil || !ok {
		t.Fatalf("GetJob: ok=%v err=%v", ok, err)
	}
	if job.Status != StatusDone || job.ErrorMessage != "" {
		t.Fatalf("job = %+v", job)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 0 {
		t.Fatalf("stream len = %d, want 0", n)
	}
}

func TestRedisJobQueuePermanentErrorFailsImmediately(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)

	q.handleMessage(ctx, msg, func(context.Context, JobStatus) error {
		return backoff.Permanent(errors.New("analysis job failed"))
	})
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != StatusFailed || job.Attempts != 1 || job.ErrorMessage != "analysis job failed" {
		t.Fatalf("job = %+v", job)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 0 {
		t.Fatalf("stream len = %d, want 0", n)
	}
}

func TestRedisJobQueueTransientErrorRequeues(t *testing.T) {
	q, ctx, msg, jobID := newPendingQueueMessage(t)

	q.handleMessage(ctx, msg, func(context.Context, JobStatus) error {
		return errors.New("translate throttled")
	})
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != StatusQueued || job.ErrorMessage != "translate throttled" {
		t.Fatalf("job = %+v", job)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 1 {
		t.Fatalf("stream len = %d, want requeued message", n)
	}
}

func TestRedisJobQueueStartProcessesJobs(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	status, err := q.Enqueue(ctx, testJob)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := make(chan string, 1)
	q.Start(ctx, 1, func(_ context.Context, job JobStatus) error {
		done <- job.DocumentHash
		return nil
	})

	select {
	case hash := <-done:
		if hash != testJob.DocumentHash {
			t.Fatalf("hash = %q", hash)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job was not consumed")
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, _, err := q.GetJob(context.Background(), status.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.Status == StatusDone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached %s", StatusDone)
}

func TestRedisJobQueueWaitBlocksOnRunningHandler(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := q.Enqueue(ctx, testJob); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool
	wait := q.Start(ctx, 1, func(context.Context, JobStatus) error {
		once.Do(func() { close(started) })
		<-release
		finished.Store(true)
		return nil
	})
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("job was not consumed")
	}
	cancel()

	waited := make(chan struct{})
	go func() {
		wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatalf("wait returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-waited:
	case <-time.After(3 * time.Second):
		t.Fatalf("wait did not return after the handler finished")
	}
	if !finished.Load() {
		t.Fatalf("handler did not finish")
	}
}

func TestEnqueueValidatesJob(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{Addr: redisSrv.Addr(), Stream: "s"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), Job{ObjectKey: "k"}); err == nil {
		t.Fatalf("expected error without document hash")
	}
	if _, err := q.Enqueue(context.Background(), Job{DocumentHash: "h"}); err == nil {
		t.Fatalf("expected error without object key")
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, redis.XMessage, string) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, testJob)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	return q, ctx, streams[0].Messages[0], job.ID
}
