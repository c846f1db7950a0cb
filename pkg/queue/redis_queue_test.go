package queue

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisJobQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedisJobQueue(client, RedisQueueConfig{
		Stream:     "test:ingest",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
		Block:      20 * time.Millisecond,
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
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
	got := decodeMessage(streams[0].Messages[0])
	if got.ID != job.ID || got.BookID != job.BookID || got.SourcePath != job.SourcePath {
		t.Fatalf("unexpected requeued payload: %+v", got)
	}
	if !reflect.DeepEqual(got.Languages, []string{"ja", "en"}) {
		t.Fatalf("languages = %v", got.Languages)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
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

func TestRedisJobQueueEnqueueValidates(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), " ", "/tmp/x.pdf", nil); err == nil {
		t.Fatalf("expected error for empty book id")
	}
	if _, err := q.Enqueue(context.Background(), "book-1", "", nil); err == nil {
		t.Fatalf("expected error for empty source path")
	}
}

func TestRedisJobQueueStartProcessesJob(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "book-1", "/tmp/src.pdf", []string{"ko"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := make(chan IngestJob, 1)
	if err := q.Start(ctx, 1, func(_ context.Context, j IngestJob) error {
		got <- j
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case j := <-got:
		if j.BookID != "book-1" || j.SourcePath != "/tmp/src.pdf" || j.Attempts != 1 {
			t.Fatalf("handler got %+v", j)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job was not delivered")
	}
	waitForStatus(t, q, job.ID, StatusDone)
}

func TestRedisJobQueueRetriesOnlyRetryableErrors(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retryJob, err := q.Enqueue(ctx, "book-retry", "/tmp/a.pdf", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fatalJob, err := q.Enqueue(ctx, "book-fatal", "/tmp/b.pdf", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var retryCalls, fatalCalls atomic.Int32
	err = q.Start(ctx, 1, func(_ context.Context, j IngestJob) error {
		if j.BookID == "book-retry" {
			retryCalls.Add(1)
			return fmt.Errorf("document busy: %w", ErrRetry)
		}
		fatalCalls.Add(1)
		return errors.New("broken pdf")
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForStatus(t, q, retryJob.ID, StatusFailed)
	waitForStatus(t, q, fatalJob.ID, StatusFailed)
	if got := retryCalls.Load(); got != 2 {
		t.Fatalf("retry calls = %d, want 2", got)
	}
	if got := fatalCalls.Load(); got != 1 {
		t.Fatalf("fatal calls = %d, want 1", got)
	}
	status, _, _ := q.GetJob(ctx, fatalJob.ID)
	if status.ErrorMessage != "broken pdf" {
		t.Fatalf("error message = %q", status.ErrorMessage)
	}
}

func waitForStatus(t *testing.T, q *RedisJobQueue, jobID, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _, _ := q.GetJob(context.Background(), jobID)
	t.Fatalf("job %s status = %q, want %q", jobID, job.Status, want)
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, IngestJob) {
	t.Helper()

	q := newTestQueue(t)
	ctx := context.Background()
	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	job, err := q.Enqueue(ctx, "book-1", "/tmp/ws/source.pdf", []string{"ja", "en"})
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

	return q, ctx, streams[0].Messages[0].ID, job
}
