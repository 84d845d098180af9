package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/seanblong/reposearch/pkg/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(RedisConfig{Addr: mr.Addr()})
}

func TestEnqueueAndDequeue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, models.IngestJob{RepoURL: "https://github.com/acme/demo.git", RepoID: "demo", QueuedAt: time.Now()})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	gotID, job, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if !ok {
		t.Fatal("expected a job to be dequeued")
	}
	if gotID != jobID {
		t.Errorf("expected job id %q, got %q", jobID, gotID)
	}
	if job.RepoID != "demo" {
		t.Errorf("expected repoId 'demo', got %q", job.RepoID)
	}

	status, err := q.Status(ctx, jobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != Active {
		t.Errorf("expected state active after dequeue, got %q", status.State)
	}
}

func TestDequeueTimesOutWhenEmpty(t *testing.T) {
	q := newTestQueue(t)
	_, _, ok, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ok {
		t.Error("expected ok=false on empty queue timeout")
	}
}

func TestCompleteMarksStateAndProgress(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	jobID, _ := q.Enqueue(ctx, models.IngestJob{RepoURL: "https://github.com/acme/demo.git", QueuedAt: time.Now()})
	q.Dequeue(ctx, time.Second)

	if err := q.Complete(ctx, jobID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	status, err := q.Status(ctx, jobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != Completed || status.Progress != 100 {
		t.Errorf("expected completed/100, got %q/%d", status.State, status.Progress)
	}
}

func TestFailParksJobAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	jobID, _ := q.Enqueue(ctx, models.IngestJob{RepoURL: "https://github.com/acme/demo.git", QueuedAt: time.Now()})

	for i := 0; i < maxAttempts; i++ {
		if err := q.Fail(ctx, jobID, errors.New("boom")); err != nil {
			t.Fatalf("Fail attempt %d: %v", i, err)
		}
	}

	status, err := q.Status(ctx, jobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != Failed {
		t.Errorf("expected failed state after %d attempts, got %q", maxAttempts, status.State)
	}

	failed, err := q.ListFailed(ctx)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != jobID {
		t.Errorf("expected failed job %q in ListFailed, got %+v", jobID, failed)
	}
}

func TestFailBeforeMaxAttemptsStaysWaitingForRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	jobID, _ := q.Enqueue(ctx, models.IngestJob{RepoURL: "https://github.com/acme/demo.git", QueuedAt: time.Now()})

	if err := q.Fail(ctx, jobID, errors.New("transient")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	status, err := q.Status(ctx, jobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != Waiting {
		t.Errorf("expected waiting state before max attempts, got %q", status.State)
	}
	if status.AttemptsMade != 1 {
		t.Errorf("expected attemptsMade=1, got %d", status.AttemptsMade)
	}
}

func TestRetryRequeuesFailedJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	jobID, _ := q.Enqueue(ctx, models.IngestJob{RepoURL: "https://github.com/acme/demo.git", QueuedAt: time.Now()})

	for i := 0; i < maxAttempts; i++ {
		q.Fail(ctx, jobID, errors.New("boom"))
	}

	if err := q.Retry(ctx, jobID); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	gotID, _, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if !ok || gotID != jobID {
		t.Errorf("expected retried job %q to be dequeueable, got ok=%v id=%q", jobID, ok, gotID)
	}
}

func TestRetryAllRequeuesEveryFailedJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		id, _ := q.Enqueue(ctx, models.IngestJob{RepoURL: "https://github.com/acme/demo.git", QueuedAt: time.Now()})
		ids = append(ids, id)
		for a := 0; a < maxAttempts; a++ {
			q.Fail(ctx, id, errors.New("boom"))
		}
	}

	count, err := q.RetryAll(ctx)
	if err != nil {
		t.Fatalf("RetryAll: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 jobs retried, got %d", count)
	}

	failed, err := q.ListFailed(ctx)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("expected no failed jobs remaining, got %d", len(failed))
	}
}
