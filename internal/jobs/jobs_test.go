package jobs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/voxcore/voxcore/internal/model"
	"github.com/voxcore/voxcore/internal/trace"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	job, err := q.Create(ctx, "quantum", "research quantum computing", "", CreateParams{
		ConversationID: "conv1",
		BucketID:       "bucket:conv1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != "queued" {
		t.Errorf("empty status must default to queued, got %q", job.Status)
	}
	if job.JobID == "" {
		t.Error("expected non-empty job id")
	}

	got, err := q.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Topic != "quantum" || got.ConversationID != "conv1" {
		t.Errorf("unexpected job %+v", got)
	}
}

func TestGetUnknownJobIsAbsent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	job, err := q.Get(ctx, "no-such-job")
	if err != nil {
		t.Fatalf("unknown job must not error: %v", err)
	}
	if job != nil {
		t.Errorf("expected nil, got %+v", job)
	}
}

func TestUpdateSetsStatusAndResult(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	job, _ := q.Create(ctx, "t", "q", "queued", CreateParams{})
	if err := q.Update(ctx, job.JobID, "done", "findings"); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := q.Get(ctx, job.JobID)
	if got.Status != "done" || got.Result != "findings" {
		t.Errorf("unexpected job %+v", got)
	}
	if got.UpdatedAt < got.CreatedAt {
		t.Errorf("updated_at not refreshed: %v < %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	q.Create(ctx, "a", "qa", "queued", CreateParams{})
	q.Create(ctx, "b", "qb", "queued", CreateParams{})

	jobList, err := q.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobList) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobList))
	}
	if jobList[0].Topic != "b" {
		t.Errorf("expected newest first, got %v then %v", jobList[0].Topic, jobList[1].Topic)
	}
}

func TestTracingQueueEmitsJobEvents(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	ts, err := trace.NewStore(filepath.Join(t.TempDir(), "traces.db"), nil)
	if err != nil {
		t.Fatalf("create trace store: %v", err)
	}
	t.Cleanup(func() { ts.Close() })

	r, _ := ts.StartRound(ctx, trace.StartRoundParams{ConversationID: "c", StateIn: "DEFAULT"})
	tq := NewTracingQueue(q, ts)

	job, err := tq.CreateForRound(ctx, r.RoundID, "topic", "query", "", CreateParams{})
	if err != nil {
		t.Fatalf("create for round: %v", err)
	}
	tq.UpdateForRound(ctx, r.RoundID, job.JobID, "running", "")
	tq.UpdateForRound(ctx, r.RoundID, job.JobID, "done", "answer")

	events, _ := ts.FetchEvents(ctx, r.RoundID)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []model.EventType{model.EventJobEnqueued, model.EventJobProgress, model.EventJobResult}
	for i, e := range events {
		if e.EventType != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], e.EventType)
		}
	}
}

func TestTracingQueueSurvivesTraceFailure(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	ts, _ := trace.NewStore(filepath.Join(t.TempDir(), "traces.db"), nil)
	ts.Close() // closed store makes every append fail

	tq := NewTracingQueue(q, ts)
	job, err := tq.CreateForRound(ctx, "some-round", "topic", "query", "", CreateParams{})
	if err != nil {
		t.Fatalf("queue operation must survive trace failure: %v", err)
	}
	if got, _ := q.Get(ctx, job.JobID); got == nil {
		t.Error("job must still be persisted")
	}
}
