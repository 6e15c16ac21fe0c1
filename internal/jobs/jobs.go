// Package jobs implements the research job queue consumed by the round
// pipeline, plus a tracing wrapper that records queue activity into the
// event trace.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/voxcore/voxcore/internal/model"
	"github.com/voxcore/voxcore/internal/trace"
)

// Queue is a SQLite-backed job queue.
type Queue struct {
	db *sql.DB
	mu sync.Mutex
}

// NewQueue opens or creates the job database at the given path.
func NewQueue(dbPath string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	q := &Queue{db: db}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return q, nil
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (q *Queue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id          TEXT PRIMARY KEY,
		schema_version  INTEGER,
		topic           TEXT,
		query           TEXT,
		status          TEXT,
		created_at      REAL NOT NULL,
		updated_at      REAL NOT NULL,
		result          TEXT,
		library_id      TEXT,
		conversation_id TEXT,
		bucket_id       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);
	`
	_, err := q.db.Exec(schema)
	return err
}

// CreateParams holds the optional correlation fields of a new job.
type CreateParams struct {
	LibraryID      string
	ConversationID string
	BucketID       string
}

// Create enqueues a job and returns its record. An empty status defaults to
// "queued".
func (q *Queue) Create(ctx context.Context, topic, query, status string, p CreateParams) (*model.Job, error) {
	if status == "" {
		status = "queued"
	}
	ts := now()
	job := &model.Job{
		JobID:          uuid.NewString(),
		SchemaVersion:  model.JobSchemaVersion,
		Topic:          topic,
		Query:          query,
		Status:         status,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		LibraryID:      p.LibraryID,
		ConversationID: p.ConversationID,
		BucketID:       p.BucketID,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, schema_version, topic, query, status, created_at, updated_at, library_id, conversation_id, bucket_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.SchemaVersion, topic, query, status, ts, ts,
		nullable(p.LibraryID), nullable(p.ConversationID), nullable(p.BucketID))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Update sets a job's status and result. Unknown job ids are a no-op.
func (q *Queue) Update(ctx context.Context, jobID, status, result string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, updated_at = ? WHERE job_id = ?`,
		status, nullable(result), now(), jobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// Get returns the job record, or nil when the id is unknown.
func (q *Queue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRowContext(ctx,
		`SELECT job_id, schema_version, topic, query, status, created_at, updated_at,
		        result, library_id, conversation_id, bucket_id
		 FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns all jobs, newest first.
func (q *Queue) List(ctx context.Context) ([]model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx,
		`SELECT job_id, schema_version, topic, query, status, created_at, updated_at,
		        result, library_id, conversation_id, bucket_id
		 FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobList []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobList = append(jobList, *job)
	}
	return jobList, rows.Err()
}

// Close closes the queue.
func (q *Queue) Close() error {
	return q.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var result, libraryID, conversationID, bucketID sql.NullString
	err := row.Scan(
		&job.JobID, &job.SchemaVersion, &job.Topic, &job.Query, &job.Status,
		&job.CreatedAt, &job.UpdatedAt, &result, &libraryID, &conversationID, &bucketID,
	)
	if err != nil {
		return nil, err
	}
	job.Result = result.String
	job.LibraryID = libraryID.String
	job.ConversationID = conversationID.String
	job.BucketID = bucketID.String
	return &job, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// TracingQueue pairs a queue with a trace store so enqueue and terminal
// updates show up in the round's event log. Trace emission is best-effort:
// it never fails queue operations.
type TracingQueue struct {
	*Queue
	trace *trace.Store
}

// NewTracingQueue wraps the queue with trace emission.
func NewTracingQueue(q *Queue, ts *trace.Store) *TracingQueue {
	return &TracingQueue{Queue: q, trace: ts}
}

// CreateForRound enqueues a job and records a job.enqueued event on the
// round.
func (t *TracingQueue) CreateForRound(ctx context.Context, roundID, topic, query, status string, p CreateParams) (*model.Job, error) {
	job, err := t.Create(ctx, topic, query, status, p)
	if err != nil {
		return nil, err
	}
	t.trace.LogEvent(ctx, roundID, model.EventJobEnqueued, map[string]any{
		"job_id": job.JobID,
		"topic":  job.Topic,
		"query":  job.Query,
		"status": job.Status,
	}, trace.AppendEventParams{})
	return job, nil
}

// UpdateForRound updates a job and records a job.progress event, or
// job.result when the status is terminal ("done" or "failed").
func (t *TracingQueue) UpdateForRound(ctx context.Context, roundID, jobID, status, result string) error {
	if err := t.Update(ctx, jobID, status, result); err != nil {
		return err
	}
	eventType := model.EventJobProgress
	if status == "done" || status == "failed" {
		eventType = model.EventJobResult
	}
	t.trace.LogEvent(ctx, roundID, eventType, map[string]any{
		"job_id": jobID,
		"status": status,
		"result": result,
	}, trace.AppendEventParams{})
	return nil
}
