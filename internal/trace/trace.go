// Package trace implements the append-only event trace store: one header row
// per round, ordered event rows beneath it, exportable as grouped JSONL.
package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/voxcore/voxcore/internal/ids"
	"github.com/voxcore/voxcore/internal/model"
)

// Store is a SQLite-backed trace store. All writes serialize behind a global
// lock; round-sequence allocation additionally holds a per-conversation lock
// so concurrent rounds in the same conversation never collide on round_seq.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu      sync.Mutex
	convMus map[string]*sync.Mutex
}

// NewStore opens or creates the trace database at the given path. A nil
// logger disables best-effort warnings.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		db:      db,
		logger:  logger,
		convMus: make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rounds (
		round_id        TEXT PRIMARY KEY,
		schema_version  INTEGER,
		library_id      TEXT,
		bucket_id       TEXT,
		conversation_id TEXT NOT NULL,
		round_seq       INTEGER NOT NULL,
		state_in        TEXT,
		state_out       TEXT,
		audio_id        TEXT,
		created_at      REAL NOT NULL,
		status          TEXT NOT NULL,
		failure_code    TEXT,
		failure_reason  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_rounds_conv ON rounds(conversation_id, round_seq);
	CREATE INDEX IF NOT EXISTS idx_rounds_created ON rounds(created_at);

	CREATE TABLE IF NOT EXISTS events (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		round_id       TEXT NOT NULL,
		schema_version INTEGER,
		event_seq      INTEGER NOT NULL,
		event_type     TEXT NOT NULL,
		call_id        TEXT,
		timestamp      REAL NOT NULL,
		payload        TEXT,
		status         TEXT NOT NULL,
		failure_code   TEXT,
		failure_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_round ON events(round_id, event_seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// convLock returns the lock for one conversation, creating it on demand.
// Entries are never collected: conversations are long-lived and few.
func (s *Store) convLock(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.convMus[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		s.convMus[conversationID] = mu
	}
	return mu
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// StartRoundParams holds parameters for creating a round header.
type StartRoundParams struct {
	LibraryID      string
	BucketID       string
	ConversationID string
	StateIn        string
	AudioID        string
}

// StartRound allocates the next round_seq for the conversation and inserts
// the round header with status "ok".
func (s *Store) StartRound(ctx context.Context, p StartRoundParams) (*model.Round, error) {
	conversationID := ids.NormalizeConversationID(p.ConversationID)

	convMu := s.convLock(conversationID)
	convMu.Lock()
	defer convMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	var roundSeq int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(round_seq), 0) + 1 FROM rounds WHERE conversation_id = ?`,
		conversationID).Scan(&roundSeq)
	if err != nil {
		return nil, fmt.Errorf("allocate round_seq: %w", err)
	}

	r := &model.Round{
		RoundID:        ids.NewRoundID(),
		SchemaVersion:  model.RoundSchemaVersion,
		LibraryID:      p.LibraryID,
		BucketID:       p.BucketID,
		ConversationID: conversationID,
		RoundSeq:       roundSeq,
		StateIn:        p.StateIn,
		AudioID:        p.AudioID,
		CreatedAt:      now(),
		Status:         "ok",
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rounds (
			round_id, schema_version, library_id, bucket_id, conversation_id,
			round_seq, state_in, state_out, audio_id, created_at,
			status, failure_code, failure_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, NULL, NULL)`,
		r.RoundID, r.SchemaVersion, nullable(r.LibraryID), nullable(r.BucketID),
		r.ConversationID, r.RoundSeq, r.StateIn, nullable(r.AudioID),
		r.CreatedAt, r.Status)
	if err != nil {
		return nil, fmt.Errorf("insert round: %w", err)
	}
	return r, nil
}

// AppendEventParams holds the optional fields of an event append.
type AppendEventParams struct {
	Status        string  // default "ok"
	CallID        string  // default: freshly generated
	FailureCode   string
	FailureReason string
	EventSeq      int     // explicit sequence, used only for replay/import
	Timestamp     float64 // default: now
}

// AppendEvent appends an event to a round and returns the allocated
// event_seq.
func (s *Store) AppendEvent(ctx context.Context, roundID string, eventType model.EventType, payload map[string]any, p AppendEventParams) (int, error) {
	if !model.ValidEventTypes[eventType] {
		return 0, fmt.Errorf("unknown event type %q", eventType)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eventSeq := p.EventSeq
	if eventSeq == 0 {
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(event_seq), 0) + 1 FROM events WHERE round_id = ?`,
			roundID).Scan(&eventSeq)
		if err != nil {
			return 0, fmt.Errorf("allocate event_seq: %w", err)
		}
	}

	status := p.Status
	if status == "" {
		status = "ok"
	}
	callID := p.CallID
	if callID == "" {
		callID = ids.NewCallID()
	}
	ts := p.Timestamp
	if ts == 0 {
		ts = now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (
			round_id, schema_version, event_seq, event_type, call_id,
			timestamp, payload, status, failure_code, failure_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		roundID, model.EventSchemaVersion, eventSeq, string(eventType), callID,
		ts, string(payloadJSON), status, nullable(p.FailureCode), nullable(p.FailureReason))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return eventSeq, nil
}

// LogEvent appends an event best-effort: failures are reported to the
// store's logger and otherwise swallowed, so tracing never aborts the
// operation it describes.
func (s *Store) LogEvent(ctx context.Context, roundID string, eventType model.EventType, payload map[string]any, p AppendEventParams) {
	if roundID == "" {
		return
	}
	if _, err := s.AppendEvent(ctx, roundID, eventType, payload, p); err != nil {
		s.logger.Warn("trace append failed",
			zap.String("round_id", roundID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

// MarkRoundParams holds the terminal status update for a round.
type MarkRoundParams struct {
	Status        string
	StateOut      string // only overwrites when non-empty
	FailureCode   string
	FailureReason string
}

// MarkRound sets the round's terminal status. Idempotent by overwrite: the
// latest call's values win, except state_out which is kept when the new
// value is empty.
func (s *Store) MarkRound(ctx context.Context, roundID string, p MarkRoundParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE rounds
		 SET status = ?, state_out = COALESCE(NULLIF(?, ''), state_out),
		     failure_code = ?, failure_reason = ?
		 WHERE round_id = ?`,
		p.Status, p.StateOut, nullable(p.FailureCode), nullable(p.FailureReason), roundID)
	if err != nil {
		return fmt.Errorf("mark round: %w", err)
	}
	return nil
}

// FetchRound returns the round header, or nil when the id is unknown.
func (s *Store) FetchRound(ctx context.Context, roundID string) (*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT round_id, schema_version, library_id, bucket_id, conversation_id,
		        round_seq, state_in, state_out, audio_id, created_at,
		        status, failure_code, failure_reason
		 FROM rounds WHERE round_id = ?`, roundID)
	r, err := scanRound(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// FetchEvents returns a round's events in event_seq order. Unknown rounds
// yield an empty slice.
func (s *Store) FetchEvents(ctx context.Context, roundID string) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchEventsLocked(ctx, roundID)
}

func (s *Store) fetchEventsLocked(ctx context.Context, roundID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT round_id, schema_version, event_seq, event_type, call_id,
		        timestamp, payload, status, failure_code, failure_reason
		 FROM events WHERE round_id = ? ORDER BY event_seq ASC`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListRounds returns round headers ordered by creation time then sequence,
// optionally filtered by conversation.
func (s *Store) ListRounds(ctx context.Context, conversationID string, limit int) ([]model.Round, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT round_id, schema_version, library_id, bucket_id, conversation_id,
	                 round_seq, state_in, state_out, audio_id, created_at,
	                 status, failure_code, failure_reason
	          FROM rounds`
	args := []any{}
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at ASC, round_seq ASC LIMIT ?`
	args = append(args, limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	return rounds, rows.Err()
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRound(row scanner) (*model.Round, error) {
	var r model.Round
	var libraryID, bucketID, stateIn, stateOut, audioID, failureCode, failureReason sql.NullString
	err := row.Scan(
		&r.RoundID, &r.SchemaVersion, &libraryID, &bucketID, &r.ConversationID,
		&r.RoundSeq, &stateIn, &stateOut, &audioID, &r.CreatedAt,
		&r.Status, &failureCode, &failureReason,
	)
	if err != nil {
		return nil, err
	}
	r.LibraryID = libraryID.String
	r.BucketID = bucketID.String
	r.StateIn = stateIn.String
	r.StateOut = stateOut.String
	r.AudioID = audioID.String
	r.FailureCode = failureCode.String
	r.FailureReason = failureReason.String
	return &r, nil
}

func scanEvent(row scanner) (model.Event, error) {
	var e model.Event
	var eventType string
	var callID, payloadJSON, failureCode, failureReason sql.NullString
	err := row.Scan(
		&e.RoundID, &e.SchemaVersion, &e.EventSeq, &eventType, &callID,
		&e.Timestamp, &payloadJSON, &e.Status, &failureCode, &failureReason,
	)
	if err != nil {
		return e, err
	}
	e.EventType = model.EventType(eventType)
	e.CallID = callID.String
	e.FailureCode = failureCode.String
	e.FailureReason = failureReason.String
	if payloadJSON.Valid && payloadJSON.String != "" {
		json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
	}
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
