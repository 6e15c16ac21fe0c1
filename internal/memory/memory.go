// Package memory implements the context memory store: per-bucket turn
// history, a rolling register summary, ranked memory items, and a
// write-through cache of the derived context package.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxcore/voxcore/internal/model"
)

const (
	// MaxRegisterLen bounds the rolling register summary.
	MaxRegisterLen = 140

	registerTurns = 4

	// Linear recency decay per elapsed second; reaches zero after roughly
	// 27.8 hours.
	decayPerSecond = 0.00001

	// Pinned items sort strictly above any realistic unpinned score.
	pinBonus = 1e6

	shortContextItems = 3
	longContextItems  = 10
)

// Store is a SQLite-backed memory store. Writes serialize behind a single
// lock; reads are latest-value-wins, not snapshots.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens or creates the memory database at the given path.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS buckets (
		id             TEXT PRIMARY KEY,
		summary        TEXT DEFAULT '',
		last_updated   REAL DEFAULT 0,
		schema_version INTEGER DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS entries (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		bucket_id  TEXT NOT NULL,
		speaker    TEXT,
		content    TEXT,
		created_at REAL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_bucket ON entries(bucket_id, id);

	CREATE TABLE IF NOT EXISTS memory_items (
		item_id         INTEGER PRIMARY KEY AUTOINCREMENT,
		bucket_id       TEXT NOT NULL,
		pinned          INTEGER DEFAULT 0,
		reference_score REAL DEFAULT 0,
		recency         REAL DEFAULT 0,
		content         TEXT,
		metadata        TEXT,
		last_updated    REAL
	);
	CREATE INDEX IF NOT EXISTS idx_items_bucket ON memory_items(bucket_id);

	CREATE TABLE IF NOT EXISTS context_cache (
		bucket_id        TEXT PRIMARY KEY,
		register_summary TEXT,
		short_context    TEXT,
		long_context     TEXT,
		items_json       TEXT,
		last_updated     REAL,
		schema_version   INTEGER DEFAULT 1
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// RecordTurn appends a turn to the bucket, recomputes the register from the
// last 4 turns, and rebuilds the cached context package.
func (s *Store) RecordTurn(ctx context.Context, bucketID, speaker, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (bucket_id, speaker, content, created_at) VALUES (?, ?, ?, ?)`,
		bucketID, speaker, content, ts)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	register, err := s.buildRegister(ctx, bucketID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO buckets (id, summary, last_updated, schema_version)
		 VALUES (?, ?, ?, ?)`,
		bucketID, register, ts, model.MemorySchemaVersion)
	if err != nil {
		return fmt.Errorf("update bucket: %w", err)
	}
	return s.rebuildContextCache(ctx, bucketID, register, ts)
}

// AppendNote records a turn with the reserved "note" speaker.
func (s *Store) AppendNote(ctx context.Context, bucketID, note string) error {
	return s.RecordTurn(ctx, bucketID, "note", note)
}

// buildRegister joins the last turns oldest-first as "[speaker] content",
// truncated to MaxRegisterLen with an ellipsis. Caller holds the lock.
func (s *Store) buildRegister(ctx context.Context, bucketID string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker, content FROM entries WHERE bucket_id = ? ORDER BY id DESC LIMIT ?`,
		bucketID, registerTurns)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var speaker, content string
		if err := rows.Scan(&speaker, &content); err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("[%s] %s", speaker, content))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	// Rows come newest-first; the register reads oldest-first.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	summary := strings.Join(parts, " ")
	if len(summary) > MaxRegisterLen {
		summary = summary[:MaxRegisterLen-3] + "..."
	}
	return summary, nil
}

// AddItemParams holds the optional fields of a new memory item.
type AddItemParams struct {
	Metadata       map[string]any
	Pinned         bool
	ReferenceScore float64
}

// AddItem inserts a memory item and rebuilds the context cache. Returns the
// item id.
func (s *Store) AddItem(ctx context.Context, bucketID, content string, p AddItemParams) (int64, error) {
	metadataJSON, err := json.Marshal(orEmpty(p.Metadata))
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_items (bucket_id, pinned, reference_score, recency, content, metadata, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bucketID, boolToInt(p.Pinned), p.ReferenceScore, ts, content, string(metadataJSON), ts)
	if err != nil {
		return 0, fmt.Errorf("insert item: %w", err)
	}
	itemID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	register, err := s.buildRegister(ctx, bucketID)
	if err != nil {
		return 0, err
	}
	if err := s.rebuildContextCache(ctx, bucketID, register, ts); err != nil {
		return 0, err
	}
	return itemID, nil
}

// UpdateReference accumulates reference score on an item, refreshes its
// recency, optionally flips its pinned flag, and rebuilds the cache. Unknown
// items are a no-op.
func (s *Store) UpdateReference(ctx context.Context, bucketID string, itemID int64, delta float64, pinned *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	var pinnedArg any
	if pinned != nil {
		pinnedArg = boolToInt(*pinned)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE memory_items
		 SET reference_score = reference_score + ?, recency = ?,
		     pinned = COALESCE(?, pinned)
		 WHERE bucket_id = ? AND item_id = ?`,
		delta, ts, pinnedArg, bucketID, itemID)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}

	register, err := s.buildRegister(ctx, bucketID)
	if err != nil {
		return err
	}
	return s.rebuildContextCache(ctx, bucketID, register, ts)
}

// GetContextPackage returns the cached package for the bucket, rebuilding it
// once when no cache row exists yet.
func (s *Store) GetContextPackage(ctx context.Context, bucketID string) (*model.ContextPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkg, err := s.readContextCache(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if pkg != nil {
		return pkg, nil
	}

	// Lazy fill: first read after creation.
	register, err := s.buildRegister(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if err := s.rebuildContextCache(ctx, bucketID, register, now()); err != nil {
		return nil, err
	}
	return s.readContextCache(ctx, bucketID)
}

func (s *Store) readContextCache(ctx context.Context, bucketID string) (*model.ContextPackage, error) {
	var pkg model.ContextPackage
	var itemsJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT register_summary, short_context, long_context, items_json, last_updated
		 FROM context_cache WHERE bucket_id = ?`, bucketID).
		Scan(&pkg.RegisterSummary, &pkg.ShortContext, &pkg.LongContext, &itemsJSON, &pkg.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pkg.BucketID = bucketID
	pkg.Items = []model.RankedItem{}
	if itemsJSON.Valid && itemsJSON.String != "" {
		json.Unmarshal([]byte(itemsJSON.String), &pkg.Items)
	}
	return &pkg, nil
}

// rebuildContextCache recomputes the ranked items and overwrites the cached
// package. Caller holds the lock.
func (s *Store) rebuildContextCache(ctx context.Context, bucketID, register string, ts float64) error {
	items, err := s.rankItems(ctx, bucketID)
	if err != nil {
		return err
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO context_cache (
			bucket_id, register_summary, short_context, long_context,
			items_json, last_updated, schema_version
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bucketID, register, formatItems(items, shortContextItems),
		formatItems(items, longContextItems), string(itemsJSON), ts,
		model.MemorySchemaVersion)
	if err != nil {
		return fmt.Errorf("write context cache: %w", err)
	}
	return nil
}

// rankItems scores every item in the bucket: reference score plus a linearly
// decaying recency bonus, with a pin bonus that dominates both. Sort is
// stable so ties keep storage order. Caller holds the lock.
func (s *Store) rankItems(ctx context.Context, bucketID string) ([]model.RankedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, pinned, reference_score, recency, content, metadata
		 FROM memory_items WHERE bucket_id = ?`, bucketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nowTs := now()
	items := []model.RankedItem{}
	for rows.Next() {
		var (
			item         model.RankedItem
			pinned       int
			refScore     float64
			recency      float64
			metadataJSON sql.NullString
		)
		if err := rows.Scan(&item.ItemID, &pinned, &refScore, &recency, &item.Content, &metadataJSON); err != nil {
			return nil, err
		}
		item.Pinned = pinned != 0

		elapsed := nowTs - recency
		if elapsed < 0 {
			elapsed = 0
		}
		recencyScore := 1.0 - decayPerSecond*elapsed
		if recencyScore < 0 {
			recencyScore = 0
		}
		item.Score = refScore + recencyScore
		if item.Pinned {
			item.Score += pinBonus
		}
		item.Metadata = map[string]any{}
		if metadataJSON.Valid && metadataJSON.String != "" {
			json.Unmarshal([]byte(metadataJSON.String), &item.Metadata)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
	return items, nil
}

// formatItems renders the top items one per line, pinned items prefixed
// [PIN].
func formatItems(items []model.RankedItem, limit int) string {
	if len(items) > limit {
		items = items[:limit]
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		tag := ""
		if item.Pinned {
			tag = "[PIN]"
		}
		parts = append(parts, tag+item.Content)
	}
	return strings.Join(parts, "\n")
}

// ClearBucket irreversibly purges the bucket's entries, summary, items, and
// cached package.
func (s *Store) ClearBucket(ctx context.Context, bucketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range []string{
		`DELETE FROM entries WHERE bucket_id = ?`,
		`DELETE FROM buckets WHERE id = ?`,
		`DELETE FROM memory_items WHERE bucket_id = ?`,
		`DELETE FROM context_cache WHERE bucket_id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, bucketID); err != nil {
			return fmt.Errorf("clear bucket: %w", err)
		}
	}
	return nil
}

// ListBuckets returns all bucket ids.
func (s *Store) ListBuckets(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM buckets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bucketIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		bucketIDs = append(bucketIDs, id)
	}
	return bucketIDs, rows.Err()
}

// Summary returns the bucket's register summary, empty when the bucket is
// unknown.
func (s *Store) Summary(ctx context.Context, bucketID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var summary string
	err := s.db.QueryRowContext(ctx,
		`SELECT summary FROM buckets WHERE id = ?`, bucketID).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return summary, nil
}

// Entry is one recorded turn.
type Entry struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// BucketDetails is the inspection view of one bucket.
type BucketDetails struct {
	ID            string  `json:"id"`
	Summary       string  `json:"summary"`
	LastUpdated   float64 `json:"last_updated"`
	RecentEntries []Entry `json:"recent_entries"`
}

// Details returns the bucket summary plus its five most recent entries, or
// nil when the bucket is unknown.
func (s *Store) Details(ctx context.Context, bucketID string) (*BucketDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d BucketDetails
	err := s.db.QueryRowContext(ctx,
		`SELECT id, summary, last_updated FROM buckets WHERE id = ?`, bucketID).
		Scan(&d.ID, &d.Summary, &d.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker, content FROM entries WHERE bucket_id = ? ORDER BY id DESC LIMIT 5`,
		bucketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Speaker, &e.Content); err != nil {
			return nil, err
		}
		d.RecentEntries = append(d.RecentEntries, e)
	}
	return &d, rows.Err()
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
