package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordTurnBuildsRegister(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.RecordTurn(ctx, "b1", "user", "hello")
	s.RecordTurn(ctx, "b1", "assistant", "hi there")

	summary, err := s.Summary(ctx, "b1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary != "[user] hello [assistant] hi there" {
		t.Errorf("unexpected register %q", summary)
	}
}

func TestRegisterUsesLastFourTurnsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, content := range []string{"one", "two", "three", "four", "five"} {
		s.RecordTurn(ctx, "b1", "u", content)
	}

	summary, _ := s.Summary(ctx, "b1")
	if summary != "[u] two [u] three [u] four [u] five" {
		t.Errorf("unexpected register %q", summary)
	}
}

func TestRegisterTruncatedWithEllipsis(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	long := strings.Repeat("x", 300)
	s.RecordTurn(ctx, "b1", "user", long)

	summary, _ := s.Summary(ctx, "b1")
	if len(summary) != MaxRegisterLen {
		t.Errorf("expected length %d, got %d", MaxRegisterLen, len(summary))
	}
	if !strings.HasSuffix(summary, "...") {
		t.Errorf("expected ellipsis suffix, got %q", summary)
	}

	// Stays bounded across many turns.
	for i := 0; i < 10; i++ {
		s.RecordTurn(ctx, "b1", "user", strings.Repeat("y", 80))
	}
	summary, _ = s.Summary(ctx, "b1")
	if len(summary) > MaxRegisterLen {
		t.Errorf("register exceeds %d chars: %d", MaxRegisterLen, len(summary))
	}
}

func TestPinnedItemsRankFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.AddItem(ctx, "b1", "unpinned high score", AddItemParams{ReferenceScore: 500})
	pinnedID, _ := s.AddItem(ctx, "b1", "pinned low score", AddItemParams{Pinned: true})

	pkg, err := s.GetContextPackage(ctx, "b1")
	if err != nil {
		t.Fatalf("get package: %v", err)
	}
	if len(pkg.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(pkg.Items))
	}
	if pkg.Items[0].ItemID != pinnedID {
		t.Errorf("pinned item must rank first, got %+v", pkg.Items)
	}
	if !strings.HasPrefix(pkg.ShortContext, "[PIN]pinned low score") {
		t.Errorf("short context must lead with the pinned item: %q", pkg.ShortContext)
	}
}

func TestRankingByReferenceScore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.AddItem(ctx, "b1", "low", AddItemParams{ReferenceScore: 1})
	s.AddItem(ctx, "b1", "high", AddItemParams{ReferenceScore: 10})
	s.AddItem(ctx, "b1", "mid", AddItemParams{ReferenceScore: 5})

	pkg, _ := s.GetContextPackage(ctx, "b1")
	var order []string
	for _, item := range pkg.Items {
		order = append(order, item.Content)
	}
	if order[0] != "high" || order[1] != "mid" || order[2] != "low" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestTiedScoresKeepStorageOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, _ := s.AddItem(ctx, "b1", "first", AddItemParams{ReferenceScore: 3})
	second, _ := s.AddItem(ctx, "b1", "second", AddItemParams{ReferenceScore: 3})

	// Age both items past the decay horizon so their scores tie exactly,
	// then drop the cache to force a rebuild through the lazy-fill path.
	s.db.Exec(`UPDATE memory_items SET recency = 0 WHERE bucket_id = 'b1'`)
	s.db.Exec(`DELETE FROM context_cache WHERE bucket_id = 'b1'`)

	pkg, _ := s.GetContextPackage(ctx, "b1")
	if pkg.Items[0].ItemID != first || pkg.Items[1].ItemID != second {
		t.Errorf("tie must keep storage order, got %+v", pkg.Items)
	}
}

func TestShortAndLongContextLimits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 12; i++ {
		s.AddItem(ctx, "b1", strings.Repeat("i", i+1), AddItemParams{ReferenceScore: float64(12 - i)})
	}

	pkg, _ := s.GetContextPackage(ctx, "b1")
	if got := len(strings.Split(pkg.ShortContext, "\n")); got != 3 {
		t.Errorf("short context must hold 3 items, got %d", got)
	}
	if got := len(strings.Split(pkg.LongContext, "\n")); got != 10 {
		t.Errorf("long context must hold 10 items, got %d", got)
	}
	if len(pkg.Items) != 12 {
		t.Errorf("full ranked list must hold every item, got %d", len(pkg.Items))
	}
}

func TestUpdateReferenceAccumulatesAndPins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, _ := s.AddItem(ctx, "b1", "a", AddItemParams{})
	b, _ := s.AddItem(ctx, "b1", "b", AddItemParams{})

	s.UpdateReference(ctx, "b1", a, 5, nil)
	pkg, _ := s.GetContextPackage(ctx, "b1")
	if pkg.Items[0].ItemID != a {
		t.Errorf("referenced item must rank first, got %+v", pkg.Items)
	}

	pin := true
	s.UpdateReference(ctx, "b1", b, 0, &pin)
	pkg, _ = s.GetContextPackage(ctx, "b1")
	if pkg.Items[0].ItemID != b || !pkg.Items[0].Pinned {
		t.Errorf("pinned item must take over first rank, got %+v", pkg.Items)
	}
}

func TestUpdateReferenceUnknownItemIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpdateReference(ctx, "b1", 999, 1, nil); err != nil {
		t.Errorf("unknown item must not error: %v", err)
	}
}

func TestClearBucketPurgesEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.RecordTurn(ctx, "b1", "user", "hello")
	s.AddItem(ctx, "b1", "item", AddItemParams{Pinned: true})

	if err := s.ClearBucket(ctx, "b1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	pkg, err := s.GetContextPackage(ctx, "b1")
	if err != nil {
		t.Fatalf("get package: %v", err)
	}
	if len(pkg.Items) != 0 {
		t.Errorf("expected empty ranked list, got %+v", pkg.Items)
	}
	if pkg.RegisterSummary != "" {
		t.Errorf("expected empty register, got %q", pkg.RegisterSummary)
	}

	summary, _ := s.Summary(ctx, "b1")
	if summary != "" {
		t.Errorf("expected absent summary, got %q", summary)
	}
}

func TestGetContextPackageLazyFill(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// No writes yet: the first read builds and caches an empty package.
	pkg, err := s.GetContextPackage(ctx, "fresh")
	if err != nil {
		t.Fatalf("get package: %v", err)
	}
	if pkg == nil || pkg.BucketID != "fresh" {
		t.Fatalf("expected a package, got %+v", pkg)
	}
	if len(pkg.Items) != 0 || pkg.RegisterSummary != "" {
		t.Errorf("expected empty package, got %+v", pkg)
	}
}

func TestListBucketsAndDetails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.RecordTurn(ctx, "alpha", "user", "a")
	s.RecordTurn(ctx, "beta", "user", "b")

	bucketIDs, _ := s.ListBuckets(ctx)
	if len(bucketIDs) != 2 {
		t.Errorf("expected 2 buckets, got %v", bucketIDs)
	}

	d, err := s.Details(ctx, "alpha")
	if err != nil || d == nil {
		t.Fatalf("details: %v %v", d, err)
	}
	if len(d.RecentEntries) != 1 || d.RecentEntries[0].Content != "a" {
		t.Errorf("unexpected entries %+v", d.RecentEntries)
	}

	missing, err := s.Details(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("unknown bucket must be nil, got %+v %v", missing, err)
	}
}

func TestAppendNoteUsesNoteSpeaker(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.AppendNote(ctx, "b1", "remember this")
	summary, _ := s.Summary(ctx, "b1")
	if summary != "[note] remember this" {
		t.Errorf("unexpected register %q", summary)
	}
}
