package flagstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relay/chat-relay/internal/metrics"
)

// newCase returns a minimal pending case for tests.
func newCase(id, room, severity string) *Case {
	return &Case{
		ID:              id,
		Source:          SourceFlag,
		OriginalContent: "text",
		Severity:        severity,
		UserID:          "user-1",
		Room:            room,
		Reason:          "test",
	}
}

func TestRecord_Defaults(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	c := &Case{Source: SourceFlag, OriginalContent: "x", Severity: SeverityLow, UserID: "u", Room: "general"}
	if err := s.Record(ctx, c); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	if c.ID == "" {
		t.Error("Record did not assign an id")
	}
	if c.ReviewStatus != StatusPending {
		t.Errorf("ReviewStatus = %q, want %q", c.ReviewStatus, StatusPending)
	}
	if c.ActionTaken != ActionNone {
		t.Errorf("ActionTaken = %q, want %q", c.ActionTaken, ActionNone)
	}
	if c.CreatedAt.IsZero() {
		t.Error("Record did not set CreatedAt")
	}
}

func TestRecord_EvictsOldest(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	for i := 0; i < MaxCachedCases+10; i++ {
		if err := s.Record(ctx, newCase(fmt.Sprintf("case-%d", i), "general", SeverityLow)); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	if len(s.cases) != MaxCachedCases {
		t.Fatalf("cache holds %d cases, want %d", len(s.cases), MaxCachedCases)
	}

	// The first 10 were evicted, the rest are still addressable.
	if _, err := s.Get(ctx, "case-0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(case-0) err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "case-10"); err != nil {
		t.Errorf("Get(case-10) err = %v, want nil", err)
	}
}

func TestQuery_FiltersAndPaginates(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Record(ctx, newCase(fmt.Sprintf("g-%d", i), "general", SeverityLow))
	}
	for i := 0; i < 3; i++ {
		s.Record(ctx, newCase(fmt.Sprintf("r-%d", i), "random", SeverityHigh))
	}

	got, err := s.Query(ctx, Filter{Room: "general"}, 1, 50)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("Query(room=general) returned %d cases, want 5", len(got))
	}
	// Newest first.
	if got[0].ID != "g-4" {
		t.Errorf("first case = %s, want g-4", got[0].ID)
	}

	got, _ = s.Query(ctx, Filter{Severity: SeverityHigh}, 1, 2)
	if len(got) != 2 {
		t.Fatalf("page 1 returned %d cases, want 2", len(got))
	}
	got, _ = s.Query(ctx, Filter{Severity: SeverityHigh}, 2, 2)
	if len(got) != 1 {
		t.Fatalf("page 2 returned %d cases, want 1", len(got))
	}
	got, _ = s.Query(ctx, Filter{Severity: SeverityHigh}, 3, 2)
	if len(got) != 0 {
		t.Fatalf("page 3 returned %d cases, want 0", len(got))
	}

	got, _ = s.Query(ctx, Filter{Status: StatusDismissed}, 1, 50)
	if len(got) != 0 {
		t.Fatalf("Query(status=dismissed) returned %d cases, want 0", len(got))
	}
}

func TestAdvance_ForwardOnly(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	s.Record(ctx, newCase("c1", "general", SeverityMedium))

	if err := s.Advance(ctx, "c1", StatusReviewed, "mod-1", ""); err != nil {
		t.Fatalf("pending->reviewed error: %v", err)
	}
	c, _ := s.Get(ctx, "c1")
	if c.ReviewStatus != StatusReviewed {
		t.Errorf("status = %q, want reviewed", c.ReviewStatus)
	}
	if c.ReviewerID != "mod-1" {
		t.Errorf("reviewer = %q, want mod-1", c.ReviewerID)
	}
	if c.ReviewedAt.IsZero() {
		t.Error("ReviewedAt not set")
	}
	if c.ActionTaken != ActionNone {
		t.Errorf("action = %q, want none (no action on review)", c.ActionTaken)
	}

	// Backward move is rejected.
	if err := s.Advance(ctx, "c1", StatusPending, "mod-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reviewed->pending err = %v, want ErrInvalidTransition", err)
	}

	if err := s.Advance(ctx, "c1", StatusActioned, "mod-1", ActionRemoved); err != nil {
		t.Fatalf("reviewed->actioned error: %v", err)
	}
	c, _ = s.Get(ctx, "c1")
	if c.ActionTaken != ActionRemoved {
		t.Errorf("action = %q, want removed", c.ActionTaken)
	}

	// Terminal cases stay put.
	if err := s.Advance(ctx, "c1", StatusActioned, "mod-2", ActionUserRestricted); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("actioned->actioned err = %v, want ErrAlreadyResolved", err)
	}
	c, _ = s.Get(ctx, "c1")
	if c.ActionTaken != ActionRemoved || c.ReviewerID != "mod-1" {
		t.Error("terminal case was mutated by a rejected advance")
	}
}

func TestAdvance_PendingToActioned(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	s.Record(ctx, newCase("c1", "general", SeverityMedium))

	// Skipping reviewed is allowed; the sequence stays a forward prefix.
	if err := s.Advance(ctx, "c1", StatusActioned, "mod-1", ActionWarningIssued); err != nil {
		t.Fatalf("pending->actioned error: %v", err)
	}
}

func TestAdvance_Dismiss(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	s.Record(ctx, newCase("c1", "general", SeverityLow))

	if err := s.Advance(ctx, "c1", StatusDismissed, "mod-1", ""); err != nil {
		t.Fatalf("pending->dismissed error: %v", err)
	}
	if err := s.Advance(ctx, "c1", StatusReviewed, "mod-1", ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("dismissed->reviewed err = %v, want ErrAlreadyResolved", err)
	}
}

func TestAdvance_NotFound(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	if err := s.Advance(ctx, "missing", StatusReviewed, "mod-1", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Advance(missing) err = %v, want ErrNotFound", err)
	}
}

func TestAdvance_ReviewedCannotBeDismissed(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	s.Record(ctx, newCase("c1", "general", SeverityLow))
	if err := s.Advance(ctx, "c1", StatusReviewed, "mod-1", ""); err != nil {
		t.Fatalf("pending->reviewed error: %v", err)
	}

	// Dismissal is only reachable from pending; a reviewed case resolves
	// by action.
	if err := s.Advance(ctx, "c1", StatusDismissed, "mod-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reviewed->dismissed err = %v, want ErrInvalidTransition", err)
	}
}

func TestPendingCasesGauge(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	s.Record(ctx, newCase("g1", "general", SeverityLow))
	s.Record(ctx, newCase("g2", "general", SeverityLow))
	if got := testutil.ToFloat64(metrics.PendingCases); got != 2 {
		t.Fatalf("pending gauge = %v after two records, want 2", got)
	}

	s.Advance(ctx, "g1", StatusDismissed, "mod-1", "")
	if got := testutil.ToFloat64(metrics.PendingCases); got != 1 {
		t.Errorf("pending gauge = %v after dismissal, want 1", got)
	}

	s.Advance(ctx, "g2", StatusReviewed, "mod-1", "")
	if got := testutil.ToFloat64(metrics.PendingCases); got != 0 {
		t.Errorf("pending gauge = %v after review, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// Persistent store guard tests. They require a running PostgreSQL with the
// schema applied and skip otherwise.
// ---------------------------------------------------------------------------

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/relay?sslmode=disable"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("postgres not available: %v", err)
	}
	if _, err := db.Exec(`SELECT 1 FROM moderation_cases LIMIT 1`); err != nil {
		db.Close()
		t.Skipf("moderation_cases table not present: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// insertUncached writes a case straight to the store, the situation a cache
// eviction produces: the row exists but the id is unknown to the cache.
func insertUncached(t *testing.T, s *Store, db *sql.DB, status string) *Case {
	t.Helper()
	c := newCase(uuid.New().String(), "general", SeverityMedium)
	c.ReviewStatus = status
	c.ActionTaken = ActionNone
	c.CreatedAt = time.Now()
	if err := s.insert(context.Background(), c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	t.Cleanup(func() {
		db.Exec(`DELETE FROM moderation_cases WHERE id = $1`, c.ID)
	})
	return c
}

func TestAdvance_StoreGuardsUncachedCases(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	c := insertUncached(t, s, db, StatusPending)

	if err := s.Advance(ctx, c.ID, StatusActioned, "mod-1", ActionWarningIssued); err != nil {
		t.Fatalf("pending->actioned error: %v", err)
	}

	// A resolved case never moves backward or re-applies its action, even
	// without a cache entry to enforce it.
	if err := s.Advance(ctx, c.ID, StatusReviewed, "mod-2", ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("actioned->reviewed err = %v, want ErrAlreadyResolved", err)
	}
	if err := s.Advance(ctx, c.ID, StatusActioned, "mod-2", ActionRemoved); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("actioned->actioned err = %v, want ErrAlreadyResolved", err)
	}

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.ReviewStatus != StatusActioned || got.ActionTaken != ActionWarningIssued || got.ReviewerID != "mod-1" {
		t.Errorf("resolved row mutated by rejected advance: %+v", got)
	}
}

func TestAdvance_StoreRejectsUncachedBackwardMove(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	c := insertUncached(t, s, db, StatusReviewed)

	if err := s.Advance(ctx, c.ID, StatusDismissed, "mod-1", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reviewed->dismissed err = %v, want ErrInvalidTransition", err)
	}
	if err := s.Advance(ctx, c.ID, StatusActioned, "mod-1", ActionRemoved); err != nil {
		t.Errorf("reviewed->actioned err = %v, want nil", err)
	}
}
