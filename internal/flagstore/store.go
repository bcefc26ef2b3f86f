package flagstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relay/chat-relay/internal/metrics"
)

// MaxCachedCases is the capacity of the in-memory case cache. The oldest
// case is evicted first once the cache is full.
const MaxCachedCases = 1000

var (
	// ErrNotFound is returned when a case id is unknown to both the cache
	// and the persistent store.
	ErrNotFound = errors.New("flagstore: case not found")

	// ErrAlreadyResolved is returned when advancing a case that already
	// reached a terminal status.
	ErrAlreadyResolved = errors.New("flagstore: case already resolved")

	// ErrInvalidTransition is returned for a backward status transition.
	ErrInvalidTransition = errors.New("flagstore: status may only advance forward")
)

// Store keeps recent moderation cases in a bounded FIFO cache and mirrors
// them to PostgreSQL. The cache stays authoritative for immediate admin
// queries even when a persistence write fails.
type Store struct {
	mu    sync.RWMutex
	cases []*Case          // FIFO, oldest first
	byID  map[string]*Case // id -> cached case

	db *sql.DB // nil disables persistence (cache-only mode)
}

// NewStore creates a Store mirrored to db. A nil db is allowed and leaves
// the store cache-only.
func NewStore(db *sql.DB) *Store {
	return &Store{
		byID: make(map[string]*Case),
		db:   db,
	}
}

// Record appends a case to the cache, evicting the oldest entry if the
// cache is over capacity, and persists it asynchronously. Persistence is
// best-effort: a failed write is logged and the cache remains the source
// for admin queries. The case id and timestamps are assigned here if unset.
func (s *Store) Record(ctx context.Context, c *Case) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.ReviewStatus == "" {
		c.ReviewStatus = StatusPending
	}
	if c.ActionTaken == "" {
		c.ActionTaken = ActionNone
	}
	if _, ok := allowedNext[c.ReviewStatus]; !ok {
		return fmt.Errorf("flagstore: invalid review status %q", c.ReviewStatus)
	}

	s.mu.Lock()
	s.cases = append(s.cases, c)
	s.byID[c.ID] = c
	if len(s.cases) > MaxCachedCases {
		evicted := s.cases[0]
		s.cases = s.cases[1:]
		delete(s.byID, evicted.ID)
	}
	pending := s.pendingLocked()
	s.mu.Unlock()
	metrics.PendingCases.Set(float64(pending))

	if s.db != nil {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.insert(pctx, c); err != nil {
				log.Printf("[flagstore] persist case=%s failed: %v", c.ID, err)
			}
		}()
	}
	return nil
}

// Get returns the case with the given id, preferring the cache.
func (s *Store) Get(ctx context.Context, id string) (*Case, error) {
	s.mu.RLock()
	c, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		copied := *c
		return &copied, nil
	}

	if s.db == nil {
		return nil, ErrNotFound
	}
	return s.selectOne(ctx, id)
}

// Query returns a page of cases matching the filter, newest first. It
// prefers the persistent store and falls back to filtering the in-memory
// cache when the store is unavailable. Page numbering is 1-based.
func (s *Store) Query(ctx context.Context, f Filter, page, pageSize int) ([]*Case, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	if s.db != nil {
		cases, err := s.selectPage(ctx, f, page, pageSize)
		if err == nil {
			return cases, nil
		}
		log.Printf("[flagstore] query via store failed, serving from cache: %v", err)
	}

	return s.queryCache(f, page, pageSize), nil
}

// queryCache filters and paginates the in-memory cache, newest first.
func (s *Store) queryCache(f Filter, page, pageSize int) []*Case {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Case
	for i := len(s.cases) - 1; i >= 0; i-- {
		if f.matches(s.cases[i]) {
			matched = append(matched, s.cases[i])
		}
	}

	start := (page - 1) * pageSize
	if start >= len(matched) {
		return []*Case{}
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]*Case, 0, end-start)
	for _, c := range matched[start:end] {
		copied := *c
		out = append(out, &copied)
	}
	return out
}

// Advance moves a case forward to newStatus, recording the reviewer and
// action. Both the cache and the store are updated. Returns ErrNotFound if
// the id is unknown to either, ErrAlreadyResolved if the case is terminal,
// and ErrInvalidTransition for backward moves.
func (s *Store) Advance(ctx context.Context, id, newStatus, reviewerID, action string) error {
	if _, ok := allowedNext[newStatus]; !ok {
		return fmt.Errorf("flagstore: invalid review status %q", newStatus)
	}

	now := time.Now()

	s.mu.Lock()
	c, cached := s.byID[id]
	if cached {
		if c.Terminal() {
			s.mu.Unlock()
			return ErrAlreadyResolved
		}
		if !allowedNext[c.ReviewStatus][newStatus] {
			s.mu.Unlock()
			return ErrInvalidTransition
		}
		c.ReviewStatus = newStatus
		c.ReviewerID = reviewerID
		c.ReviewedAt = now
		if action != "" {
			c.ActionTaken = action
		}
	}
	pending := s.pendingLocked()
	s.mu.Unlock()
	if cached {
		metrics.PendingCases.Set(float64(pending))
	}

	if s.db == nil {
		if !cached {
			return ErrNotFound
		}
		return nil
	}

	err := s.update(ctx, id, newStatus, reviewerID, action, now)
	if err != nil && cached {
		// Cache already advanced; surface the store failure as a log, the
		// cache stays authoritative.
		log.Printf("[flagstore] advance case=%s store update failed: %v", id, err)
		return nil
	}
	return err
}

// ---------------------------------------------------------------------------
// PostgreSQL mirror
// ---------------------------------------------------------------------------

func (s *Store) insert(ctx context.Context, c *Case) error {
	var contextJSON []byte
	if len(c.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(c.Context)
		if err != nil {
			return fmt.Errorf("flagstore: marshal context: %w", err)
		}
	}

	const query = `
		INSERT INTO moderation_cases
			(id, source, original_content, modified_content, severity,
			 user_id, reporter_id, room, message_id, reason,
			 review_status, action_taken, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Source, c.OriginalContent, c.ModifiedContent, c.Severity,
		c.UserID, c.ReporterID, c.Room, c.MessageID, c.Reason,
		c.ReviewStatus, c.ActionTaken, contextJSON, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("flagstore: insert: %w", err)
	}
	return nil
}

func (s *Store) selectOne(ctx context.Context, id string) (*Case, error) {
	const query = selectColumns + ` WHERE id = $1`

	row := s.db.QueryRowContext(ctx, query, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("flagstore: select: %w", err)
	}
	return c, nil
}

func (s *Store) selectPage(ctx context.Context, f Filter, page, pageSize int) ([]*Case, error) {
	const query = selectColumns + `
		WHERE ($1 = '' OR review_status = $1)
		  AND ($2 = '' OR severity = $2)
		  AND ($3 = '' OR room = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := s.db.QueryContext(ctx, query,
		f.Status, f.Severity, f.Room, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("flagstore: select page: %w", err)
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("flagstore: scan: %w", err)
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flagstore: iterate: %w", err)
	}
	return cases, nil
}

// update applies the status transition in SQL with the same forward-only
// guard the cache enforces, so cases evicted from the cache cannot move
// backward or re-trigger actions.
func (s *Store) update(ctx context.Context, id, status, reviewerID, action string, reviewedAt time.Time) error {
	const query = `
		UPDATE moderation_cases
		SET review_status = $2,
		    reviewer_id = $3,
		    action_taken = CASE WHEN $4 = '' THEN action_taken ELSE $4 END,
		    reviewed_at = $5
		WHERE id = $1
		  AND ((review_status = 'pending' AND $2 IN ('reviewed', 'actioned', 'dismissed'))
		    OR (review_status = 'reviewed' AND $2 = 'actioned'))`

	res, err := s.db.ExecContext(ctx, query, id, status, reviewerID, action, reviewedAt)
	if err != nil {
		return fmt.Errorf("flagstore: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("flagstore: rows affected: %w", err)
	}
	if n == 0 {
		return s.classifyRejectedUpdate(ctx, id)
	}
	return nil
}

// classifyRejectedUpdate distinguishes why a guarded update matched no row:
// the case does not exist, is already terminal, or the transition is not a
// forward one.
func (s *Store) classifyRejectedUpdate(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT review_status FROM moderation_cases WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("flagstore: classify update: %w", err)
	}
	if status == StatusActioned || status == StatusDismissed {
		return ErrAlreadyResolved
	}
	return ErrInvalidTransition
}

// pendingLocked counts cached cases still awaiting review. Caller holds mu.
func (s *Store) pendingLocked() int {
	n := 0
	for _, c := range s.cases {
		if c.ReviewStatus == StatusPending {
			n++
		}
	}
	return n
}

const selectColumns = `
	SELECT id, source, original_content, modified_content, severity,
	       user_id, reporter_id, room, message_id, reason,
	       review_status, action_taken, context, created_at,
	       COALESCE(reviewer_id, ''), reviewed_at
	FROM moderation_cases`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(row scanner) (*Case, error) {
	var (
		c           Case
		contextJSON []byte
		reviewedAt  sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.Source, &c.OriginalContent, &c.ModifiedContent, &c.Severity,
		&c.UserID, &c.ReporterID, &c.Room, &c.MessageID, &c.Reason,
		&c.ReviewStatus, &c.ActionTaken, &contextJSON, &c.CreatedAt,
		&c.ReviewerID, &reviewedAt,
	)
	if err != nil {
		return nil, err
	}
	if reviewedAt.Valid {
		c.ReviewedAt = reviewedAt.Time
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &c.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return &c, nil
}
