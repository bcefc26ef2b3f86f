package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relay/chat-relay/internal/flagstore"
)

// fakeDeleter records hard deletes.
type fakeDeleter struct {
	deleted []string
}

func (d *fakeDeleter) HardDelete(ctx context.Context, id string) error {
	d.deleted = append(d.deleted, id)
	return nil
}

// fakeRestrictor records warnings and bans.
type fakeRestrictor struct {
	warned []string
	banned map[string]time.Duration
}

func newFakeRestrictor() *fakeRestrictor {
	return &fakeRestrictor{banned: make(map[string]time.Duration)}
}

func (r *fakeRestrictor) Warn(ctx context.Context, userID, reason string) (int, error) {
	r.warned = append(r.warned, userID)
	return len(r.warned), nil
}

func (r *fakeRestrictor) TempBan(ctx context.Context, userID string, d time.Duration, reason string) error {
	r.banned[userID] = d
	return nil
}

func newTestWorkflow(t *testing.T) (*Workflow, *flagstore.Store, *fakeDeleter, *fakeRestrictor) {
	t.Helper()
	cases := flagstore.NewStore(nil)
	deleter := &fakeDeleter{}
	restrictor := newFakeRestrictor()
	return NewWorkflow(cases, deleter, restrictor), cases, deleter, restrictor
}

func seedCase(t *testing.T, cases *flagstore.Store, id, messageID string) {
	t.Helper()
	err := cases.Record(context.Background(), &flagstore.Case{
		ID:              id,
		Source:          flagstore.SourceReport,
		OriginalContent: "offensive text",
		Severity:        flagstore.SeverityMedium,
		UserID:          "offender",
		ReporterID:      "reporter",
		Room:            "general",
		MessageID:       messageID,
		Reason:          "harassment",
	})
	if err != nil {
		t.Fatalf("seed case: %v", err)
	}
}

func TestReview(t *testing.T) {
	w, cases, _, _ := newTestWorkflow(t)
	ctx := context.Background()
	seedCase(t, cases, "c1", "")

	out, err := w.Review(ctx, "c1", "mod-1")
	if err != nil {
		t.Fatalf("Review() error: %v", err)
	}
	if out.AlreadyResolved {
		t.Error("fresh review reported as already resolved")
	}
	if out.Case.ReviewStatus != flagstore.StatusReviewed {
		t.Errorf("status = %q, want reviewed", out.Case.ReviewStatus)
	}
	if out.Case.ReviewerID != "mod-1" || out.Case.ReviewedAt.IsZero() {
		t.Errorf("reviewer metadata missing: %+v", out.Case)
	}

	// A second review is a no-op.
	out, err = w.Review(ctx, "c1", "mod-2")
	if err != nil {
		t.Fatalf("second Review() error: %v", err)
	}
	if !out.AlreadyResolved {
		t.Error("second review not reported as no-op")
	}
	if out.Case.ReviewerID != "mod-1" {
		t.Error("second review overwrote reviewer")
	}
}

func TestRemove_WithOriginal(t *testing.T) {
	w, cases, deleter, _ := newTestWorkflow(t)
	ctx := context.Background()
	seedCase(t, cases, "c1", "msg-9")

	out, err := w.Remove(ctx, "c1", true, "mod-1")
	if err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if out.Case.ReviewStatus != flagstore.StatusActioned {
		t.Errorf("status = %q, want actioned", out.Case.ReviewStatus)
	}
	if out.Case.ActionTaken != flagstore.ActionRemoved {
		t.Errorf("action = %q, want removed", out.Case.ActionTaken)
	}
	if len(deleter.deleted) != 1 || deleter.deleted[0] != "msg-9" {
		t.Errorf("hard deletes = %v, want [msg-9]", deleter.deleted)
	}
}

func TestRemove_Twice(t *testing.T) {
	w, cases, deleter, _ := newTestWorkflow(t)
	ctx := context.Background()
	seedCase(t, cases, "c1", "msg-9")

	if _, err := w.Remove(ctx, "c1", true, "mod-1"); err != nil {
		t.Fatalf("first Remove() error: %v", err)
	}

	out, err := w.Remove(ctx, "c1", true, "mod-2")
	if err != nil {
		t.Fatalf("second Remove() error: %v", err)
	}
	if !out.AlreadyResolved {
		t.Error("second remove not reported as no-op")
	}
	// Side effects must not be re-applied.
	if len(deleter.deleted) != 1 {
		t.Errorf("hard deletes = %v, want exactly one", deleter.deleted)
	}
}

func TestRemove_WithoutOriginal(t *testing.T) {
	w, cases, deleter, _ := newTestWorkflow(t)
	ctx := context.Background()
	seedCase(t, cases, "c1", "msg-9")

	if _, err := w.Remove(ctx, "c1", false, "mod-1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if len(deleter.deleted) != 0 {
		t.Errorf("hard deletes = %v, want none", deleter.deleted)
	}
}

func TestRemove_AfterReview(t *testing.T) {
	w, cases, _, _ := newTestWorkflow(t)
	ctx := context.Background()
	seedCase(t, cases, "c1", "")

	w.Review(ctx, "c1", "mod-1")
	out, err := w.Remove(ctx, "c1", false, "mod-1")
	if err != nil {
		t.Fatalf("Remove() after review error: %v", err)
	}
	if out.AlreadyResolved || out.Case.ReviewStatus != flagstore.StatusActioned {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRestrict_Warning(t *testing.T) {
	w, cases, _, restrictor := newTestWorkflow(t)
	ctx := context.Background()
	seedCase(t, cases, "c1", "")

	out, err := w.Restrict(ctx, "c1", "mod-1", KindWarning, 0)
	if err != nil {
		t.Fatalf("Restrict() error: %v", err)
	}
	if out.Case.ActionTaken != flagstore.ActionWarningIssued {
		t.Errorf("action = %q, want warning_issued", out.Case.ActionTaken)
	}
	if len(restrictor.warned) != 1 || restrictor.warned[0] != "offender" {
		t.Errorf("warned = %v, want [offender]", restrictor.warned)
	}
}

func TestRestrict_TempBan(t *testing.T) {
	w, cases, _, restrictor := newTestWorkflow(t)
	ctx := context.Background()
	seedCase(t, cases, "c1", "")

	out, err := w.Restrict(ctx, "c1", "mod-1", KindTempBan, 30*time.Minute)
	if err != nil {
		t.Fatalf("Restrict() error: %v", err)
	}
	if out.Case.ActionTaken != flagstore.ActionUserRestricted {
		t.Errorf("action = %q, want user_restricted", out.Case.ActionTaken)
	}
	if restrictor.banned["offender"] != 30*time.Minute {
		t.Errorf("ban = %v, want 30m", restrictor.banned["offender"])
	}
}

func TestRestrict_UnknownKind(t *testing.T) {
	w, cases, _, _ := newTestWorkflow(t)
	seedCase(t, cases, "c1", "")

	if _, err := w.Restrict(context.Background(), "c1", "mod-1", "shadowban", 0); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestRestrict_Twice(t *testing.T) {
	w, cases, _, restrictor := newTestWorkflow(t)
	ctx := context.Background()
	seedCase(t, cases, "c1", "")

	w.Restrict(ctx, "c1", "mod-1", KindWarning, 0)
	out, err := w.Restrict(ctx, "c1", "mod-1", KindWarning, 0)
	if err != nil {
		t.Fatalf("second Restrict() error: %v", err)
	}
	if !out.AlreadyResolved {
		t.Error("second restrict not reported as no-op")
	}
	if len(restrictor.warned) != 1 {
		t.Errorf("warnings = %d, want exactly 1", len(restrictor.warned))
	}
}

func TestDismiss(t *testing.T) {
	w, cases, _, _ := newTestWorkflow(t)
	ctx := context.Background()
	seedCase(t, cases, "c1", "")

	out, err := w.Dismiss(ctx, "c1", "mod-1")
	if err != nil {
		t.Fatalf("Dismiss() error: %v", err)
	}
	if out.Case.ReviewStatus != flagstore.StatusDismissed {
		t.Errorf("status = %q, want dismissed", out.Case.ReviewStatus)
	}

	// Dismissed is terminal.
	out, _ = w.Remove(ctx, "c1", false, "mod-1")
	if !out.AlreadyResolved {
		t.Error("remove after dismiss not a no-op")
	}
}

func TestDismiss_OnlyFromPending(t *testing.T) {
	w, cases, _, _ := newTestWorkflow(t)
	ctx := context.Background()
	seedCase(t, cases, "c1", "")

	if _, err := w.Review(ctx, "c1", "mod-1"); err != nil {
		t.Fatalf("Review() error: %v", err)
	}

	// A reviewed case resolves by action; dismissal is a no-op.
	out, err := w.Dismiss(ctx, "c1", "mod-2")
	if err != nil {
		t.Fatalf("Dismiss() error: %v", err)
	}
	if !out.AlreadyResolved {
		t.Error("dismiss of a reviewed case not reported as no-op")
	}
	if out.Case.ReviewStatus != flagstore.StatusReviewed {
		t.Errorf("status = %q, want reviewed unchanged", out.Case.ReviewStatus)
	}
}

func TestWorkflow_NotFound(t *testing.T) {
	w, _, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	if _, err := w.Review(ctx, "missing", "mod-1"); !errors.Is(err, flagstore.ErrNotFound) {
		t.Errorf("Review(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := w.Remove(ctx, "missing", true, "mod-1"); !errors.Is(err, flagstore.ErrNotFound) {
		t.Errorf("Remove(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := w.Restrict(ctx, "missing", "mod-1", KindWarning, 0); !errors.Is(err, flagstore.ErrNotFound) {
		t.Errorf("Restrict(missing) err = %v, want ErrNotFound", err)
	}
}
