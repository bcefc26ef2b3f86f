package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relay/chat-relay/internal/flagstore"
	"github.com/relay/chat-relay/internal/review"
)

type nopDeleter struct{ deleted []string }

func (d *nopDeleter) HardDelete(ctx context.Context, id string) error {
	d.deleted = append(d.deleted, id)
	return nil
}

type nopRestrictor struct {
	warned []string
	banned []string
}

func (r *nopRestrictor) Warn(ctx context.Context, userID, reason string) (int, error) {
	r.warned = append(r.warned, userID)
	return len(r.warned), nil
}

func (r *nopRestrictor) TempBan(ctx context.Context, userID string, d time.Duration, reason string) error {
	r.banned = append(r.banned, userID)
	return nil
}

const testToken = "secret"

func newTestServer(t *testing.T) (*Server, *flagstore.Store, *nopDeleter, *nopRestrictor) {
	t.Helper()
	cases := flagstore.NewStore(nil)
	deleter := &nopDeleter{}
	restrictor := &nopRestrictor{}
	workflow := review.NewWorkflow(cases, deleter, restrictor)
	return NewServer(cases, workflow, testToken), cases, deleter, restrictor
}

func seed(t *testing.T, cases *flagstore.Store, id, room, severity string) {
	t.Helper()
	err := cases.Record(context.Background(), &flagstore.Case{
		ID:              id,
		Source:          flagstore.SourceFlag,
		OriginalContent: "bad text",
		Severity:        severity,
		UserID:          "offender",
		Room:            room,
		MessageID:       "msg-" + id,
		Reason:          "profanity",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	h := s.Routes()

	req := httptest.NewRequest("GET", "/admin/cases", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/admin/cases", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestListCasesFiltered(t *testing.T) {
	s, cases, _, _ := newTestServer(t)
	h := s.Routes()
	seed(t, cases, "c1", "general", flagstore.SeverityLow)
	seed(t, cases, "c2", "random", flagstore.SeverityHigh)
	seed(t, cases, "c3", "general", flagstore.SeverityHigh)

	rec := do(t, h, "GET", "/admin/cases?room=general&severity=high", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Cases []casePayload `json:"cases"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Cases) != 1 || resp.Cases[0].ID != "c3" {
		t.Errorf("cases = %+v, want only c3", resp.Cases)
	}
}

func TestListCasesPagination(t *testing.T) {
	s, cases, _, _ := newTestServer(t)
	h := s.Routes()
	for i := 0; i < 5; i++ {
		seed(t, cases, "c"+string(rune('0'+i)), "general", flagstore.SeverityLow)
	}

	rec := do(t, h, "GET", "/admin/cases?page=2&page_size=2", "")
	var resp struct {
		Cases []casePayload `json:"cases"`
		Page  int           `json:"page"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Page != 2 || len(resp.Cases) != 2 {
		t.Errorf("page %d with %d cases, want page 2 with 2", resp.Page, len(resp.Cases))
	}
}

func TestGetCase(t *testing.T) {
	s, cases, _, _ := newTestServer(t)
	h := s.Routes()
	seed(t, cases, "c1", "general", flagstore.SeverityMedium)

	rec := do(t, h, "GET", "/admin/cases/c1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var p casePayload
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != "c1" || p.ReviewStatus != flagstore.StatusPending {
		t.Errorf("payload = %+v", p)
	}
}

func TestGetCaseNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := do(t, s.Routes(), "GET", "/admin/cases/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestReviewEndpoint(t *testing.T) {
	s, cases, _, _ := newTestServer(t)
	h := s.Routes()
	seed(t, cases, "c1", "general", flagstore.SeverityMedium)

	rec := do(t, h, "POST", "/admin/cases/c1/review", `{"reviewer_id":"mod-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Case            casePayload `json:"case"`
		AlreadyResolved bool        `json:"already_resolved"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Case.ReviewStatus != flagstore.StatusReviewed || resp.Case.ReviewerID != "mod-1" {
		t.Errorf("case = %+v", resp.Case)
	}
}

func TestReviewRequiresReviewer(t *testing.T) {
	s, cases, _, _ := newTestServer(t)
	seed(t, cases, "c1", "general", flagstore.SeverityMedium)

	rec := do(t, s.Routes(), "POST", "/admin/cases/c1/review", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRemoveEndpoint(t *testing.T) {
	s, cases, deleter, _ := newTestServer(t)
	h := s.Routes()
	seed(t, cases, "c1", "general", flagstore.SeverityHigh)

	rec := do(t, h, "POST", "/admin/cases/c1/remove",
		`{"reviewer_id":"mod-1","remove_original":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(deleter.deleted) != 1 || deleter.deleted[0] != "msg-c1" {
		t.Errorf("deleted = %v, want [msg-c1]", deleter.deleted)
	}
}

func TestRestrictEndpoint(t *testing.T) {
	s, cases, _, restrictor := newTestServer(t)
	h := s.Routes()
	seed(t, cases, "c1", "general", flagstore.SeverityHigh)

	rec := do(t, h, "POST", "/admin/cases/c1/restrict",
		`{"reviewer_id":"mod-1","kind":"temporary_ban","duration_minutes":30}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(restrictor.banned) != 1 || restrictor.banned[0] != "offender" {
		t.Errorf("banned = %v, want [offender]", restrictor.banned)
	}
}

func TestResolveTwiceReportsNoOp(t *testing.T) {
	s, cases, _, _ := newTestServer(t)
	h := s.Routes()
	seed(t, cases, "c1", "general", flagstore.SeverityMedium)

	do(t, h, "POST", "/admin/cases/c1/dismiss", `{"reviewer_id":"mod-1"}`)
	rec := do(t, h, "POST", "/admin/cases/c1/dismiss", `{"reviewer_id":"mod-2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		AlreadyResolved bool `json:"already_resolved"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.AlreadyResolved {
		t.Error("second dismiss not reported as already resolved")
	}
}

func TestResolveNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := do(t, s.Routes(), "POST", "/admin/cases/nope/review", `{"reviewer_id":"mod-1"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
