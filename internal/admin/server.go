// Package admin exposes the privileged HTTP API used by reviewers: listing
// and inspecting moderation cases and resolving them through the review
// workflow. Access requires a bearer token; the API is expected to sit
// behind the internal network boundary regardless.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/relay/chat-relay/internal/flagstore"
	"github.com/relay/chat-relay/internal/review"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Server handles the /admin endpoints.
type Server struct {
	cases    *flagstore.Store
	workflow *review.Workflow
	token    string
}

// NewServer creates an admin API server.
func NewServer(cases *flagstore.Store, workflow *review.Workflow, token string) *Server {
	return &Server{cases: cases, workflow: workflow, token: token}
}

// Routes returns the admin handler with authentication applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/cases", s.handleListCases)
	mux.HandleFunc("GET /admin/cases/{id}", s.handleGetCase)
	mux.HandleFunc("POST /admin/cases/{id}/review", s.handleReview)
	mux.HandleFunc("POST /admin/cases/{id}/dismiss", s.handleDismiss)
	mux.HandleFunc("POST /admin/cases/{id}/remove", s.handleRemove)
	mux.HandleFunc("POST /admin/cases/{id}/restrict", s.handleRestrict)
	return s.requireToken(mux)
}

// requireToken rejects requests without the configured bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		want := "Bearer " + s.token
		if s.token == "" || subtle.ConstantTimeCompare([]byte(auth), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// casePayload is the JSON shape of a case in API responses.
type casePayload struct {
	ID              string                     `json:"id"`
	Source          string                     `json:"source"`
	OriginalContent string                     `json:"original_content"`
	ModifiedContent string                     `json:"modified_content,omitempty"`
	Severity        string                     `json:"severity"`
	UserID          string                     `json:"user_id"`
	ReporterID      string                     `json:"reporter_id,omitempty"`
	Room            string                     `json:"room"`
	MessageID       string                     `json:"message_id,omitempty"`
	Reason          string                     `json:"reason"`
	ReviewStatus    string                     `json:"review_status"`
	ActionTaken     string                     `json:"action_taken"`
	ReviewerID      string                     `json:"reviewer_id,omitempty"`
	ReviewedAt      int64                      `json:"reviewed_at,omitempty"`
	CreatedAt       int64                      `json:"created_at"`
	Context         []flagstore.ContextMessage `json:"context,omitempty"`
}

func toPayload(c *flagstore.Case) casePayload {
	p := casePayload{
		ID:              c.ID,
		Source:          c.Source,
		OriginalContent: c.OriginalContent,
		ModifiedContent: c.ModifiedContent,
		Severity:        c.Severity,
		UserID:          c.UserID,
		ReporterID:      c.ReporterID,
		Room:            c.Room,
		MessageID:       c.MessageID,
		Reason:          c.Reason,
		ReviewStatus:    c.ReviewStatus,
		ActionTaken:     c.ActionTaken,
		ReviewerID:      c.ReviewerID,
		CreatedAt:       c.CreatedAt.Unix(),
		Context:         c.Context,
	}
	if !c.ReviewedAt.IsZero() {
		p.ReviewedAt = c.ReviewedAt.Unix()
	}
	return p
}

// handleListCases returns a filtered, paginated case list, newest first.
func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := flagstore.Filter{
		Status:   q.Get("status"),
		Severity: q.Get("severity"),
		Room:     q.Get("room"),
	}

	page := parseIntParam(q.Get("page"), 1)
	pageSize := parseIntParam(q.Get("page_size"), defaultPageSize)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	cases, err := s.cases.Query(r.Context(), filter, page, pageSize)
	if err != nil {
		log.Printf("[admin] list cases: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	payload := make([]casePayload, 0, len(cases))
	for _, c := range cases {
		payload = append(payload, toPayload(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases":     payload,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.cases.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, flagstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	if err != nil {
		log.Printf("[admin] get case: %v", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toPayload(c))
}

// resolveRequest is the shared body for the resolution endpoints.
type resolveRequest struct {
	ReviewerID      string `json:"reviewer_id"`
	RemoveOriginal  bool   `json:"remove_original"`
	Kind            string `json:"kind"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, func(req resolveRequest, id string) (review.Outcome, error) {
		return s.workflow.Review(r.Context(), id, req.ReviewerID)
	})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, func(req resolveRequest, id string) (review.Outcome, error) {
		return s.workflow.Dismiss(r.Context(), id, req.ReviewerID)
	})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, func(req resolveRequest, id string) (review.Outcome, error) {
		return s.workflow.Remove(r.Context(), id, req.RemoveOriginal, req.ReviewerID)
	})
}

func (s *Server) handleRestrict(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, func(req resolveRequest, id string) (review.Outcome, error) {
		duration := time.Duration(req.DurationMinutes) * time.Minute
		return s.workflow.Restrict(r.Context(), id, req.ReviewerID, req.Kind, duration)
	})
}

// resolve runs a workflow action and writes the outcome. Unknown cases map
// to 404, bad input to 400, everything else to 500.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request, fn func(resolveRequest, string) (review.Outcome, error)) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReviewerID == "" {
		writeError(w, http.StatusBadRequest, "reviewer_id is required")
		return
	}

	out, err := fn(req, r.PathValue("id"))
	switch {
	case errors.Is(err, flagstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "case not found")
		return
	case err != nil:
		log.Printf("[admin] resolve case=%s: %v", r.PathValue("id"), err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"case":             toPayload(out.Case),
		"already_resolved": out.AlreadyResolved,
	})
}

func parseIntParam(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
