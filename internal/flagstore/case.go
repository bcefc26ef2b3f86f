// Package flagstore holds moderation cases: messages flagged by the
// moderation engine and explicit user reports, unified into one record
// awaiting reviewer action. A bounded in-memory cache is authoritative for
// immediate admin queries; PostgreSQL mirrors it for durability.
package flagstore

import (
	"time"
)

// Case source types.
const (
	SourceFlag   = "flag"   // produced by the moderation engine
	SourceReport = "report" // filed by a user
)

// Severity levels.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Review status values. Status only advances forward:
// pending -> reviewed -> actioned, or pending -> dismissed.
const (
	StatusPending   = "pending"
	StatusReviewed  = "reviewed"
	StatusActioned  = "actioned"
	StatusDismissed = "dismissed"
)

// Actions recorded when a case is resolved.
const (
	ActionNone           = "none"
	ActionRemoved        = "removed"
	ActionUserRestricted = "user_restricted"
	ActionWarningIssued  = "warning_issued"
)

// allowedNext maps each review status to the statuses it may advance to.
// Dismissal is only reachable from pending; a reviewed case resolves by
// action. Actioned and dismissed are terminal.
var allowedNext = map[string]map[string]bool{
	StatusPending:   {StatusReviewed: true, StatusActioned: true, StatusDismissed: true},
	StatusReviewed:  {StatusActioned: true},
	StatusActioned:  {},
	StatusDismissed: {},
}

// ContextMessage is one message in the conversation snapshot attached to a
// user report, giving the reviewer the surrounding exchange.
type ContextMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

// Case is a single moderation case.
type Case struct {
	ID              string
	Source          string // flag | report
	OriginalContent string
	ModifiedContent string // set when the engine rewrote the content
	Severity        string
	UserID          string // the user whose content is in question
	ReporterID      string // set for report-sourced cases
	Room            string
	MessageID       string // optional reference to the persisted message
	Reason          string
	ReviewStatus    string
	ActionTaken     string
	ReviewerID      string
	ReviewedAt      time.Time
	CreatedAt       time.Time
	Context         []ContextMessage // recent-message snapshot for reports
}

// Terminal reports whether the case has reached a terminal review status.
func (c *Case) Terminal() bool {
	return c.ReviewStatus == StatusActioned || c.ReviewStatus == StatusDismissed
}

// Filter selects cases in Query. Zero-value fields match everything.
type Filter struct {
	Status   string
	Severity string
	Room     string
}

// matches reports whether c passes the filter; used for the in-memory
// fallback path.
func (f Filter) matches(c *Case) bool {
	if f.Status != "" && c.ReviewStatus != f.Status {
		return false
	}
	if f.Severity != "" && c.Severity != f.Severity {
		return false
	}
	if f.Room != "" && c.Room != f.Room {
		return false
	}
	return true
}
