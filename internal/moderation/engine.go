// Package moderation orchestrates rate limiting and the content rule
// evaluators into a single ordered decision. The first decisive match wins;
// later checks never run once a verdict is fixed. The only side effects are
// the rate-limiter counter mutation and the flag-case write, both explicit
// collaborators.
package moderation

import (
	"context"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/relay/chat-relay/internal/flagstore"
	"github.com/relay/chat-relay/internal/ratelimit"
	"github.com/relay/chat-relay/internal/rules"
)

// Actions a policy can assign to a rule category, and the resolved actions
// a verdict can carry. "filter" is a policy-level action only: it resolves
// to "allow" carrying the modified content.
const (
	ActionAllow  = "allow"
	ActionFilter = "filter"
	ActionBlock  = "block"
	ActionFlag   = "flag"
)

// Policy configures the action taken for each rule category and the mask
// token used for redaction.
type Policy struct {
	SevereAction    string // default: block
	SpamAction      string // default: flag
	ProfanityAction string // default: filter
	Mask            string // replacement token for redacted terms
}

// DefaultPolicy returns the standard relay policy: severe content blocks,
// spam is delivered but flagged for review, profanity is masked and
// delivered.
func DefaultPolicy() Policy {
	return Policy{
		SevereAction:    ActionBlock,
		SpamAction:      ActionFlag,
		ProfanityAction: ActionFilter,
		Mask:            "****",
	}
}

// Verdict is the engine's decision for one message.
type Verdict struct {
	Action   string // resolved action: allow | block | flag
	Content  string // content to deliver (possibly redacted)
	Flagged  bool
	Reason   string
	Severity string
	CaseID   string // set when a moderation case was recorded
}

// Recorder receives moderation cases. *flagstore.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, c *flagstore.Case) error
}

// Engine evaluates messages against the moderation pipeline.
type Engine struct {
	admitter ratelimit.Admitter
	recorder Recorder
	policy   Policy
}

// NewEngine creates an Engine with the given collaborators and policy.
func NewEngine(admitter ratelimit.Admitter, recorder Recorder, policy Policy) *Engine {
	if policy.Mask == "" {
		policy.Mask = "****"
	}
	return &Engine{admitter: admitter, recorder: recorder, policy: policy}
}

// Evaluate runs the pipeline for one message. Order: rate limit, severe
// content, spam heuristics, profanity. The first decisive match fixes the
// verdict. A verdict that resolves to "flag" (and a rate-limit block, for
// audit) records a moderation case before returning; a failed case write is
// logged and never blocks the decision.
func (e *Engine) Evaluate(ctx context.Context, text, senderID, roomID string) Verdict {
	// 1. Rate limit. A block here is recorded for audit even though the
	// message is never delivered.
	res, err := e.admitter.Admit(ctx, senderID)
	if err != nil {
		log.Printf("[moderation] rate limit check failed sender=%s: %v", senderID, err)
	}
	if res.Blocked {
		v := Verdict{
			Action:   ActionBlock,
			Content:  text,
			Reason:   "rate limit exceeded",
			Severity: flagstore.SeverityMedium,
		}
		v.CaseID = e.recordCase(ctx, text, "", senderID, roomID, v.Reason, v.Severity)
		return v
	}

	// 2. Severe content. Always takes priority over spam and profanity.
	if sev := rules.MatchSevere(text); sev.Found {
		action := e.policy.SevereAction
		v := Verdict{
			Action:   action,
			Content:  text,
			Reason:   "severe content",
			Severity: flagstore.SeverityHigh,
		}
		if action == ActionFilter {
			// Severe content is never partially masked.
			v.Action = ActionAllow
			v.Content = fullMask(text)
			v.Flagged = true
		}
		if action == ActionFlag {
			v.Flagged = true
			v.CaseID = e.recordCase(ctx, text, "", senderID, roomID, v.Reason, v.Severity)
		}
		return v
	}

	// 3. Spam heuristics.
	if spam := rules.MatchSpam(text); spam.IsSpam {
		action := e.policy.SpamAction
		v := Verdict{
			Action:   action,
			Content:  text,
			Reason:   spam.Reason,
			Severity: flagstore.SeverityMedium,
		}
		if action == ActionFilter {
			v.Action = ActionAllow
			v.Flagged = true
		}
		if action == ActionFlag {
			v.Flagged = true
			v.CaseID = e.recordCase(ctx, text, "", senderID, roomID, v.Reason, v.Severity)
		}
		return v
	}

	// 4. Profanity. The default policy masks and delivers; the sender is
	// notified separately that filtering occurred.
	if prof := rules.MatchProfanity(text, e.policy.Mask); prof.Found {
		action := e.policy.ProfanityAction
		v := Verdict{
			Action:   action,
			Content:  text,
			Reason:   "profanity filtered",
			Severity: flagstore.SeverityLow,
		}
		switch action {
		case ActionFilter:
			v.Action = ActionAllow
			v.Content = prof.Redacted
			v.Flagged = true
		case ActionFlag:
			v.Flagged = true
			v.CaseID = e.recordCase(ctx, text, prof.Redacted, senderID, roomID, v.Reason, v.Severity)
		}
		return v
	}

	return Verdict{Action: ActionAllow, Content: text}
}

// recordCase writes a flag-sourced moderation case and returns its id.
// Failures are logged; admission of the underlying message never depends on
// the case write.
func (e *Engine) recordCase(ctx context.Context, original, modified, senderID, roomID, reason, severity string) string {
	if e.recorder == nil {
		return ""
	}
	c := &flagstore.Case{
		Source:          flagstore.SourceFlag,
		OriginalContent: original,
		ModifiedContent: modified,
		Severity:        severity,
		UserID:          senderID,
		Room:            roomID,
		Reason:          reason,
	}
	if err := e.recorder.Record(ctx, c); err != nil {
		log.Printf("[moderation] record case sender=%s room=%s failed: %v", senderID, roomID, err)
		return ""
	}
	return c.ID
}

// fullMask replaces every rune of text with the mask character. Used when
// policy filters severe content: the result carries no fragment of the
// original.
func fullMask(text string) string {
	return strings.Repeat("*", utf8.RuneCountInString(text))
}
