// Package review drives a moderation case to a terminal action. Transitions
// move only forward (pending -> reviewed -> actioned, or pending ->
// dismissed); re-invoking an action on a resolved case is a safe no-op.
package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relay/chat-relay/internal/flagstore"
)

// Restriction kinds accepted by Restrict.
const (
	KindWarning = "warning"
	KindTempBan = "temporary_ban"
)

// MessageDeleter erases the message referenced by a case. This is the
// moderation hard delete, distinct from the lifecycle's soft delete.
type MessageDeleter interface {
	HardDelete(ctx context.Context, id string) error
}

// Restrictor applies user restrictions. *restrict.Store satisfies it.
type Restrictor interface {
	Warn(ctx context.Context, userID, reason string) (int, error)
	TempBan(ctx context.Context, userID string, duration time.Duration, reason string) error
}

// Outcome reports the result of a workflow invocation.
type Outcome struct {
	Case            *flagstore.Case
	AlreadyResolved bool // the transition had already happened; no side effects ran
}

// Workflow coordinates the case store, the message store, and the
// restriction store.
type Workflow struct {
	cases    *flagstore.Store
	messages MessageDeleter
	restrict Restrictor
}

// NewWorkflow wires a review workflow.
func NewWorkflow(cases *flagstore.Store, messages MessageDeleter, restrict Restrictor) *Workflow {
	return &Workflow{cases: cases, messages: messages, restrict: restrict}
}

// Review advances a pending case to reviewed, recording the reviewer and
// timestamp.
func (w *Workflow) Review(ctx context.Context, caseID, reviewerID string) (Outcome, error) {
	return w.advance(ctx, caseID, flagstore.StatusReviewed, reviewerID, "")
}

// Dismiss closes a case without action. Used for reports the reviewer
// judges unfounded.
func (w *Workflow) Dismiss(ctx context.Context, caseID, reviewerID string) (Outcome, error) {
	return w.advance(ctx, caseID, flagstore.StatusDismissed, reviewerID, "")
}

// Remove resolves a case with action "removed". If removeOriginal is set
// and the case references a message, that message is hard-deleted — the
// row is erased, unlike the owner's soft delete.
func (w *Workflow) Remove(ctx context.Context, caseID string, removeOriginal bool, reviewerID string) (Outcome, error) {
	out, err := w.advance(ctx, caseID, flagstore.StatusActioned, reviewerID, flagstore.ActionRemoved)
	if err != nil || out.AlreadyResolved {
		return out, err
	}

	if removeOriginal && out.Case.MessageID != "" {
		if err := w.messages.HardDelete(ctx, out.Case.MessageID); err != nil {
			// The case is resolved either way; the missing row may already
			// be gone.
			log.Printf("[review] hard delete message=%s for case=%s failed: %v",
				out.Case.MessageID, caseID, err)
		}
	}
	return out, nil
}

// Restrict resolves a case by restricting the offending user: a warning
// appends to their history and bumps the warning count; a temporary ban
// sets a ban that expires after the given duration.
func (w *Workflow) Restrict(ctx context.Context, caseID, reviewerID, kind string, duration time.Duration) (Outcome, error) {
	var action string
	switch kind {
	case KindWarning:
		action = flagstore.ActionWarningIssued
	case KindTempBan:
		action = flagstore.ActionUserRestricted
	default:
		return Outcome{}, fmt.Errorf("review: unknown restriction kind %q", kind)
	}

	out, err := w.advance(ctx, caseID, flagstore.StatusActioned, reviewerID, action)
	if err != nil || out.AlreadyResolved {
		return out, err
	}

	switch kind {
	case KindWarning:
		count, err := w.restrict.Warn(ctx, out.Case.UserID, out.Case.Reason)
		if err != nil {
			log.Printf("[review] warn user=%s for case=%s failed: %v", out.Case.UserID, caseID, err)
		} else {
			log.Printf("[review] user=%s warned (count=%d) case=%s", out.Case.UserID, count, caseID)
		}
	case KindTempBan:
		if err := w.restrict.TempBan(ctx, out.Case.UserID, duration, out.Case.Reason); err != nil {
			log.Printf("[review] ban user=%s for case=%s failed: %v", out.Case.UserID, caseID, err)
		}
	}
	return out, nil
}

// advance performs the forward-only transition. The transition itself is
// the idempotency gate: a terminal case reports AlreadyResolved before any
// side effect runs.
func (w *Workflow) advance(ctx context.Context, caseID, status, reviewerID, action string) (Outcome, error) {
	err := w.cases.Advance(ctx, caseID, status, reviewerID, action)
	switch {
	case err == nil:
		c, getErr := w.cases.Get(ctx, caseID)
		if getErr != nil {
			return Outcome{}, getErr
		}
		return Outcome{Case: c}, nil

	case errors.Is(err, flagstore.ErrAlreadyResolved),
		errors.Is(err, flagstore.ErrInvalidTransition):
		c, getErr := w.cases.Get(ctx, caseID)
		if getErr != nil {
			return Outcome{}, getErr
		}
		return Outcome{Case: c, AlreadyResolved: true}, nil

	default:
		return Outcome{}, err
	}
}
