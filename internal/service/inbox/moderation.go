package inbox

import (
	"context"
	"errors"
	"log"

	"github.com/zhouzirui/whisper/backend/internal/errs"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
	"github.com/zhouzirui/whisper/backend/internal/store"
)

// Decision is a holder's verdict on a fan message.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

func (d Decision) target() (inbox.Status, bool) {
	switch d {
	case DecisionAccept:
		return inbox.StatusAccepted, true
	case DecisionReject:
		return inbox.StatusRejected, true
	}
	return "", false
}

// Accept opens the chat session for a pending fan message.
func (s *Service) Accept(ctx context.Context, holderID, messageID string) (inbox.Message, error) {
	return s.Moderate(ctx, holderID, messageID, DecisionAccept)
}

// Reject closes a fan message for good.
func (s *Service) Reject(ctx context.Context, holderID, messageID string) (inbox.Message, error) {
	return s.Moderate(ctx, holderID, messageID, DecisionReject)
}

// Moderate applies decision to a fan message owned by holderID.
//
// Repeating the current decision is a no-op. Rejected is terminal, and an
// accepted message may still be rejected. Concurrent decisions are settled by
// the store: the loser gets a "conflict" state error.
func (s *Service) Moderate(ctx context.Context, holderID, messageID string, decision Decision) (inbox.Message, error) {
	next, ok := decision.target()
	if !ok {
		return inbox.Message{}, errs.Validation("decision must be accept or reject")
	}

	msg, err := s.load(ctx, messageID)
	if err != nil {
		return inbox.Message{}, err
	}
	if msg.ReceiverID != holderID {
		return inbox.Message{}, errs.NotFound("message not found")
	}
	if !msg.IsFan() {
		return inbox.Message{}, errs.Validation("only fan messages can be moderated")
	}

	if msg.Status == next {
		msg.SessionToken = ""
		return msg, nil
	}
	if !msg.Status.CanTransition(next) {
		return inbox.Message{}, errs.State(string(msg.Status))
	}

	if err := s.Transition(ctx, messageID, msg.Status, next); err != nil {
		return inbox.Message{}, err
	}
	log.Printf("[inbox] message %s moved %s -> %s", messageID, msg.Status, next)

	msg.Status = next
	msg.SessionToken = ""
	return msg, nil
}

// Transition moves messageID from expected to next only if the stored status
// still equals expected.
func (s *Service) Transition(ctx context.Context, messageID string, expected, next inbox.Status) error {
	if !expected.CanTransition(next) {
		return errs.State(string(expected))
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.store.UpdateStatus(sctx, messageID, expected, next)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return errs.NotFound("message not found")
	case errors.Is(err, store.ErrConflict):
		return errs.Wrap(errs.KindState, "conflict", err)
	default:
		return errs.Store("update status", err)
	}
}

func (s *Service) load(ctx context.Context, messageID string) (inbox.Message, error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.store.GetMessage(sctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return inbox.Message{}, errs.NotFound("message not found")
	}
	if err != nil {
		return inbox.Message{}, errs.Store("load message", err)
	}
	return msg, nil
}
