// Package session gates fan access to chat threads.
package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/whisper/backend/internal/errs"
	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
	"github.com/zhouzirui/whisper/backend/internal/store"
)

const defaultStoreTimeout = 5 * time.Second

// Config 控制会话校验器。
type Config struct {
	StoreTimeout time.Duration
	Now          func() time.Time
	// Limiter throttles failed lookups; nil disables throttling.
	Limiter *Limiter
}

// Verifier turns a bearer token into a chat session handle.
type Verifier struct {
	store   store.Store
	limiter *Limiter
	now     func() time.Time
	timeout time.Duration
}

// NewVerifier 创建会话校验器。
func NewVerifier(st store.Store, cfg Config) (*Verifier, error) {
	if st == nil {
		return nil, errors.New("session: store is required")
	}
	v := &Verifier{
		store:   st,
		limiter: cfg.Limiter,
		now:     cfg.Now,
		timeout: cfg.StoreTimeout,
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.timeout <= 0 {
		v.timeout = defaultStoreTimeout
	}
	return v, nil
}

// Verify checks token against the fan message it was issued for.
//
// The outcome is decided in this order: unknown token, rejected, pending,
// expired, success. An accepted but expired session therefore reports
// expiry. clientKey identifies the caller for throttling of failed lookups.
func (v *Verifier) Verify(ctx context.Context, clientKey, token, receiverID string) (chat.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return chat.Session{}, errs.Validation("token is required")
	}
	if receiverID == "" {
		return chat.Session{}, errs.Validation("receiver is required")
	}

	now := v.now()
	if v.limiter.Blocked(clientKey, now) {
		log.Printf("[session] throttled verification from %s", clientKey)
		return chat.Session{}, errs.RateLimited("too many failed attempts")
	}

	sctx, cancel := context.WithTimeout(ctx, v.timeout)
	msg, err := v.store.FindFanMessage(sctx, token, receiverID)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		v.limiter.Fail(clientKey, now)
		return chat.Session{}, errs.NotFound("invalid token")
	}
	if err != nil {
		return chat.Session{}, errs.Store("find session", err)
	}

	switch msg.Status {
	case inbox.StatusRejected:
		return chat.Session{}, errs.State("rejected")
	case inbox.StatusPending:
		return chat.Session{}, errs.State("pending")
	}
	if msg.Expired(now) {
		return chat.Session{}, errs.Expired("session expired")
	}

	return chat.Session{
		MessageID:      msg.ID,
		ReceiverID:     msg.ReceiverID,
		Token:          msg.SessionToken,
		ExpiresAt:      msg.SessionExpiresAt,
		InitialContent: msg.Content,
	}, nil
}
