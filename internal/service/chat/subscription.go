package chat

import (
	"context"
	"log"
	"time"

	"github.com/zhouzirui/whisper/backend/internal/errs"
	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
)

const subscriptionBuffer = 32

// Subscription is a live view of one thread. Entries arrive on C in
// createdAt order, opening turn first; C is closed after Close, when the
// subscribing context ends, or when a fan subscription loses access.
type Subscription struct {
	C <-chan chat.Message

	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops delivery and releases the underlying store watch. It is safe
// to call more than once.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// guard reports a non-nil error once the subscriber may no longer read the
// thread.
type guard func(ctx context.Context) error

// Subscribe replays the thread of messageID and then follows it live.
// Delivery is at least once from the store; duplicates are filtered by id.
func (s *Service) Subscribe(ctx context.Context, messageID string) (*Subscription, error) {
	parent, err := s.loadParent(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, parent, nil), nil
}

// SubscribeAsFan is Subscribe for a verified fan handle. Access is
// re-checked before every turn and every RecheckInterval while idle; the
// subscription ends when the message leaves accepted or the handle expires.
func (s *Service) SubscribeAsFan(ctx context.Context, sess chat.Session) (*Subscription, error) {
	check := s.fanGuard(sess)
	if err := check(ctx); err != nil {
		return nil, err
	}
	parent, err := s.loadParent(ctx, sess.MessageID)
	if err != nil {
		return nil, err
	}

	sub := s.start(ctx, parent, check)
	expiry := time.UnixMilli(sess.ExpiresAt).Add(time.Millisecond).Sub(s.now())
	timer := time.AfterFunc(expiry, sub.cancel)
	go func() {
		<-sub.done
		timer.Stop()
	}()
	return sub, nil
}

// fanGuard checks the handle against the current state of its message.
func (s *Service) fanGuard(sess chat.Session) guard {
	return func(ctx context.Context) error {
		if sess.Expired(s.now()) {
			return errs.Expired("session expired")
		}
		m, err := s.loadParent(ctx, sess.MessageID)
		if err != nil {
			return err
		}
		if m.SessionToken != sess.Token || m.ReceiverID != sess.ReceiverID {
			return errs.NotFound("invalid token")
		}
		switch m.Status {
		case inbox.StatusRejected:
			return errs.State("rejected")
		case inbox.StatusPending:
			return errs.State("pending")
		}
		if m.Expired(s.now()) {
			return errs.Expired("session expired")
		}
		return nil
	}
}

func (s *Service) start(ctx context.Context, parent inbox.Message, check guard) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan chat.Message, subscriptionBuffer)
	sub := &Subscription{C: out, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer close(out)
		defer cancel()
		if check != nil {
			go s.recheck(ctx, parent.ID, check, cancel)
		}
		s.follow(ctx, parent, check, out)
	}()
	return sub
}

// recheck ends an idle subscription whose access was revoked. Store
// failures are left to the next turn's check.
func (s *Service) recheck(ctx context.Context, messageID string, check guard, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.recheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := check(ctx)
			if err == nil || ctx.Err() != nil {
				continue
			}
			if errs.KindOf(err) == errs.KindStore {
				log.Printf("[chat] access recheck on %s failed: %v", messageID, err)
				continue
			}
			log.Printf("[chat] fan access to %s ended: %v", messageID, err)
			cancel()
			return
		}
	}
}

// follow runs until ctx ends. Each round opens a store watch before reading
// history so nothing persisted in between is missed.
func (s *Service) follow(ctx context.Context, parent inbox.Message, check guard, out chan<- chat.Message) {
	seen := make(map[string]struct{})
	emit := func(m chat.Message, verify bool) bool {
		if _, ok := seen[m.ID]; ok {
			return true
		}
		if check != nil && verify {
			if err := check(ctx); err != nil {
				if ctx.Err() == nil {
					log.Printf("[chat] fan access to %s ended: %v", parent.ID, err)
				}
				return false
			}
		}
		select {
		case out <- m:
			seen[m.ID] = struct{}{}
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(opening(parent), false) {
		return
	}

	for {
		if !s.followOnce(ctx, parent.ID, emit) {
			return
		}
		log.Printf("[chat] watch on %s lost, resubscribing", parent.ID)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.rewatch):
		}
	}
}

// followOnce returns false once the subscriber is gone. A replayed batch is
// checked once; live turns are checked one by one.
func (s *Service) followOnce(ctx context.Context, messageID string, emit func(chat.Message, bool) bool) bool {
	watchCtx, stop := context.WithCancel(ctx)
	defer stop()

	watch, err := s.store.WatchChat(watchCtx, messageID)
	if err != nil {
		log.Printf("[chat] watch on %s failed: %v", messageID, err)
		return ctx.Err() == nil
	}

	turns, err := s.listTurns(ctx, messageID)
	if err != nil {
		log.Printf("[chat] replay of %s failed: %v", messageID, err)
		return ctx.Err() == nil
	}
	for i, m := range turns {
		if !emit(m, i == 0) {
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case m, ok := <-watch:
			if !ok {
				return ctx.Err() == nil
			}
			if !emit(m, true) {
				return false
			}
		}
	}
}
