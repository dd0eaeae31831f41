package inbox_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/whisper/backend/internal/errs"
	"github.com/zhouzirui/whisper/backend/internal/model/holder"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
	inboxsvc "github.com/zhouzirui/whisper/backend/internal/service/inbox"
	"github.com/zhouzirui/whisper/backend/internal/store"
	"github.com/zhouzirui/whisper/backend/internal/store/memory"
)

const holderID = "holder-ada"

var fixedNow = time.Date(2026, 10, 1, 12, 0, 0, 123456789, time.UTC)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// faultyStore wraps the memory store and fails selected calls.
type faultyStore struct {
	*memory.Store
	createErr error
	statsErr  error
	updateErr error
}

func (f *faultyStore) CreateMessage(ctx context.Context, m inbox.Message) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Store.CreateMessage(ctx, m)
}

func (f *faultyStore) IncrementStats(ctx context.Context, receiverID string, t inbox.MessageType) error {
	if f.statsErr != nil {
		return f.statsErr
	}
	return f.Store.IncrementStats(ctx, receiverID, t)
}

func (f *faultyStore) GetStats(ctx context.Context, receiverID string) (inbox.Stats, error) {
	if f.statsErr != nil {
		return inbox.Stats{}, f.statsErr
	}
	return f.Store.GetStats(ctx, receiverID)
}

func (f *faultyStore) UpdateStatus(ctx context.Context, id string, expected, next inbox.Status) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.Store.UpdateStatus(ctx, id, expected, next)
}

func newService(t *testing.T, st store.Store, cfg inboxsvc.Config) *inboxsvc.Service {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	svc, err := inboxsvc.NewService(st, holder.NewMemoryDirectory(holder.Seed()), cfg)
	require.NoError(t, err)
	return svc
}

func TestSendValidatesContent(t *testing.T) {
	svc := newService(t, memory.New(), inboxsvc.Config{})
	ctx := context.Background()

	cases := []struct {
		name    string
		content string
		kind    inbox.MessageType
		wantErr bool
	}{
		{"empty", "", inbox.TypeAnonymous, true},
		{"blank", "   \n", inbox.TypeAnonymous, true},
		{"single char", "a", inbox.TypeAnonymous, false},
		{"at limit", strings.Repeat("a", 500), inbox.TypeFan, false},
		{"over limit", strings.Repeat("a", 501), inbox.TypeFan, true},
		{"multibyte at limit", strings.Repeat("你", 500), inbox.TypeAnonymous, false},
		{"unknown type", "hello", inbox.MessageType("vip"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Send(ctx, holderID, tc.content, tc.kind)
			if tc.wantErr {
				require.True(t, errs.Is(err, errs.KindValidation), "got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSendUnknownReceiver(t *testing.T) {
	svc := newService(t, memory.New(), inboxsvc.Config{})

	_, err := svc.Send(context.Background(), "nobody", "hello", inbox.TypeFan)
	require.True(t, errs.Is(err, errs.KindNotFound))
}

func TestSendAnonymousCarriesNoSession(t *testing.T) {
	st := memory.New()
	svc := newService(t, st, inboxsvc.Config{})

	res, err := svc.Send(context.Background(), holderID, "  just saying hi  ", inbox.TypeAnonymous)
	require.NoError(t, err)
	require.Empty(t, res.Token)
	require.Equal(t, "just saying hi", res.Message.Content)

	stored, err := st.GetMessage(context.Background(), res.Message.ID)
	require.NoError(t, err)
	require.Empty(t, stored.Status)
	require.Empty(t, stored.SessionToken)
	require.Zero(t, stored.SessionExpiresAt)
}

func TestSendFanIssuesPendingSession(t *testing.T) {
	st := memory.New()
	svc := newService(t, st, inboxsvc.Config{})

	res, err := svc.Send(context.Background(), holderID, "Hi!", inbox.TypeFan)
	require.NoError(t, err)
	require.Len(t, res.Token, 43)

	stored, err := st.GetMessage(context.Background(), res.Message.ID)
	require.NoError(t, err)
	require.Equal(t, inbox.StatusPending, stored.Status)
	require.Equal(t, res.Token, stored.SessionToken)
	require.Equal(t, stored.CreatedAt.UnixMilli()+604_800_000, stored.SessionExpiresAt)
}

func TestSendFanTokensAreUnique(t *testing.T) {
	svc := newService(t, memory.New(), inboxsvc.Config{})

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		res, err := svc.Send(context.Background(), holderID, "again", inbox.TypeFan)
		require.NoError(t, err)
		_, dup := seen[res.Token]
		require.False(t, dup)
		seen[res.Token] = struct{}{}
	}
}

func TestSendFanGivesUpAfterRepeatedCollisions(t *testing.T) {
	svc := newService(t, memory.New(), inboxsvc.Config{Issuer: inboxsvc.NewTokenIssuer(zeroReader{})})
	ctx := context.Background()

	_, err := svc.Send(ctx, holderID, "first", inbox.TypeFan)
	require.NoError(t, err)

	_, err = svc.Send(ctx, holderID, "second", inbox.TypeFan)
	require.True(t, errs.Is(err, errs.KindStore))
	require.ErrorIs(t, err, store.ErrDuplicateToken)
}

func TestSendStoreFailureIsRetryable(t *testing.T) {
	st := &faultyStore{Store: memory.New(), createErr: errors.New("connection reset")}
	svc := newService(t, st, inboxsvc.Config{})

	_, err := svc.Send(context.Background(), holderID, "hello", inbox.TypeAnonymous)
	require.True(t, errs.Retryable(err))

	msgs, err := st.ListMessages(context.Background(), holderID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSendSurvivesStatsFailure(t *testing.T) {
	st := &faultyStore{Store: memory.New(), statsErr: errors.New("throttled")}
	svc := newService(t, st, inboxsvc.Config{})

	_, err := svc.Send(context.Background(), holderID, "hello", inbox.TypeFan)
	require.NoError(t, err)
	require.Equal(t, inbox.Stats{}, svc.Stats(context.Background(), holderID))
}

func TestStatsCountsMessages(t *testing.T) {
	svc := newService(t, memory.New(), inboxsvc.Config{})
	ctx := context.Background()

	for _, kind := range []inbox.MessageType{inbox.TypeFan, inbox.TypeAnonymous, inbox.TypeAnonymous} {
		_, err := svc.Send(ctx, holderID, "hey", kind)
		require.NoError(t, err)
	}

	require.Equal(t, inbox.Stats{TotalMessages: 3, Fans: 1, FanRate: 33}, svc.Stats(ctx, holderID))
	require.Equal(t, inbox.Stats{}, svc.Stats(ctx, "holder-linus"))
}

func TestListFiltersAndHidesTokens(t *testing.T) {
	clock := fixedNow
	svc := newService(t, memory.New(), inboxsvc.Config{Now: func() time.Time { return clock }})
	ctx := context.Background()

	send := func(content string, kind inbox.MessageType) {
		clock = clock.Add(time.Minute)
		_, err := svc.Send(ctx, holderID, content, kind)
		require.NoError(t, err)
	}
	send("old fan", inbox.TypeFan)
	send("anon", inbox.TypeAnonymous)
	send("new fan", inbox.TypeFan)

	all, err := svc.List(ctx, holderID, inbox.FilterAll)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "new fan", all[0].Content)
	require.Equal(t, "old fan", all[1].Content)
	require.Equal(t, "anon", all[2].Content)
	for _, m := range all {
		require.Empty(t, m.SessionToken)
	}

	anon, err := svc.List(ctx, holderID, inbox.FilterAnonymous)
	require.NoError(t, err)
	require.Len(t, anon, 1)
}

func TestModerateTransitions(t *testing.T) {
	svc := newService(t, memory.New(), inboxsvc.Config{})
	ctx := context.Background()

	res, err := svc.Send(ctx, holderID, "Hi!", inbox.TypeFan)
	require.NoError(t, err)
	id := res.Message.ID

	got, err := svc.Accept(ctx, holderID, id)
	require.NoError(t, err)
	require.Equal(t, inbox.StatusAccepted, got.Status)
	require.Empty(t, got.SessionToken)

	got, err = svc.Accept(ctx, holderID, id)
	require.NoError(t, err, "repeating a decision is a no-op")
	require.Equal(t, inbox.StatusAccepted, got.Status)

	got, err = svc.Reject(ctx, holderID, id)
	require.NoError(t, err)
	require.Equal(t, inbox.StatusRejected, got.Status)

	_, err = svc.Accept(ctx, holderID, id)
	require.True(t, errs.Is(err, errs.KindState))
	require.Equal(t, "rejected", errs.ReasonOf(err))
}

func TestModerateRejectsNonFanAndForeignMessages(t *testing.T) {
	svc := newService(t, memory.New(), inboxsvc.Config{})
	ctx := context.Background()

	anon, err := svc.Send(ctx, holderID, "note", inbox.TypeAnonymous)
	require.NoError(t, err)
	_, err = svc.Accept(ctx, holderID, anon.Message.ID)
	require.True(t, errs.Is(err, errs.KindValidation))

	fan, err := svc.Send(ctx, holderID, "fan", inbox.TypeFan)
	require.NoError(t, err)
	_, err = svc.Accept(ctx, "holder-linus", fan.Message.ID)
	require.True(t, errs.Is(err, errs.KindNotFound))

	_, err = svc.Accept(ctx, holderID, "missing")
	require.True(t, errs.Is(err, errs.KindNotFound))

	_, err = svc.Moderate(ctx, holderID, fan.Message.ID, inboxsvc.Decision("maybe"))
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestModerateKeepsTokenAndExpiry(t *testing.T) {
	st := memory.New()
	svc := newService(t, st, inboxsvc.Config{})
	ctx := context.Background()

	res, err := svc.Send(ctx, holderID, "Hi!", inbox.TypeFan)
	require.NoError(t, err)
	before, err := st.GetMessage(ctx, res.Message.ID)
	require.NoError(t, err)

	_, err = svc.Accept(ctx, holderID, res.Message.ID)
	require.NoError(t, err)

	after, err := st.GetMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	require.Equal(t, before.SessionToken, after.SessionToken)
	require.Equal(t, before.SessionExpiresAt, after.SessionExpiresAt)
}

func TestConcurrentDecisionsAreDeterministic(t *testing.T) {
	st := memory.New()
	svc := newService(t, st, inboxsvc.Config{})
	ctx := context.Background()

	res, err := svc.Send(ctx, holderID, "Hi!", inbox.TypeFan)
	require.NoError(t, err)
	id := res.Message.ID

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, expectedNext := range []inbox.Status{inbox.StatusAccepted, inbox.StatusRejected} {
		wg.Add(1)
		go func(i int, next inbox.Status) {
			defer wg.Done()
			results[i] = svc.Transition(ctx, id, inbox.StatusPending, next)
		}(i, expectedNext)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errs.Is(err, errs.KindState) && errs.ReasonOf(err) == "conflict":
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, conflicts)

	stored, err := st.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, inbox.StatusPending, stored.Status)
}

func TestTransitionStoreFailure(t *testing.T) {
	st := &faultyStore{Store: memory.New()}
	svc := newService(t, st, inboxsvc.Config{})
	ctx := context.Background()

	res, err := svc.Send(ctx, holderID, "Hi!", inbox.TypeFan)
	require.NoError(t, err)

	st.updateErr = errors.New("timeout")
	_, err = svc.Reject(ctx, holderID, res.Message.ID)
	require.True(t, errs.Retryable(err))
}
