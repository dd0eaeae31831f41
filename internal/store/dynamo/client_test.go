package dynamo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
	"github.com/zhouzirui/whisper/backend/internal/store"
)

type fakeDynamo struct {
	mu sync.Mutex

	items     map[string]map[string]types.AttributeValue
	getErr    error
	putErr    error
	updateErr error
	txErr     error
	queryFn   func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error)

	lastPutInput    *dynamodb.PutItemInput
	lastUpdateInput *dynamodb.UpdateItemInput
	lastTxInput     *dynamodb.TransactWriteItemsInput
	queryInputs     []*dynamodb.QueryInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(pk, sk string) string { return pk + "|" + sk }

func (f *fakeDynamo) seed(item map[string]types.AttributeValue) {
	pk := item["PK"].(*types.AttributeValueMemberS).Value
	sk := item["SK"].(*types.AttributeValueMemberS).Value
	f.items[itemKey(pk, sk)] = item
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	pk := in.Key["PK"].(*types.AttributeValueMemberS).Value
	sk := in.Key["SK"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(pk, sk)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdateInput = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	copied := *in
	f.queryInputs = append(f.queryInputs, &copied)
	fn := f.queryFn
	f.mu.Unlock()
	if fn == nil {
		return &dynamodb.QueryOutput{}, nil
	}
	return fn(in)
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewClient(t *testing.T, db *fakeDynamo, opts ...Option) *Client {
	t.Helper()
	c, err := New(db, "whisper-test", opts...)
	require.NoError(t, err)
	return c
}

var fixedTime = time.Date(2026, 10, 1, 12, 0, 0, 123000000, time.UTC)

func sampleFan() inbox.Message {
	return inbox.Message{
		ID:               "m1",
		ReceiverID:       "holder-1",
		Content:          "Hi!",
		MessageType:      inbox.TypeFan,
		Status:           inbox.StatusPending,
		SessionToken:     "tok-1",
		SessionExpiresAt: fixedTime.Add(7 * 24 * time.Hour).UnixMilli(),
		CreatedAt:        fixedTime,
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "table")
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(newFakeDynamo(), " ")
	require.ErrorContains(t, err, "must not be empty")
}

func TestCreateMessage_AnonymousUsesConditionalPut(t *testing.T) {
	db := newFakeDynamo()
	c := mustNewClient(t, db)

	err := c.CreateMessage(context.Background(), inbox.Message{
		ID: "m2", ReceiverID: "holder-1", Content: "hey", MessageType: inbox.TypeAnonymous, CreatedAt: fixedTime,
	})
	require.NoError(t, err)
	require.NotNil(t, db.lastPutInput)
	require.Nil(t, db.lastTxInput)
	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(db.lastPutInput.ConditionExpression))
	require.NotContains(t, db.lastPutInput.Item, "status")
	require.NotContains(t, db.lastPutInput.Item, "sessionToken")
}

func TestCreateMessage_FanClaimsTokenInTransaction(t *testing.T) {
	db := newFakeDynamo()
	c := mustNewClient(t, db)

	require.NoError(t, c.CreateMessage(context.Background(), sampleFan()))
	require.NotNil(t, db.lastTxInput)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	tokenPut := db.lastTxInput.TransactItems[1].Put
	require.Equal(t, "TOKEN#tok-1", tokenPut.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(tokenPut.ConditionExpression))
}

func TestCreateMessage_DuplicateToken(t *testing.T) {
	db := newFakeDynamo()
	db.txErr = &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String(conditionFailedTag)},
		},
	}
	c := mustNewClient(t, db)

	err := c.CreateMessage(context.Background(), sampleFan())
	require.ErrorIs(t, err, store.ErrDuplicateToken)
}

func TestCreateMessage_TransactionError(t *testing.T) {
	db := newFakeDynamo()
	db.txErr = errors.New("ProvisionedThroughputExceededException")
	c := mustNewClient(t, db)

	err := c.CreateMessage(context.Background(), sampleFan())
	require.Error(t, err)
	require.NotErrorIs(t, err, store.ErrDuplicateToken)
	require.ErrorContains(t, err, "CreateMessage")
}

func TestGetMessage_RoundTrip(t *testing.T) {
	db := newFakeDynamo()
	want := sampleFan()
	db.seed(messageItem(want))
	c := mustNewClient(t, db)

	got, err := c.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Status, got.Status)
	require.Equal(t, want.SessionToken, got.SessionToken)
	require.Equal(t, want.SessionExpiresAt, got.SessionExpiresAt)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func TestGetMessage_Missing(t *testing.T) {
	c := mustNewClient(t, newFakeDynamo())
	_, err := c.GetMessage(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindFanMessage(t *testing.T) {
	db := newFakeDynamo()
	m := sampleFan()
	db.seed(messageItem(m))
	db.seed(tokenItem(m))
	c := mustNewClient(t, db)

	got, err := c.FindFanMessage(context.Background(), "tok-1", "holder-1")
	require.NoError(t, err)
	require.Equal(t, "m1", got.ID)

	_, err = c.FindFanMessage(context.Background(), "tok-1", "holder-2")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.FindFanMessage(context.Background(), "tok-x", "holder-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateStatus_ConditionExpression(t *testing.T) {
	db := newFakeDynamo()
	c := mustNewClient(t, db)

	require.NoError(t, c.UpdateStatus(context.Background(), "m1", inbox.StatusPending, inbox.StatusAccepted))
	in := db.lastUpdateInput
	require.Equal(t, "attribute_exists(PK) AND #status = :expected", aws.ToString(in.ConditionExpression))
	require.Equal(t, "pending", in.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "accepted", in.ExpressionAttributeValues[":next"].(*types.AttributeValueMemberS).Value)
}

func TestUpdateStatus_ConflictAndMissing(t *testing.T) {
	db := newFakeDynamo()
	c := mustNewClient(t, db)

	db.updateErr = &types.ConditionalCheckFailedException{
		Item: map[string]types.AttributeValue{"status": &types.AttributeValueMemberS{Value: "rejected"}},
	}
	err := c.UpdateStatus(context.Background(), "m1", inbox.StatusPending, inbox.StatusAccepted)
	require.ErrorIs(t, err, store.ErrConflict)

	db.updateErr = &types.ConditionalCheckFailedException{}
	err = c.UpdateStatus(context.Background(), "m1", inbox.StatusPending, inbox.StatusAccepted)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIncrementStats_FanCounter(t *testing.T) {
	db := newFakeDynamo()
	c := mustNewClient(t, db)

	require.NoError(t, c.IncrementStats(context.Background(), "holder-1", inbox.TypeFan))
	vals := db.lastUpdateInput.ExpressionAttributeValues
	require.Equal(t, "1", vals[":fans"].(*types.AttributeValueMemberN).Value)

	require.NoError(t, c.IncrementStats(context.Background(), "holder-1", inbox.TypeAnonymous))
	vals = db.lastUpdateInput.ExpressionAttributeValues
	require.Equal(t, "0", vals[":fans"].(*types.AttributeValueMemberN).Value)
}

func TestGetStats(t *testing.T) {
	db := newFakeDynamo()
	c := mustNewClient(t, db)

	st, err := c.GetStats(context.Background(), "holder-1")
	require.NoError(t, err)
	require.Zero(t, st.TotalMessages)

	db.seed(map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: holderPK("holder-1")},
		"SK":            &types.AttributeValueMemberS{Value: skStats},
		"totalMessages": &types.AttributeValueMemberN{Value: "4"},
		"fans":          &types.AttributeValueMemberN{Value: "1"},
	})
	st, err = c.GetStats(context.Background(), "holder-1")
	require.NoError(t, err)
	require.Equal(t, 4, st.TotalMessages)
	require.Equal(t, 1, st.Fans)
}

func TestListChatMessages_FollowsPagination(t *testing.T) {
	db := newFakeDynamo()
	first := chat.Message{ID: "c1", MessageID: "m1", SenderRole: chat.RoleFan, Content: "a", CreatedAt: fixedTime}
	second := chat.Message{ID: "c2", MessageID: "m1", SenderRole: chat.RoleHolder, Content: "b", CreatedAt: fixedTime.Add(time.Second)}
	calls := 0
	db.queryFn = func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		calls++
		if calls == 1 {
			return &dynamodb.QueryOutput{
				Items:            []map[string]types.AttributeValue{chatItem(first)},
				LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "x"}},
			}, nil
		}
		return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{chatItem(second)}}, nil
	}
	c := mustNewClient(t, db)

	msgs, err := c.ListChatMessages(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "c1", msgs[0].ID)
	require.Equal(t, "c2", msgs[1].ID)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", aws.ToString(db.queryInputs[0].KeyConditionExpression))
	require.True(t, aws.ToBool(db.queryInputs[0].ScanIndexForward))
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
}

func TestListMessages_UsesInboxIndex(t *testing.T) {
	db := newFakeDynamo()
	db.queryFn = func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{messageItem(sampleFan())}}, nil
	}
	c := mustNewClient(t, db)

	msgs, err := c.ListMessages(context.Background(), "holder-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, inboxIndex, aws.ToString(db.queryInputs[0].IndexName))
}

func TestWatchChat_DeliversPolledItems(t *testing.T) {
	db := newFakeDynamo()
	polled := chat.Message{ID: "c9", MessageID: "m1", SenderRole: chat.RoleFan, Content: "live", CreatedAt: fixedTime}
	var once sync.Once
	db.queryFn = func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		var out dynamodb.QueryOutput
		once.Do(func() {
			out.Items = []map[string]types.AttributeValue{chatItem(polled)}
		})
		return &out, nil
	}
	c := mustNewClient(t, db, WithPollInterval(5*time.Millisecond), WithClock(func() time.Time { return fixedTime }))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.WatchChat(ctx, "m1")
	require.NoError(t, err)

	select {
	case got := <-ch:
		require.Equal(t, "c9", got.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for polled chat message")
	}

	cancel()
	for range ch {
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	first := db.queryInputs[0]
	require.Equal(t, "PK = :pk AND SK BETWEEN :from AND :to", aws.ToString(first.KeyConditionExpression))
	require.Less(t, first.ExpressionAttributeValues[":to"].(*types.AttributeValueMemberS).Value, skMeta)
}

// partition answers range queries over a mutable set of chat items.
type partition struct {
	mu    sync.Mutex
	items []chat.Message
}

func (p *partition) add(m chat.Message) {
	p.mu.Lock()
	p.items = append(p.items, m)
	p.mu.Unlock()
}

func (p *partition) query(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
	from := in.ExpressionAttributeValues[":from"].(*types.AttributeValueMemberS).Value
	to := in.ExpressionAttributeValues[":to"].(*types.AttributeValueMemberS).Value

	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []chat.Message
	for _, m := range p.items {
		sk := chatSK(m.CreatedAt, m.ID)
		if sk >= from && sk <= to {
			matched = append(matched, m)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return chatSK(matched[i].CreatedAt, matched[i].ID) < chatSK(matched[j].CreatedAt, matched[j].ID)
	})
	out := &dynamodb.QueryOutput{}
	for _, m := range matched {
		out.Items = append(out.Items, chatItem(m))
	}
	return out, nil
}

func TestWatchChat_DeliversLateCommittedEarlierTurn(t *testing.T) {
	db := newFakeDynamo()
	part := &partition{}
	db.queryFn = part.query
	c := mustNewClient(t, db, WithPollInterval(5*time.Millisecond), WithClock(func() time.Time { return fixedTime }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := c.WatchChat(ctx, "m1")
	require.NoError(t, err)

	next := func() chat.Message {
		select {
		case m, ok := <-ch:
			require.True(t, ok, "watch closed")
			return m
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for polled chat message")
		}
		return chat.Message{}
	}

	later := chat.Message{ID: "t2", MessageID: "m1", SenderRole: chat.RoleHolder, Content: "second", CreatedAt: fixedTime.Add(2 * time.Second)}
	part.add(later)
	require.Equal(t, "t2", next().ID)

	// Stamped before t2 but committed after it was already delivered.
	earlier := chat.Message{ID: "t1", MessageID: "m1", SenderRole: chat.RoleFan, Content: "first", CreatedAt: fixedTime.Add(time.Second)}
	part.add(earlier)
	require.Equal(t, "t1", next().ID)

	third := chat.Message{ID: "t3", MessageID: "m1", SenderRole: chat.RoleFan, Content: "third", CreatedAt: fixedTime.Add(3 * time.Second)}
	part.add(third)
	require.Equal(t, "t3", next().ID, "already delivered turns must not repeat")
}

func TestWatchChat_ClosesAfterRepeatedFailures(t *testing.T) {
	db := newFakeDynamo()
	db.queryFn = func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		return nil, errors.New("throttled")
	}
	c := mustNewClient(t, db, WithPollInterval(time.Millisecond))

	ch, err := c.WatchChat(context.Background(), "m1")
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch did not close after repeated failures")
	}
}

func TestChatSKSortsChronologically(t *testing.T) {
	early := chatSK(fixedTime, "b")
	late := chatSK(fixedTime.Add(time.Millisecond), "a")
	require.Less(t, early, late)
}
