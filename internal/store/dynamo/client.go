package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
	"github.com/zhouzirui/whisper/backend/internal/store"
)

const (
	defaultPollInterval = time.Second
	// watchLookback is how far before the newest delivered turn each poll
	// re-reads, bounding how late a turn may commit and still be seen live.
	watchLookback      = 5 * time.Second
	maxWatchFailures   = 3
	conditionFailedTag = "ConditionalCheckFailed"
)

// dynamodbAPI is the subset of the DynamoDB client used by Client.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores inbox and chat records in a single DynamoDB table.
//
// Table layout:
//
//	MSG#<id>        META                     inbox message (GSI1: HOLDER#<receiver>, createdAt)
//	MSG#<id>        CHAT#<createdAt>#<chatId> chat turn
//	TOKEN#<token>   TOKEN                    session token claim
//	HOLDER#<rid>    STATS                    derived counters
type Client struct {
	api          dynamodbAPI
	tableName    string
	pollInterval time.Duration
	now          func() time.Time
}

var _ store.Store = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithPollInterval sets how often WatchChat polls for new chat items.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithClock overrides the time source used by WatchChat.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a DynamoDB-backed store.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	c := &Client{
		api:          api,
		tableName:    tableName,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateMessage writes the message; fan messages claim their token in the
// same transaction so a message is never visible without its token.
func (c *Client) CreateMessage(ctx context.Context, m inbox.Message) error {
	if !m.IsFan() {
		_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(c.tableName),
			Item:                messageItem(m),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		})
		if err != nil {
			return fmt.Errorf("dynamo: CreateMessage: %w", err)
		}
		return nil
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                messageItem(m),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                tokenItem(m),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && len(canceled.CancellationReasons) > 1 &&
			aws.ToString(canceled.CancellationReasons[1].Code) == conditionFailedTag {
			return store.ErrDuplicateToken
		}
		return fmt.Errorf("dynamo: CreateMessage: %w", err)
	}
	return nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (inbox.Message, error) {
	item, err := c.getItem(ctx, msgPK(id), skMeta)
	if err != nil {
		return inbox.Message{}, fmt.Errorf("dynamo: GetMessage: %w", err)
	}
	m, err := itemToMessage(item)
	if err != nil {
		return inbox.Message{}, fmt.Errorf("dynamo: GetMessage unmarshal: %w", err)
	}
	return m, nil
}

func (c *Client) FindFanMessage(ctx context.Context, token, receiverID string) (inbox.Message, error) {
	claim, err := c.getItem(ctx, tokenPK(token), skToken)
	if err != nil {
		return inbox.Message{}, fmt.Errorf("dynamo: FindFanMessage: %w", err)
	}
	owner, err := strAttr(claim, "receiverId")
	if err != nil {
		return inbox.Message{}, fmt.Errorf("dynamo: FindFanMessage unmarshal: %w", err)
	}
	if owner != receiverID {
		return inbox.Message{}, store.ErrNotFound
	}
	messageID, err := strAttr(claim, "messageId")
	if err != nil {
		return inbox.Message{}, fmt.Errorf("dynamo: FindFanMessage unmarshal: %w", err)
	}

	m, err := c.GetMessage(ctx, messageID)
	if err != nil {
		return inbox.Message{}, err
	}
	if !m.IsFan() || m.ReceiverID != receiverID || m.SessionToken != token {
		return inbox.Message{}, store.ErrNotFound
	}
	return m, nil
}

func (c *Client) ListMessages(ctx context.Context, receiverID string) ([]inbox.Message, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(inboxIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: holderPK(receiverID)},
		},
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: ListMessages query: %w", err)
	}

	out := make([]inbox.Message, 0, len(items))
	for _, item := range items {
		m, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("dynamo: ListMessages unmarshal: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Client) UpdateStatus(ctx context.Context, id string, expected, next inbox.Status) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: msgPK(id)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:    aws.String("SET #status = :next"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next":     &types.AttributeValueMemberS{Value: string(next)},
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			if len(failed.Item) == 0 {
				return store.ErrNotFound
			}
			return store.ErrConflict
		}
		return fmt.Errorf("dynamo: UpdateStatus: %w", err)
	}
	return nil
}

func (c *Client) IncrementStats(ctx context.Context, receiverID string, t inbox.MessageType) error {
	fans := "0"
	if t == inbox.TypeFan {
		fans = "1"
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: holderPK(receiverID)},
			"SK": &types.AttributeValueMemberS{Value: skStats},
		},
		UpdateExpression: aws.String("ADD totalMessages :one, fans :fans"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":  &types.AttributeValueMemberN{Value: "1"},
			":fans": &types.AttributeValueMemberN{Value: fans},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamo: IncrementStats: %w", err)
	}
	return nil
}

func (c *Client) GetStats(ctx context.Context, receiverID string) (inbox.Stats, error) {
	item, err := c.getItem(ctx, holderPK(receiverID), skStats)
	if errors.Is(err, store.ErrNotFound) {
		return inbox.Stats{}, nil
	}
	if err != nil {
		return inbox.Stats{}, fmt.Errorf("dynamo: GetStats: %w", err)
	}

	total, err := optionalInt(item, "totalMessages")
	if err != nil {
		return inbox.Stats{}, fmt.Errorf("dynamo: GetStats decode totalMessages: %w", err)
	}
	fans, err := optionalInt(item, "fans")
	if err != nil {
		return inbox.Stats{}, fmt.Errorf("dynamo: GetStats decode fans: %w", err)
	}
	return inbox.Stats{TotalMessages: total, Fans: fans}, nil
}

func (c *Client) CreateChatMessage(ctx context.Context, m chat.Message) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                chatItem(m),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("dynamo: CreateChatMessage: %w", err)
	}
	return nil
}

func (c *Client) ListChatMessages(ctx context.Context, messageID string) ([]chat.Message, error) {
	return c.chatsFrom(ctx, messageID, "")
}

// WatchChat polls the thread partition. Every poll re-reads the window
// starting watchLookback before the newest turn seen, so a turn whose
// createdAt sorts before one already delivered but which committed later
// (another instance, slow write) is still picked up. Delivery is at least
// once; ids delivered inside the window are not repeated.
func (c *Client) WatchChat(ctx context.Context, messageID string) (<-chan chat.Message, error) {
	out := make(chan chat.Message, 16)

	go func() {
		defer close(out)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		latest := c.now()
		delivered := make(map[string]time.Time)
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			from := skPrefixChat + sortTime(latest.Add(-watchLookback))
			msgs, err := c.chatsFrom(ctx, messageID, from)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				log.Printf("[store/dynamo] watch %s poll failed (%d/%d): %v", messageID, failures, maxWatchFailures, err)
				if failures >= maxWatchFailures {
					return
				}
				continue
			}
			failures = 0

			for _, m := range msgs {
				if _, ok := delivered[m.ID]; ok {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
				delivered[m.ID] = m.CreatedAt
				if m.CreatedAt.After(latest) {
					latest = m.CreatedAt
				}
			}

			horizon := latest.Add(-watchLookback)
			for id, ts := range delivered {
				if ts.Before(horizon) {
					delete(delivered, id)
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the SDK client holds no resources that need release.
func (c *Client) Close() error { return nil }

// chatsFrom queries chat items whose sort key is at least from, or all chat
// items when from is empty. The upper bound keeps META and the other
// non-chat items of the partition out of range.
func (c *Client) chatsFrom(ctx context.Context, messageID, from string) ([]chat.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: msgPK(messageID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixChat},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}
	if from != "" {
		in.KeyConditionExpression = aws.String("PK = :pk AND SK BETWEEN :from AND :to")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: msgPK(messageID)},
			":from": &types.AttributeValueMemberS{Value: from},
			":to":   &types.AttributeValueMemberS{Value: skChatUpper},
		}
	}

	items, err := c.queryAll(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("dynamo: ListChatMessages query: %w", err)
	}
	out := make([]chat.Message, 0, len(items))
	for _, item := range items {
		m, err := itemToChat(item)
		if err != nil {
			return nil, fmt.Errorf("dynamo: ListChatMessages unmarshal: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Client) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, store.ErrNotFound
	}
	return out.Item, nil
}

// queryAll follows LastEvaluatedKey until the result set is exhausted.
func (c *Client) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return items, nil
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}
