package dynamo

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zhouzirui/whisper/backend/internal/model/chat"
	"github.com/zhouzirui/whisper/backend/internal/model/inbox"
)

const (
	skMeta       = "META"
	skToken      = "TOKEN"
	skStats      = "STATS"
	skPrefixChat = "CHAT#"
	// skChatUpper sorts after every chat key and before META.
	skChatUpper = skPrefixChat + "~"
	inboxIndex  = "GSI1"

	// sortLayout is fixed width so sort keys order chronologically.
	sortLayout = "2006-01-02T15:04:05.000000000Z"
)

func msgPK(id string) string          { return "MSG#" + id }
func tokenPK(token string) string     { return "TOKEN#" + token }
func holderPK(receiver string) string { return "HOLDER#" + receiver }

func sortTime(ts time.Time) string {
	return ts.UTC().Format(sortLayout)
}

// chatSK orders chat items by creation time; the id breaks ties.
func chatSK(ts time.Time, id string) string {
	return skPrefixChat + sortTime(ts) + "#" + id
}

func messageItem(m inbox.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: msgPK(m.ID)},
		"SK":          &types.AttributeValueMemberS{Value: skMeta},
		"GSI1PK":      &types.AttributeValueMemberS{Value: holderPK(m.ReceiverID)},
		"GSI1SK":      &types.AttributeValueMemberS{Value: sortTime(m.CreatedAt)},
		"id":          &types.AttributeValueMemberS{Value: m.ID},
		"receiverId":  &types.AttributeValueMemberS{Value: m.ReceiverID},
		"content":     &types.AttributeValueMemberS{Value: m.Content},
		"messageType": &types.AttributeValueMemberS{Value: string(m.MessageType)},
		"createdAt":   &types.AttributeValueMemberS{Value: sortTime(m.CreatedAt)},
	}
	if m.IsFan() {
		item["status"] = &types.AttributeValueMemberS{Value: string(m.Status)}
		item["sessionToken"] = &types.AttributeValueMemberS{Value: m.SessionToken}
		item["sessionExpiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(m.SessionExpiresAt, 10)}
	}
	return item
}

func tokenItem(m inbox.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: tokenPK(m.SessionToken)},
		"SK":         &types.AttributeValueMemberS{Value: skToken},
		"messageId":  &types.AttributeValueMemberS{Value: m.ID},
		"receiverId": &types.AttributeValueMemberS{Value: m.ReceiverID},
	}
}

func chatItem(m chat.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: msgPK(m.MessageID)},
		"SK":         &types.AttributeValueMemberS{Value: chatSK(m.CreatedAt, m.ID)},
		"id":         &types.AttributeValueMemberS{Value: m.ID},
		"messageId":  &types.AttributeValueMemberS{Value: m.MessageID},
		"senderRole": &types.AttributeValueMemberS{Value: string(m.SenderRole)},
		"content":    &types.AttributeValueMemberS{Value: m.Content},
		"createdAt":  &types.AttributeValueMemberS{Value: sortTime(m.CreatedAt)},
	}
}

func itemToMessage(item map[string]types.AttributeValue) (inbox.Message, error) {
	var m inbox.Message
	var err error
	if m.ID, err = strAttr(item, "id"); err != nil {
		return inbox.Message{}, err
	}
	if m.ReceiverID, err = strAttr(item, "receiverId"); err != nil {
		return inbox.Message{}, err
	}
	if m.Content, err = strAttr(item, "content"); err != nil {
		return inbox.Message{}, err
	}
	kind, err := strAttr(item, "messageType")
	if err != nil {
		return inbox.Message{}, err
	}
	m.MessageType = inbox.MessageType(kind)
	if m.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return inbox.Message{}, err
	}
	if !m.IsFan() {
		return m, nil
	}

	status, err := strAttr(item, "status")
	if err != nil {
		return inbox.Message{}, err
	}
	m.Status = inbox.Status(status)
	if m.SessionToken, err = strAttr(item, "sessionToken"); err != nil {
		return inbox.Message{}, err
	}
	if m.SessionExpiresAt, err = int64Attr(item, "sessionExpiresAt"); err != nil {
		return inbox.Message{}, err
	}
	return m, nil
}

func itemToChat(item map[string]types.AttributeValue) (chat.Message, error) {
	var m chat.Message
	var err error
	if m.ID, err = strAttr(item, "id"); err != nil {
		return chat.Message{}, err
	}
	if m.MessageID, err = strAttr(item, "messageId"); err != nil {
		return chat.Message{}, err
	}
	role, err := strAttr(item, "senderRole")
	if err != nil {
		return chat.Message{}, err
	}
	m.SenderRole = chat.SenderRole(role)
	if m.Content, err = strAttr(item, "content"); err != nil {
		return chat.Message{}, err
	}
	if m.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return chat.Message{}, err
	}
	return m, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamo: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamo: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamo: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamo: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dynamo: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

// optionalInt treats a missing attribute as zero.
func optionalInt(item map[string]types.AttributeValue, key string) (int, error) {
	if _, ok := item[key]; !ok {
		return 0, nil
	}
	n, err := int64Attr(item, key)
	return int(n), err
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(sortLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("dynamo: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
