package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/voxline/voxsync/internal/schema"
)

// Single-table layout: every entity lives under PK=<prefix><id>, SK=META.
const (
	pkConversation = "CONV#"
	pkMessage      = "MSG#"
	pkProfile      = "PROFILE#"
	skMeta         = "META"

	entityConversation = "conversation"

	// BatchGetItem accepts at most 100 keys per request.
	batchGetLimit = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by Dynamo.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
}

// Dynamo is the API backed by a single DynamoDB table.
//
// DynamoDB has no server clock, so updated_at is stamped by the writer. All
// writers are expected to be backend functions sharing NTP-synced hosts.
type Dynamo struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamo creates a Dynamo backend over tableName.
func NewDynamo(api dynamodbAPI, tableName string) (*Dynamo, error) {
	if api == nil {
		return nil, errors.New("remote: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("remote: table name must not be empty")
	}
	return &Dynamo{api: api, tableName: tableName, now: time.Now}, nil
}

func itemKey(prefix, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: prefix + id},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func (d *Dynamo) stamp() types.AttributeValue {
	return numAttr(d.now().UnixMilli())
}

func (d *Dynamo) FetchConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            itemKey(pkConversation, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("remote: FetchConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return itemToConversation(out.Item)
}

// FetchConversationsUpdatedSince scans the table. Scan's Limit applies before
// the filter, so all pages are read and the result is trimmed afterwards.
// The filter keeps rows at the cursor's millisecond; the id tie-break is
// applied here.
func (d *Dynamo) FetchConversationsUpdatedSince(ctx context.Context, after Cursor, limit int) ([]*schema.Conversation, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(d.tableName),
		FilterExpression: aws.String("entity = :entity AND updated_at >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":entity": &types.AttributeValueMemberS{Value: entityConversation},
			":since":  numAttr(schema.UnixMilli(after.UpdatedAt)),
		},
	}

	var out []*schema.Conversation
	for {
		page, err := d.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("remote: FetchConversationsUpdatedSince scan: %w", err)
		}
		for _, item := range page.Items {
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, err
			}
			if after.Before(conv) {
				out = append(out, conv)
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}

	sortByCursor(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *Dynamo) FetchMessages(ctx context.Context, ids []string) ([]schema.Message, error) {
	items, err := d.batchGet(ctx, pkMessage, ids)
	if err != nil {
		return nil, fmt.Errorf("remote: FetchMessages: %w", err)
	}
	out := make([]schema.Message, 0, len(items))
	for _, item := range items {
		m, err := itemToMessage(item)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (d *Dynamo) FetchProfiles(ctx context.Context, uids []string) ([]schema.Profile, error) {
	items, err := d.batchGet(ctx, pkProfile, uids)
	if err != nil {
		return nil, fmt.Errorf("remote: FetchProfiles: %w", err)
	}
	out := make([]schema.Profile, 0, len(items))
	for _, item := range items {
		uid, err := strAttr(item, "uid")
		if err != nil {
			return nil, err
		}
		name, _ := strAttr(item, "name")
		picture, _ := strAttr(item, "profilePicture")
		email, _ := strAttr(item, "email")
		code, _ := strAttr(item, "userCode")
		out = append(out, schema.Profile{
			UID: uid, Name: name, ProfilePicture: picture, Email: email, UserCode: code,
			Conversations: []string{},
		})
	}
	return out, nil
}

// batchGet reads items in chunks and retries unprocessed keys until none
// remain or the context ends.
func (d *Dynamo) batchGet(ctx context.Context, prefix string, ids []string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for start := 0; start < len(ids); start += batchGetLimit {
		end := min(start+batchGetLimit, len(ids))
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		seen := make(map[string]struct{}, end-start)
		for _, id := range ids[start:end] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			keys = append(keys, itemKey(prefix, id))
		}

		request := map[string]types.KeysAndAttributes{d.tableName: {Keys: keys}}
		for len(request) > 0 {
			out, err := d.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, err
			}
			items = append(items, out.Responses[d.tableName]...)
			request = out.UnprocessedKeys
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	return items, nil
}

func (d *Dynamo) InsertMessage(ctx context.Context, msg schema.Message) error {
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                messageToItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if isConditionFailed(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remote: InsertMessage: %w", err)
	}
	return nil
}

func (d *Dynamo) AppendConversationMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 itemKey(pkConversation, conversationID),
		UpdateExpression:    aws.String("SET messages = list_append(if_not_exists(messages, :empty), :ids), updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(PK) AND NOT contains(messages, :id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":ids":   &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: messageID}}},
			":id":    &types.AttributeValueMemberS{Value: messageID},
			":now":   d.stamp(),
		},
	})
	if isConditionFailed(err) {
		// Either already appended or the conversation is missing.
		return d.requireConversation(ctx, conversationID)
	}
	if err != nil {
		return fmt.Errorf("remote: AppendConversationMessage: %w", err)
	}
	return nil
}

func (d *Dynamo) UpdateMessageRead(ctx context.Context, messageID string) error {
	out, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 itemKey(pkMessage, messageID),
		UpdateExpression:    aws.String("SET isRead = :true"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("remote: UpdateMessageRead: %w", err)
	}

	if out == nil {
		return nil
	}
	conversationID, err := strAttr(out.Attributes, "conversationId")
	if err != nil {
		return nil
	}
	// Bump the conversation so other devices pull the read receipt.
	_, err = d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 itemKey(pkConversation, conversationID),
		UpdateExpression:    aws.String("SET updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": d.stamp(),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("remote: UpdateMessageRead touch conversation: %w", err)
	}
	return nil
}

func (d *Dynamo) UpdateConversationLastRead(ctx context.Context, conversationID, uid string, at time.Time) error {
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 itemKey(pkConversation, conversationID),
		UpdateExpression:    aws.String("SET lastRead.#uid = :at, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(PK) AND (attribute_not_exists(lastRead.#uid) OR lastRead.#uid < :at)"),
		ExpressionAttributeNames: map[string]string{
			"#uid": uid,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at":  numAttr(schema.UnixMilli(at)),
			":now": d.stamp(),
		},
	})
	if isConditionFailed(err) {
		return d.requireConversation(ctx, conversationID)
	}
	if err != nil {
		return fmt.Errorf("remote: UpdateConversationLastRead: %w", err)
	}
	return nil
}

func (d *Dynamo) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       itemKey(pkMessage, messageID),
	})
	if err != nil {
		return fmt.Errorf("remote: DeleteMessage: %w", err)
	}
	return nil
}

// PutConversation writes a full conversation item. It is used to seed a
// table; clients never create conversations this way.
func (d *Dynamo) PutConversation(ctx context.Context, conv *schema.Conversation) error {
	item := conversationToItem(conv)
	item["updated_at"] = d.stamp()
	if _, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("remote: PutConversation: %w", err)
	}
	return nil
}

func (d *Dynamo) requireConversation(ctx context.Context, conversationID string) error {
	_, err := d.FetchConversation(ctx, conversationID)
	return err
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return err != nil && errors.As(err, &ccf)
}

func conversationToItem(conv *schema.Conversation) map[string]types.AttributeValue {
	ids := make([]types.AttributeValue, 0, len(conv.MessageIDs))
	for _, id := range conv.AllMessageIDs() {
		ids = append(ids, &types.AttributeValueMemberS{Value: id})
	}
	uids := make([]types.AttributeValue, 0, len(conv.UIDs))
	for _, uid := range conv.UIDs {
		uids = append(uids, &types.AttributeValueMemberS{Value: uid})
	}
	lastRead := make(map[string]types.AttributeValue, len(conv.LastRead))
	for uid, t := range conv.LastRead {
		lastRead[uid] = numAttr(schema.UnixMilli(t))
	}

	item := itemKey(pkConversation, conv.ConversationID)
	item["entity"] = &types.AttributeValueMemberS{Value: entityConversation}
	item["conversationId"] = &types.AttributeValueMemberS{Value: conv.ConversationID}
	item["uids"] = &types.AttributeValueMemberL{Value: uids}
	item["messages"] = &types.AttributeValueMemberL{Value: ids}
	item["lastRead"] = &types.AttributeValueMemberM{Value: lastRead}
	item["created_at"] = numAttr(schema.UnixMilli(conv.CreatedAt))
	item["updated_at"] = numAttr(schema.UnixMilli(conv.UpdatedAt))
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (*schema.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return nil, err
	}
	conv := &schema.Conversation{ConversationID: id}
	conv.UIDs = strListAttr(item, "uids")
	conv.MessageIDs = strListAttr(item, "messages")
	if m, ok := item["lastRead"].(*types.AttributeValueMemberM); ok && len(m.Value) > 0 {
		conv.LastRead = make(map[string]time.Time, len(m.Value))
		for uid, v := range m.Value {
			if n, ok := v.(*types.AttributeValueMemberN); ok {
				if ms, err := strconv.ParseInt(n.Value, 10, 64); err == nil {
					conv.LastRead[uid] = schema.FromUnixMilli(ms)
				}
			}
		}
	}
	if ms, err := int64Attr(item, "created_at"); err == nil {
		conv.CreatedAt = schema.FromUnixMilli(ms)
	}
	if ms, err := int64Attr(item, "updated_at"); err == nil {
		conv.UpdatedAt = schema.FromUnixMilli(ms)
	}
	return conv, nil
}

func messageToItem(msg schema.Message) map[string]types.AttributeValue {
	item := itemKey(pkMessage, msg.MessageID)
	item["entity"] = &types.AttributeValueMemberS{Value: "message"}
	item["messageId"] = &types.AttributeValueMemberS{Value: msg.MessageID}
	item["conversationId"] = &types.AttributeValueMemberS{Value: msg.ConversationID}
	item["timestamp"] = numAttr(schema.UnixMilli(msg.Timestamp))
	item["uid"] = &types.AttributeValueMemberS{Value: msg.UID}
	item["audioUrl"] = &types.AttributeValueMemberS{Value: msg.AudioURL}
	item["isRead"] = &types.AttributeValueMemberBOOL{Value: msg.IsRead}
	return item
}

func itemToMessage(item map[string]types.AttributeValue) (schema.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return schema.Message{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return schema.Message{}, err
	}
	uid, _ := strAttr(item, "uid")
	audio, _ := strAttr(item, "audioUrl")
	ts, _ := int64Attr(item, "timestamp")
	isRead := false
	if b, ok := item["isRead"].(*types.AttributeValueMemberBOOL); ok {
		isRead = b.Value
	}
	return schema.Message{
		MessageID:      id,
		ConversationID: conversationID,
		Timestamp:      schema.FromUnixMilli(ts),
		UID:            uid,
		AudioURL:       audio,
		IsRead:         isRead,
	}, nil
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("remote: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("remote: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("remote: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("remote: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("remote: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func strListAttr(item map[string]types.AttributeValue, key string) []string {
	l, ok := item[key].(*types.AttributeValueMemberL)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(l.Value))
	for _, v := range l.Value {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			out = append(out, s.Value)
		}
	}
	return out
}
