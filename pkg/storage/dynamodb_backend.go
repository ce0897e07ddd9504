package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// DynamoDBBackendConfig contains configuration for the DynamoDB backend
type DynamoDBBackendConfig struct {
	Region      string
	AccessKey   string
	SecretKey   string
	TablePrefix string
	Endpoint    string // Optional, for local DynamoDB
}

// DynamoDBBackend implements the Backend interface on DynamoDB. Values,
// sets, and lists all live in one table keyed by pk; per-key TTL uses a
// native TTL attribute, set mutations use ADD/DELETE update expressions,
// list appends use list_append.
type DynamoDBBackend struct {
	client      dynamodbiface.DynamoDBAPI
	tablePrefix string
}

// NewDynamoDBBackend creates a DynamoDB-backed store backend
func NewDynamoDBBackend(config DynamoDBBackendConfig) (*DynamoDBBackend, error) {
	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}

	if config.AccessKey != "" && config.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		)
	}

	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &DynamoDBBackend{
		client:      dynamodb.New(sess),
		tablePrefix: config.TablePrefix,
	}, nil
}

// NewDynamoDBBackendWithClient creates a backend with a custom client.
// This is primarily used for testing with mock clients.
func NewDynamoDBBackendWithClient(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBBackend {
	return &DynamoDBBackend{
		client:      client,
		tablePrefix: tablePrefix,
	}
}

func (b *DynamoDBBackend) tableName() string {
	return b.tablePrefix + "state"
}

// Initialize creates the state table if it does not exist and enables TTL
func (b *DynamoDBBackend) Initialize() error {
	_, err := b.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(b.tableName()),
	})
	if err == nil {
		return nil
	}

	aerr, ok := err.(awserr.Error)
	if !ok || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to describe table: %w", err)
	}

	_, err = b.client.CreateTable(&dynamodb.CreateTableInput{
		TableName: aws.String(b.tableName()),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: aws.String("S")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: aws.String("HASH")},
		},
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	if err := b.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(b.tableName()),
	}); err != nil {
		return fmt.Errorf("failed waiting for table: %w", err)
	}

	_, err = b.client.UpdateTimeToLive(&dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(b.tableName()),
		TimeToLiveSpecification: &dynamodb.TimeToLiveSpecification{
			AttributeName: aws.String("expires_at"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		// Local DynamoDB does not support TTL configuration
		if aerr, ok := err.(awserr.Error); !ok || aerr.Code() != "UnknownOperationException" {
			return fmt.Errorf("failed to enable TTL: %w", err)
		}
	}

	return nil
}

// Close cleans up resources
func (b *DynamoDBBackend) Close() error {
	return nil
}

func expiresAttr(ttl time.Duration) *dynamodb.AttributeValue {
	if ttl <= 0 {
		return nil
	}
	return &dynamodb.AttributeValue{
		N: aws.String(fmt.Sprintf("%d", time.Now().Add(ttl).Unix())),
	}
}

// itemLive reports whether the item's TTL window has not yet elapsed.
// DynamoDB TTL deletion can lag by up to 48 hours, so reads filter
// themselves.
func itemLive(item map[string]*dynamodb.AttributeValue) bool {
	exp, ok := item["expires_at"]
	if !ok || exp.N == nil {
		return true
	}
	var unix int64
	fmt.Sscanf(*exp.N, "%d", &unix)
	return time.Now().Unix() < unix
}

// Get retrieves the value for a key
func (b *DynamoDBBackend) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.tableName()),
		Key: map[string]*dynamodb.AttributeValue{
			"pk": {S: aws.String(key)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %s: %w", key, err)
	}

	if result.Item == nil || result.Item["value"] == nil || !itemLive(result.Item) {
		return nil, ErrKeyNotFound
	}

	return result.Item["value"].B, nil
}

// Set stores a value with a TTL
func (b *DynamoDBBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := map[string]*dynamodb.AttributeValue{
		"pk":    {S: aws.String(key)},
		"value": {B: value},
	}
	if exp := expiresAttr(ttl); exp != nil {
		item["expires_at"] = exp
	}

	_, err := b.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.tableName()),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb put %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (b *DynamoDBBackend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.tableName()),
		Key: map[string]*dynamodb.AttributeValue{
			"pk": {S: aws.String(key)},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb delete %s: %w", key, err)
	}
	return nil
}

// SetAdd adds a member to the set at key using an atomic ADD expression
func (b *DynamoDBBackend) SetAdd(ctx context.Context, key string, member string) error {
	_, err := b.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(b.tableName()),
		Key: map[string]*dynamodb.AttributeValue{
			"pk": {S: aws.String(key)},
		},
		UpdateExpression: aws.String("ADD members :m"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":m": {SS: []*string{aws.String(member)}},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb set add %s: %w", key, err)
	}
	return nil
}

// SetRemove removes a member from the set at key using an atomic DELETE expression
func (b *DynamoDBBackend) SetRemove(ctx context.Context, key string, member string) error {
	_, err := b.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(b.tableName()),
		Key: map[string]*dynamodb.AttributeValue{
			"pk": {S: aws.String(key)},
		},
		UpdateExpression: aws.String("DELETE members :m"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":m": {SS: []*string{aws.String(member)}},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb set remove %s: %w", key, err)
	}
	return nil
}

// SetMembers returns all members of the set at key
func (b *DynamoDBBackend) SetMembers(ctx context.Context, key string) ([]string, error) {
	result, err := b.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.tableName()),
		Key: map[string]*dynamodb.AttributeValue{
			"pk": {S: aws.String(key)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb set members %s: %w", key, err)
	}

	if result.Item == nil || result.Item["members"] == nil {
		return []string{}, nil
	}

	members := make([]string, 0, len(result.Item["members"].SS))
	for _, m := range result.Item["members"].SS {
		members = append(members, aws.StringValue(m))
	}
	return members, nil
}

// ListAppend appends a value to the list at key and refreshes its TTL
func (b *DynamoDBBackend) ListAppend(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	values := map[string]*dynamodb.AttributeValue{
		":v":     {L: []*dynamodb.AttributeValue{{B: value}}},
		":empty": {L: []*dynamodb.AttributeValue{}},
	}
	update := "SET entries = list_append(if_not_exists(entries, :empty), :v)"
	if exp := expiresAttr(ttl); exp != nil {
		update += ", expires_at = :exp"
		values[":exp"] = exp
	}

	_, err := b.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(b.tableName()),
		Key: map[string]*dynamodb.AttributeValue{
			"pk": {S: aws.String(key)},
		},
		UpdateExpression:          aws.String(update),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("dynamodb list append %s: %w", key, err)
	}
	return nil
}

// ListRange returns all values of the list at key in insertion order
func (b *DynamoDBBackend) ListRange(ctx context.Context, key string) ([][]byte, error) {
	result, err := b.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.tableName()),
		Key: map[string]*dynamodb.AttributeValue{
			"pk": {S: aws.String(key)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb list range %s: %w", key, err)
	}

	if result.Item == nil || result.Item["entries"] == nil || !itemLive(result.Item) {
		return [][]byte{}, nil
	}

	out := make([][]byte, 0, len(result.Item["entries"].L))
	for _, av := range result.Item["entries"].L {
		out = append(out, av.B)
	}
	return out, nil
}
