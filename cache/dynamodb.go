package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"
)

const (
	dynamoKeyAttribute        = "Key"
	dynamoValueAttribute      = "Value"
	dynamoExpirationAttribute = "ExpiresAt"

	dynamoBatchGetLimit   = 100
	dynamoBatchGetTries   = 5
	dynamoBatchWriteLimit = 25
	dynamoIncrementTries  = 5
)

// DynamoDBAPI is the subset of *dynamodb.Client used by the DynamoDB store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

var _ DynamoDBAPI = (*dynamodb.Client)(nil)

type dynamoStore struct {
	client DynamoDBAPI
	table  string
	cfg    config
}

var (
	_ Store             = (*dynamoStore)(nil)
	_ ConditionalWriter = (*dynamoStore)(nil)
	_ Provisionable     = (*dynamoStore)(nil)
)

// NewDynamoDB returns a Store keeping one item per key in a DynamoDB table
// (see WithTable). Items carry the expiration in epoch seconds in
// ExpiresAt, which DynamoDB's own TTL sweeper can use; items without it
// never expire. The store cannot flush and does not support tags.
func NewDynamoDB(client DynamoDBAPI, opts ...Option) Store {
	cfg := applyOptions(opts)
	return &dynamoStore{
		client: client,
		table:  cfg.table,
		cfg:    cfg,
	}
}

// NewDynamoDBFromConfig builds a client from the default AWS credential
// chain. A non-empty endpoint overrides the service endpoint, as used with
// DynamoDB Local.
func NewDynamoDBFromConfig(ctx context.Context, region string, endpoint string, opts ...Option) (Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "cache: failed to load AWS config")
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamoDB(client, opts...), nil
}

func (s *dynamoStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return withQueryTimeout(parent, s.cfg.queryTimeout)
}

func dynamoKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoKeyAttribute: &types.AttributeValueMemberS{Value: key},
	}
}

func dynamoItem(key string, val Value, expiresAt int64) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		dynamoKeyAttribute:   &types.AttributeValueMemberS{Value: key},
		dynamoValueAttribute: &types.AttributeValueMemberS{Value: string(val)},
	}
	if expiresAt > 0 {
		item[dynamoExpirationAttribute] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)}
	}
	return item
}

func dynamoExpiresAt(ttl int64) int64 {
	if ttl <= 0 {
		return 0
	}
	return nowSeconds() + ttl
}

type dynamoRecord struct {
	key       string
	value     Value
	expiresAt int64
}

func (r dynamoRecord) stale() bool {
	return r.expiresAt != 0 && nowSeconds() >= r.expiresAt
}

func parseDynamoItem(item map[string]types.AttributeValue) (dynamoRecord, bool) {
	var rec dynamoRecord
	key, ok := item[dynamoKeyAttribute].(*types.AttributeValueMemberS)
	if !ok {
		return rec, false
	}
	val, ok := item[dynamoValueAttribute].(*types.AttributeValueMemberS)
	if !ok {
		return rec, false
	}
	rec.key = key.Value
	rec.value = Value(val.Value)
	if exp, ok := item[dynamoExpirationAttribute].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(exp.Value, 10, 64)
		if err == nil {
			rec.expiresAt = n
		}
	}
	return rec, true
}

func (s *dynamoStore) read(ctx context.Context, key string) (dynamoRecord, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	out, err := s.client.GetItem(qctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            dynamoKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return dynamoRecord{}, false, errors.Wrapf(err, "dynamodb: get %q", key)
	}
	if len(out.Item) == 0 {
		return dynamoRecord{}, false, nil
	}
	rec, ok := parseDynamoItem(out.Item)
	return rec, ok, nil
}

func (s *dynamoStore) deleteStale(ctx context.Context, rec dynamoRecord) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.client.DeleteItem(qctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 dynamoKey(rec.key),
		ConditionExpression: aws.String("#e = :e"),
		ExpressionAttributeNames: map[string]string{
			"#e": dynamoExpirationAttribute,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.expiresAt, 10)},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &ccf) {
		s.cfg.logger.Debug("dynamodb: failed to delete stale item %q: %s", rec.key, err)
	}
}

func (s *dynamoStore) Get(ctx context.Context, key string) (bool, Value, error) {
	rec, found, err := s.read(ctx, key)
	if err != nil || !found {
		return false, nil, err
	}
	if rec.stale() {
		s.deleteStale(ctx, rec)
		return false, nil, nil
	}
	return true, rec.value, nil
}

func (s *dynamoStore) Many(ctx context.Context, keys []string) (map[string]Value, error) {
	result := make(map[string]Value, len(keys))
	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			unique = append(unique, key)
		}
	}
	for start := 0; start < len(unique); start += dynamoBatchGetLimit {
		end := min(start+dynamoBatchGetLimit, len(unique))
		requestKeys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, key := range unique[start:end] {
			requestKeys = append(requestKeys, dynamoKey(key))
		}
		for try := 0; len(requestKeys) > 0; try++ {
			if try == dynamoBatchGetTries {
				return result, errors.Newf("dynamodb: batch get left %d keys unprocessed", len(requestKeys))
			}
			qctx, cancel := s.queryCtx(ctx)
			out, err := s.client.BatchGetItem(qctx, &dynamodb.BatchGetItemInput{
				RequestItems: map[string]types.KeysAndAttributes{
					s.table: {Keys: requestKeys, ConsistentRead: aws.Bool(true)},
				},
			})
			cancel()
			if err != nil {
				return result, errors.Wrap(err, "dynamodb: batch get")
			}
			for _, item := range out.Responses[s.table] {
				rec, ok := parseDynamoItem(item)
				if !ok {
					continue
				}
				if rec.stale() {
					s.deleteStale(ctx, rec)
					continue
				}
				result[rec.key] = rec.value
			}
			requestKeys = out.UnprocessedKeys[s.table].Keys
		}
	}
	return result, nil
}

func (s *dynamoStore) Has(ctx context.Context, key string) (bool, error) {
	found, _, err := s.Get(ctx, key)
	return found, err
}

func (s *dynamoStore) Put(ctx context.Context, key string, val Value, ttl int64) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.client.PutItem(qctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      dynamoItem(key, val, dynamoExpiresAt(ttl)),
	})
	if err != nil {
		return false, errors.Wrapf(err, "dynamodb: put %q", key)
	}
	return true, nil
}

// Add writes the item when no item exists or the existing one is stale.
func (s *dynamoStore) Add(ctx context.Context, key string, val Value, ttl int64) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.client.PutItem(qctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                dynamoItem(key, val, dynamoExpiresAt(ttl)),
		ConditionExpression: aws.String("attribute_not_exists(#k) OR (attribute_exists(#e) AND #e <= :now)"),
		ExpressionAttributeNames: map[string]string{
			"#k": dynamoKeyAttribute,
			"#e": dynamoExpirationAttribute,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(nowSeconds(), 10)},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "dynamodb: add %q", key)
	}
	return true, nil
}

// Increment reads the current value and writes the new one on the
// condition that the value is unchanged, retrying a few times when
// another writer gets in between.
func (s *dynamoStore) Increment(ctx context.Context, key string, delta int64) (bool, int64, error) {
	for range dynamoIncrementTries {
		rec, found, err := s.read(ctx, key)
		if err != nil {
			return false, 0, err
		}
		if !found || rec.stale() {
			return false, 0, nil
		}
		n, ok := rec.value.Int()
		if !ok {
			return false, 0, nil
		}
		n += delta
		qctx, cancel := s.queryCtx(ctx)
		_, err = s.client.UpdateItem(qctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.table),
			Key:                 dynamoKey(key),
			UpdateExpression:    aws.String("SET #v = :new"),
			ConditionExpression: aws.String("#v = :old"),
			ExpressionAttributeNames: map[string]string{
				"#v": dynamoValueAttribute,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":new": &types.AttributeValueMemberS{Value: intValue(n).String()},
				":old": &types.AttributeValueMemberS{Value: string(rec.value)},
			},
		})
		cancel()
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			continue
		}
		if err != nil {
			return false, 0, errors.Wrapf(err, "dynamodb: increment %q", key)
		}
		return true, n, nil
	}
	return false, 0, errors.Newf("dynamodb: increment %q lost %d races", key, dynamoIncrementTries)
}

func (s *dynamoStore) Decrement(ctx context.Context, key string, delta int64) (bool, int64, error) {
	return s.Increment(ctx, key, -delta)
}

func (s *dynamoStore) putMany(ctx context.Context, items map[string]Value, ttl int64) (map[string]bool, error) {
	results := make(map[string]bool, len(items))
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
		results[key] = false
	}
	expiresAt := dynamoExpiresAt(ttl)
	var firstErr error
	for start := 0; start < len(keys); start += dynamoBatchWriteLimit {
		end := min(start+dynamoBatchWriteLimit, len(keys))
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{
				PutRequest: &types.PutRequest{Item: dynamoItem(key, items[key], expiresAt)},
			})
		}
		qctx, cancel := s.queryCtx(ctx)
		out, err := s.client.BatchWriteItem(qctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: requests},
		})
		cancel()
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrap(err, "dynamodb: batch write")
			}
			continue
		}
		for _, key := range keys[start:end] {
			results[key] = true
		}
		for _, req := range out.UnprocessedItems[s.table] {
			if req.PutRequest == nil {
				continue
			}
			if rec, ok := parseDynamoItem(req.PutRequest.Item); ok {
				results[rec.key] = false
			}
		}
	}
	return results, firstErr
}

func (s *dynamoStore) PutMany(ctx context.Context, items map[string]Value, ttl int64) (map[string]bool, error) {
	return s.putMany(ctx, items, ttl)
}

func (s *dynamoStore) PutManyForever(ctx context.Context, items map[string]Value) (map[string]bool, error) {
	return s.putMany(ctx, items, 0)
}

func (s *dynamoStore) Forever(ctx context.Context, key string, val Value) (bool, error) {
	return s.Put(ctx, key, val, 0)
}

func (s *dynamoStore) Forget(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	out, err := s.client.DeleteItem(qctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          dynamoKey(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, errors.Wrapf(err, "dynamodb: delete %q", key)
	}
	return len(out.Attributes) > 0, nil
}

func (s *dynamoStore) Flush(context.Context, string) (bool, error) {
	return false, unsupported("DynamoDB does not support flushing; delete and recreate table %q instead", s.table)
}

func (s *dynamoStore) CalculateTTL(ms int64) int64 {
	return secondsTTL(ms)
}

// CreateTable creates the table with Key as its hash key, waits for it to
// become active and enables TTL on ExpiresAt.
func (s *dynamoStore) CreateTable(ctx context.Context, name string) (bool, error) {
	if name == "" {
		name = s.table
	}
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err == nil {
		return false, nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return false, errors.Wrapf(err, "dynamodb: describe table %q", name)
	}
	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(dynamoKeyAttribute), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(dynamoKeyAttribute), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "dynamodb: create table %q", name)
	}
	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, 5*time.Minute); err != nil {
		return false, errors.Wrapf(err, "dynamodb: waiting for table %q", name)
	}
	_, err = s.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(name),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(dynamoExpirationAttribute),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return true, errors.Wrapf(err, "dynamodb: enable TTL on %q", name)
	}
	return true, nil
}

func (s *dynamoStore) Close() error {
	return nil
}
