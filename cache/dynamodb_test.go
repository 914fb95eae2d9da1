package cache

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamoDB keeps items in a map and understands the condition
// expressions issued by the store.
type fakeDynamoDB struct {
	mutex       sync.Mutex
	items       map[string]map[string]types.AttributeValue
	tables      map[string]types.TableStatus
	ttlEnabled  map[string]string
	batchWrites int
	batchGets   int
	// throttled is the number of upcoming BatchGetItem calls that leave
	// their last key unprocessed.
	throttled int
	// racer runs once before the next conditional update, simulating a
	// concurrent writer.
	racer func()
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{
		items:      make(map[string]map[string]types.AttributeValue),
		tables:     make(map[string]types.TableStatus),
		ttlEnabled: make(map[string]string),
	}
}

func attrS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func attrN(item map[string]types.AttributeValue, name string) (int64, bool) {
	if v, ok := item[name].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (f *fakeDynamoDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[attrS(params.Key, dynamoKeyAttribute)]}, nil
}

func (f *fakeDynamoDB) BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.batchGets++
	out := &dynamodb.BatchGetItemOutput{
		Responses:       make(map[string][]map[string]types.AttributeValue),
		UnprocessedKeys: make(map[string]types.KeysAndAttributes),
	}
	for table, req := range params.RequestItems {
		keys := req.Keys
		if f.throttled > 0 && len(keys) > 0 {
			f.throttled--
			out.UnprocessedKeys[table] = types.KeysAndAttributes{Keys: keys[len(keys)-1:]}
			keys = keys[:len(keys)-1]
		}
		for _, key := range keys {
			if item, ok := f.items[attrS(key, dynamoKeyAttribute)]; ok {
				out.Responses[table] = append(out.Responses[table], item)
			}
		}
	}
	return out, nil
}

func (f *fakeDynamoDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	key := attrS(params.Item, dynamoKeyAttribute)
	if params.ConditionExpression != nil {
		if existing, ok := f.items[key]; ok {
			now, _ := attrN(params.ExpressionAttributeValues, ":now")
			exp, hasExp := attrN(existing, dynamoExpirationAttribute)
			if !hasExp || exp > now {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
			}
		}
	}
	f.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.batchWrites++
	for _, reqs := range params.RequestItems {
		if len(reqs) > dynamoBatchWriteLimit {
			return nil, &types.ProvisionedThroughputExceededException{Message: aws.String("too many items")}
		}
		for _, req := range reqs {
			if req.PutRequest != nil {
				f.items[attrS(req.PutRequest.Item, dynamoKeyAttribute)] = req.PutRequest.Item
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDynamoDB) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mutex.Lock()
	racer := f.racer
	f.racer = nil
	f.mutex.Unlock()
	if racer != nil {
		racer()
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	key := attrS(params.Key, dynamoKeyAttribute)
	item, ok := f.items[key]
	if !ok || attrS(item, dynamoValueAttribute) != attrS(params.ExpressionAttributeValues, ":old") {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("changed")}
	}
	updated := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		updated[k] = v
	}
	updated[dynamoValueAttribute] = params.ExpressionAttributeValues[":new"]
	f.items[key] = updated
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamoDB) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	key := attrS(params.Key, dynamoKeyAttribute)
	item, ok := f.items[key]
	if params.ConditionExpression != nil {
		want, _ := attrN(params.ExpressionAttributeValues, ":e")
		got, _ := attrN(item, dynamoExpirationAttribute)
		if !ok || got != want {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("changed")}
		}
	}
	delete(f.items, key)
	out := &dynamodb.DeleteItemOutput{}
	if ok && params.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = item
	}
	return out, nil
}

func (f *fakeDynamoDB) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	status, ok := f.tables[aws.ToString(params.TableName)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   params.TableName,
		TableStatus: status,
	}}, nil
}

func (f *fakeDynamoDB) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.tables[aws.ToString(params.TableName)] = types.TableStatusActive
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamoDB) UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.ttlEnabled[aws.ToString(params.TableName)] = aws.ToString(params.TimeToLiveSpecification.AttributeName)
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func (f *fakeDynamoDB) setExpired(key string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	item := f.items[key]
	item[dynamoExpirationAttribute] = &types.AttributeValueMemberN{Value: strconv.FormatInt(nowSeconds()-10, 10)}
}

func (f *fakeDynamoDB) has(key string) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	_, ok := f.items[key]
	return ok
}

func TestDynamoDBPutGet(t *testing.T) {
	fake := newFakeDynamoDB()
	store := NewDynamoDB(fake)
	ctx := context.Background()

	found, _, err := store.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, found)

	ok, err := store.Put(ctx, "k", MustEncode("v"), store.CalculateTTL(60_000))
	assert.NoError(t, err)
	assert.True(t, ok)

	exp, hasExp := attrN(fake.items["k"], dynamoExpirationAttribute)
	assert.True(t, hasExp)
	assert.InDelta(t, nowSeconds()+60, exp, 2)

	found, val, err := store.Get(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Value(`"v"`), val)

	fake.setExpired("k")
	found, _, err = store.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.False(t, fake.has("k"), "stale items are deleted on read")
}

func TestDynamoDBForever(t *testing.T) {
	fake := newFakeDynamoDB()
	store := NewDynamoDB(fake)
	ctx := context.Background()

	ok, err := store.Forever(ctx, "k", MustEncode(1))
	assert.NoError(t, err)
	assert.True(t, ok)
	_, hasExp := attrN(fake.items["k"], dynamoExpirationAttribute)
	assert.False(t, hasExp)
}

func TestDynamoDBCalculateTTL(t *testing.T) {
	store := NewDynamoDB(newFakeDynamoDB())
	assert.Equal(t, int64(60), store.CalculateTTL(60_000))
	assert.Equal(t, int64(1), store.CalculateTTL(1))
	assert.Equal(t, int64(2), store.CalculateTTL(1001))
}

func TestDynamoDBAdd(t *testing.T) {
	fake := newFakeDynamoDB()
	store := NewDynamoDB(fake)
	ctx := context.Background()
	cw := store.(ConditionalWriter)

	ok, err := cw.Add(ctx, "k", MustEncode("first"), 60)
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, err = cw.Add(ctx, "k", MustEncode("second"), 60)
	assert.NoError(t, err)
	assert.False(t, ok)
	_, val, _ := store.Get(ctx, "k")
	assert.Equal(t, Value(`"first"`), val)

	fake.setExpired("k")
	ok, err = cw.Add(ctx, "k", MustEncode("third"), 60)
	assert.NoError(t, err)
	assert.True(t, ok)

	_, _ = store.Forever(ctx, "f", MustEncode(1))
	ok, err = cw.Add(ctx, "f", MustEncode(2), 60)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDynamoDBIncrement(t *testing.T) {
	fake := newFakeDynamoDB()
	store := NewDynamoDB(fake)
	ctx := context.Background()

	ok, _, err := store.Increment(ctx, "missing", 1)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _ = store.Forever(ctx, "n", MustEncode(5))
	ok, n, err := store.Increment(ctx, "n", 2)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)

	fake.racer = func() {
		_, _ = store.Forever(ctx, "n", MustEncode(100))
	}
	ok, n, err = store.Decrement(ctx, "n", 1)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(99), n, "a lost race is retried against the new value")

	_, _ = store.Forever(ctx, "s", MustEncode("abc"))
	ok, _, err = store.Increment(ctx, "s", 1)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDynamoDBManyAndPutMany(t *testing.T) {
	fake := newFakeDynamoDB()
	store := NewDynamoDB(fake)
	ctx := context.Background()

	items := make(map[string]Value)
	for i := 0; i < 60; i++ {
		items["k"+strconv.Itoa(i)] = MustEncode(i)
	}
	results, err := store.PutMany(ctx, items, 60)
	require.NoError(t, err)
	assert.Len(t, results, 60)
	for key, ok := range results {
		assert.True(t, ok, key)
	}
	assert.Equal(t, 3, fake.batchWrites)

	values, err := store.Many(ctx, []string{"k1", "k59", "nope", "k1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]Value{"k1": Value("1"), "k59": Value("59")}, values)

	results, err = store.PutManyForever(ctx, map[string]Value{"f": MustEncode("x")})
	require.NoError(t, err)
	assert.True(t, results["f"])
	_, hasExp := attrN(fake.items["f"], dynamoExpirationAttribute)
	assert.False(t, hasExp)
}

func TestDynamoDBManyDeletesStale(t *testing.T) {
	fake := newFakeDynamoDB()
	store := NewDynamoDB(fake)
	ctx := context.Background()

	_, err := store.PutMany(ctx, map[string]Value{"a": MustEncode(1), "b": MustEncode(2)}, 60)
	require.NoError(t, err)
	fake.setExpired("a")

	values, err := store.Many(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]Value{"b": Value("2")}, values)
	assert.False(t, fake.has("a"))
	assert.True(t, fake.has("b"))
}

func TestDynamoDBManyRetriesUnprocessedKeys(t *testing.T) {
	fake := newFakeDynamoDB()
	store := NewDynamoDB(fake)
	ctx := context.Background()

	_, err := store.PutMany(ctx, map[string]Value{"a": MustEncode(1), "b": MustEncode(2), "c": MustEncode(3)}, 60)
	require.NoError(t, err)

	fake.throttled = 2
	values, err := store.Many(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]Value{"a": Value("1"), "b": Value("2"), "c": Value("3")}, values)
	assert.Equal(t, 3, fake.batchGets)

	fake.batchGets = 0
	fake.throttled = 100
	_, err = store.Many(ctx, []string{"a"})
	assert.Error(t, err)
	assert.Equal(t, dynamoBatchGetTries, fake.batchGets)
}

func TestDynamoDBForgetAndFlush(t *testing.T) {
	store := NewDynamoDB(newFakeDynamoDB())
	ctx := context.Background()

	_, _ = store.Forever(ctx, "k", MustEncode(1))
	ok, err := store.Forget(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Forget(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Flush(ctx, "")
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.False(t, ok)

	_, taggable := store.(Taggable)
	assert.False(t, taggable)
}

func TestDynamoDBCreateTable(t *testing.T) {
	fake := newFakeDynamoDB()
	store := NewDynamoDB(fake, WithTable("cache_items"))
	ctx := context.Background()
	p := store.(Provisionable)

	created, err := p.CreateTable(ctx, "")
	assert.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.TableStatusActive, fake.tables["cache_items"])
	assert.Equal(t, dynamoExpirationAttribute, fake.ttlEnabled["cache_items"])

	created, err = p.CreateTable(ctx, "")
	assert.NoError(t, err)
	assert.False(t, created)
}
