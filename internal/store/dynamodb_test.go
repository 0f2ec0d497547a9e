package store

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo evaluates the two condition expressions the store issues.
type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: make(map[string]map[string]map[string]types.AttributeValue)}
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := in.Key[ddbKeyAttr].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.tables[aws.ToString(in.TableName)][pk]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := aws.ToString(in.TableName)
	if f.tables[table] == nil {
		f.tables[table] = make(map[string]map[string]types.AttributeValue)
	}
	pk := in.Item[ddbKeyAttr].(*types.AttributeValueMemberS).Value
	existing, exists := f.tables[table][pk]

	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(#pk)":
		if exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	case "#ver = :expected":
		want := in.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value
		if !exists || existing[ddbVersionAttr].(*types.AttributeValueMemberN).Value != want {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("version")}
		}
	}
	f.tables[table][pk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []map[string]types.AttributeValue
	for pk := range f.tables[aws.ToString(in.TableName)] {
		items = append(items, map[string]types.AttributeValue{ddbKeyAttr: &types.AttributeValueMemberS{Value: pk}})
	}
	return &dynamodb.ScanOutput{Items: items}, nil
}

func TestDynamoDB_Contract(t *testing.T) {
	runKVContract(t, NewDynamoDB(newFakeDynamo()))
}

func TestDynamoDB_AtomicUpdate(t *testing.T) {
	ctx := context.Background()
	u := NewUpdater(NewDynamoDB(newFakeDynamo()), 100, nil)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := AtomicUpdate(ctx, u, "docs", "k", addSeen(id))
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	doc, err := GetJSON[counterDoc](ctx, u.KV(), "docs", "k")
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Count)
}
