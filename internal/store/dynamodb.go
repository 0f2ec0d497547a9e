package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB attribute names. Every logical table is a DynamoDB table with a
// string partition key "pk".
const (
	ddbKeyAttr     = "pk"
	ddbValueAttr   = "val"
	ddbVersionAttr = "ver"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDB is a KV backed by DynamoDB conditional writes.
type DynamoDB struct {
	client DynamoDBAPI
}

var (
	_ KV     = (*DynamoDB)(nil)
	_ Lister = (*DynamoDB)(nil)
)

// NewDynamoDB wraps a DynamoDB client.
func NewDynamoDB(client DynamoDBAPI) *DynamoDB {
	return &DynamoDB{client: client}
}

// Get returns the stored item using a strongly consistent read.
func (d *DynamoDB) Get(ctx context.Context, table, key string) (Item, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            map[string]types.AttributeValue{ddbKeyAttr: &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Item{}, fmt.Errorf("store/dynamodb: get: %w", err)
	}
	if len(out.Item) == 0 {
		return Item{}, ErrNotFound
	}

	val, ok := out.Item[ddbValueAttr].(*types.AttributeValueMemberB)
	if !ok {
		return Item{}, fmt.Errorf("store/dynamodb: %s/%s has no %q attribute", table, key, ddbValueAttr)
	}
	ver, ok := out.Item[ddbVersionAttr].(*types.AttributeValueMemberN)
	if !ok {
		return Item{}, fmt.Errorf("store/dynamodb: %s/%s has no %q attribute", table, key, ddbVersionAttr)
	}
	version, err := strconv.ParseInt(ver.Value, 10, 64)
	if err != nil {
		return Item{}, fmt.Errorf("store/dynamodb: bad version %q: %w", ver.Value, err)
	}
	return Item{Value: val.Value, Version: version}, nil
}

// Put writes value if the stored version matches expectedVersion.
func (d *DynamoDB) Put(ctx context.Context, table, key string, value []byte, expectedVersion int64) (int64, error) {
	next := expectedVersion + 1
	in := &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item: map[string]types.AttributeValue{
			ddbKeyAttr:     &types.AttributeValueMemberS{Value: key},
			ddbValueAttr:   &types.AttributeValueMemberB{Value: value},
			ddbVersionAttr: &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
		},
	}
	if expectedVersion == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(#pk)")
		in.ExpressionAttributeNames = map[string]string{"#pk": ddbKeyAttr}
	} else {
		in.ConditionExpression = aws.String("#ver = :expected")
		in.ExpressionAttributeNames = map[string]string{"#ver": ddbVersionAttr}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		}
	}

	if _, err := d.client.PutItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("store/dynamodb: put: %w", err)
	}
	return next, nil
}

// Keys scans the table for every partition key.
func (d *DynamoDB) Keys(ctx context.Context, table string) ([]string, error) {
	p := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:                aws.String(table),
		ProjectionExpression:     aws.String("#pk"),
		ExpressionAttributeNames: map[string]string{"#pk": ddbKeyAttr},
	})

	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("store/dynamodb: scan: %w", err)
		}
		for _, item := range page.Items {
			if k, ok := item[ddbKeyAttr].(*types.AttributeValueMemberS); ok {
				keys = append(keys, k.Value)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op; the SDK client has no resources to release.
func (d *DynamoDB) Close() error { return nil }
