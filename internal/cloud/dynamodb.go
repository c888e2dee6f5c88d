package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zombor/billscan/internal/bill"
)

// DefaultFileIndex is the global secondary index on fileName
const DefaultFileIndex = "FileNameIndex"

type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// uploadItem is the DynamoDB item for an upload record. Results are kept as
// a JSON string.
type uploadItem struct {
	ConnectionID string `dynamodbav:"connectionId"`
	FileName     string `dynamodbav:"fileName"`
	Status       string `dynamodbav:"status"`
	Results      string `dynamodbav:"results,omitempty"`
	Placeholder  bool   `dynamodbav:"placeholder,omitempty"`
	CreatedAt    string `dynamodbav:"createdAt,omitempty"`
	UpdatedAt    string `dynamodbav:"updatedAt,omitempty"`
}

// DynamoRegistry implements bill.Registry on a DynamoDB table keyed by
// connectionId with a global secondary index on fileName
type DynamoRegistry struct {
	client    dynamoAPI
	tableName string
	indexName string
}

// NewDynamoRegistry creates a new DynamoRegistry
func NewDynamoRegistry(cfg aws.Config, tableName, indexName string) *DynamoRegistry {
	return newDynamoRegistry(dynamodb.NewFromConfig(cfg), tableName, indexName)
}

func newDynamoRegistry(client dynamoAPI, tableName, indexName string) *DynamoRegistry {
	if indexName == "" {
		indexName = DefaultFileIndex
	}
	return &DynamoRegistry{
		client:    client,
		tableName: tableName,
		indexName: indexName,
	}
}

func toItem(record *bill.Record) (*uploadItem, error) {
	item := &uploadItem{
		ConnectionID: record.ID,
		FileName:     record.FileKey,
		Status:       string(record.Status),
		Placeholder:  record.Placeholder,
	}
	if !record.CreatedAt.IsZero() {
		item.CreatedAt = record.CreatedAt.Format(time.RFC3339Nano)
	}
	if !record.UpdatedAt.IsZero() {
		item.UpdatedAt = record.UpdatedAt.Format(time.RFC3339Nano)
	}
	if record.Result != nil {
		results, err := json.Marshal(record.Result)
		if err != nil {
			return nil, fmt.Errorf("marshaling results: %w", err)
		}
		item.Results = string(results)
	}
	return item, nil
}

func toRecord(item *uploadItem) (*bill.Record, error) {
	record := &bill.Record{
		ID:          item.ConnectionID,
		FileKey:     item.FileName,
		Status:      bill.Status(item.Status),
		Placeholder: item.Placeholder,
	}
	var err error
	if item.CreatedAt != "" {
		if record.CreatedAt, err = time.Parse(time.RFC3339Nano, item.CreatedAt); err != nil {
			return nil, fmt.Errorf("parsing createdAt: %w", err)
		}
	}
	if item.UpdatedAt != "" {
		if record.UpdatedAt, err = time.Parse(time.RFC3339Nano, item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("parsing updatedAt: %w", err)
		}
	}
	if item.Results != "" {
		var payload bill.Payload
		if err := json.Unmarshal([]byte(item.Results), &payload); err != nil {
			return nil, fmt.Errorf("unmarshaling results: %w", err)
		}
		record.Result = &payload
	}
	return record, nil
}

func (r *DynamoRegistry) putItem(ctx context.Context, record *bill.Record, cond *expression.ConditionBuilder) error {
	item, err := toItem(record)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling upload item: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	}
	if cond != nil {
		expr, err := expression.NewBuilder().WithCondition(*cond).Build()
		if err != nil {
			return fmt.Errorf("building condition: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := r.client.PutItem(ctx, input); err != nil {
		var failed *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return fmt.Errorf("%w: %s", bill.ErrConditionFailed, record.ID)
		}
		return fmt.Errorf("putting item in DynamoDB: %w", err)
	}
	return nil
}

// Put implements bill.Registry
func (r *DynamoRegistry) Put(ctx context.Context, record *bill.Record) error {
	return r.putItem(ctx, record, nil)
}

// PutIf implements bill.Registry
func (r *DynamoRegistry) PutIf(ctx context.Context, record *bill.Record, want bill.Precondition) error {
	var cond expression.ConditionBuilder
	if want.Status == "" {
		cond = expression.AttributeNotExists(expression.Name("connectionId"))
	} else {
		cond = expression.Name("status").Equal(expression.Value(string(want.Status)))
		if want.FileKey != "" {
			cond = cond.And(expression.Name("fileName").Equal(expression.Value(want.FileKey)))
		}
	}
	return r.putItem(ctx, record, &cond)
}

// Get implements bill.Registry
func (r *DynamoRegistry) Get(ctx context.Context, id string) (*bill.Record, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"connectionId": id})
	if err != nil {
		return nil, fmt.Errorf("marshaling key for get: %w", err)
	}

	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting item from DynamoDB: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var item uploadItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling upload item: %w", err)
	}
	return toRecord(&item)
}

// FindByFileKey implements bill.Registry
func (r *DynamoRegistry) FindByFileKey(ctx context.Context, fileKey string) ([]*bill.Record, error) {
	keyCond := expression.Key("fileName").Equal(expression.Value(fileKey))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("building key condition: %w", err)
	}

	paginator := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String(r.indexName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	records := make([]*bill.Record, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", r.indexName, err)
		}

		var items []uploadItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshaling upload items: %w", err)
		}
		for i := range items {
			record, err := toRecord(&items[i])
			if err != nil {
				return nil, fmt.Errorf("converting item %s: %w", items[i].ConnectionID, err)
			}
			records = append(records, record)
		}
	}
	return records, nil
}

// Delete implements bill.Registry
func (r *DynamoRegistry) Delete(ctx context.Context, id string) error {
	key, err := attributevalue.MarshalMap(map[string]string{"connectionId": id})
	if err != nil {
		return fmt.Errorf("marshaling key for delete: %w", err)
	}

	_, err = r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       key,
	})
	if err != nil {
		return fmt.Errorf("deleting item from DynamoDB: %w", err)
	}
	return nil
}

// Close implements bill.Registry
func (r *DynamoRegistry) Close() error {
	return nil
}

var _ bill.Registry = (*DynamoRegistry)(nil)
