package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
//
//	PK=RUN#{runId}  SK=META           run summary
//	PK=RUN#{runId}  SK=ITEM#{itemId}  item outcome
//	PK=RUNS         SK={startedAt}#{runId}  copy of the summary for listing
const (
	pkPrefix   = "RUN#"
	pkIndex    = "RUNS"
	skMeta     = "META"
	skItem     = "ITEM#"
	defaultMax = 50

	// maxBatchWrite is the DynamoDB BatchWriteItem limit per call.
	maxBatchWrite = 25
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore implements RunStore on one DynamoDB table.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

// Compile-time interface check.
var _ RunStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

func runPK(runID string) string {
	return pkPrefix + runID
}

func indexSK(run *Run) string {
	return fmt.Sprintf("%020d#%s", run.StartedAt, run.ID)
}

func expiresAt() int64 {
	return time.Now().Add(RunTTL).Unix()
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// marshalItem marshals a record and adds its key and TTL attributes.
func marshalItem(pk, sk string, data any) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}
	return item, nil
}

func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data any) error {
	item, err := marshalItem(pk, sk, data)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out any) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key:       key(pk, sk),
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// query returns every item under pk whose SK begins with skPrefix, following
// pagination unless limit is reached.
func (s *DynamoStore) query(ctx context.Context, pk, skPrefix string, newestFirst bool, limit int) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
		ScanIndexForward: aws.Bool(!newestFirst),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	var all []map[string]types.AttributeValue
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s SK prefix=%s: %w", pk, skPrefix, err)
		}
		all = append(all, result.Items...)
		if result.LastEvaluatedKey == nil || (limit > 0 && len(all) >= limit) {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// batchWrite sends write requests in chunks of maxBatchWrite.
func (s *DynamoStore) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	for i := 0; i < len(requests); i += maxBatchWrite {
		end := min(i+maxBatchWrite, len(requests))
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				s.tableName: requests[i:end],
			},
		})
		if err != nil {
			return fmt.Errorf("BatchWriteItem (%d items): %w", end-i, err)
		}
		// UnprocessedItems are not retried; the TTL clears any leftovers.
		if n := len(out.UnprocessedItems[s.tableName]); n > 0 {
			log.Warn().Int("unprocessed", n).Str("table", s.tableName).Msg("BatchWriteItem left items unprocessed")
		}
	}
	return nil
}

// --- Run operations ---

func (s *DynamoStore) PutRun(ctx context.Context, run *Run) error {
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().Unix()
	}
	if err := s.putItem(ctx, runPK(run.ID), skMeta, run); err != nil {
		return fmt.Errorf("put run %s: %w", run.ID, err)
	}
	if err := s.putItem(ctx, pkIndex, indexSK(run), run); err != nil {
		return fmt.Errorf("put run index %s: %w", run.ID, err)
	}
	log.Debug().Str("runId", run.ID).Str("status", run.Status).Msg("Run stored in DynamoDB")
	return nil
}

func (s *DynamoStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	found, err := s.getItem(ctx, runPK(runID), skMeta, &run)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	if !found {
		return nil, nil
	}
	return &run, nil
}

func (s *DynamoStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = defaultMax
	}
	items, err := s.query(ctx, pkIndex, "", true, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*Run, 0, len(items))
	for _, item := range items {
		var run Run
		if err := attributevalue.UnmarshalMap(item, &run); err != nil {
			return nil, fmt.Errorf("unmarshal run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, nil
}

func (s *DynamoStore) PutItems(ctx context.Context, runID string, records []*ItemRecord) error {
	requests := make([]types.WriteRequest, 0, len(records))
	for _, rec := range records {
		item, err := marshalItem(runPK(runID), skItem+rec.ItemID, rec)
		if err != nil {
			return fmt.Errorf("put items for run %s: %w", runID, err)
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	if err := s.batchWrite(ctx, requests); err != nil {
		return fmt.Errorf("put items for run %s: %w", runID, err)
	}
	log.Debug().Str("runId", runID).Int("items", len(records)).Msg("Item records stored in DynamoDB")
	return nil
}

func (s *DynamoStore) ListItems(ctx context.Context, runID string) ([]*ItemRecord, error) {
	items, err := s.query(ctx, runPK(runID), skItem, false, 0)
	if err != nil {
		return nil, fmt.Errorf("list items for run %s: %w", runID, err)
	}
	out := make([]*ItemRecord, 0, len(items))
	for _, item := range items {
		var rec ItemRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal item record: %w", err)
		}
		rec.RunID = runID
		out = append(out, &rec)
	}
	return out, nil
}

func (s *DynamoStore) DeleteRun(ctx context.Context, runID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	items, err := s.query(ctx, runPK(runID), "", false, 0)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}

	requests := make([]types.WriteRequest, 0, len(items)+1)
	for _, item := range items {
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]}},
		})
	}
	if run != nil {
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: key(pkIndex, indexSK(run))},
		})
	}
	if err := s.batchWrite(ctx, requests); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	log.Info().Str("runId", runID).Int("records", len(requests)).Msg("Run deleted from DynamoDB")
	return nil
}
