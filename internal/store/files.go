package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/agentsync/internal/model"
)

// FileTable stores agent files keyed by (agent_id, file_id).
type FileTable struct {
	client    DynamoAPI
	tableName string
}

// NewFileTable creates a FileTable.
func NewFileTable(client DynamoAPI, tableName string) *FileTable {
	return &FileTable{client: client, tableName: tableName}
}

// FindByDriveFileID scans the agent's partition in key order and returns
// the first match.
func (t *FileTable) FindByDriveFileID(ctx context.Context, agentID, driveFileID string) (*model.AgentFile, error) {
	files, err := t.query(ctx, agentID, "drive_file_id", driveFileID, true)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return &files[0], nil
}

func (t *FileTable) ListBySource(ctx context.Context, agentID, sourceID string) ([]model.AgentFile, error) {
	return t.query(ctx, agentID, "drive_source_id", sourceID, false)
}

func (t *FileTable) query(ctx context.Context, agentID, field, value string, firstOnly bool) ([]model.AgentFile, error) {
	var files []model.AgentFile
	p := dynamodb.NewQueryPaginator(t.client, &dynamodb.QueryInput{
		TableName:                aws.String(t.tableName),
		KeyConditionExpression:   aws.String("agent_id = :agent_id"),
		FilterExpression:         aws.String("#field = :value"),
		ExpressionAttributeNames: map[string]string{"#field": field},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":agent_id": str(agentID),
			":value":    str(value),
		},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query agent files: %w", err)
		}
		var batch []model.AgentFile
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent files: %w", err)
		}
		files = append(files, batch...)
		if firstOnly && len(files) > 0 {
			break
		}
	}
	return files, nil
}

func (t *FileTable) Put(ctx context.Context, file *model.AgentFile) error {
	item, err := attributevalue.MarshalMap(file)
	if err != nil {
		return fmt.Errorf("failed to marshal agent file: %w", err)
	}
	_, err = t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put agent file: %w", err)
	}
	return nil
}

func (t *FileTable) Delete(ctx context.Context, agentID, fileID string) error {
	_, err := t.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(t.tableName),
		Key: map[string]types.AttributeValue{
			"agent_id": str(agentID),
			"file_id":  str(fileID),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete agent file: %w", err)
	}
	return nil
}

func (t *FileTable) DeleteAll(ctx context.Context, agentID string) (int, error) {
	keys, err := queryKeys(ctx, t.client, t.tableName, "agent_id", "file_id", agentID)
	if err != nil {
		return 0, err
	}
	if err := batchDelete(ctx, t.client, t.tableName, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}
