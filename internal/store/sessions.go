package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/model"
)

// SessionTable stores sync sessions keyed by (agent_id, session_id). The
// table has a stream enabled so the finalizer observes every counter update.
type SessionTable struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// NewSessionTable creates a SessionTable.
func NewSessionTable(client DynamoAPI, tableName string) *SessionTable {
	return &SessionTable{client: client, tableName: tableName, now: time.Now}
}

func sessionKey(agentID, sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"agent_id":   str(agentID),
		"session_id": str(sessionID),
	}
}

func outcomeCounter(outcome model.FileOutcome) (string, error) {
	switch outcome {
	case model.FileOutcomeSuccess:
		return "success_files", nil
	case model.FileOutcomeFailed:
		return "failed_files", nil
	case model.FileOutcomeSkipped:
		return "skipped_files", nil
	}
	return "", fmt.Errorf("unknown file outcome %q", outcome)
}

func (t *SessionTable) Create(ctx context.Context, session *model.SyncSession) error {
	if session.FileResults == nil {
		session.FileResults = []model.FileResult{}
	}
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return fmt.Errorf("failed to marshal sync session: %w", err)
	}
	_, err = t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(t.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(session_id)"),
	})
	if err != nil {
		if _, ok := isConditionFailed(err); ok {
			return fmt.Errorf("sync session %s: %w", session.ID, adapter.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to put sync session: %w", err)
	}
	return nil
}

func (t *SessionTable) Get(ctx context.Context, agentID, sessionID string) (*model.SyncSession, error) {
	out, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.tableName),
		Key:            sessionKey(agentID, sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get sync session: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("sync session %s: %w", sessionID, adapter.ErrNotFound)
	}
	var session model.SyncSession
	if err := attributevalue.UnmarshalMap(out.Item, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync session: %w", err)
	}
	return &session, nil
}

// RecordResult increments the counters in a single conditional update. When
// the detail list is already at model.MaxFileResults the counters are still
// incremented and the detail is dropped.
func (t *SessionTable) RecordResult(ctx context.Context, agentID, sessionID string, outcome model.FileOutcome, detail *model.FileResult) error {
	counter, err := outcomeCounter(outcome)
	if err != nil {
		return err
	}

	if detail != nil {
		av, err := attributevalue.Marshal(detail)
		if err != nil {
			return fmt.Errorf("failed to marshal file result: %w", err)
		}
		err = t.increment(ctx, agentID, sessionID, counter,
			"SET updated_at = :now, file_results = list_append(file_results, :detail) ADD processed_files :one, #counter :one",
			"attribute_exists(session_id) AND processed_files < total_files AND size(file_results) < :max",
			map[string]types.AttributeValue{
				":detail": &types.AttributeValueMemberL{Value: []types.AttributeValue{av}},
				":max":    num(model.MaxFileResults),
			})
		if !errors.Is(err, errDetailsFull) {
			return err
		}
	}

	return t.increment(ctx, agentID, sessionID, counter,
		"SET updated_at = :now ADD processed_files :one, #counter :one",
		"attribute_exists(session_id) AND processed_files < total_files",
		map[string]types.AttributeValue{})
}

var errDetailsFull = errors.New("file results list is full")

func (t *SessionTable) increment(ctx context.Context, agentID, sessionID, counter, update, condition string, values map[string]types.AttributeValue) error {
	values[":now"] = timestamp(t.now())
	values[":one"] = num(1)

	_, err := t.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(t.tableName),
		Key:                                 sessionKey(agentID, sessionID),
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String(condition),
		ExpressionAttributeNames:            map[string]string{"#counter": counter},
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}

	ccf, ok := isConditionFailed(err)
	if !ok {
		return fmt.Errorf("failed to record file result: %w", err)
	}
	if len(ccf.Item) == 0 {
		return fmt.Errorf("sync session %s: %w", sessionID, adapter.ErrNotFound)
	}
	var current model.SyncSession
	if err := attributevalue.UnmarshalMap(ccf.Item, &current); err != nil {
		return fmt.Errorf("failed to unmarshal sync session: %w", err)
	}
	if current.ProcessedFiles >= current.TotalFiles {
		return ErrSessionFull
	}
	return errDetailsFull
}

func (t *SessionTable) MarkCompleted(ctx context.Context, agentID, sessionID string) (bool, error) {
	_, err := t.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(t.tableName),
		Key:                      sessionKey(agentID, sessionID),
		UpdateExpression:         aws.String("SET #status = :completed, updated_at = :now"),
		ConditionExpression:      aws.String("#status = :in_progress"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed":   str(string(model.SessionStatusCompleted)),
			":in_progress": str(string(model.SessionStatusInProgress)),
			":now":         timestamp(t.now()),
		},
	})
	if err != nil {
		if _, ok := isConditionFailed(err); ok {
			return false, nil
		}
		return false, fmt.Errorf("failed to complete sync session: %w", err)
	}
	return true, nil
}

func (t *SessionTable) DeleteAll(ctx context.Context, agentID string) (int, error) {
	keys, err := queryKeys(ctx, t.client, t.tableName, "agent_id", "session_id", agentID)
	if err != nil {
		return 0, err
	}
	if err := batchDelete(ctx, t.client, t.tableName, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}
