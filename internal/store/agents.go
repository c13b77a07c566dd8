package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/model"
)

// AgentTable stores agents keyed by agent_id. Drive sources live in the
// drive_sources map attribute and are updated by nested path.
type AgentTable struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// NewAgentTable creates an AgentTable.
func NewAgentTable(client DynamoAPI, tableName string) *AgentTable {
	return &AgentTable{client: client, tableName: tableName, now: time.Now}
}

func agentKey(agentID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"agent_id": str(agentID)}
}

func (t *AgentTable) Create(ctx context.Context, agent *model.Agent) error {
	if agent.DriveSources == nil {
		agent.DriveSources = map[string]model.DriveSource{}
	}
	item, err := attributevalue.MarshalMap(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	_, err = t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(t.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(agent_id)"),
	})
	if err != nil {
		if _, ok := isConditionFailed(err); ok {
			return fmt.Errorf("agent %s: %w", agent.ID, adapter.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to put agent: %w", err)
	}
	return nil
}

func (t *AgentTable) Get(ctx context.Context, agentID string) (*model.Agent, error) {
	out, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.tableName),
		Key:            agentKey(agentID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, adapter.ErrNotFound)
	}

	var agent model.Agent
	if err := attributevalue.UnmarshalMap(out.Item, &agent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent: %w", err)
	}
	return &agent, nil
}

func (t *AgentTable) List(ctx context.Context) ([]model.Agent, error) {
	var agents []model.Agent
	p := dynamodb.NewScanPaginator(t.client, &dynamodb.ScanInput{TableName: aws.String(t.tableName)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agents: %w", err)
		}
		var batch []model.Agent
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agents: %w", err)
		}
		agents = append(agents, batch...)
	}
	return agents, nil
}

func (t *AgentTable) Update(ctx context.Context, agentID string, patch AgentPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	sets := []string{"updated_at = :now"}
	names := map[string]string{}
	values := map[string]types.AttributeValue{":now": timestamp(t.now())}
	set := func(field, value string) {
		sets = append(sets, fmt.Sprintf("#%s = :%s", field, field))
		names["#"+field] = field
		values[":"+field] = str(value)
	}
	if patch.Name != nil {
		set("name", *patch.Name)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.Model != nil {
		set("model", *patch.Model)
	}

	_, err := t.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(t.tableName),
		Key:                       agentKey(agentID),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(agent_id)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if _, ok := isConditionFailed(err); ok {
			return fmt.Errorf("agent %s: %w", agentID, adapter.ErrNotFound)
		}
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return nil
}

// PatchDriveSource writes only the nested fields named by the patch, so
// concurrent patches to sibling sources never overwrite each other. The
// From guard is evaluated by DynamoDB in the same request.
func (t *AgentTable) PatchDriveSource(ctx context.Context, agentID, sourceID string, patch DriveSourcePatch) error {
	if patch.IsEmpty() {
		return nil
	}
	sets := []string{"updated_at = :now"}
	values := map[string]types.AttributeValue{":now": timestamp(t.now())}

	set := func(field, placeholder string, v types.AttributeValue) {
		sets = append(sets, fmt.Sprintf("drive_sources.#src.%s = %s", field, placeholder))
		values[placeholder] = v
	}
	if patch.SyncStatus != nil {
		set("sync_status", ":status", str(string(*patch.SyncStatus)))
	}
	if patch.SyncPageToken != nil {
		set("sync_page_token", ":token", str(*patch.SyncPageToken))
	}
	if patch.LastSyncedAt != nil {
		set("last_synced_at", ":synced", timestamp(*patch.LastSyncedAt))
	}
	if patch.ClearSyncError {
		set("sync_error_message", ":err", &types.AttributeValueMemberNULL{Value: true})
	} else if patch.SyncErrorMessage != nil {
		set("sync_error_message", ":err", str(*patch.SyncErrorMessage))
	}
	if patch.DisplayName != nil {
		set("display_name", ":name", str(*patch.DisplayName))
	}

	cond := "attribute_exists(drive_sources.#src)"
	if len(patch.From) > 0 {
		placeholders := make([]string, len(patch.From))
		for i, s := range patch.From {
			placeholders[i] = fmt.Sprintf(":from%d", i)
			values[placeholders[i]] = str(string(s))
		}
		cond += fmt.Sprintf(" AND drive_sources.#src.sync_status IN (%s)", strings.Join(placeholders, ", "))
	}

	_, err := t.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(t.tableName),
		Key:                                 agentKey(agentID),
		UpdateExpression:                    aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:                 aws.String(cond),
		ExpressionAttributeNames:            map[string]string{"#src": sourceID},
		ExpressionAttributeValues:           values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		if ccf, ok := isConditionFailed(err); ok {
			if len(patch.From) > 0 && hasDriveSource(ccf.Item, sourceID) {
				return fmt.Errorf("drive source %s/%s: %w", agentID, sourceID, ErrInvalidTransition)
			}
			return fmt.Errorf("drive source %s/%s: %w", agentID, sourceID, adapter.ErrNotFound)
		}
		return fmt.Errorf("failed to update drive source: %w", err)
	}
	return nil
}

func hasDriveSource(item map[string]types.AttributeValue, sourceID string) bool {
	sources, ok := item["drive_sources"].(*types.AttributeValueMemberM)
	if !ok {
		return false
	}
	_, ok = sources.Value[sourceID]
	return ok
}

func (t *AgentTable) AddDriveSource(ctx context.Context, agentID, sourceID string, src model.DriveSource) error {
	av, err := attributevalue.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to marshal drive source: %w", err)
	}
	_, err = t.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(t.tableName),
		Key:                      agentKey(agentID),
		UpdateExpression:         aws.String("SET drive_sources.#src = :src, updated_at = :now"),
		ConditionExpression:      aws.String("attribute_exists(agent_id) AND attribute_not_exists(drive_sources.#src)"),
		ExpressionAttributeNames: map[string]string{"#src": sourceID},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":src": av,
			":now": timestamp(t.now()),
		},
	})
	if err != nil {
		if _, ok := isConditionFailed(err); ok {
			return fmt.Errorf("drive source %s/%s: %w", agentID, sourceID, adapter.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to add drive source: %w", err)
	}
	return nil
}

func (t *AgentTable) RemoveDriveSource(ctx context.Context, agentID, sourceID string) error {
	_, err := t.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(t.tableName),
		Key:                      agentKey(agentID),
		UpdateExpression:         aws.String("REMOVE drive_sources.#src SET updated_at = :now"),
		ConditionExpression:      aws.String("attribute_exists(drive_sources.#src)"),
		ExpressionAttributeNames: map[string]string{"#src": sourceID},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": timestamp(t.now()),
		},
	})
	if err != nil {
		if _, ok := isConditionFailed(err); ok {
			return fmt.Errorf("drive source %s/%s: %w", agentID, sourceID, adapter.ErrNotFound)
		}
		return fmt.Errorf("failed to remove drive source: %w", err)
	}
	return nil
}

func (t *AgentTable) Delete(ctx context.Context, agentID string) error {
	_, err := t.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(t.tableName),
		Key:       agentKey(agentID),
	})
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return nil
}
