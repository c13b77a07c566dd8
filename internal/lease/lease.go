// Package lease serializes orchestration per agent with expiring leases.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jun/agentsync/internal/model"
)

// DefaultTTL bounds how long a crashed holder blocks an agent.
const DefaultTTL = 10 * time.Minute

// ErrHeld is returned when another owner holds an unexpired lease.
var ErrHeld = errors.New("agent lease is held by another owner")

// Leaser grants exclusive, expiring claims on an agent.
type Leaser interface {
	// Acquire claims the agent for owner. It succeeds if no lease exists,
	// the existing lease has expired, or owner already holds it.
	Acquire(ctx context.Context, agentID, owner string) (*model.Lease, error)

	// Release drops the lease if owner holds it.
	Release(ctx context.Context, agentID, owner string) error
}

// DynamoAPI is the subset of *dynamodb.Client used by Manager.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Manager implements Leaser on a DynamoDB table with TTL on expires_at.
type Manager struct {
	client    DynamoAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// NewManager creates a Manager. A non-positive ttl uses DefaultTTL.
func NewManager(client DynamoAPI, tableName string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{client: client, tableName: tableName, ttl: ttl, now: time.Now}
}

func (m *Manager) Acquire(ctx context.Context, agentID, owner string) (*model.Lease, error) {
	now := m.now().Unix()
	l := model.Lease{
		AgentID:   agentID,
		Owner:     owner,
		ExpiresAt: now + int64(m.ttl.Seconds()),
	}

	item, err := attributevalue.MarshalMap(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease: %w", err)
	}

	_, err = m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(m.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(agent_id) OR expires_at < :now OR #owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now)},
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return &l, nil
}

func (m *Manager) Release(ctx context.Context, agentID, owner string) error {
	_, err := m.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(m.tableName),
		Key: map[string]types.AttributeValue{
			"agent_id": &types.AttributeValueMemberS{Value: agentID},
		},
		ConditionExpression:      aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Already expired and taken over, or never held.
			return nil
		}
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
