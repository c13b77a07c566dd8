package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jun/agentsync/internal/metrics"
)

// maxDelay is the SQS DelaySeconds and visibility timeout ceiling for delays.
const maxDelay = 15 * time.Minute

// SQSAPI is the subset of *sqs.Client used here.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

var _ SQSAPI = (*sqs.Client)(nil)

// SQSQueue sends tasks to one SQS queue per task type.
type SQSQueue struct {
	client SQSAPI
	routes map[string]string
}

// NewSQSQueue creates an SQSQueue. routes maps task types to queue URLs.
func NewSQSQueue(client SQSAPI, routes map[string]string) *SQSQueue {
	return &SQSQueue{client: client, routes: routes}
}

// CheckRoutes reports task types that have no queue URL.
func (q *SQSQueue) CheckRoutes(taskTypes []string) error {
	var missing []string
	for _, t := range taskTypes {
		if q.routes[t] == "" {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no queue configured for task types %s", strings.Join(missing, ", "))
	}
	return nil
}

func (q *SQSQueue) Enqueue(ctx context.Context, taskType string, payload any, delay time.Duration) error {
	url, ok := q.routes[taskType]
	if !ok || url == "" {
		return fmt.Errorf("no queue configured for task type %s", taskType)
	}
	task, err := NewTask(taskType, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(min(delay, maxDelay) / time.Second),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"task_type": {DataType: aws.String("String"), StringValue: aws.String(taskType)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send %s task: %w", taskType, err)
	}
	metrics.TasksEnqueued.WithLabelValues(taskType).Inc()
	return nil
}

// Backoff delays the next delivery of a failed message by d.
func (q *SQSQueue) Backoff(ctx context.Context, taskType, receiptHandle string, d time.Duration) error {
	url, ok := q.routes[taskType]
	if !ok {
		return fmt.Errorf("no queue configured for task type %s", taskType)
	}
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(min(d, maxDelay) / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to change message visibility: %w", err)
	}
	return nil
}

// Consumer adapts a Registry to an SQS-triggered Lambda with partial
// batch responses.
type Consumer struct {
	registry *Registry
	queue    *SQSQueue
	log      *zap.Logger
	parallel int
}

// NewConsumer creates a Consumer. queue may be nil, in which case failed
// messages become visible again after the queue's visibility timeout.
func NewConsumer(registry *Registry, queue *SQSQueue, log *zap.Logger, parallel int) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	if parallel <= 0 {
		parallel = 1
	}
	return &Consumer{registry: registry, queue: queue, log: log, parallel: parallel}
}

// HandleSQS processes a batch and reports the messages to redeliver.
func (c *Consumer) HandleSQS(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		mu       sync.Mutex
		failures []events.SQSBatchItemFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for _, record := range event.Records {
		g.Go(func() error {
			if err := c.handleRecord(gctx, record); err != nil {
				mu.Lock()
				failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (c *Consumer) handleRecord(ctx context.Context, record events.SQSMessage) error {
	var task Task
	if err := json.Unmarshal([]byte(record.Body), &task); err != nil {
		c.log.Error("dropping malformed message", zap.String("messageId", record.MessageId), zap.Error(err))
		return nil
	}

	attempt := 1
	if n, err := strconv.Atoi(record.Attributes["ApproximateReceiveCount"]); err == nil && n > 0 {
		attempt = n
	}

	err := c.registry.Run(ctx, task, attempt)
	if err == nil {
		return nil
	}

	if c.queue != nil && record.ReceiptHandle != "" {
		if h, ok := c.registry.Lookup(task.Type); ok {
			if berr := c.queue.Backoff(ctx, task.Type, record.ReceiptHandle, h.Options.Backoff(attempt)); berr != nil {
				c.log.Warn("unable to apply retry backoff", zap.String("messageId", record.MessageId), zap.Error(berr))
			}
		}
	}
	return err
}
