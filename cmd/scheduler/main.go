// Command scheduler enqueues incremental syncs on an EventBridge schedule.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jun/agentsync/internal/app"
)

func main() {
	application := app.NewApp(context.Background())
	lambda.Start(func(ctx context.Context, _ events.EventBridgeEvent) error {
		_, err := application.Scheduler.EnqueueIncrementalSyncs(ctx)
		return err
	})
}
