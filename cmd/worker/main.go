// Command worker consumes sync tasks from SQS.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jun/agentsync/internal/app"
)

func main() {
	application := app.NewApp(context.Background())
	if application.Consumer == nil {
		application.Log.Fatal("worker requires SQS; DEV_MODE runs tasks in cmd/server")
	}
	lambda.Start(application.Consumer.HandleSQS)
}
