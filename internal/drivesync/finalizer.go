package drivesync

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/logging"
	"github.com/jun/agentsync/internal/metrics"
	"github.com/jun/agentsync/internal/model"
	"github.com/jun/agentsync/internal/store"
)

// Finalizer reconciles a drive source once every file of its session has
// been processed.
type Finalizer struct {
	deps Deps
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(deps Deps) *Finalizer {
	return &Finalizer{deps: deps.withDefaults()}
}

// HandleSessionUpdate is called with the before and after snapshots of every
// session mutation. It is safe to call more than once for the same change.
func (f *Finalizer) HandleSessionUpdate(ctx context.Context, agentID string, before, after model.SyncSession) error {
	if after.Status == model.SessionStatusCompleted {
		return nil
	}
	if before.ProcessedFiles == after.ProcessedFiles {
		return nil
	}
	if after.ProcessedFiles < after.TotalFiles {
		return nil
	}

	hasFailures := after.FailedFiles > 0
	log := f.deps.Log.With(logging.Agent(agentID), zap.String("syncSessionId", after.ID))
	log.Info("All files processed, finalizing sync",
		zap.Int("totalFiles", after.TotalFiles),
		zap.Int("successFiles", after.SuccessFiles),
		zap.Int("failedFiles", after.FailedFiles),
		zap.Int("skippedFiles", after.SkippedFiles),
		zap.Bool("hasFailures", hasFailures),
	)

	current, err := f.deps.Sessions.Get(ctx, agentID, after.ID)
	if errors.Is(err, adapter.ErrNotFound) {
		log.Warn("Sync session no longer exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get sync session: %w", err)
	}
	if current.Status == model.SessionStatusCompleted {
		log.Info("Sync session already finalized")
		return nil
	}

	if after.DriveSourceID == "" {
		log.Error("driveSourceId is required but missing")
	} else if err := f.markSourceSynced(ctx, log, agentID, after); err != nil {
		return err
	}

	// The source is patched before the session completes so that a
	// redelivery after a failed patch can apply it again.
	won, err := f.deps.Sessions.MarkCompleted(ctx, agentID, after.ID)
	if err != nil {
		return fmt.Errorf("failed to complete sync session: %w", err)
	}
	if !won {
		log.Info("Sync session already finalized")
		return nil
	}

	status := "clean"
	if hasFailures {
		status = "with_failures"
	}
	metrics.SessionsFinalized.WithLabelValues(string(after.SyncType), status).Inc()
	log.Info("Sync finalized", logging.Source(after.DriveSourceID), zap.Bool("hasFailures", hasFailures))
	return nil
}

func (f *Finalizer) markSourceSynced(ctx context.Context, log *zap.Logger, agentID string, after model.SyncSession) error {
	var errMsg *string
	if after.FailedFiles > 0 {
		msg := fmt.Sprintf("Sync failed for %d file(s)", after.FailedFiles)
		errMsg = &msg
	}
	var token *string
	if after.PageToken != nil && *after.PageToken != "" {
		token = after.PageToken
	}

	patch := store.SyncedPatch(f.deps.Now(), token, errMsg)
	err := f.deps.Agents.PatchDriveSource(ctx, agentID, after.DriveSourceID, patch)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		log.Warn("Drive source is no longer syncing, status left unchanged", logging.Source(after.DriveSourceID))
		return nil
	case errors.Is(err, adapter.ErrNotFound):
		log.Warn("Drive source no longer exists", logging.Source(after.DriveSourceID))
		return nil
	case err != nil:
		return fmt.Errorf("failed to mark drive source synced: %w", err)
	}
	return nil
}

// Watcher adapts the Finalizer to the in-memory session store.
func (f *Finalizer) Watcher() store.SessionWatcher {
	return func(ctx context.Context, agentID string, before, after model.SyncSession) {
		if err := f.HandleSessionUpdate(ctx, agentID, before, after); err != nil {
			f.deps.Log.Error("Failed to finalize sync session",
				logging.Agent(agentID),
				zap.String("syncSessionId", after.ID),
				zap.Error(err),
			)
		}
	}
}

// HandleStream processes a DynamoDB Streams batch from the sessions table.
// Failed records are reported individually so only they are redelivered.
func (f *Finalizer) HandleStream(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	for _, record := range event.Records {
		if record.EventName != string(events.DynamoDBOperationTypeModify) {
			continue
		}
		if err := f.handleRecord(ctx, record); err != nil {
			f.deps.Log.Error("Failed to process stream record",
				zap.String("eventId", record.EventID),
				zap.Error(err),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
		}
	}
	return resp, nil
}

func (f *Finalizer) handleRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	before, err := store.SessionFromStreamImage(record.Change.OldImage)
	if err != nil {
		return fmt.Errorf("old image: %w", err)
	}
	after, err := store.SessionFromStreamImage(record.Change.NewImage)
	if err != nil {
		return fmt.Errorf("new image: %w", err)
	}
	if before == nil || after == nil {
		return errors.New("stream record is missing an image")
	}
	return f.HandleSessionUpdate(ctx, after.AgentID, *before, *after)
}
