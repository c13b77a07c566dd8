package drivesync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jun/agentsync/internal/logging"
	"github.com/jun/agentsync/internal/metrics"
	"github.com/jun/agentsync/internal/model"
	"github.com/jun/agentsync/internal/queue"
)

// cleanupConcurrency bounds parallel deletions of one cleanup run.
const cleanupConcurrency = 10

// CleanupPayload removes everything indexed from one drive source.
type CleanupPayload struct {
	AgentID       string `json:"agentId"`
	DriveSourceID string `json:"driveSourceId"`
}

// CleanupResult counts per-file deletion outcomes.
type CleanupResult struct {
	SuccessCount int
	ErrorCount   int
}

// Cleaner reverses a sync for a removed drive source or a deleted agent.
type Cleaner struct {
	deps Deps
}

// NewCleaner creates a Cleaner.
func NewCleaner(deps Deps) *Cleaner {
	return &Cleaner{deps: deps.withDefaults()}
}

// CleanupDriveSource deletes the indexed document and the record of every
// file of a source. Every deletion is attempted; per-file failures are
// counted and logged, never returned.
func (c *Cleaner) CleanupDriveSource(ctx context.Context, p CleanupPayload) (CleanupResult, error) {
	log := c.deps.Log.With(logging.Agent(p.AgentID), logging.Source(p.DriveSourceID))
	log.Info("Starting drive source cleanup")

	files, err := c.deps.Files.ListBySource(ctx, p.AgentID, p.DriveSourceID)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("failed to list agent files: %w", err)
	}
	if len(files) == 0 {
		log.Info("No files to cleanup")
		return CleanupResult{}, nil
	}

	var (
		mu     sync.Mutex
		result CleanupResult
		errs   []string
	)
	g := new(errgroup.Group)
	g.SetLimit(cleanupConcurrency)
	for _, f := range files {
		g.Go(func() error {
			err := c.deleteFile(ctx, f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.ErrorCount++
				errs = append(errs, err.Error())
				metrics.CleanupFiles.WithLabelValues("error").Inc()
				return nil
			}
			result.SuccessCount++
			metrics.CleanupFiles.WithLabelValues("success").Inc()
			return nil
		})
	}
	_ = g.Wait()

	if result.ErrorCount > 0 {
		log.Warn("Drive source cleanup completed with errors",
			zap.Int("totalFiles", len(files)),
			zap.Int("successCount", result.SuccessCount),
			zap.Int("errorCount", result.ErrorCount),
			zap.Strings("errors", errs),
		)
	} else {
		log.Info("Drive source cleanup completed", zap.Int("totalFiles", len(files)))
	}
	return result, nil
}

func (c *Cleaner) deleteFile(ctx context.Context, f model.AgentFile) error {
	if err := c.deps.Search.DeleteDocument(ctx, f.SearchDocumentID); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", f.SearchDocumentID, err)
	}
	if err := c.deps.Files.Delete(ctx, f.AgentID, f.ID); err != nil {
		return fmt.Errorf("failed to delete agent file %s: %w", f.ID, err)
	}
	return nil
}

// Handle is the queue entry point of CleanupDriveSource.
func (c *Cleaner) Handle(ctx context.Context, p CleanupPayload, rc queue.RetryContext) error {
	if p.AgentID == "" || p.DriveSourceID == "" {
		return queue.Permanent(fmt.Errorf("%w: agentId and driveSourceId are required", ErrValidation))
	}
	_, err := c.CleanupDriveSource(ctx, p)
	return err
}

// OnExhausted logs a cleanup that could not list its files.
func (c *Cleaner) OnExhausted(ctx context.Context, p CleanupPayload, cause error) error {
	c.deps.Log.Error("cleanupDriveSource task retry over",
		logging.Agent(p.AgentID),
		logging.Source(p.DriveSourceID),
		zap.Error(cause),
	)
	return nil
}

// CleanupAgent removes the search store, files and sessions of a deleted
// agent. Each step is attempted and logged on its own.
func (c *Cleaner) CleanupAgent(ctx context.Context, agent model.Agent) {
	log := c.deps.Log.With(logging.Agent(agent.ID))
	log.Info("Cleaning up agent resources")

	if agent.SearchStoreID != nil && *agent.SearchStoreID != "" {
		storeID := *agent.SearchStoreID
		if err := c.deps.Search.DeleteStore(ctx, storeID); err != nil {
			log.Error("Failed to delete search store", zap.String("storeId", storeID), zap.Error(err))
		} else {
			log.Info("Search store deleted", zap.String("storeId", storeID))
		}
	}

	if n, err := c.deps.Files.DeleteAll(ctx, agent.ID); err != nil {
		log.Error("Failed to delete agent files", zap.Error(err))
	} else {
		log.Info("Agent files deleted", zap.Int("count", n))
	}

	if n, err := c.deps.Sessions.DeleteAll(ctx, agent.ID); err != nil {
		log.Error("Failed to delete sync sessions", zap.Error(err))
	} else {
		log.Info("Sync sessions deleted", zap.Int("count", n))
	}

	log.Info("Agent cleanup completed")
}
