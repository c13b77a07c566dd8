package drivesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/logging"
	"github.com/jun/agentsync/internal/metrics"
	"github.com/jun/agentsync/internal/model"
	"github.com/jun/agentsync/internal/queue"
	"github.com/jun/agentsync/internal/store"
)

// FileSyncPayload is the unit of work for one file.
type FileSyncPayload struct {
	AgentID          string          `json:"agentId"`
	DriveSourceID    string          `json:"driveSourceId"`
	StoreID          string          `json:"storeId"`
	IsSharedDrive    bool            `json:"isSharedDrive"`
	SyncSessionID    string          `json:"syncSessionId"`
	File             model.DriveFile `json:"file"`
	Removed          bool            `json:"removed,omitempty"`
	MovedOutOfTarget bool            `json:"movedOutOfTarget,omitempty"`
}

func (p FileSyncPayload) validate() error {
	switch {
	case p.AgentID == "":
		return fmt.Errorf("%w: agentId is required", ErrValidation)
	case p.SyncSessionID == "":
		return fmt.Errorf("%w: syncSessionId is required", ErrValidation)
	case p.File.ID == "":
		return fmt.Errorf("%w: file id is required", ErrValidation)
	case p.StoreID == "" && !p.Removed && !p.MovedOutOfTarget:
		return fmt.Errorf("%w: storeId is required", ErrValidation)
	}
	return nil
}

// FileSyncer indexes, updates or removes a single file and records the
// outcome on its sync session.
type FileSyncer struct {
	deps Deps
}

// NewFileSyncer creates a FileSyncer.
func NewFileSyncer(deps Deps) *FileSyncer {
	return &FileSyncer{deps: deps.withDefaults()}
}

func (s *FileSyncer) logger(p FileSyncPayload) *zap.Logger {
	return s.deps.Log.With(
		logging.Agent(p.AgentID),
		zap.String("syncSessionId", p.SyncSessionID),
		zap.String("fileId", p.File.ID),
		zap.String("fileName", p.File.Name),
		zap.String("mimeType", p.File.MIMEType),
	)
}

// Sync processes one file. Returned errors are retried by the queue; skips
// and removals finish normally.
func (s *FileSyncer) Sync(ctx context.Context, p FileSyncPayload, rc queue.RetryContext) error {
	if err := p.validate(); err != nil {
		return queue.Permanent(err)
	}
	log := s.logger(p)
	log.Info("Processing file sync task",
		zap.Bool("removed", p.Removed),
		zap.Bool("movedOutOfTarget", p.MovedOutOfTarget),
		zap.Int("attempt", rc.Attempt),
	)

	if err := s.sync(ctx, p, log); err != nil {
		log.Error("File sync failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *FileSyncer) sync(ctx context.Context, p FileSyncPayload, log *zap.Logger) error {
	existing, err := s.deps.Files.FindByDriveFileID(ctx, p.AgentID, p.File.ID)
	if err != nil {
		return fmt.Errorf("failed to look up agent file: %w", err)
	}

	if p.Removed || p.MovedOutOfTarget {
		if existing != nil {
			if err := s.deleteFile(ctx, existing); err != nil {
				return err
			}
			log.Info("File deleted from store")
		}
		return s.record(ctx, p, model.FileOutcomeSuccess, "")
	}

	if !HasFileChanged(p.File, existing) {
		log.Info("File already synced and unchanged, skipping")
		return s.record(ctx, p, model.FileOutcomeSkipped, "")
	}

	v, err := ValidateFile(p.File)
	if err != nil {
		reason := err.Error()
		var rejected *RejectedFileError
		if errors.As(err, &rejected) {
			reason = rejected.Reason
		}
		log.Warn("File validation failed, skipping", zap.Error(err))
		return s.record(ctx, p, model.FileOutcomeSkipped, reason)
	}

	content, err := s.deps.Drive.Download(ctx, p.File.ID, p.File.MIMEType, p.IsSharedDrive)
	if err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}
	if content == nil {
		log.Warn("File could not be downloaded, skipping")
		return s.record(ctx, p, model.FileOutcomeSkipped, "Failed to download file")
	}

	docID, err := s.deps.Search.UploadDocument(ctx, adapter.UploadRequest{
		StoreID:     p.StoreID,
		DisplayName: p.File.Name,
		MIMEType:    v.UploadMIMEType,
		Content:     content,
	})
	if err != nil {
		return fmt.Errorf("failed to upload file to store: %w", err)
	}

	now := s.deps.Now()
	modified := now
	if p.File.ModifiedTime != nil {
		if t, err := time.Parse(time.RFC3339Nano, *p.File.ModifiedTime); err == nil {
			modified = t
		}
	}
	record := &model.AgentFile{
		ID:               s.deps.NewID(),
		AgentID:          p.AgentID,
		DriveSourceID:    p.DriveSourceID,
		DriveFileID:      p.File.ID,
		SearchDocumentID: docID,
		FileName:         p.File.Name,
		MIMEType:         p.File.MIMEType,
		FileSize:         v.FileSize,
		MD5Checksum:      p.File.MD5Checksum,
		ModifiedTime:     modified,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	// An update rewrites the existing record so it points at the new
	// document before the old document goes.
	if existing != nil {
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	}
	if err := s.deps.Files.Put(ctx, record); err != nil {
		if derr := s.deps.Search.DeleteDocument(ctx, docID); derr != nil {
			log.Warn("Failed to delete uploaded document after save failure", zap.String("searchDocumentId", docID), zap.Error(derr))
		}
		return fmt.Errorf("failed to save agent file: %w", err)
	}

	if existing != nil && existing.SearchDocumentID != docID {
		if err := s.deps.Search.DeleteDocument(ctx, existing.SearchDocumentID); err != nil {
			log.Error("Failed to delete replaced document", zap.String("searchDocumentId", existing.SearchDocumentID), zap.Error(err))
		} else {
			log.Info("Replaced document deleted", zap.String("searchDocumentId", existing.SearchDocumentID))
		}
	}

	log.Info("File synced successfully", zap.String("searchDocumentId", docID))
	return s.record(ctx, p, model.FileOutcomeSuccess, "")
}

// deleteFile removes the indexed document, then the record.
func (s *FileSyncer) deleteFile(ctx context.Context, f *model.AgentFile) error {
	if err := s.deps.Search.DeleteDocument(ctx, f.SearchDocumentID); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", f.SearchDocumentID, err)
	}
	if err := s.deps.Files.Delete(ctx, f.AgentID, f.ID); err != nil {
		return fmt.Errorf("failed to delete agent file %s: %w", f.ID, err)
	}
	return nil
}

// OnExhausted records the file as failed once retries run out.
func (s *FileSyncer) OnExhausted(ctx context.Context, p FileSyncPayload, cause error) error {
	s.logger(p).Error("syncAgentFile task retry over", zap.Error(cause))
	if p.AgentID == "" || p.SyncSessionID == "" {
		return nil
	}
	return s.record(ctx, p, model.FileOutcomeFailed, cause.Error())
}

// record adds one outcome to the session. Failures and skips carry a detail
// entry. A session that is already full is logged and left alone.
func (s *FileSyncer) record(ctx context.Context, p FileSyncPayload, outcome model.FileOutcome, reason string) error {
	var detail *model.FileResult
	if outcome == model.FileOutcomeFailed || outcome == model.FileOutcomeSkipped {
		detail = &model.FileResult{
			FileID:       p.File.ID,
			FileName:     p.File.Name,
			MIMEType:     p.File.MIMEType,
			Status:       outcome,
			ErrorMessage: reason,
			ProcessedAt:  s.deps.Now(),
		}
	}

	err := s.deps.Sessions.RecordResult(ctx, p.AgentID, p.SyncSessionID, outcome, detail)
	if errors.Is(err, store.ErrSessionFull) {
		s.logger(p).Warn("Sync session already complete, result not recorded", zap.String("outcome", string(outcome)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record sync result: %w", err)
	}
	metrics.FilesProcessed.WithLabelValues(string(outcome)).Inc()
	return nil
}
