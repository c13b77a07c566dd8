// Package store persists agents, their indexed files and sync sessions.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jun/agentsync/internal/model"
)

// ErrSessionFull is returned when a result is recorded on a session whose
// processed count already equals its total.
var ErrSessionFull = errors.New("sync session has no unprocessed files left")

// ErrInvalidTransition is returned when a patch's From guard rejects the
// source's current status.
var ErrInvalidTransition = errors.New("drive source status transition not allowed")

// DriveSourcePatch is a sparse update of one drive source. Nil fields are
// left untouched. The page token can be set but never cleared.
type DriveSourcePatch struct {
	SyncStatus       *model.SyncStatus
	SyncPageToken    *string
	LastSyncedAt     *time.Time
	SyncErrorMessage *string
	// ClearSyncError nulls the error message. It wins over SyncErrorMessage.
	ClearSyncError bool
	DisplayName    *string
	// From restricts the patch to sources in one of these statuses. Empty
	// means any status.
	From []model.SyncStatus
}

// IsEmpty reports whether the patch changes nothing. From is not a change.
func (p DriveSourcePatch) IsEmpty() bool {
	return p.SyncStatus == nil && p.SyncPageToken == nil && p.LastSyncedAt == nil &&
		p.SyncErrorMessage == nil && !p.ClearSyncError && p.DisplayName == nil
}

// Allows reports whether the From guard accepts a source in status.
func (p DriveSourcePatch) Allows(status model.SyncStatus) bool {
	return len(p.From) == 0 || slices.Contains(p.From, status)
}

// Apply mutates src in place.
func (p DriveSourcePatch) Apply(src *model.DriveSource) {
	if p.SyncStatus != nil {
		src.SyncStatus = *p.SyncStatus
	}
	if p.SyncPageToken != nil {
		token := *p.SyncPageToken
		src.SyncPageToken = &token
	}
	if p.LastSyncedAt != nil {
		at := *p.LastSyncedAt
		src.LastSyncedAt = &at
	}
	if p.SyncErrorMessage != nil {
		msg := *p.SyncErrorMessage
		src.SyncErrorMessage = &msg
	}
	if p.ClearSyncError {
		src.SyncErrorMessage = nil
	}
	if p.DisplayName != nil {
		src.DisplayName = *p.DisplayName
	}
}

// transitionFrom lists the statuses a source may move to next from.
// Staying in next is allowed so a patch can be applied again.
func transitionFrom(next model.SyncStatus) []model.SyncStatus {
	var from []model.SyncStatus
	for _, s := range model.SyncStatuses {
		if s == next || s.CanTransition(next) {
			from = append(from, s)
		}
	}
	return from
}

// StartSyncPatch moves a source to syncing and clears any previous error.
func StartSyncPatch() DriveSourcePatch {
	status := model.SyncStatusSyncing
	return DriveSourcePatch{SyncStatus: &status, ClearSyncError: true, From: transitionFrom(status)}
}

// ErrorPatch moves a syncing source to error with msg.
func ErrorPatch(msg string) DriveSourcePatch {
	status := model.SyncStatusError
	return DriveSourcePatch{SyncStatus: &status, SyncErrorMessage: &msg, From: transitionFrom(status)}
}

// SyncedPatch moves a syncing source to synced at now. A nil token keeps
// the stored one.
func SyncedPatch(now time.Time, token *string, errMsg *string) DriveSourcePatch {
	status := model.SyncStatusSynced
	p := DriveSourcePatch{SyncStatus: &status, LastSyncedAt: &now, SyncPageToken: token, From: transitionFrom(status)}
	if errMsg != nil {
		p.SyncErrorMessage = errMsg
	} else {
		p.ClearSyncError = true
	}
	return p
}

// AgentPatch is a sparse update of an agent's editable fields. Nil fields
// are left untouched.
type AgentPatch struct {
	Name        *string
	Description *string
	Model       *string
}

// IsEmpty reports whether the patch changes nothing.
func (p AgentPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.Model == nil
}

// Apply mutates a in place.
func (p AgentPatch) Apply(a *model.Agent) {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.Model != nil {
		a.Model = *p.Model
	}
}

// AgentRepository stores Agent records with their embedded drive sources.
type AgentRepository interface {
	// Create inserts a new agent. It fails with adapter.ErrAlreadyExists.
	Create(ctx context.Context, agent *model.Agent) error

	// Get returns adapter.ErrNotFound when the agent does not exist.
	Get(ctx context.Context, agentID string) (*model.Agent, error)

	// List returns every agent.
	List(ctx context.Context) ([]model.Agent, error)

	// Update applies a sparse update to the agent's own fields. It returns
	// adapter.ErrNotFound when the agent does not exist.
	Update(ctx context.Context, agentID string, patch AgentPatch) error

	// PatchDriveSource applies a sparse update to one drive source only.
	// It returns adapter.ErrNotFound when the source does not exist and
	// ErrInvalidTransition when the patch's From guard rejects it.
	PatchDriveSource(ctx context.Context, agentID, sourceID string, patch DriveSourcePatch) error

	// AddDriveSource inserts a new drive source. It returns
	// adapter.ErrAlreadyExists when the id is taken.
	AddDriveSource(ctx context.Context, agentID, sourceID string, src model.DriveSource) error

	// RemoveDriveSource deletes a drive source entry.
	RemoveDriveSource(ctx context.Context, agentID, sourceID string) error

	// Delete removes the agent record only.
	Delete(ctx context.Context, agentID string) error
}

// FileRepository stores AgentFile records, children of an agent.
type FileRepository interface {
	// FindByDriveFileID returns the first record for driveFileID, or nil.
	FindByDriveFileID(ctx context.Context, agentID, driveFileID string) (*model.AgentFile, error)

	// ListBySource returns every record belonging to a drive source.
	ListBySource(ctx context.Context, agentID, sourceID string) ([]model.AgentFile, error)

	// Put creates or overwrites a record.
	Put(ctx context.Context, file *model.AgentFile) error

	// Delete removes one record. Deleting a missing record is not an error.
	Delete(ctx context.Context, agentID, fileID string) error

	// DeleteAll removes every record of an agent and returns how many.
	DeleteAll(ctx context.Context, agentID string) (int, error)
}

// SessionRepository stores SyncSession records, children of an agent.
type SessionRepository interface {
	// Create inserts a new session. It fails with adapter.ErrAlreadyExists.
	Create(ctx context.Context, session *model.SyncSession) error

	// Get returns adapter.ErrNotFound when the session does not exist.
	Get(ctx context.Context, agentID, sessionID string) (*model.SyncSession, error)

	// RecordResult atomically increments the processed counter and the
	// outcome counter. detail is appended when non-nil and the detail list
	// has room. It returns ErrSessionFull when processed already equals total.
	RecordResult(ctx context.Context, agentID, sessionID string, outcome model.FileOutcome, detail *model.FileResult) error

	// MarkCompleted flips an in-progress session to completed. It reports
	// false when the session was already completed.
	MarkCompleted(ctx context.Context, agentID, sessionID string) (bool, error)

	// DeleteAll removes every session of an agent and returns how many.
	DeleteAll(ctx context.Context, agentID string) (int, error)
}

// SessionWatcher observes session mutations, mirroring a change stream.
type SessionWatcher func(ctx context.Context, agentID string, before, after model.SyncSession)
