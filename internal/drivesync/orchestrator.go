package drivesync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/lease"
	"github.com/jun/agentsync/internal/logging"
	"github.com/jun/agentsync/internal/metrics"
	"github.com/jun/agentsync/internal/model"
	"github.com/jun/agentsync/internal/queue"
	"github.com/jun/agentsync/internal/store"
)

// InitialSyncPayload starts the first full sync of one drive source.
type InitialSyncPayload struct {
	AgentID       string `json:"agentId"`
	DriveSourceID string `json:"driveSourceId"`
}

// IncrementalSyncPayload applies the changes feed to every synced source of an agent.
type IncrementalSyncPayload struct {
	AgentID string `json:"agentId"`
}

// Orchestrator turns a drive source into a sync session and one file task
// per file or change.
type Orchestrator struct {
	deps   Deps
	policy Policy
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, policy Policy) *Orchestrator {
	if policy.LeaseRetryDelay <= 0 {
		policy.LeaseRetryDelay = DefaultPolicy.LeaseRetryDelay
	}
	return &Orchestrator{deps: deps.withDefaults(), policy: policy}
}

// withLease runs fn while holding the agent's orchestration lease. When
// another task holds it, the task is enqueued again after a delay.
func (o *Orchestrator) withLease(ctx context.Context, taskType, agentID string, payload any, fn func() error) error {
	if o.deps.Leases == nil {
		return fn()
	}

	owner := o.deps.NewID()
	if _, err := o.deps.Leases.Acquire(ctx, agentID, owner); err != nil {
		if !errors.Is(err, lease.ErrHeld) {
			return fmt.Errorf("failed to acquire lease: %w", err)
		}
		metrics.LeaseConflicts.Inc()
		o.deps.Log.Info("Agent is being orchestrated by another task, deferring",
			logging.Agent(agentID),
			zap.String("taskType", taskType),
			zap.Duration("delay", o.policy.LeaseRetryDelay),
		)
		if err := o.deps.Queue.Enqueue(ctx, taskType, payload, o.policy.LeaseRetryDelay); err != nil {
			return fmt.Errorf("failed to defer %s task: %w", taskType, err)
		}
		return nil
	}
	defer func() {
		if err := o.deps.Leases.Release(context.WithoutCancel(ctx), agentID, owner); err != nil {
			o.deps.Log.Warn("Failed to release lease", logging.Agent(agentID), zap.Error(err))
		}
	}()
	return fn()
}

// loadAgent returns the agent and its store id. A missing agent is permanent.
func (o *Orchestrator) loadAgent(ctx context.Context, agentID string) (*model.Agent, string, error) {
	agent, err := o.deps.Agents.Get(ctx, agentID)
	if errors.Is(err, adapter.ErrNotFound) {
		return nil, "", queue.Permanent(fmt.Errorf("%w: agent %s not found", ErrValidation, agentID))
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get agent: %w", err)
	}
	if agent.SearchStoreID == nil || *agent.SearchStoreID == "" {
		return nil, "", fmt.Errorf("agent %s does not have a search store", agentID)
	}
	return agent, *agent.SearchStoreID, nil
}

// InitialSync enumerates every file of a drive source and fans out file tasks.
func (o *Orchestrator) InitialSync(ctx context.Context, p InitialSyncPayload, rc queue.RetryContext) error {
	if p.AgentID == "" {
		return queue.Permanent(fmt.Errorf("%w: agentId is required", ErrValidation))
	}
	if p.DriveSourceID == "" {
		return queue.Permanent(fmt.Errorf("%w: driveSourceId is required", ErrValidation))
	}
	return o.withLease(ctx, TaskInitialSync, p.AgentID, p, func() error {
		return o.initialSync(ctx, p, rc)
	})
}

func (o *Orchestrator) initialSync(ctx context.Context, p InitialSyncPayload, rc queue.RetryContext) error {
	log := o.deps.Log.With(logging.Agent(p.AgentID), logging.Source(p.DriveSourceID))

	agent, storeID, err := o.loadAgent(ctx, p.AgentID)
	if err != nil {
		return err
	}
	src, ok := agent.DriveSources[p.DriveSourceID]
	if !ok {
		return queue.Permanent(fmt.Errorf("%w: drive source %s not found", ErrValidation, p.DriveSourceID))
	}

	if err := o.deps.Agents.PatchDriveSource(ctx, p.AgentID, p.DriveSourceID, store.StartSyncPatch()); err != nil {
		return fmt.Errorf("failed to mark drive source syncing: %w", err)
	}
	log.Info("Initial sync started", zap.Int("attempt", rc.Attempt))

	startToken, err := o.deps.Drive.GetStartPageToken(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to get start page token: %w", err)
	}

	listed, err := o.deps.Drive.ListAllFiles(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to list files: %w", err)
	}
	files := make([]model.DriveFile, 0, len(listed))
	for _, f := range listed {
		if f.ID != "" {
			files = append(files, f)
		}
	}
	log.Info("Files listed", zap.Int("count", len(files)))

	token := tokenOrNil(startToken)
	if len(files) == 0 {
		if err := o.deps.Agents.PatchDriveSource(ctx, p.AgentID, p.DriveSourceID, store.SyncedPatch(o.deps.Now(), token, nil)); err != nil {
			return fmt.Errorf("failed to mark drive source synced: %w", err)
		}
		log.Info("No files to sync")
		return nil
	}

	tasks := make([]FileSyncPayload, len(files))
	for i, f := range files {
		tasks[i] = FileSyncPayload{File: normalizeFile(f)}
	}
	return o.dispatch(ctx, log, agent.ID, p.DriveSourceID, storeID, src, model.SyncTypeInitial, token, tasks)
}

// OnInitialSyncExhausted moves a syncing source to error with the last
// cause. A source that never reached syncing keeps its status.
func (o *Orchestrator) OnInitialSyncExhausted(ctx context.Context, p InitialSyncPayload, cause error) error {
	log := o.deps.Log.With(logging.Agent(p.AgentID), logging.Source(p.DriveSourceID))
	log.Error("initialSyncAgentDrive task retry over", zap.Error(cause))
	if p.AgentID == "" || p.DriveSourceID == "" {
		return nil
	}
	err := o.deps.Agents.PatchDriveSource(ctx, p.AgentID, p.DriveSourceID, store.ErrorPatch(cause.Error()))
	switch {
	case errors.Is(err, adapter.ErrNotFound):
		log.Warn("Drive source no longer exists, error not recorded")
		return nil
	case errors.Is(err, store.ErrInvalidTransition):
		log.Warn("Drive source is not syncing, error not recorded")
		return nil
	}
	return err
}

// IncrementalSync applies the changes feed to every eligible source of an
// agent. A failing source is marked error and the rest continue.
func (o *Orchestrator) IncrementalSync(ctx context.Context, p IncrementalSyncPayload, rc queue.RetryContext) error {
	if p.AgentID == "" {
		return queue.Permanent(fmt.Errorf("%w: agentId is required", ErrValidation))
	}
	return o.withLease(ctx, TaskIncrementalSync, p.AgentID, p, func() error {
		return o.incrementalSync(ctx, p, rc)
	})
}

func (o *Orchestrator) incrementalSync(ctx context.Context, p IncrementalSyncPayload, rc queue.RetryContext) error {
	log := o.deps.Log.With(logging.Agent(p.AgentID))

	agent, storeID, err := o.loadAgent(ctx, p.AgentID)
	if err != nil {
		return err
	}
	if len(agent.DriveSources) == 0 {
		log.Warn("Agent has no drive sources, skipping")
		return nil
	}

	ids := make([]string, 0, len(agent.DriveSources))
	for id := range agent.DriveSources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		src := agent.DriveSources[id]
		srcLog := log.With(logging.Source(id))
		if src.SyncPageToken == nil || *src.SyncPageToken == "" {
			srcLog.Info("Drive source does not have a sync token, skipping")
			continue
		}
		if src.SyncStatus == model.SyncStatusSyncing {
			srcLog.Info("Drive source is already syncing, skipping")
			continue
		}
		if err := o.syncSource(ctx, srcLog, agent.ID, id, storeID, src); err != nil {
			srcLog.Error("Drive source sync failed", zap.Error(err), zap.Int("attempt", rc.Attempt))
			perr := o.deps.Agents.PatchDriveSource(ctx, agent.ID, id, store.ErrorPatch(err.Error()))
			if errors.Is(perr, store.ErrInvalidTransition) {
				srcLog.Warn("Drive source is not syncing, error not recorded")
			} else if perr != nil {
				srcLog.Error("Failed to record drive source error", zap.Error(perr))
			}
		}
	}
	return nil
}

func (o *Orchestrator) syncSource(ctx context.Context, log *zap.Logger, agentID, sourceID, storeID string, src model.DriveSource) error {
	if err := o.deps.Agents.PatchDriveSource(ctx, agentID, sourceID, store.StartSyncPatch()); err != nil {
		return fmt.Errorf("failed to mark drive source syncing: %w", err)
	}

	folderIDs, err := o.deps.Drive.ListSubfolderIDs(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to list subfolders: %w", err)
	}
	targets := make(map[string]struct{}, len(folderIDs)+1)
	targets[src.FolderID] = struct{}{}
	for _, id := range folderIDs {
		targets[id] = struct{}{}
	}
	log.Info("Target folder IDs for sync", zap.Int("count", len(targets)))

	changes, err := o.deps.Drive.ListChanges(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}
	log.Info("Fetched changes", zap.Int("count", len(changes.Changes)))

	token := src.SyncPageToken
	if changes.NewStartPageToken != "" {
		token = &changes.NewStartPageToken
	}

	var tasks []FileSyncPayload
	for _, c := range changes.Changes {
		if c.FileID == "" || (!c.Removed && (c.File == nil || c.File.ID == "")) {
			continue
		}
		tasks = append(tasks, classifyChange(c, targets))
	}

	if len(tasks) == 0 {
		if err := o.deps.Agents.PatchDriveSource(ctx, agentID, sourceID, store.SyncedPatch(o.deps.Now(), token, nil)); err != nil {
			return fmt.Errorf("failed to mark drive source synced: %w", err)
		}
		log.Info("No changes to sync")
		return nil
	}
	return o.dispatch(ctx, log, agentID, sourceID, storeID, src, model.SyncTypeIncremental, token, tasks)
}

// OnIncrementalSyncExhausted only logs. Per-source failures are recorded
// while the task runs.
func (o *Orchestrator) OnIncrementalSyncExhausted(ctx context.Context, p IncrementalSyncPayload, cause error) error {
	o.deps.Log.Error("syncAgentDrive task retry over", logging.Agent(p.AgentID), zap.Error(cause))
	return nil
}

// dispatch creates the session and enqueues one file task per entry.
func (o *Orchestrator) dispatch(ctx context.Context, log *zap.Logger, agentID, sourceID, storeID string, src model.DriveSource, syncType model.SyncType, token *string, tasks []FileSyncPayload) error {
	now := o.deps.Now()
	session := &model.SyncSession{
		ID:            o.deps.NewID(),
		AgentID:       agentID,
		DriveSourceID: sourceID,
		SyncType:      syncType,
		TotalFiles:    len(tasks),
		Status:        model.SessionStatusInProgress,
		PageToken:     token,
		FileResults:   []model.FileResult{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.deps.Sessions.Create(ctx, session); err != nil {
		return fmt.Errorf("failed to create sync session: %w", err)
	}
	log = log.With(zap.String("syncSessionId", session.ID))
	log.Info("Sync session created", zap.String("syncType", string(syncType)), zap.Int("totalFiles", session.TotalFiles))

	for _, t := range tasks {
		t.AgentID = agentID
		t.DriveSourceID = sourceID
		t.StoreID = storeID
		t.IsSharedDrive = src.IsSharedDrive()
		t.SyncSessionID = session.ID
		if err := o.deps.Queue.Enqueue(ctx, TaskFileSync, t, 0); err != nil {
			return fmt.Errorf("failed to enqueue file task for %s: %w", t.File.ID, err)
		}
	}
	log.Info("File sync tasks dispatched", zap.Int("fileCount", len(tasks)))
	return nil
}

// classifyChange maps one feed entry to a file task.
func classifyChange(c model.DriveChange, targets map[string]struct{}) FileSyncPayload {
	f := model.DriveFile{ID: c.FileID}
	if c.File != nil {
		f = *c.File
		if f.ID == "" {
			f.ID = c.FileID
		}
	}
	task := FileSyncPayload{File: normalizeFile(f)}

	if c.Removed {
		task.Removed = true
		return task
	}

	inTarget := false
	if c.File != nil {
		for _, parent := range c.File.Parents {
			if _, ok := targets[parent]; ok {
				inTarget = true
				break
			}
		}
	}
	if !inTarget {
		task.MovedOutOfTarget = true
	}
	return task
}

// normalizeFile fills the defaults carried on task payloads.
func normalizeFile(f model.DriveFile) model.DriveFile {
	if f.Name == "" {
		f.Name = "unknown"
	}
	f.Parents = nil
	return f
}

func tokenOrNil(token string) *string {
	if token == "" {
		return nil
	}
	return &token
}
