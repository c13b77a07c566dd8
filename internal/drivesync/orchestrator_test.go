package drivesync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/adapter/memory"
	"github.com/jun/agentsync/internal/model"
	"github.com/jun/agentsync/internal/queue"
)

var firstAttempt = queue.RetryContext{Attempt: 1, MaxAttempts: 3}

// scriptedDrive overrides the changes feed and fails listings of chosen folders.
type scriptedDrive struct {
	*memory.Drive
	changes     *adapter.ChangeList
	failFolders map[string]error
}

func (d *scriptedDrive) ListChanges(ctx context.Context, src model.DriveSource) (*adapter.ChangeList, error) {
	if err := d.failFolders[src.FolderID]; err != nil {
		return nil, err
	}
	if d.changes != nil {
		return d.changes, nil
	}
	return d.Drive.ListChanges(ctx, src)
}

func newOrchestrator(h *harness) *Orchestrator {
	return NewOrchestrator(h.deps(), DefaultPolicy)
}

func TestInitialSync_DispatchesFileTasks(t *testing.T) {
	h := newHarness(t)
	agent := h.seedAgent(t, "agent1", map[string]model.DriveSource{"src1": pendingSource(rootFolder)})
	h.drive.AddFolder("sub", rootFolder)
	h.drive.PutFile("f1", "a.txt", "text/plain", rootFolder, []byte("a"))
	h.drive.PutFile("f2", "", "text/plain", "sub", []byte("b"))
	h.drive.AddFolder("elsewhere", "other-root")
	h.drive.PutFile("f3", "c.txt", "text/plain", "elsewhere", []byte("c"))

	err := newOrchestrator(h).InitialSync(context.Background(), InitialSyncPayload{AgentID: "agent1", DriveSourceID: "src1"}, firstAttempt)
	require.NoError(t, err)

	src := h.source(t, "agent1", "src1")
	assert.Equal(t, model.SyncStatusSyncing, src.SyncStatus)
	assert.Nil(t, src.SyncPageToken, "the token is committed by the finalizer")

	s := h.session(t, "agent1")
	assert.Equal(t, model.SyncTypeInitial, s.SyncType)
	assert.Equal(t, 2, s.TotalFiles)
	assert.Equal(t, model.SessionStatusInProgress, s.Status)
	require.NotNil(t, s.PageToken)
	assert.Equal(t, "3", *s.PageToken)

	tasks := h.queue.fileTasks(t)
	require.Len(t, tasks, 2)
	names := map[string]string{}
	for _, task := range tasks {
		assert.Equal(t, "agent1", task.AgentID)
		assert.Equal(t, "src1", task.DriveSourceID)
		assert.Equal(t, *agent.SearchStoreID, task.StoreID)
		assert.Equal(t, s.ID, task.SyncSessionID)
		assert.False(t, task.IsSharedDrive)
		assert.False(t, task.Removed)
		names[task.File.ID] = task.File.Name
	}
	assert.Equal(t, map[string]string{"f1": "a.txt", "f2": "unknown"}, names)
	assert.Empty(t, h.leases.Holder("agent1"), "lease released")
}

func TestInitialSync_NoFilesGoesStraightToSynced(t *testing.T) {
	h := newHarness(t)
	src := pendingSource(rootFolder)
	src.SyncErrorMessage = ptr("previous failure")
	h.seedAgent(t, "agent1", map[string]model.DriveSource{"src1": src})

	err := newOrchestrator(h).InitialSync(context.Background(), InitialSyncPayload{AgentID: "agent1", DriveSourceID: "src1"}, firstAttempt)
	require.NoError(t, err)

	got := h.source(t, "agent1", "src1")
	assert.Equal(t, model.SyncStatusSynced, got.SyncStatus)
	require.NotNil(t, got.SyncPageToken)
	assert.Equal(t, "0", *got.SyncPageToken)
	require.NotNil(t, got.LastSyncedAt)
	assert.Equal(t, h.now, *got.LastSyncedAt)
	assert.Nil(t, got.SyncErrorMessage)
	assert.Empty(t, h.sessions.List("agent1"))
	assert.Empty(t, h.queue.fileTasks(t))
}

func TestInitialSync_InputErrors(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, "agent1", map[string]model.DriveSource{"src1": pendingSource(rootFolder)})
	require.NoError(t, h.agents.Create(context.Background(), &model.Agent{
		ID:           "no-store",
		DriveSources: map[string]model.DriveSource{"src1": pendingSource(rootFolder)},
	}))
	o := newOrchestrator(h)

	tests := []struct {
		name      string
		payload   InitialSyncPayload
		permanent bool
	}{
		{"missing agent id", InitialSyncPayload{DriveSourceID: "src1"}, true},
		{"missing source id", InitialSyncPayload{AgentID: "agent1"}, true},
		{"unknown agent", InitialSyncPayload{AgentID: "ghost", DriveSourceID: "src1"}, true},
		{"unknown source", InitialSyncPayload{AgentID: "agent1", DriveSourceID: "ghost"}, true},
		{"agent without store", InitialSyncPayload{AgentID: "no-store", DriveSourceID: "src1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := o.InitialSync(context.Background(), tt.payload, firstAttempt)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, queue.IsPermanent(err))
		})
	}
	assert.Equal(t, model.SyncStatusPending, h.source(t, "agent1", "src1").SyncStatus)
}

func TestInitialSync_ListingFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, "agent1", map[string]model.DriveSource{"src1": pendingSource(rootFolder)})
	h.drive.FailListing(errors.New("drive unavailable"))

	err := newOrchestrator(h).InitialSync(context.Background(), InitialSyncPayload{AgentID: "agent1", DriveSourceID: "src1"}, firstAttempt)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
	assert.Equal(t, model.SyncStatusSyncing, h.source(t, "agent1", "src1").SyncStatus)
	assert.Empty(t, h.leases.Holder("agent1"))
}

func TestOnInitialSyncExhausted_RecordsError(t *testing.T) {
	h := newHarness(t)
	src := pendingSource(rootFolder)
	src.SyncStatus = model.SyncStatusSyncing
	h.seedAgent(t, "agent1", map[string]model.DriveSource{"src1": src})
	o := newOrchestrator(h)

	err := o.OnInitialSyncExhausted(context.Background(), InitialSyncPayload{AgentID: "agent1", DriveSourceID: "src1"}, errors.New("failed to list files: drive unavailable"))
	require.NoError(t, err)

	got := h.source(t, "agent1", "src1")
	assert.Equal(t, model.SyncStatusError, got.SyncStatus)
	require.NotNil(t, got.SyncErrorMessage)
	assert.Equal(t, "failed to list files: drive unavailable", *got.SyncErrorMessage)

	// A source removed in the meantime is not an error.
	assert.NoError(t, o.OnInitialSyncExhausted(context.Background(), InitialSyncPayload{AgentID: "agent1", DriveSourceID: "gone"}, errors.New("x")))
}

func TestOnInitialSyncExhausted_KeepsStatusOutsideSyncing(t *testing.T) {
	tests := map[string]model.DriveSource{
		"never started":  pendingSource(rootFolder),
		"already synced": syncedSource(rootFolder, "5"),
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.seedAgent(t, "agent1", map[string]model.DriveSource{"src1": src})

			err := newOrchestrator(h).OnInitialSyncExhausted(context.Background(), InitialSyncPayload{AgentID: "agent1", DriveSourceID: "src1"}, errors.New("agent agent1 does not have a search store"))
			require.NoError(t, err)

			got := h.source(t, "agent1", "src1")
			assert.Equal(t, src.SyncStatus, got.SyncStatus)
			assert.Nil(t, got.SyncErrorMessage)
		})
	}
}

func TestInitialSync_DefersWhileLeaseHeld(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, "agent1", map[string]model.DriveSource{"src1": pendingSource(rootFolder)})
	_, err := h.leases.Acquire(context.Background(), "agent1", "other-task")
	require.NoError(t, err)

	p := InitialSyncPayload{AgentID: "agent1", DriveSourceID: "src1"}
	require.NoError(t, newOrchestrator(h).InitialSync(context.Background(), p, firstAttempt))

	deferred := h.queue.ofType(TaskInitialSync)
	require.Len(t, deferred, 1)
	assert.Equal(t, DefaultPolicy.LeaseRetryDelay, deferred[0].Delay)
	assert.JSONEq(t, `{"agentId":"agent1","driveSourceId":"src1"}`, string(deferred[0].Payload))
	assert.Equal(t, model.SyncStatusPending, h.source(t, "agent1", "src1").SyncStatus, "deferred task does not touch the source")
	assert.Equal(t, "other-task", h.leases.Holder("agent1"))
}

func TestIncrementalSync_ClassifiesChanges(t *testing.T) {
	h := newHarness(t)
	h.drive.AddFolder("sub", rootFolder)
	h.drive.AddFolder("outside", "other-root")
	drive := &scriptedDrive{Drive: h.drive, changes: &adapter.ChangeList{
		NewStartPageToken: "42",
		Changes: []model.DriveChange{
			{FileID: "upd", File: &model.DriveFile{ID: "upd", Name: "u.txt", MIMEType: "text/plain", Parents: []string{"sub"}}},
			{FileID: "moved", File: &model.DriveFile{ID: "moved", Name: "m.txt", MIMEType: "text/plain", Parents: []string{"outside"}}},
			{FileID: "gone", Removed: true},
			{FileID: "", File: &model.DriveFile{ID: "x"}},
			{FileID: "nofile"},
		},
	}}
	agent := h.seedAgent(t, "agent1", map[string]model.DriveSource{"src1": syncedSource(rootFolder, "7")})
	deps := h.deps()
	deps.Drive = drive

	err := NewOrchestrator(deps, DefaultPolicy).IncrementalSync(context.Background(), IncrementalSyncPayload{AgentID: "agent1"}, firstAttempt)
	require.NoError(t, err)

	s := h.session(t, "agent1")
	assert.Equal(t, model.SyncTypeIncremental, s.SyncType)
	assert.Equal(t, 3, s.TotalFiles)
	assert.Equal(t, "42", *s.PageToken)
	assert.Equal(t, model.SyncStatusSyncing, h.source(t, "agent1", "src1").SyncStatus)

	byID := map[string]FileSyncPayload{}
	for _, task := range h.queue.fileTasks(t) {
		byID[task.File.ID] = task
		assert.Equal(t, *agent.SearchStoreID, task.StoreID)
	}
	require.Len(t, byID, 3)
	assert.False(t, byID["upd"].Removed || byID["upd"].MovedOutOfTarget)
	assert.True(t, byID["moved"].MovedOutOfTarget)
	assert.True(t, byID["gone"].Removed)
	assert.Equal(t, "unknown", byID["gone"].File.Name)
	assert.Nil(t, byID["upd"].File.Parents)
}

func TestIncrementalSync_KeepsTokenWhenFeedIssuesNone(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, "agent1", map[string]model.DriveSource{"src1": syncedSource(rootFolder, "7")})
	deps := h.deps()
	deps.Drive = &scriptedDrive{Drive: h.drive, changes: &adapter.ChangeList{
		Changes: []model.DriveChange{{FileID: "gone", Removed: true}},
	}}

	require.NoError(t, NewOrchestrator(deps, DefaultPolicy).IncrementalSync(context.Background(), IncrementalSyncPayload{AgentID: "agent1"}, firstAttempt))

	s := h.session(t, "agent1")
	require.NotNil(t, s.PageToken)
	assert.Equal(t, "7", *s.PageToken)
}

func TestIncrementalSync_NoChangesCommitsNewToken(t *testing.T) {
	h := newHarness(t)
	h.drive.PutFile("f1", "a.txt", "text/plain", rootFolder, []byte("a"))
	h.seedAgent(t, "agent1", map[string]model.DriveSource{"src1": syncedSource(rootFolder, "1")})

	require.NoError(t, newOrchestrator(h).IncrementalSync(context.Background(), IncrementalSyncPayload{AgentID: "agent1"}, firstAttempt))

	src := h.source(t, "agent1", "src1")
	assert.Equal(t, model.SyncStatusSynced, src.SyncStatus)
	assert.Equal(t, "1", *src.SyncPageToken)
	assert.Equal(t, h.now, *src.LastSyncedAt)
	assert.Empty(t, h.sessions.List("agent1"))
}

func TestIncrementalSync_SkipsIneligibleSources(t *testing.T) {
	h := newHarness(t)
	syncing := syncedSource(rootFolder, "0")
	syncing.SyncStatus = model.SyncStatusSyncing
	h.seedAgent(t, "agent1", map[string]model.DriveSource{
		"pending": pendingSource(rootFolder),
		"busy":    syncing,
	})
	h.drive.PutFile("f1", "a.txt", "text/plain", rootFolder, []byte("a"))

	require.NoError(t, newOrchestrator(h).IncrementalSync(context.Background(), IncrementalSyncPayload{AgentID: "agent1"}, firstAttempt))

	assert.Equal(t, model.SyncStatusPending, h.source(t, "agent1", "pending").SyncStatus)
	assert.Equal(t, model.SyncStatusSyncing, h.source(t, "agent1", "busy").SyncStatus)
	assert.Empty(t, h.sessions.List("agent1"))
	assert.Empty(t, h.queue.fileTasks(t))
}

func TestIncrementalSync_IsolatesFailingSource(t *testing.T) {
	h := newHarness(t)
	h.drive.AddFolder("broken", rootFolder)
	h.drive.AddFolder("healthy", rootFolder)
	h.seedAgent(t, "agent1", map[string]model.DriveSource{
		"a-broken":  syncedSource("broken", "0"),
		"b-healthy": syncedSource("healthy", "0"),
	})
	h.drive.PutFile("f1", "a.txt", "text/plain", "healthy", []byte("a"))
	deps := h.deps()
	deps.Drive = &scriptedDrive{Drive: h.drive, failFolders: map[string]error{"broken": errors.New("drive unavailable")}}

	require.NoError(t, NewOrchestrator(deps, DefaultPolicy).IncrementalSync(context.Background(), IncrementalSyncPayload{AgentID: "agent1"}, firstAttempt))

	broken := h.source(t, "agent1", "a-broken")
	assert.Equal(t, model.SyncStatusError, broken.SyncStatus)
	require.NotNil(t, broken.SyncErrorMessage)
	assert.Contains(t, *broken.SyncErrorMessage, "drive unavailable")
	assert.Equal(t, "0", *broken.SyncPageToken)

	assert.Equal(t, model.SyncStatusSyncing, h.source(t, "agent1", "b-healthy").SyncStatus)
	s := h.session(t, "agent1")
	assert.Equal(t, "b-healthy", s.DriveSourceID)
	assert.Equal(t, 1, s.TotalFiles)
}

func TestIncrementalSync_UnknownAgentIsPermanent(t *testing.T) {
	h := newHarness(t)
	err := newOrchestrator(h).IncrementalSync(context.Background(), IncrementalSyncPayload{AgentID: "ghost"}, firstAttempt)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, ErrValidation)

	assert.NoError(t, newOrchestrator(h).OnIncrementalSyncExhausted(context.Background(), IncrementalSyncPayload{AgentID: "ghost"}, err))
}

func TestClassifyChange(t *testing.T) {
	targets := map[string]struct{}{"root": {}, "sub": {}}

	tests := []struct {
		name    string
		change  model.DriveChange
		removed bool
		moved   bool
	}{
		{"removed", model.DriveChange{FileID: "f", Removed: true}, true, false},
		{"in target", model.DriveChange{FileID: "f", File: &model.DriveFile{ID: "f", Parents: []string{"sub"}}}, false, false},
		{"one parent in target", model.DriveChange{FileID: "f", File: &model.DriveFile{ID: "f", Parents: []string{"x", "root"}}}, false, false},
		{"outside target", model.DriveChange{FileID: "f", File: &model.DriveFile{ID: "f", Parents: []string{"x"}}}, false, true},
		{"no parents", model.DriveChange{FileID: "f", File: &model.DriveFile{ID: "f"}}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyChange(tt.change, targets)
			assert.Equal(t, tt.removed, got.Removed)
			assert.Equal(t, tt.moved, got.MovedOutOfTarget)
			assert.Equal(t, "f", got.File.ID)
		})
	}
}
