package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/model"
)

func TestDriveSourcePatch_Apply(t *testing.T) {
	token := "7"
	src := model.DriveSource{
		SyncStatus:       model.SyncStatusError,
		SyncPageToken:    &token,
		SyncErrorMessage: ptr("old"),
	}

	StartSyncPatch().Apply(&src)
	assert.Equal(t, model.SyncStatusSyncing, src.SyncStatus)
	assert.Nil(t, src.SyncErrorMessage)
	require.NotNil(t, src.SyncPageToken)
	assert.Equal(t, "7", *src.SyncPageToken)

	now := time.Now()
	SyncedPatch(now, nil, nil).Apply(&src)
	assert.Equal(t, model.SyncStatusSynced, src.SyncStatus)
	assert.Equal(t, "7", *src.SyncPageToken, "nil token keeps the stored one")
	assert.True(t, src.LastSyncedAt.Equal(now))

	SyncedPatch(now, ptr("8"), ptr("Failed to get start page token")).Apply(&src)
	assert.Equal(t, "8", *src.SyncPageToken)
	assert.Equal(t, "Failed to get start page token", *src.SyncErrorMessage)

	assert.True(t, DriveSourcePatch{}.IsEmpty())
	assert.False(t, ErrorPatch("x").IsEmpty())
}

func TestMemoryAgents_PatchIsolatesSources(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAgents()
	require.NoError(t, repo.Create(ctx, &model.Agent{
		ID: "a1",
		DriveSources: map[string]model.DriveSource{
			"s1": {SyncStatus: model.SyncStatusPending},
			"s2": {SyncStatus: model.SyncStatusPending},
		},
	}))

	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, repo.PatchDriveSource(ctx, "a1", id, StartSyncPatch()))
		}(id)
	}
	wg.Wait()
	require.NoError(t, repo.PatchDriveSource(ctx, "a1", "s1", ErrorPatch("boom")))

	a, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusError, a.DriveSources["s1"].SyncStatus)
	assert.Equal(t, model.SyncStatusSyncing, a.DriveSources["s2"].SyncStatus)

	assert.ErrorIs(t, repo.PatchDriveSource(ctx, "a1", "nope", ErrorPatch("x")), adapter.ErrNotFound)
	assert.ErrorIs(t, repo.AddDriveSource(ctx, "a1", "s1", model.DriveSource{}), adapter.ErrAlreadyExists)
	assert.ErrorIs(t, repo.Create(ctx, &model.Agent{ID: "a1"}), adapter.ErrAlreadyExists)

	require.NoError(t, repo.RemoveDriveSource(ctx, "a1", "s2"))
	assert.ErrorIs(t, repo.RemoveDriveSource(ctx, "a1", "s2"), adapter.ErrNotFound)
}

func TestMemoryAgents_PatchFollowsStateMachine(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAgents()
	require.NoError(t, repo.Create(ctx, &model.Agent{
		ID:           "a1",
		DriveSources: map[string]model.DriveSource{"s1": {SyncStatus: model.SyncStatusPending}},
	}))
	now := time.Now()

	assert.ErrorIs(t, repo.PatchDriveSource(ctx, "a1", "s1", SyncedPatch(now, ptr("1"), nil)), ErrInvalidTransition)
	assert.ErrorIs(t, repo.PatchDriveSource(ctx, "a1", "s1", ErrorPatch("boom")), ErrInvalidTransition)

	require.NoError(t, repo.PatchDriveSource(ctx, "a1", "s1", StartSyncPatch()))
	require.NoError(t, repo.PatchDriveSource(ctx, "a1", "s1", SyncedPatch(now, ptr("1"), nil)))
	require.NoError(t, repo.PatchDriveSource(ctx, "a1", "s1", SyncedPatch(now, ptr("1"), nil)), "reapplying synced is allowed")
	assert.ErrorIs(t, repo.PatchDriveSource(ctx, "a1", "s1", ErrorPatch("boom")), ErrInvalidTransition)

	a, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSynced, a.DriveSources["s1"].SyncStatus)
	assert.Nil(t, a.DriveSources["s1"].SyncErrorMessage)
}

func TestMemoryAgents_Update(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAgents()
	require.NoError(t, repo.Create(ctx, &model.Agent{ID: "a1", Name: "Old", Description: "keep", Model: model.DefaultModel}))

	require.NoError(t, repo.Update(ctx, "a1", AgentPatch{Name: ptr("New"), Model: ptr("gemini-2.5-pro")}))

	a, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "New", a.Name)
	assert.Equal(t, "keep", a.Description)
	assert.Equal(t, "gemini-2.5-pro", a.Model)

	assert.ErrorIs(t, repo.Update(ctx, "nope", AgentPatch{Name: ptr("x")}), adapter.ErrNotFound)
}

func TestMemoryAgents_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAgents()
	require.NoError(t, repo.Create(ctx, &model.Agent{ID: "a1", DriveSources: map[string]model.DriveSource{"s1": {}}}))

	a, _ := repo.Get(ctx, "a1")
	a.DriveSources["s1"] = model.DriveSource{SyncStatus: model.SyncStatusError}

	b, _ := repo.Get(ctx, "a1")
	assert.Empty(t, b.DriveSources["s1"].SyncStatus)
}

func TestMemoryFiles_FirstMatchAndDeleteAll(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryFiles()
	require.NoError(t, repo.Put(ctx, &model.AgentFile{ID: "r2", AgentID: "a1", DriveSourceID: "s1", DriveFileID: "d1"}))
	require.NoError(t, repo.Put(ctx, &model.AgentFile{ID: "r1", AgentID: "a1", DriveSourceID: "s2", DriveFileID: "d1"}))
	require.NoError(t, repo.Put(ctx, &model.AgentFile{ID: "r3", AgentID: "a2", DriveSourceID: "s1", DriveFileID: "d1"}))

	f, err := repo.FindByDriveFileID(ctx, "a1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "r1", f.ID)

	bySource, _ := repo.ListBySource(ctx, "a1", "s1")
	require.Len(t, bySource, 1)
	assert.Equal(t, "r2", bySource[0].ID)

	n, err := repo.DeleteAll(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, repo.List("a1"))
	assert.Len(t, repo.List("a2"), 1)
}

func TestMemorySessions_RecordResult(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessions()
	require.NoError(t, repo.Create(ctx, &model.SyncSession{
		ID: "s1", AgentID: "a1", TotalFiles: 3, Status: model.SessionStatusInProgress,
	}))

	var seen []model.SyncSession
	repo.Watch(func(ctx context.Context, agentID string, before, after model.SyncSession) {
		seen = append(seen, after)
	})

	require.NoError(t, repo.RecordResult(ctx, "a1", "s1", model.FileOutcomeSuccess, nil))
	require.NoError(t, repo.RecordResult(ctx, "a1", "s1", model.FileOutcomeFailed, &model.FileResult{FileID: "f2", Status: model.FileOutcomeFailed}))
	require.NoError(t, repo.RecordResult(ctx, "a1", "s1", model.FileOutcomeSkipped, &model.FileResult{FileID: "f3", Status: model.FileOutcomeSkipped}))
	assert.ErrorIs(t, repo.RecordResult(ctx, "a1", "s1", model.FileOutcomeSuccess, nil), ErrSessionFull)

	s, err := repo.Get(ctx, "a1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, s.ProcessedFiles)
	assert.Equal(t, 1, s.SuccessFiles)
	assert.Equal(t, 1, s.FailedFiles)
	assert.Equal(t, 1, s.SkippedFiles)
	assert.Len(t, s.FileResults, 2)
	assert.Len(t, seen, 3)
	assert.Equal(t, 3, seen[2].ProcessedFiles)

	ok, err := repo.MarkCompleted(ctx, "a1", "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.MarkCompleted(ctx, "a1", "s1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, seen, 4)
}

func TestMemorySessions_DetailsAreBounded(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessions()
	total := model.MaxFileResults + 10
	require.NoError(t, repo.Create(ctx, &model.SyncSession{ID: "s1", AgentID: "a1", TotalFiles: total}))

	for i := 0; i < total; i++ {
		require.NoError(t, repo.RecordResult(ctx, "a1", "s1", model.FileOutcomeFailed, &model.FileResult{FileID: "f"}))
	}
	s, _ := repo.Get(ctx, "a1", "s1")
	assert.Equal(t, total, s.FailedFiles)
	assert.Len(t, s.FileResults, model.MaxFileResults)
}

func TestMemorySessions_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessions()
	require.NoError(t, repo.Create(ctx, &model.SyncSession{ID: "s1", AgentID: "a1", TotalFiles: 50}))

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.RecordResult(ctx, "a1", "s1", model.FileOutcomeSuccess, nil)
		}()
	}
	wg.Wait()

	s, _ := repo.Get(ctx, "a1", "s1")
	assert.Equal(t, 50, s.ProcessedFiles)
	assert.Equal(t, 50, s.SuccessFiles)
}

func TestSessionFromStreamImage(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"agent_id":        events.NewStringAttribute("a1"),
		"session_id":      events.NewStringAttribute("s1"),
		"drive_source_id": events.NewStringAttribute("src1"),
		"sync_type":       events.NewStringAttribute("initial"),
		"total_files":     events.NewNumberAttribute("4"),
		"processed_files": events.NewNumberAttribute("4"),
		"success_files":   events.NewNumberAttribute("3"),
		"failed_files":    events.NewNumberAttribute("1"),
		"skipped_files":   events.NewNumberAttribute("0"),
		"status":          events.NewStringAttribute("in_progress"),
		"page_token":      events.NewNullAttribute(),
		"file_results": events.NewListAttribute([]events.DynamoDBAttributeValue{
			events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
				"file_id":       events.NewStringAttribute("f1"),
				"status":        events.NewStringAttribute("failed"),
				"error_message": events.NewStringAttribute("Failed to download file"),
			}),
		}),
		"created_at": events.NewStringAttribute("2026-01-02T03:04:05Z"),
	}

	s, err := SessionFromStreamImage(image)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "a1", s.AgentID)
	assert.Equal(t, 4, s.ProcessedFiles)
	assert.Equal(t, 1, s.FailedFiles)
	assert.Nil(t, s.PageToken)
	require.Len(t, s.FileResults, 1)
	assert.Equal(t, "Failed to download file", s.FileResults[0].ErrorMessage)

	empty, err := SessionFromStreamImage(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
