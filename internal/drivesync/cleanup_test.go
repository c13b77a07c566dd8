package drivesync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/model"
	"github.com/jun/agentsync/internal/queue"
)

// indexFile uploads content and writes the matching record.
func indexFile(t *testing.T, h *harness, agent *model.Agent, sourceID, fileID string) model.AgentFile {
	t.Helper()
	ctx := context.Background()
	docID, err := h.search.UploadDocument(ctx, adapter.UploadRequest{
		StoreID:     *agent.SearchStoreID,
		DisplayName: fileID,
		MIMEType:    "text/plain",
		Content:     []byte(fileID),
	})
	require.NoError(t, err)
	rec := model.AgentFile{
		ID:               "rec-" + fileID,
		AgentID:          agent.ID,
		DriveSourceID:    sourceID,
		DriveFileID:      fileID,
		SearchDocumentID: docID,
		FileName:         fileID,
		MIMEType:         "text/plain",
	}
	require.NoError(t, h.files.Put(ctx, &rec))
	return rec
}

func TestCleanupDriveSource_PartialFailure(t *testing.T) {
	h := newHarness(t)
	agent := h.seedAgent(t, "agent1", map[string]model.DriveSource{
		"src1": syncedSource(rootFolder, "0"),
		"src2": syncedSource("other", "0"),
	})
	ok := indexFile(t, h, agent, "src1", "f1")
	bad := indexFile(t, h, agent, "src1", "f2")
	kept := indexFile(t, h, agent, "src2", "f3")
	h.search.FailDelete(bad.SearchDocumentID, errors.New("permission denied"))

	result, err := NewCleaner(h.deps()).CleanupDriveSource(context.Background(), CleanupPayload{AgentID: "agent1", DriveSourceID: "src1"})
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{SuccessCount: 1, ErrorCount: 1}, result)

	var remaining []string
	for _, f := range h.files.List("agent1") {
		remaining = append(remaining, f.ID)
	}
	assert.ElementsMatch(t, []string{bad.ID, kept.ID}, remaining)
	_, found := h.search.Content(ok.SearchDocumentID)
	assert.False(t, found)
}

func TestCleanupDriveSource_NoFiles(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, "agent1", nil)

	result, err := NewCleaner(h.deps()).CleanupDriveSource(context.Background(), CleanupPayload{AgentID: "agent1", DriveSourceID: "src1"})
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{}, result)
}

func TestCleaner_HandleValidatesPayload(t *testing.T) {
	h := newHarness(t)
	c := NewCleaner(h.deps())

	err := c.Handle(context.Background(), CleanupPayload{AgentID: "agent1"}, firstAttempt)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, ErrValidation)

	assert.NoError(t, c.Handle(context.Background(), CleanupPayload{AgentID: "agent1", DriveSourceID: "src1"}, firstAttempt))
	assert.NoError(t, c.OnExhausted(context.Background(), CleanupPayload{AgentID: "agent1"}, err))
}

func TestCleanupAgent_StepsAreIndependent(t *testing.T) {
	h := newHarness(t)
	agent := h.seedAgent(t, "agent1", map[string]model.DriveSource{"src1": syncedSource(rootFolder, "0")})
	indexFile(t, h, agent, "src1", "f1")
	indexFile(t, h, agent, "src1", "f2")
	require.NoError(t, h.sessions.Create(context.Background(), &model.SyncSession{ID: "s1", AgentID: "agent1", TotalFiles: 2}))
	h.search.FailDelete(*agent.SearchStoreID, errors.New("store locked"))

	NewCleaner(h.deps()).CleanupAgent(context.Background(), *agent)

	assert.True(t, h.search.HasStore(*agent.SearchStoreID), "store delete failed")
	assert.Empty(t, h.files.List("agent1"))
	assert.Empty(t, h.sessions.List("agent1"))
}

func TestCleanupAgent_DeletesStore(t *testing.T) {
	h := newHarness(t)
	agent := h.seedAgent(t, "agent1", nil)
	indexFile(t, h, agent, "src1", "f1")

	NewCleaner(h.deps()).CleanupAgent(context.Background(), *agent)

	assert.False(t, h.search.HasStore(*agent.SearchStoreID))
	assert.Empty(t, h.search.Documents(*agent.SearchStoreID))
}
