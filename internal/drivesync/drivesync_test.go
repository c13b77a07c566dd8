package drivesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jun/agentsync/internal/adapter/memory"
	"github.com/jun/agentsync/internal/lease"
	"github.com/jun/agentsync/internal/model"
	"github.com/jun/agentsync/internal/store"
)

const rootFolder = "root"

type queuedTask struct {
	Type    string
	Payload json.RawMessage
	Delay   time.Duration
}

// recordingQueue captures enqueued tasks without running them.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []queuedTask
	err   error
}

func (q *recordingQueue) Enqueue(ctx context.Context, taskType string, payload any, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.tasks = append(q.tasks, queuedTask{Type: taskType, Payload: raw, Delay: delay})
	return nil
}

func (q *recordingQueue) ofType(taskType string) []queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queuedTask
	for _, task := range q.tasks {
		if task.Type == taskType {
			out = append(out, task)
		}
	}
	return out
}

func (q *recordingQueue) fileTasks(t *testing.T) []FileSyncPayload {
	t.Helper()
	var out []FileSyncPayload
	for _, task := range q.ofType(TaskFileSync) {
		var p FileSyncPayload
		require.NoError(t, json.Unmarshal(task.Payload, &p))
		out = append(out, p)
	}
	return out
}

type harness struct {
	agents   *store.MemoryAgents
	files    *store.MemoryFiles
	sessions *store.MemorySessions
	drive    *memory.Drive
	search   *memory.SearchStore
	queue    *recordingQueue
	leases   *lease.MemoryLeaser
	now      time.Time
	seq      atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		agents:   store.NewMemoryAgents(),
		files:    store.NewMemoryFiles(),
		sessions: store.NewMemorySessions(),
		drive:    memory.NewDrive(rootFolder),
		search:   memory.NewSearchStore(),
		queue:    &recordingQueue{},
		leases:   lease.NewMemoryLeaser(time.Minute),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Agents:   h.agents,
		Files:    h.files,
		Sessions: h.sessions,
		Drive:    h.drive,
		Search:   h.search,
		Queue:    h.queue,
		Leases:   h.leases,
		Now:      func() time.Time { return h.now },
		NewID: func() string {
			return fmt.Sprintf("id-%d", h.seq.Add(1))
		},
	}
}

// seedAgent creates an agent with a provisioned search store.
func (h *harness) seedAgent(t *testing.T, id string, sources map[string]model.DriveSource) *model.Agent {
	t.Helper()
	storeID, err := h.search.CreateStore(context.Background(), id)
	require.NoError(t, err)
	agent := &model.Agent{
		ID:            id,
		CreatedBy:     "user1",
		Name:          "Agent " + id,
		SearchStoreID: &storeID,
		Model:         model.DefaultModel,
		DriveSources:  sources,
		CreatedAt:     h.now,
		UpdatedAt:     h.now,
	}
	require.NoError(t, h.agents.Create(context.Background(), agent))
	return agent
}

func (h *harness) source(t *testing.T, agentID, sourceID string) model.DriveSource {
	t.Helper()
	agent, err := h.agents.Get(context.Background(), agentID)
	require.NoError(t, err)
	src, ok := agent.DriveSources[sourceID]
	require.True(t, ok, "drive source %s missing", sourceID)
	return src
}

func (h *harness) session(t *testing.T, agentID string) model.SyncSession {
	t.Helper()
	sessions := h.sessions.List(agentID)
	require.Len(t, sessions, 1)
	return sessions[0]
}

func pendingSource(folderID string) model.DriveSource {
	return model.DriveSource{
		DriveType:   model.DriveTypeMyDrive,
		FolderID:    folderID,
		SyncStatus:  model.SyncStatusPending,
		DisplayName: folderID,
	}
}

func syncedSource(folderID, token string) model.DriveSource {
	src := pendingSource(folderID)
	src.SyncStatus = model.SyncStatusSynced
	src.SyncPageToken = &token
	return src
}

func ptr[T any](v T) *T {
	return &v
}
