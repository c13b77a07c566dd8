package drivesync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/agentsync/internal/model"
)

func TestScheduler_EnqueuesEligibleAgents(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, "a-synced", map[string]model.DriveSource{
		"src1": pendingSource("f1"),
		"src2": syncedSource("f2", "5"),
	})
	h.seedAgent(t, "b-pending", map[string]model.DriveSource{"src1": pendingSource("f1")})
	h.seedAgent(t, "c-empty", nil)
	h.seedAgent(t, "d-synced", map[string]model.DriveSource{"src1": syncedSource("f1", "9")})

	n, err := NewScheduler(h.deps()).EnqueueIncrementalSyncs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var agents []string
	for _, task := range h.queue.ofType(TaskIncrementalSync) {
		var p IncrementalSyncPayload
		require.NoError(t, json.Unmarshal(task.Payload, &p))
		agents = append(agents, p.AgentID)
		assert.Zero(t, task.Delay)
	}
	assert.Equal(t, []string{"a-synced", "d-synced"}, agents)
}

func TestScheduler_EnqueueFailure(t *testing.T) {
	h := newHarness(t)
	h.seedAgent(t, "a", map[string]model.DriveSource{"src1": syncedSource("f1", "1")})
	h.queue.err = errors.New("queue unavailable")

	n, err := NewScheduler(h.deps()).EnqueueIncrementalSyncs(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestScheduler_StartRejectsBadSchedule(t *testing.T) {
	h := newHarness(t)
	s := NewScheduler(h.deps())

	assert.Error(t, s.Start("not a schedule"))

	require.NoError(t, s.Start("0 0 * * * *"))
	require.NoError(t, s.Start("0 0 * * * *"), "starting twice is a no-op")
	s.Stop(context.Background())
}
