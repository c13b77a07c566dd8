package drivesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler fans out incremental syncs for every agent that has finished
// at least one initial sync.
type Scheduler struct {
	deps Deps

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewScheduler creates a Scheduler.
func NewScheduler(deps Deps) *Scheduler {
	return &Scheduler{deps: deps.withDefaults()}
}

// EnqueueIncrementalSyncs enqueues one incremental sync per eligible agent
// and returns how many were enqueued.
func (s *Scheduler) EnqueueIncrementalSyncs(ctx context.Context) (int, error) {
	agents, err := s.deps.Agents.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list agents: %w", err)
	}

	enqueued := 0
	for _, agent := range agents {
		if len(agent.DriveSources) == 0 || !agent.HasPageToken() {
			continue
		}
		if err := s.deps.Queue.Enqueue(ctx, TaskIncrementalSync, IncrementalSyncPayload{AgentID: agent.ID}, 0); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue incremental sync for %s: %w", agent.ID, err)
		}
		enqueued++
	}
	s.deps.Log.Info("Scheduled incremental syncs", zap.Int("agents", len(agents)), zap.Int("enqueued", enqueued))
	return enqueued, nil
}

// Start runs EnqueueIncrementalSyncs on a six-field cron schedule
// ("second minute hour day-of-month month day-of-week").
func (s *Scheduler) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(schedule, s.run); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}
	c.Start()
	s.cron = c
	s.running = true
	s.deps.Log.Info("Sync scheduler started", zap.String("schedule", schedule))
	return nil
}

// Stop waits for a running fan-out to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	select {
	case <-s.cron.Stop().Done():
		s.deps.Log.Info("Sync scheduler stopped")
	case <-ctx.Done():
		s.deps.Log.Warn("Sync scheduler stop timeout")
	}
	s.running = false
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := s.EnqueueIncrementalSyncs(ctx); err != nil {
		s.deps.Log.Error("Scheduled sync fan-out failed", zap.Error(err))
	}
}
