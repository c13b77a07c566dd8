// Package drivesync keeps an agent's search store in step with its Google
// Drive sources. Orchestrators fan work out to per-file tasks through the
// queue; the finalizer reconciles a drive source once its session is done.
package drivesync

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/lease"
	"github.com/jun/agentsync/internal/queue"
	"github.com/jun/agentsync/internal/store"
)

// Task types carried on the queue.
const (
	TaskInitialSync        = "initial-sync-agent-drive"
	TaskIncrementalSync    = "sync-agent-drive"
	TaskFileSync           = "sync-agent-file"
	TaskCleanupDriveSource = "cleanup-drive-source"
)

// Deps are the collaborators shared by the sync components.
type Deps struct {
	Agents   store.AgentRepository
	Files    store.FileRepository
	Sessions store.SessionRepository
	Drive    adapter.DriveClient
	Search   adapter.SearchStore
	Queue    queue.Queue
	Leases   lease.Leaser
	Log      *zap.Logger

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return d
}

// Policy is the retry and concurrency configuration of the sync queues.
type Policy struct {
	Timeout         time.Duration
	MaxAttempts     int
	LeaseRetryDelay time.Duration

	// MinBackoff and MaxBackoff override the per-queue backoff when set.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (p Policy) options(concurrency int, minBackoff, maxBackoff time.Duration) queue.Options {
	if p.MinBackoff > 0 {
		minBackoff = p.MinBackoff
	}
	if p.MaxBackoff > 0 {
		maxBackoff = p.MaxBackoff
	}
	return queue.Options{
		Concurrency: concurrency,
		MaxAttempts: p.MaxAttempts,
		MinBackoff:  minBackoff,
		MaxBackoff:  maxBackoff,
		Timeout:     p.Timeout,
	}
}

// DefaultPolicy matches the production queue configuration.
var DefaultPolicy = Policy{
	Timeout:         600 * time.Second,
	MaxAttempts:     3,
	LeaseRetryDelay: 60 * time.Second,
}

// Register binds every sync task type to its handler.
func Register(reg *queue.Registry, o *Orchestrator, fs *FileSyncer, c *Cleaner, p Policy) {
	orchestration := p.options(1, 10*time.Second, 300*time.Second)

	reg.Register(TaskInitialSync, queue.Handler{
		Handle:      queue.Typed(o.InitialSync),
		OnExhausted: queue.TypedExhausted(o.OnInitialSyncExhausted),
		Options:     orchestration,
	})
	reg.Register(TaskIncrementalSync, queue.Handler{
		Handle:      queue.Typed(o.IncrementalSync),
		OnExhausted: queue.TypedExhausted(o.OnIncrementalSyncExhausted),
		Options:     orchestration,
	})
	reg.Register(TaskFileSync, queue.Handler{
		Handle:      queue.Typed(fs.Sync),
		OnExhausted: queue.TypedExhausted(fs.OnExhausted),
		Options:     p.options(5, 5*time.Second, 60*time.Second),
	})
	reg.Register(TaskCleanupDriveSource, queue.Handler{
		Handle:      queue.Typed(c.Handle),
		OnExhausted: queue.TypedExhausted(c.OnExhausted),
		Options:     orchestration,
	})
}
