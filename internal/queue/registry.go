package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jun/agentsync/internal/metrics"
)

// Registry maps task types to handlers and runs single deliveries.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{handlers: make(map[string]Handler), log: log}
}

// Register binds h to taskType, replacing any previous handler.
func (r *Registry) Register(taskType string, h Handler) {
	h.Options = h.Options.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Lookup returns the handler bound to taskType.
func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types lists the registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run executes one delivery of task. It returns nil when the task is done,
// either because it succeeded or because it is exhausted and the hook ran.
// A non-nil error means the task should be delivered again.
func (r *Registry) Run(ctx context.Context, task Task, attempt int) error {
	h, ok := r.Lookup(task.Type)
	if !ok {
		r.log.Error("dropping task with no handler", zap.String("taskType", task.Type))
		return nil
	}

	rc := RetryContext{Attempt: attempt, MaxAttempts: h.Options.MaxAttempts}
	start := time.Now()
	err := r.invoke(ctx, h, task, rc)
	metrics.TaskDuration.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.TasksTotal.WithLabelValues(task.Type, "success").Inc()
		return nil
	}

	if !IsPermanent(err) && !rc.IsLastAttempt() {
		metrics.TasksTotal.WithLabelValues(task.Type, "retry").Inc()
		r.log.Warn("task failed, will retry",
			zap.String("taskType", task.Type),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", rc.MaxAttempts),
			zap.Error(err),
		)
		return err
	}

	metrics.TasksTotal.WithLabelValues(task.Type, "exhausted").Inc()
	r.log.Error("task exhausted",
		zap.String("taskType", task.Type),
		zap.Int("attempt", attempt),
		zap.Bool("permanent", IsPermanent(err)),
		zap.Error(err),
	)
	if h.OnExhausted != nil {
		hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.Options.Timeout)
		defer cancel()
		if hookErr := h.OnExhausted(hookCtx, task.Payload, err); hookErr != nil {
			r.log.Error("exhaustion hook failed", zap.String("taskType", task.Type), zap.Error(hookErr))
		}
	}
	return nil
}

func (r *Registry) invoke(ctx context.Context, h Handler, task Task, rc RetryContext) (err error) {
	ctx, cancel := context.WithTimeout(ctx, h.Options.Timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Type, p)
		}
	}()
	return h.Handle(ctx, task.Payload, rc)
}
