// Package queue delivers asynchronous tasks with bounded concurrency,
// per-type retry policy and an exhaustion hook.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Task is the envelope carried by every queue backend.
type Task struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewTask marshals payload into a Task.
func NewTask(taskType string, payload any) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}
	return Task{Type: taskType, Payload: raw}, nil
}

// Queue enqueues tasks for asynchronous execution.
type Queue interface {
	// Enqueue schedules a task to run after delay. Delivery is at least once.
	Enqueue(ctx context.Context, taskType string, payload any, delay time.Duration) error
}

// RetryContext describes the current delivery of a task.
type RetryContext struct {
	Attempt     int
	MaxAttempts int
}

// IsLastAttempt reports whether a failure now exhausts the task.
func (r RetryContext) IsLastAttempt() bool {
	return r.Attempt >= r.MaxAttempts
}

// Options is the delivery policy of one task type.
type Options struct {
	Concurrency int
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 600 * time.Second
	}
	return o
}

// Backoff returns the delay before the attempt following attempt.
func (o Options) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(o.MinBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(o.MaxBackoff) {
		delay = float64(o.MaxBackoff)
	}
	return time.Duration(delay)
}

// Handler processes one task type. OnExhausted is optional and runs once
// when the final attempt fails or the handler returns a permanent error.
type Handler struct {
	Handle      func(ctx context.Context, payload json.RawMessage, rc RetryContext) error
	OnExhausted func(ctx context.Context, payload json.RawMessage, cause error) error
	Options     Options
}

// Typed decodes the payload into T before calling fn. A payload that does
// not decode is a permanent failure.
func Typed[T any](fn func(ctx context.Context, payload T, rc RetryContext) error) func(context.Context, json.RawMessage, RetryContext) error {
	return func(ctx context.Context, raw json.RawMessage, rc RetryContext) error {
		var payload T
		if err := json.Unmarshal(raw, &payload); err != nil {
			return Permanent(fmt.Errorf("invalid payload: %w", err))
		}
		return fn(ctx, payload, rc)
	}
}

// TypedExhausted is Typed for exhaustion hooks.
func TypedExhausted[T any](fn func(ctx context.Context, payload T, cause error) error) func(context.Context, json.RawMessage, error) error {
	return func(ctx context.Context, raw json.RawMessage, cause error) error {
		var payload T
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		return fn(ctx, payload, cause)
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
