package gce

import (
	"context"
	"sync"
	"time"

	"bootimage/internal/logging"
	"bootimage/internal/poll"

	"go.uber.org/zap"
	"google.golang.org/api/compute/v1"
)

// SubmitFunc sends one mutating request and returns the resulting
// operation resource.
type SubmitFunc func(ctx context.Context, api API) (*compute.Operation, error)

// Executor turns asynchronous compute operations into blocking calls.
//
// All calls on the underlying API are serialized by one mutex. While an
// operation is being waited on, the mutex is released for the duration of
// each sleep so that other goroutines sharing the executor can submit and
// poll their own operations.
type Executor struct {
	project  string
	zone     string
	timeouts Timeouts

	mu    sync.Mutex
	api   API
	sleep poll.SleepFunc

	logger *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the sleep used between polls.
func WithSleep(sleep poll.SleepFunc) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithTimeouts overrides the per-request timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(e *Executor) {
		e.timeouts = t
	}
}

// WithLogger sets the logger used for poll progress.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// NewExecutor returns an executor operating in project and zone.
func NewExecutor(api API, project, zone string, opts ...Option) *Executor {
	e := &Executor{
		project:  project,
		zone:     zone,
		timeouts: DefaultTimeouts(),
		api:      api,
		sleep:    poll.Sleep,
		logger:   logging.Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Project returns the project the executor operates in.
func (e *Executor) Project() string { return e.project }

// Zone returns the zone the executor operates in.
func (e *Executor) Zone() string { return e.zone }

// RunBlocking submits a request and waits until the resulting operation is
// DONE, polling once per second for at most timeoutSeconds steps.
//
// A submission error is returned unchanged and never retried. When the
// budget is exhausted a *poll.LoopExceededError carrying the last observed
// operation is returned. A DONE operation that carries provider errors is
// returned together with an *OperationError.
func (e *Executor) RunBlocking(ctx context.Context, what string, timeoutSeconds int, submit SubmitFunc) (*compute.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, err := submit(ctx, e.api)
	if err != nil {
		return nil, err
	}

	poller, err := NewPoller(op)
	if err != nil {
		return op, err
	}

	e.logger.Debug("waiting for operation",
		zap.String("what", what),
		zap.String("operation", poller.Operation),
		zap.Stringer("scope", poller.Scope),
		zap.Int("timeout_seconds", timeoutSeconds))

	final, err := poll.Until(ctx, what, poll.Steps(timeoutSeconds, time.Second), e.lockDroppedSleep,
		func(ctx context.Context) (*compute.Operation, bool, error) {
			latest, err := poller.Poll(ctx, e.api)
			if err != nil {
				return nil, false, err
			}
			e.logger.Debug("operation status",
				zap.String("operation", poller.Operation),
				zap.String("status", latest.Status))
			return latest, latest.Status == StatusDone, nil
		})
	if err != nil {
		return final, err
	}

	if final.Error != nil && len(final.Error.Errors) > 0 {
		return final, &OperationError{What: what, Operation: final}
	}
	return final, nil
}

// lockDroppedSleep releases the executor mutex for the duration of one
// sleep. The caller must hold the mutex.
func (e *Executor) lockDroppedSleep(ctx context.Context, d time.Duration) error {
	e.mu.Unlock()
	defer e.mu.Lock()
	return e.sleep(ctx, d)
}

// withLock runs a read against the API while holding the mutex.
func withLock[T any](e *Executor, fn func(api API) (T, error)) (T, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.api)
}
