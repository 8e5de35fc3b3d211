package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/metrics"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrRegistryFull is returned when the running task limit is reached
	ErrRegistryFull = errors.New("task registry full")
	// ErrTaskRunning is returned when a task with the same key is still running
	ErrTaskRunning = errors.New("task already running")
)

// TaskError is reported on the error channel when a task fails
type TaskError struct {
	Key string
	Err error
}

func (e TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Key, e.Err)
}

func (e TaskError) Unwrap() error {
	return e.Err
}

// Registry runs fire-and-forget background tasks with a bound on how many run at once.
// Tasks sharing a key never overlap. Failures go to Errors instead of the caller.
type Registry struct {
	sem     *semaphore.Weighted
	limit   int64
	errs    chan TaskError
	running map[string]struct{}
	mu      sync.Mutex
	wg      sync.WaitGroup
	logger  logger.Logger
}

// NewRegistry creates a registry running at most limit tasks, buffering errBuffer errors
func NewRegistry(limit, errBuffer int, log logger.Logger) *Registry {
	if limit <= 0 {
		limit = 1
	}
	if errBuffer < 0 {
		errBuffer = 0
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Registry{
		sem:     semaphore.NewWeighted(int64(limit)),
		limit:   int64(limit),
		errs:    make(chan TaskError, errBuffer),
		running: make(map[string]struct{}),
		logger:  log,
	}
}

// Spawn starts fn in the background. An empty key opts out of deduplication.
func (r *Registry) Spawn(ctx context.Context, key string, fn func(context.Context) error) error {
	r.mu.Lock()
	if key != "" {
		if _, busy := r.running[key]; busy {
			r.mu.Unlock()
			return ErrTaskRunning
		}
	}
	if !r.sem.TryAcquire(1) {
		r.mu.Unlock()
		return ErrRegistryFull
	}
	if key != "" {
		r.running[key] = struct{}{}
	}
	r.wg.Add(1)
	r.mu.Unlock()

	metrics.BackgroundTasks.Inc()
	go r.run(ctx, key, fn)
	return nil
}

func (r *Registry) run(ctx context.Context, key string, fn func(context.Context) error) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.running, key)
		r.mu.Unlock()
		r.sem.Release(1)
		metrics.BackgroundTasks.Dec()
	}()

	err := r.call(ctx, fn)
	if err == nil {
		return
	}
	metrics.TaskErrors.Inc()
	select {
	case r.errs <- TaskError{Key: key, Err: err}:
	default:
		r.logger.Error("Task error channel full, dropping error of %s: %v", key, err)
	}
}

func (r *Registry) call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return fn(ctx)
}

// Errors returns the channel task failures are reported on
func (r *Registry) Errors() <-chan TaskError {
	return r.errs
}

// Running reports whether a task with key is running
func (r *Registry) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[key]
	return ok
}

// Active returns the keys of the running tasks
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.running))
	for key := range r.running {
		keys = append(keys, key)
	}
	return keys
}

// Limit returns the maximum number of concurrent tasks
func (r *Registry) Limit() int {
	return int(r.limit)
}

// Wait blocks until every spawned task has returned
func (r *Registry) Wait() {
	r.wg.Wait()
}
