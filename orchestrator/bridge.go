/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package orchestrator runs the active task batch one task at a time in
// dependency order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PivotLLM/Switchboard/config"
	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
	"github.com/PivotLLM/Switchboard/tasks"
	"github.com/google/uuid"
)

var (
	ErrRunInProgress = errors.New("a run is already in progress")
	ErrNoHandler     = errors.New("no handler registered")
)

const maxSummaryLength = 160

// TaskError is reported through OnError when a task's handler fails
type TaskError struct {
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Callbacks receive run progress. Any of them may be nil.
type Callbacks struct {
	OnProgress func(taskID string, status global.TaskStatus, message string)
	OnComplete func()
	OnError    func(err error)
}

func (c Callbacks) progress(taskID string, status global.TaskStatus, message string) {
	if c.OnProgress != nil {
		c.OnProgress(taskID, status, message)
	}
}

func (c Callbacks) complete() {
	if c.OnComplete != nil {
		c.OnComplete()
	}
}

func (c Callbacks) error(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Step is a task with the handler the classifier assigns to it
type Step struct {
	TaskID       string            `json:"taskId"`
	Title        string            `json:"title"`
	Handler      string            `json:"handler"`
	Status       global.TaskStatus `json:"status"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// Bridge executes the batch held by a task store
type Bridge struct {
	store      *tasks.Store
	registry   *Registry
	classifier Classifier
	limiter    *RateLimiter
	logger     *logging.Logger
	publisher  global.Publisher
	idleWait   time.Duration
	taskDelay  time.Duration

	mu      sync.Mutex
	running bool
	aborted bool
	abort   chan struct{}
	info    global.RunInfo
	results map[string]string
	runs    sync.WaitGroup
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithPublisher sets the sink for run state events
func WithPublisher(p global.Publisher) Option {
	return func(b *Bridge) {
		b.publisher = p
	}
}

// WithClassifier replaces the keyword classifier
func WithClassifier(c Classifier) Option {
	return func(b *Bridge) {
		b.classifier = c
	}
}

// WithRateLimiter limits how often tasks start
func WithRateLimiter(l *RateLimiter) Option {
	return func(b *Bridge) {
		b.limiter = l
	}
}

// WithIdleWait sets how long a run waits for the batch to change when no task
// is eligible but some are still pending or in progress. Zero ends the run at once.
func WithIdleWait(d time.Duration) Option {
	return func(b *Bridge) {
		b.idleWait = d
	}
}

// WithTaskDelay sets a pause between tasks
func WithTaskDelay(d time.Duration) Option {
	return func(b *Bridge) {
		b.taskDelay = d
	}
}

// New creates a Bridge over store dispatching to registry
func New(store *tasks.Store, registry *Registry, opts ...Option) *Bridge {
	b := &Bridge{
		store:      store,
		registry:   registry,
		classifier: NewKeywordClassifier(config.DefaultClassifier()),
		info:       global.RunInfo{State: global.RunIdle},
		results:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry == nil {
		b.registry = NewRegistry()
	}
	return b
}

// Run executes the batch and returns when the run ends. It returns
// ErrRunInProgress if another run is active.
func (b *Bridge) Run(ctx context.Context, cb Callbacks) (global.RunInfo, error) {
	abort, err := b.begin()
	if err != nil {
		return global.RunInfo{}, err
	}
	defer b.runs.Done()
	return b.loop(ctx, abort, cb), nil
}

// Start executes the batch in the background and returns the new run id
func (b *Bridge) Start(ctx context.Context, cb Callbacks) (string, error) {
	abort, err := b.begin()
	if err != nil {
		return "", err
	}
	id := b.Status().ID
	go func() {
		defer b.runs.Done()
		b.loop(ctx, abort, cb)
	}()
	return id, nil
}

// Abort asks the active run to stop before its next task. A task already
// executing is not interrupted. It reports whether a run was signalled.
func (b *Bridge) Abort() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running || b.aborted {
		return false
	}
	b.aborted = true
	close(b.abort)
	b.logger.Infof("Run %s: abort requested", b.info.ID)
	return true
}

// IsRunning reports whether a run is active
func (b *Bridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Wait blocks until no run is active
func (b *Bridge) Wait() {
	b.runs.Wait()
}

// Status returns the current or last run
func (b *Bridge) Status() global.RunInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// Result returns the output a task's handler produced in the current or last run
func (b *Bridge) Result(taskID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out, ok := b.results[taskID]
	return out, ok
}

// Plan returns the batch in order with the handler assigned to each task
func (b *Bridge) Plan() []Step {
	snap := b.store.Snapshot()
	steps := make([]Step, 0, len(snap))
	for _, t := range snap {
		steps = append(steps, Step{
			TaskID:       t.ID,
			Title:        t.Title,
			Handler:      b.classifier.Classify(t),
			Status:       t.Status,
			Dependencies: t.Dependencies,
		})
	}
	return steps
}

func (b *Bridge) begin() (<-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, b.info.ID)
	}
	b.running = true
	b.aborted = false
	b.abort = make(chan struct{})
	b.results = make(map[string]string)
	b.info = global.RunInfo{ID: uuid.NewString(), State: global.RunRunning}
	b.runs.Add(1)
	b.logger.Infof("Run %s: started with %d tasks", b.info.ID, b.store.Len())
	b.publishLocked()
	return b.abort, nil
}

func (b *Bridge) finish(state global.RunState, message string) global.RunInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	b.info.State = state
	b.info.Message = message
	if message != "" {
		b.logger.Infof("Run %s: %s (%s)", b.info.ID, state, message)
	} else {
		b.logger.Infof("Run %s: %s", b.info.ID, state)
	}
	b.publishLocked()
	return b.info
}

func (b *Bridge) publishLocked() {
	if b.publisher == nil {
		return
	}
	info := b.info
	b.publisher.Publish(global.Event{Action: global.ActionUpdate, Run: &info})
}

func (b *Bridge) loop(ctx context.Context, abort <-chan struct{}, cb Callbacks) global.RunInfo {
	// waitCtx ends on abort as well, so waits between tasks are cut short
	// while handlers keep the caller's ctx
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-abort:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	for {
		if halted(ctx, abort) {
			return b.finish(global.RunStopped, "run aborted")
		}

		changed := b.store.Changed()
		task, active, ok := b.next()
		if !ok {
			if active == 0 {
				info := b.finish(global.RunCompleted, "")
				cb.complete()
				return info
			}
			if b.idleWait > 0 && b.waitForChange(waitCtx, changed) {
				continue
			}
			info := b.finish(global.RunBlocked, fmt.Sprintf("%d tasks cannot start", active))
			cb.complete()
			return info
		}

		if waited, err := b.limiter.Wait(waitCtx); err != nil {
			continue
		} else if waited > 0 {
			b.logger.Debugf("Task %s: rate limiter delayed start by %s", task.ID, waited)
		}

		b.execute(ctx, task, cb)

		if b.taskDelay > 0 {
			sleep(waitCtx, b.taskDelay)
		}
	}
}

// next returns the first pending task, in batch order, whose dependencies are
// all completed, and the number of tasks still pending or in progress
func (b *Bridge) next() (global.Task, int, bool) {
	snap := b.store.Snapshot()
	status := make(map[string]global.TaskStatus, len(snap))
	for _, t := range snap {
		status[t.ID] = t.Status
	}

	active := 0
	var found *global.Task
	for i := range snap {
		t := &snap[i]
		if t.Status != global.TaskPending && t.Status != global.TaskInProgress {
			continue
		}
		active++
		if found != nil || t.Status != global.TaskPending {
			continue
		}
		eligible := true
		for _, dep := range t.Dependencies {
			if status[dep] != global.TaskCompleted {
				eligible = false
				break
			}
		}
		if eligible {
			found = t
		}
	}
	if found == nil {
		return global.Task{}, active, false
	}
	return *found, active, true
}

// waitForChange reports whether the batch changed before the idle wait ran out.
// An abort also returns true so the loop can observe it.
func (b *Bridge) waitForChange(ctx context.Context, changed <-chan struct{}) bool {
	timer := time.NewTimer(b.idleWait)
	defer timer.Stop()
	select {
	case <-changed:
		return true
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (b *Bridge) execute(ctx context.Context, task global.Task, cb Callbacks) {
	if err := b.store.UpdateStatus(task.ID, global.TaskInProgress); err != nil {
		b.logger.Warnf("Task %s: could not start: %v", task.ID, err)
		return
	}
	cb.progress(task.ID, global.TaskInProgress, "")

	name := b.classifier.Classify(task)
	b.logger.Infof("Task %s: running with handler %s", task.ID, name)
	start := time.Now()

	output, err := b.invoke(ctx, name, task)
	if err != nil {
		msg := err.Error()
		b.logger.Warnf("Task %s: failed after %s: %s", task.ID, time.Since(start).Round(time.Millisecond), msg)
		if uerr := b.store.UpdateStatusMessage(task.ID, global.TaskFailed, msg); uerr != nil {
			b.logger.Warnf("Task %s: could not record failure: %v", task.ID, uerr)
		}
		cb.progress(task.ID, global.TaskFailed, msg)
		cb.error(&TaskError{TaskID: task.ID, Err: err})
		return
	}

	b.mu.Lock()
	b.results[task.ID] = output
	b.mu.Unlock()

	summary := summarize(output)
	b.logger.Infof("Task %s: completed in %s", task.ID, time.Since(start).Round(time.Millisecond))
	if uerr := b.store.UpdateStatusMessage(task.ID, global.TaskCompleted, summary); uerr != nil {
		b.logger.Warnf("Task %s: could not record completion: %v", task.ID, uerr)
	}
	cb.progress(task.ID, global.TaskCompleted, summary)
}

// invoke runs the named handler, turning a panic into an error
func (b *Bridge) invoke(ctx context.Context, name string, task global.Task) (output string, err error) {
	h, ok := b.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", name, r)
		}
	}()
	return h.Execute(ctx, task)
}

func halted(ctx context.Context, abort <-chan struct{}) bool {
	select {
	case <-abort:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// summarize returns the first line of output, shortened for a status message
func summarize(output string) string {
	line := strings.TrimSpace(output)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if utf8.RuneCountInString(line) <= maxSummaryLength {
		return line
	}
	runes := []rune(line)
	return string(runes[:maxSummaryLength]) + "..."
}
