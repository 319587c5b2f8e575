/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package tasks holds the active task batch in memory.
package tasks

import (
	"errors"
	"fmt"
	"sync"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
)

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrUnknownSubtask = errors.New("unknown subtask")
	ErrInvalidStatus  = errors.New("invalid status")
)

// Store is the task graph of the single active batch. Every operation is
// atomic on its own; there is no isolation across operations.
type Store struct {
	logger    *logging.Logger
	publisher global.Publisher

	mu      sync.RWMutex
	tasks   []global.Task
	index   map[string]int
	changed chan struct{}
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithPublisher sets the event sink. Events are published while the store is
// locked, so the publisher must not call back into the Store.
func WithPublisher(p global.Publisher) Option {
	return func(s *Store) {
		s.publisher = p
	}
}

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		index:   make(map[string]int),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReplaceAll validates tasks and makes them the active batch. On a validation
// failure a *global.ValidationError lists every problem and nothing changes.
// Missing statuses default to pending.
func (s *Store) ReplaceAll(tasks []global.Task) error {
	batch := make([]global.Task, len(tasks))
	for i, t := range tasks {
		batch[i] = t.Clone()
		if batch[i].Status == "" {
			batch[i].Status = global.TaskPending
		}
		for j := range batch[i].Subtasks {
			if batch[i].Subtasks[j].Status == "" {
				batch[i].Subtasks[j].Status = global.TaskPending
			}
		}
	}

	if err := ValidateBatch(batch); err != nil {
		return err
	}

	for i := range batch {
		rollUp(&batch[i])
	}

	index := make(map[string]int, len(batch))
	for i, t := range batch {
		index[t.ID] = i
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = batch
	s.index = index
	s.logger.Infof("Task batch replaced: %d tasks", len(batch))
	s.publish(global.Event{Action: global.ActionCreate, Tasks: cloneAll(batch)})
	s.signal()
	return nil
}

// UpdateStatus sets a task's status. Completing a task completes all of its subtasks.
func (s *Store) UpdateStatus(taskID string, status global.TaskStatus) error {
	return s.UpdateStatusMessage(taskID, status, "")
}

// UpdateStatusMessage sets a task's status and its progress or failure message
func (s *Store) UpdateStatusMessage(taskID string, status global.TaskStatus, message string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	t := &s.tasks[i]
	t.Status = status
	t.Message = message
	if status == global.TaskCompleted {
		for j := range t.Subtasks {
			t.Subtasks[j].Status = global.TaskCompleted
		}
	}

	s.logger.Debugf("Task %s: %s", taskID, status)
	s.publish(global.Event{Action: global.ActionUpdate, TaskID: taskID, Status: status, Message: message})
	s.signal()
	return nil
}

// UpdateSubtaskStatus sets a subtask's status. When every subtask is then
// completed the parent task becomes completed.
func (s *Store) UpdateSubtaskStatus(taskID, subtaskID string, status global.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	t := &s.tasks[i]

	found := false
	for j := range t.Subtasks {
		if t.Subtasks[j].ID == subtaskID {
			t.Subtasks[j].Status = status
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s in task %s", ErrUnknownSubtask, subtaskID, taskID)
	}

	s.publish(global.Event{Action: global.ActionUpdate, TaskID: taskID, SubtaskID: subtaskID, Status: status})

	if t.Status != global.TaskCompleted && allSubtasksCompleted(t) {
		t.Status = global.TaskCompleted
		s.logger.Debugf("Task %s: completed by its subtasks", taskID)
		s.publish(global.Event{Action: global.ActionUpdate, TaskID: taskID, Status: global.TaskCompleted})
	}
	s.signal()
	return nil
}

// Snapshot returns a copy of the batch in insertion order
func (s *Store) Snapshot() []global.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.tasks)
}

// Get returns a copy of one task
func (s *Store) Get(taskID string) (global.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[taskID]
	if !ok {
		return global.Task{}, false
	}
	return s.tasks[i].Clone(), true
}

// InProgress returns the tasks currently in progress
func (s *Store) InProgress() []global.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []global.Task
	for _, t := range s.tasks {
		if t.Status == global.TaskInProgress {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Stats summarises the batch
func (s *Store) Stats() global.TaskStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ComputeStats(s.tasks)
}

// Clear empties the batch
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = nil
	s.index = make(map[string]int)
	s.logger.Info("Task batch cleared")
	s.publish(global.Event{Action: global.ActionClear})
	s.signal()
}

// Len returns the number of tasks in the batch
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Changed returns a channel that is closed at the next mutation. Callers take
// a fresh channel after each wake-up.
func (s *Store) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// signal wakes waiters on Changed. Caller holds s.mu.
func (s *Store) signal() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Store) publish(ev global.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}
}

// ComputeStats summarises tasks
func ComputeStats(tasks []global.Task) global.TaskStats {
	var st global.TaskStats
	st.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case global.TaskCompleted:
			st.Completed++
		case global.TaskInProgress:
			st.InProgress++
		case global.TaskPending:
			st.Pending++
		case global.TaskPlanned:
			st.Planned++
		case global.TaskFailed:
			st.Failed++
		}
	}
	if st.Total > 0 {
		st.Progress = st.Completed * 100 / st.Total
	}
	return st
}

// rollUp applies the subtask invariant to a task being ingested
func rollUp(t *global.Task) {
	if t.Status == global.TaskCompleted {
		for j := range t.Subtasks {
			t.Subtasks[j].Status = global.TaskCompleted
		}
		return
	}
	if allSubtasksCompleted(t) {
		t.Status = global.TaskCompleted
	}
}

func allSubtasksCompleted(t *global.Task) bool {
	if len(t.Subtasks) == 0 {
		return false
	}
	for _, st := range t.Subtasks {
		if st.Status != global.TaskCompleted {
			return false
		}
	}
	return true
}

func cloneAll(tasks []global.Task) []global.Task {
	out := make([]global.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
