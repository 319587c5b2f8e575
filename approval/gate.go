/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package approval holds a plan batch for human approval before it runs.
package approval

import (
	"errors"
	"fmt"
	"sync"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
	"github.com/PivotLLM/Switchboard/tasks"
)

// ErrInvalidTransition is returned when an action is not allowed in the current state
var ErrInvalidTransition = errors.New("invalid approval transition")

// State is the approval state of the active batch
type State string

const (
	Idle             State = "idle"
	Planning         State = "planning"
	AwaitingApproval State = "awaiting-approval"
	Approved         State = "approved"
	Rejected         State = "rejected"
)

// ReadyFunc is called when a batch becomes ready to execute
type ReadyFunc func()

// Gate wraps a task store with the approval state machine
type Gate struct {
	store     *tasks.Store
	logger    *logging.Logger
	publisher global.Publisher
	onReady   ReadyFunc

	mu    sync.Mutex
	state State
}

// Option configures a Gate
type Option func(*Gate)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithPublisher sets the sink for approval state events
func WithPublisher(p global.Publisher) Option {
	return func(g *Gate) {
		g.publisher = p
	}
}

// WithReadyHandler sets the callback fired when a batch is approved or needs no approval
func WithReadyHandler(fn ReadyFunc) Option {
	return func(g *Gate) {
		g.onReady = fn
	}
}

// New creates a Gate in the idle state
func New(store *tasks.Store, opts ...Option) *Gate {
	g := &Gate{store: store, state: Idle}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetReadyHandler replaces the ready callback
func (g *Gate) SetReadyHandler(fn ReadyFunc) {
	g.mu.Lock()
	g.onReady = fn
	g.mu.Unlock()
}

// State returns the current approval state
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// AwaitingApproval reports whether the batch is waiting for a decision
func (g *Gate) AwaitingApproval() bool {
	return g.State() == AwaitingApproval
}

// Submit replaces the active batch. A batch of two or more tasks is held for
// approval. A single task is ready at once and an empty batch leaves the gate idle.
func (g *Gate) Submit(batch []global.Task) error {
	g.mu.Lock()
	if err := g.store.ReplaceAll(batch); err != nil {
		g.mu.Unlock()
		return err
	}

	var ready bool
	switch n := g.store.Len(); {
	case n == 0:
		g.setState(Idle)
	case n == 1:
		g.releaseLocked()
		g.setState(Approved)
		ready = true
	default:
		g.setState(Planning)
		g.evaluateLocked()
	}
	onReady := g.onReady
	g.mu.Unlock()

	if ready && onReady != nil {
		onReady()
	}
	return nil
}

// UpdateStatus passes a task status change to the store and re-evaluates the state
func (g *Gate) UpdateStatus(taskID string, status global.TaskStatus) error {
	return g.UpdateStatusMessage(taskID, status, "")
}

// UpdateStatusMessage is UpdateStatus with a progress or failure message
func (g *Gate) UpdateStatusMessage(taskID string, status global.TaskStatus, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.store.UpdateStatusMessage(taskID, status, message); err != nil {
		return err
	}
	g.evaluateLocked()
	return nil
}

// Approve releases an awaiting batch. Planned tasks become pending.
func (g *Gate) Approve() error {
	g.mu.Lock()
	if g.state != AwaitingApproval {
		state := g.state
		g.mu.Unlock()
		err := fmt.Errorf("%w: cannot approve in state %s", ErrInvalidTransition, state)
		g.logger.Warnf("Approval ignored: %v", err)
		return err
	}

	g.releaseLocked()
	g.setState(Approved)
	onReady := g.onReady
	g.mu.Unlock()

	g.logger.Info("Batch approved")
	if onReady != nil {
		onReady()
	}
	return nil
}

// Reject discards the batch while it is planning or awaiting approval. The
// gate passes through rejected and settles in idle.
func (g *Gate) Reject() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != AwaitingApproval && g.state != Planning {
		err := fmt.Errorf("%w: cannot reject in state %s", ErrInvalidTransition, g.state)
		g.logger.Warnf("Rejection ignored: %v", err)
		return err
	}

	g.setState(Rejected)
	g.store.Clear()
	g.setState(Idle)
	g.logger.Info("Batch rejected")
	return nil
}

// Reset returns the gate to idle without touching the batch. It is used when
// a run finishes.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Idle {
		g.setState(Idle)
	}
}

// releaseLocked moves planned tasks to pending so they can run. Caller holds g.mu.
func (g *Gate) releaseLocked() {
	for _, t := range g.store.Snapshot() {
		if t.Status == global.TaskPlanned {
			if err := g.store.UpdateStatus(t.ID, global.TaskPending); err != nil {
				g.logger.Warnf("Task %s: failed to release: %v", t.ID, err)
			}
		}
	}
}

// evaluateLocked moves planning to awaiting-approval once every task is pending
func (g *Gate) evaluateLocked() {
	if g.state != Planning {
		return
	}
	snap := g.store.Snapshot()
	if len(snap) == 0 {
		return
	}
	for _, t := range snap {
		if t.Status != global.TaskPending {
			return
		}
	}
	g.setState(AwaitingApproval)
}

// setState records and publishes a transition. Caller holds g.mu.
func (g *Gate) setState(s State) {
	if g.state == s {
		return
	}
	g.logger.Debugf("Approval state %s -> %s", g.state, s)
	g.state = s
	if g.publisher != nil {
		g.publisher.Publish(global.Event{Action: global.ActionUpdate, Approval: string(s)})
	}
}
