/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package servers

import (
	"context"
	"time"

	"github.com/PivotLLM/Switchboard/global"
)

// ReconnectPolicy controls reconnect attempts after a stdio process exits
type ReconnectPolicy struct {
	Enabled    bool
	MaxRetries int
	Delay      time.Duration
	Backoff    float64
}

// DefaultReconnectPolicy returns an enabled policy with the default schedule
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:    true,
		MaxRetries: global.DefaultReconnectRetries,
		Delay:      global.DefaultReconnectDelayMs * time.Millisecond,
		Backoff:    global.DefaultReconnectBackoff,
	}
}

func (p ReconnectPolicy) enabled() bool {
	return p.Enabled && p.MaxRetries > 0
}

// scheduleReconnect starts a reconnect loop for id unless one is running
func (m *Manager) scheduleReconnect(id string) {
	m.mu.Lock()
	if _, running := m.reconnecting[id]; running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	job := &reconnectJob{cancel: cancel}
	m.reconnecting[id] = job
	m.mu.Unlock()

	go m.reconnect(ctx, id, job)
}

type reconnectJob struct {
	cancel context.CancelFunc
}

func (m *Manager) reconnect(ctx context.Context, id string, job *reconnectJob) {
	defer func() {
		job.cancel()
		m.mu.Lock()
		if m.reconnecting[id] == job {
			delete(m.reconnecting, id)
		}
		m.mu.Unlock()
	}()

	delay := m.policy.Delay
	backoff := m.policy.Backoff
	if backoff < 1 {
		backoff = 1
	}

	for attempt := 1; attempt <= m.policy.MaxRetries; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.logger.Infof("Server %s: reconnect attempt %d of %d", id, attempt, m.policy.MaxRetries)
		err := m.Connect(ctx, id)
		if err == nil {
			m.logger.Infof("Server %s: reconnected", id)
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Warnf("Server %s: reconnect attempt %d failed: %v", id, attempt, err)
		delay = time.Duration(float64(delay) * backoff)
	}

	m.logger.Errorf("Server %s: giving up after %d reconnect attempts", id, m.policy.MaxRetries)
}

// cancelReconnectLocked stops a reconnect loop. Caller holds m.mu.
func (m *Manager) cancelReconnectLocked(id string) {
	if job, ok := m.reconnecting[id]; ok {
		job.cancel()
		delete(m.reconnecting, id)
	}
}
