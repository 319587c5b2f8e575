/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package history keeps a durable log of task events in SQLite. The log is
// write-only from the application's point of view and is never replayed
// into the task store.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/PivotLLM/Switchboard/events"
	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
	_ "github.com/glebarez/go-sqlite"
)

// followBuffer is large so that a burst of task updates does not drop the log's stream
const followBuffer = 1024

var schema = []string{
	`CREATE TABLE IF NOT EXISTS task_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	subtask_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	approval TEXT NOT NULL DEFAULT '',
	run_state TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS task_events_task ON task_events(task_id)`,
}

// Entry is one recorded event
type Entry struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"runId,omitempty"`
	Action    string          `json:"action"`
	TaskID    string          `json:"taskId,omitempty"`
	SubtaskID string          `json:"subtaskId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Approval  string          `json:"approval,omitempty"`
	RunState  string          `json:"runState,omitempty"`
	Event     json.RawMessage `json:"event"`
	Time      time.Time       `json:"time"`
}

// Store writes events to a SQLite database
type Store struct {
	db     *sql.DB
	logger *logging.Logger

	mu    sync.Mutex
	runID string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open opens or creates the database at path
func Open(path string, logger *logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// One connection keeps ":memory:" databases and write ordering consistent
	db.SetMaxOpenConns(1)

	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create history schema: %w", err)
		}
	}

	logger.Infof("History database opened: %s", path)
	return &Store{db: db, logger: logger, stop: make(chan struct{})}, nil
}

// Record writes one event. Events after a run starts carry that run's id
// until the next run starts.
func (s *Store) Record(ev global.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var runState string
	if ev.Run != nil {
		s.runID = ev.Run.ID
		runState = string(ev.Run.State)
	}

	_, err = s.db.Exec(`INSERT INTO task_events
		(run_id, action, task_id, subtask_id, status, message, approval, run_state, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, string(ev.Action), ev.TaskID, ev.SubtaskID, string(ev.Status), ev.Message,
		ev.Approval, runState, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest entries in chronological order
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = global.DefaultHistoryLimit
	}
	return s.query(`SELECT id, run_id, action, task_id, subtask_id, status, message, approval, run_state, payload, created_at
		FROM task_events ORDER BY id DESC LIMIT ?`, limit)
}

// ForTask returns up to limit of the newest entries for one task in chronological order
func (s *Store) ForTask(taskID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = global.DefaultHistoryLimit
	}
	return s.query(`SELECT id, run_id, action, task_id, subtask_id, status, message, approval, run_state, payload, created_at
		FROM task_events WHERE task_id = ? ORDER BY id DESC LIMIT ?`, taskID, limit)
}

func (s *Store) query(q string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload, created string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Action, &e.TaskID, &e.SubtaskID, &e.Status,
			&e.Message, &e.Approval, &e.RunState, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		e.Event = json.RawMessage(payload)
		e.Time, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	// Newest first from the query; callers want chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Follow records every event broadcast by b until Close. If the broadcaster
// drops the stream the store subscribes again.
func (s *Store) Follow(b *events.Broadcaster) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if !s.drain(b.SubscribeBuffered(followBuffer)) {
				return
			}
			select {
			case <-s.stop:
				return
			default:
			}
			s.logger.Warn("History stream was dropped; subscribing again")
		}
	}()
}

// drain records frames from stream. It returns false when the store is closing.
func (s *Store) drain(stream *events.Stream) bool {
	defer stream.Close()
	for {
		select {
		case <-s.stop:
			return false
		case <-stream.Done():
			return true
		case frame := <-stream.Events():
			ev, err := events.Decode(frame)
			if err != nil {
				s.logger.Warnf("History skipped a frame: %v", err)
				continue
			}
			if err := s.Record(ev); err != nil {
				s.logger.Errorf("History: %v", err)
			}
		}
	}
}

// Close stops following and closes the database
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return s.db.Close()
}
