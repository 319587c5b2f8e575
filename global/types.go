/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// TaskStatus is the lifecycle state of a task or subtask
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskPlanned    TaskStatus = "planned"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Valid reports whether s is one of the known task statuses
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskPlanned, TaskInProgress, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Subtask is a checklist item inside a task
type Subtask struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
}

// Task is a single unit of work in a plan batch
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status"`
	Priority     string     `json:"priority,omitempty"` // low, medium, high
	Dependencies []string   `json:"dependencies,omitempty"`
	Subtasks     []Subtask  `json:"subtasks,omitempty"`
	Level        int        `json:"level,omitempty"`   // nesting level for display
	Message      string     `json:"message,omitempty"` // last progress or failure message
}

// Clone returns a deep copy of the task
func (t Task) Clone() Task {
	c := t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Subtasks != nil {
		c.Subtasks = append([]Subtask(nil), t.Subtasks...)
	}
	return c
}

// TaskStats summarises the active batch
type TaskStats struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	InProgress int `json:"inProgress"`
	Pending    int `json:"pending"`
	Planned    int `json:"planned"`
	Failed     int `json:"failed"`
	Progress   int `json:"progress"` // percent completed, 0-100
}

// TransportKind selects how a tool server is reached
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// ServerStatus is the connection state of a tool server
type ServerStatus string

const (
	ServerDisconnected ServerStatus = "disconnected"
	ServerConnecting   ServerStatus = "connecting"
	ServerConnected    ServerStatus = "connected"
	ServerError        ServerStatus = "error"
)

// ServerDescriptor describes a tool server. Tools, Resources, Status and LastError
// are runtime-only and never written to the config document.
type ServerDescriptor struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Transport   TransportKind     `json:"transportType,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	APIKey      string            `json:"apiKey,omitempty"` // literal or "env:NAME"

	Tools     []mcp.Tool     `json:"-"`
	Resources []mcp.Resource `json:"-"`
	Status    ServerStatus   `json:"-"`
	LastError string         `json:"-"`
}

// Kind returns the effective transport. A descriptor with a URL and no command is HTTP.
func (d *ServerDescriptor) Kind() TransportKind {
	if d.Transport != "" {
		return d.Transport
	}
	if d.URL != "" && d.Command == "" {
		return TransportHTTP
	}
	return TransportStdio
}

// Clone returns a deep copy of the descriptor
func (d *ServerDescriptor) Clone() ServerDescriptor {
	c := *d
	if d.Args != nil {
		c.Args = append([]string(nil), d.Args...)
	}
	if d.Env != nil {
		c.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			c.Env[k] = v
		}
	}
	if d.Tools != nil {
		c.Tools = append([]mcp.Tool(nil), d.Tools...)
	}
	if d.Resources != nil {
		c.Resources = append([]mcp.Resource(nil), d.Resources...)
	}
	return c
}

// ServerConfigDocument is the on-disk tool server registry
type ServerConfigDocument struct {
	Version      string             `json:"version"`
	LastModified string             `json:"lastModified"` // ISO-8601
	Servers      []ServerDescriptor `json:"servers"`
}

// ImportResult reports the outcome of importing a config document
type ImportResult struct {
	Added   []string `json:"added"`
	Skipped []string `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
	Backup  string   `json:"backup,omitempty"`
}

// EventAction is the kind of change carried by an Event
type EventAction string

const (
	ActionCreate EventAction = "create"
	ActionUpdate EventAction = "update"
	ActionClear  EventAction = "clear"
)

// RunState is the lifecycle state of an orchestration run
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunBlocked   RunState = "blocked"
	RunStopped   RunState = "stopped"
	RunFailed    RunState = "failed"
)

// RunInfo describes a run in events and status queries
type RunInfo struct {
	ID      string   `json:"id"`
	State   RunState `json:"state"`
	Message string   `json:"message,omitempty"`
}

// Event is one state change pushed to observers
type Event struct {
	Action    EventAction `json:"action"`
	Tasks     []Task      `json:"tasks,omitempty"`
	TaskID    string      `json:"taskId,omitempty"`
	SubtaskID string      `json:"subtaskId,omitempty"`
	Status    TaskStatus  `json:"status,omitempty"`
	Message   string      `json:"message,omitempty"`
	Approval  string      `json:"approval,omitempty"`
	Run       *RunInfo    `json:"run,omitempty"`
}

// Publisher receives state-change events
type Publisher interface {
	Publish(ev Event)
}

// Publishers fans one event out to several publishers in order
type Publishers []Publisher

// Publish sends ev to every non-nil publisher
func (ps Publishers) Publish(ev Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(ev)
		}
	}
}
