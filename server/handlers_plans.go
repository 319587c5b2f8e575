/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/PivotLLM/Switchboard/approval"
	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/orchestrator"
	"github.com/PivotLLM/Switchboard/tasks"
)

var errHistoryDisabled = errors.New("history is disabled: set history_db in the configuration")

// Plan and task handlers

func (s *Server) handlePlanSubmit(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logToolCall(global.ToolPlanSubmit, nil)

	data, ok := rawArgument(request, "plan")
	if !ok {
		if data, ok = rawArgument(request, "tasks"); !ok {
			return mcp.NewToolResultError("plan parameter is required"), nil
		}
	}

	if s.bridge.IsRunning() {
		return mcp.NewToolResultError(fmt.Sprintf("%v: abort it or wait for it to finish", orchestrator.ErrRunInProgress)), nil
	}

	batch, err := tasks.ParseBatch(data)
	if err != nil {
		return errorResult(err)
	}
	if err := s.gate.Submit(batch); err != nil {
		return errorResult(err)
	}

	return createJSONResult(map[string]interface{}{
		"approval": s.gate.State(),
		"stats":    s.store.Stats(),
		"run":      s.bridge.Status(),
	})
}

func (s *Server) handlePlanGet(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logToolCall(global.ToolPlanGet, nil)
	return createJSONResult(s.planView())
}

// planView is the plan state shared by plan_get and GET /tasks
func (s *Server) planView() map[string]interface{} {
	return map[string]interface{}{
		"approval": s.gate.State(),
		"stats":    s.store.Stats(),
		"tasks":    s.store.Snapshot(),
		"steps":    s.bridge.Plan(),
		"run":      s.bridge.Status(),
	}
}

func (s *Server) handlePlanApprove(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logToolCall(global.ToolPlanApprove, nil)

	if err := s.gate.Approve(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return createJSONResult(map[string]interface{}{
		"approval": s.gate.State(),
		"run":      s.bridge.Status(),
	})
}

func (s *Server) handlePlanReject(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logToolCall(global.ToolPlanReject, nil)

	if err := s.gate.Reject(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return createJSONResult(map[string]interface{}{
		"approval": s.gate.State(),
	})
}

func (s *Server) handleTaskUpdate(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	status := global.TaskStatus(mcp.ParseString(request, "status", ""))
	message := mcp.ParseString(request, "message", "")

	s.logToolCall(global.ToolTaskUpdate, map[string]string{"task_id": taskID, "status": string(status)})

	if taskID == "" {
		return mcp.NewToolResultError("task_id parameter is required"), nil
	}
	if status == "" {
		return mcp.NewToolResultError("status parameter is required"), nil
	}

	if err := s.gate.UpdateStatusMessage(taskID, status, message); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	task, _ := s.store.Get(taskID)
	return createJSONResult(map[string]interface{}{
		"task":     task,
		"approval": s.gate.State(),
	})
}

func (s *Server) handleSubtaskUpdate(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	subtaskID := mcp.ParseString(request, "subtask_id", "")
	status := global.TaskStatus(mcp.ParseString(request, "status", ""))

	s.logToolCall(global.ToolSubtaskUpdate, map[string]string{"task_id": taskID, "subtask_id": subtaskID, "status": string(status)})

	if taskID == "" {
		return mcp.NewToolResultError("task_id parameter is required"), nil
	}
	if subtaskID == "" {
		return mcp.NewToolResultError("subtask_id parameter is required"), nil
	}
	if status == "" {
		return mcp.NewToolResultError("status parameter is required"), nil
	}

	if err := s.store.UpdateSubtaskStatus(taskID, subtaskID, status); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	task, _ := s.store.Get(taskID)
	return createJSONResult(map[string]interface{}{"task": task})
}

// Run handlers

func (s *Server) handleRunStart(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logToolCall(global.ToolRunStart, nil)

	if state := s.gate.State(); state != approval.Approved {
		return mcp.NewToolResultError(fmt.Sprintf("batch is not approved (approval state: %s)", state)), nil
	}

	runID, err := s.startRun()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return createJSONResult(map[string]interface{}{
		"run_id": runID,
		"run":    s.bridge.Status(),
	})
}

func (s *Server) handleRunAbort(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logToolCall(global.ToolRunAbort, nil)

	if !s.bridge.Abort() {
		return mcp.NewToolResultError("no run is active"), nil
	}
	return createJSONResult(map[string]interface{}{
		"aborted": true,
		"run":     s.bridge.Status(),
		"note":    "the task in flight finishes; no further task starts",
	})
}

func (s *Server) handleRunStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")

	s.logToolCall(global.ToolRunStatus, map[string]string{"task_id": taskID})

	result := map[string]interface{}{
		"run":         s.bridge.Status(),
		"running":     s.bridge.IsRunning(),
		"stats":       s.store.Stats(),
		"in_progress": s.store.InProgress(),
	}
	if taskID != "" {
		task, ok := s.store.Get(taskID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("%v: %s", tasks.ErrUnknownTask, taskID)), nil
		}
		result["task"] = task
		if output, ok := s.bridge.Result(taskID); ok {
			result["output"] = output
		}
	}
	return createJSONResult(result)
}

func (s *Server) handleHistoryList(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", global.DefaultHistoryLimit))

	s.logToolCall(global.ToolHistoryList, map[string]string{"task_id": taskID})

	if s.history == nil {
		return mcp.NewToolResultError(errHistoryDisabled.Error()), nil
	}
	if limit <= 0 {
		limit = global.DefaultHistoryLimit
	}

	var entries interface{}
	var count int
	if taskID != "" {
		list, err := s.history.ForTask(taskID, limit)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		entries, count = list, len(list)
	} else {
		list, err := s.history.Recent(limit)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		entries, count = list, len(list)
	}
	return createJSONResult(map[string]interface{}{
		"entries": entries,
		"count":   count,
	})
}

// startRun starts the orchestrator on the active batch
func (s *Server) startRun() (string, error) {
	return s.bridge.Start(s.ctx, orchestrator.Callbacks{
		OnProgress: func(taskID string, status global.TaskStatus, message string) {
			if message != "" {
				s.logger.Debugf("Task %s: %s (%s)", taskID, status, message)
			}
		},
		OnComplete: s.runComplete,
		OnError: func(err error) {
			s.logger.Warnf("Run: %v", err)
		},
	})
}

// autoStart runs a batch as soon as the approval gate releases it
func (s *Server) autoStart() {
	if runID, err := s.startRun(); err != nil {
		s.logger.Warnf("Auto-start skipped: %v", err)
	} else {
		s.logger.Infof("Run %s: started on approval", runID)
	}
}

// runComplete returns the gate to idle once every task has completed. A
// blocked batch keeps its approval so the agent can repair it and restart.
func (s *Server) runComplete() {
	stats := s.store.Stats()
	if stats.Total > 0 && stats.Completed == stats.Total {
		s.gate.Reset()
	}
}
