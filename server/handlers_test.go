/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
	"github.com/PivotLLM/Switchboard/orchestrator"
)

const twoTaskPlan = `[
	{"id": "t1", "title": "Write outline", "status": "pending"},
	{"id": "t2", "title": "Write summary", "status": "pending", "dependencies": ["t1"]}
]`

func TestServerTools(t *testing.T) {
	srv := newTestServer(t, false)
	toolServer := newToolServer(t)

	var added struct {
		ID     string `json:"id"`
		Saved  bool   `json:"saved"`
		Server struct {
			Status    global.ServerStatus `json:"status"`
			ToolCount int                 `json:"toolCount"`
		} `json:"server"`
	}
	decodeResult(t, call(t, srv.handleServerAdd, map[string]interface{}{
		"id":      "docs",
		"name":    "Docs",
		"url":     toolServer.URL,
		"connect": true,
	}), &added)
	if added.ID != "docs" || added.Server.Status != global.ServerConnected || added.Server.ToolCount != 1 {
		t.Fatalf("server_add = %+v, want docs connected with 1 tool", added)
	}
	if added.Saved {
		t.Error("server_add saved without a config file")
	}

	var tools struct {
		Count int `json:"count"`
	}
	decodeResult(t, call(t, srv.handleToolList, map[string]interface{}{"server": "docs"}), &tools)
	if tools.Count != 1 {
		t.Errorf("tool_list count = %d, want 1", tools.Count)
	}

	result := call(t, srv.handleToolCall, map[string]interface{}{
		"server":    "docs",
		"tool":      "echo",
		"arguments": map[string]interface{}{"text": "hello"},
	})
	if result.IsError || resultText(t, result) != "hello" {
		t.Errorf("tool_call = %q (error %v), want hello", resultText(t, result), result.IsError)
	}

	// Arguments may also arrive as a JSON string
	result = call(t, srv.handleToolCall, map[string]interface{}{
		"server":    "docs",
		"tool":      "echo",
		"arguments": `{"text": "again"}`,
	})
	if resultText(t, result) != "again" {
		t.Errorf("tool_call with string arguments = %q, want again", resultText(t, result))
	}

	result = call(t, srv.handleToolCall, map[string]interface{}{"server": "docs", "tool": "echo"})
	if !result.IsError || !strings.Contains(resultText(t, result), "problems") {
		t.Errorf("tool_call without text = %q, want validation problems", resultText(t, result))
	}

	var resources struct {
		Count int `json:"count"`
	}
	decodeResult(t, call(t, srv.handleResourceList, map[string]interface{}{"server": "docs"}), &resources)
	if resources.Count != 1 {
		t.Errorf("resource_list count = %d, want 1", resources.Count)
	}
	result = call(t, srv.handleResourceRead, map[string]interface{}{"server": "docs", "uri": "file:///notes.txt"})
	if result.IsError || !strings.Contains(resultText(t, result), "remember") {
		t.Errorf("resource_read = %q, want the resource text", resultText(t, result))
	}

	decodeResult(t, call(t, srv.handleServerDisconnect, map[string]interface{}{"id": "docs"}), &map[string]interface{}{})
	result = call(t, srv.handleToolCall, map[string]interface{}{"server": "docs", "tool": "echo", "arguments": map[string]interface{}{"text": "x"}})
	if !result.IsError || !strings.Contains(resultText(t, result), "not connected") {
		t.Errorf("tool_call after disconnect = %q, want not connected", resultText(t, result))
	}

	decodeResult(t, call(t, srv.handleServerRemove, map[string]interface{}{"id": "docs"}), &map[string]interface{}{})
	if result := call(t, srv.handleServerGet, map[string]interface{}{"id": "docs"}); !result.IsError {
		t.Error("server_get after remove succeeded")
	}
}

func TestServerAddValidation(t *testing.T) {
	srv := newTestServer(t, false)

	result := call(t, srv.handleServerAdd, map[string]interface{}{"name": "Nothing"})
	if !result.IsError {
		t.Fatal("server_add without command or url succeeded")
	}

	var added struct {
		ID string `json:"id"`
	}
	decodeResult(t, call(t, srv.handleServerAdd, map[string]interface{}{
		"name":    "Local",
		"command": "local-tools",
		"args":    []interface{}{"--stdio"},
	}), &added)
	if added.ID == "" {
		t.Error("server_add did not generate an id")
	}

	if result := call(t, srv.handleServerGet, map[string]interface{}{}); !result.IsError {
		t.Error("server_get without id succeeded")
	}
}

func TestServerImport(t *testing.T) {
	srv := newTestServer(t, false)

	doc := `{"servers": [{"id": "a", "name": "A", "command": "a-tools"}, {"name": "B", "url": "http://localhost:9/mcp"}]}`
	var imported global.ImportResult
	decodeResult(t, call(t, srv.handleServerImport, map[string]interface{}{"document": doc}), &imported)
	if len(imported.Added) != 2 {
		t.Errorf("server_import added = %v, want 2 servers", imported.Added)
	}

	decodeResult(t, call(t, srv.handleServerImport, map[string]interface{}{"document": doc}), &imported)
	if len(imported.Skipped) != 1 || imported.Skipped[0] != "a" {
		t.Errorf("second import skipped = %v, want [a]", imported.Skipped)
	}

	result := call(t, srv.handleServerImport, map[string]interface{}{"document": `{"servers": [{"name": "X", "command": "${HOME}/x"}]}`})
	if !result.IsError {
		t.Error("import with a dynamic expression succeeded")
	}
}

func TestPlanApprovalRun(t *testing.T) {
	srv := newTestServer(t, false, echoHandler(global.DefaultHandler))

	var submitted struct {
		Approval string `json:"approval"`
	}
	decodeResult(t, call(t, srv.handlePlanSubmit, map[string]interface{}{"plan": twoTaskPlan}), &submitted)
	if submitted.Approval != "awaiting-approval" {
		t.Fatalf("approval after submit = %s, want awaiting-approval", submitted.Approval)
	}

	if result := call(t, srv.handleRunStart, nil); !result.IsError {
		t.Error("run_start before approval succeeded")
	}

	decodeResult(t, call(t, srv.handlePlanApprove, nil), &map[string]interface{}{})
	srv.bridge.Wait()

	var plan struct {
		Approval string           `json:"approval"`
		Stats    global.TaskStats `json:"stats"`
		Run      global.RunInfo   `json:"run"`
		Steps    []struct {
			TaskID  string `json:"TaskID"`
			Handler string `json:"Handler"`
		} `json:"steps"`
	}
	decodeResult(t, call(t, srv.handlePlanGet, nil), &plan)
	if plan.Stats.Completed != 2 || plan.Stats.Progress != 100 {
		t.Errorf("stats = %+v, want both tasks completed", plan.Stats)
	}
	if plan.Run.State != global.RunCompleted {
		t.Errorf("run state = %s, want completed", plan.Run.State)
	}
	if plan.Approval != "idle" {
		t.Errorf("approval after a completed run = %s, want idle", plan.Approval)
	}

	var status struct {
		Output string      `json:"output"`
		Task   global.Task `json:"task"`
	}
	decodeResult(t, call(t, srv.handleRunStatus, map[string]interface{}{"task_id": "t2"}), &status)
	if status.Output != "done: Write summary" || status.Task.Message != "done: Write summary" {
		t.Errorf("run_status = %+v, want the handler output", status)
	}
	if result := call(t, srv.handleRunStatus, map[string]interface{}{"task_id": "nope"}); !result.IsError {
		t.Error("run_status for an unknown task succeeded")
	}
}

func TestPlanSubmitSingleTaskStartsAtOnce(t *testing.T) {
	for _, status := range []string{"pending", "planned"} {
		t.Run(status, func(t *testing.T) {
			srv := newTestServer(t, false, echoHandler(global.DefaultHandler))

			decodeResult(t, call(t, srv.handlePlanSubmit, map[string]interface{}{
				"tasks": []interface{}{map[string]interface{}{"id": "only", "title": "Write it", "status": status}},
			}), &map[string]interface{}{})
			srv.bridge.Wait()

			task, ok := srv.store.Get("only")
			if !ok || task.Status != global.TaskCompleted {
				t.Errorf("single task = %+v, want completed without approval", task)
			}
			if out, ok := srv.bridge.Result("only"); !ok || out != "done: Write it" {
				t.Errorf("Result() = %q, %v, want handler output", out, ok)
			}
		})
	}
}

func TestPlanSubmitInvalid(t *testing.T) {
	srv := newTestServer(t, false)

	tests := []struct {
		name string
		plan string
	}{
		{"malformed", `[{"id": "a"`},
		{"missing title", `[{"id": "a", "status": "pending"}]`},
		{"cycle", `[{"id": "a", "title": "A", "status": "pending", "dependencies": ["b"]},
			{"id": "b", "title": "B", "status": "pending", "dependencies": ["a"]}]`},
		{"unknown dependency", `[{"id": "a", "title": "A", "status": "pending", "dependencies": ["zz"]}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := call(t, srv.handlePlanSubmit, map[string]interface{}{"plan": tt.plan})
			if !result.IsError {
				t.Errorf("plan_submit accepted %s", tt.name)
			}
		})
	}
	if srv.store.Len() != 0 {
		t.Errorf("store holds %d tasks after rejected submits, want 0", srv.store.Len())
	}
	if result := call(t, srv.handlePlanSubmit, nil); !result.IsError {
		t.Error("plan_submit without a plan succeeded")
	}
}

func TestPlanReject(t *testing.T) {
	srv := newTestServer(t, false)

	decodeResult(t, call(t, srv.handlePlanSubmit, map[string]interface{}{"plan": twoTaskPlan}), &map[string]interface{}{})
	var rejected struct {
		Approval string `json:"approval"`
	}
	decodeResult(t, call(t, srv.handlePlanReject, nil), &rejected)
	if rejected.Approval != "idle" || srv.store.Len() != 0 {
		t.Errorf("after reject approval = %s with %d tasks, want idle and empty", rejected.Approval, srv.store.Len())
	}
	if result := call(t, srv.handlePlanReject, nil); !result.IsError {
		t.Error("second reject succeeded")
	}
	if result := call(t, srv.handlePlanApprove, nil); !result.IsError {
		t.Error("approve while idle succeeded")
	}
}

func TestTaskAndSubtaskUpdates(t *testing.T) {
	srv := newTestServer(t, false)

	plan := `[
		{"id": "a", "title": "A", "status": "planned", "subtasks": [{"id": "a1", "title": "A1", "status": "pending"}]},
		{"id": "b", "title": "B", "status": "planned"}
	]`
	decodeResult(t, call(t, srv.handlePlanSubmit, map[string]interface{}{"plan": plan}), &map[string]interface{}{})

	decodeResult(t, call(t, srv.handleTaskUpdate, map[string]interface{}{"task_id": "a", "status": "pending"}), &map[string]interface{}{})
	var updated struct {
		Approval string `json:"approval"`
	}
	decodeResult(t, call(t, srv.handleTaskUpdate, map[string]interface{}{"task_id": "b", "status": "pending"}), &updated)
	if updated.Approval != "awaiting-approval" {
		t.Errorf("approval after all pending = %s, want awaiting-approval", updated.Approval)
	}

	var sub struct {
		Task global.Task `json:"task"`
	}
	decodeResult(t, call(t, srv.handleSubtaskUpdate, map[string]interface{}{
		"task_id": "a", "subtask_id": "a1", "status": "completed",
	}), &sub)
	if sub.Task.Status != global.TaskCompleted {
		t.Errorf("task after last subtask completed = %s, want completed", sub.Task.Status)
	}

	tests := []struct {
		name string
		fn   toolHandler
		args map[string]interface{}
	}{
		{"unknown task", srv.handleTaskUpdate, map[string]interface{}{"task_id": "zz", "status": "completed"}},
		{"bad status", srv.handleTaskUpdate, map[string]interface{}{"task_id": "a", "status": "done"}},
		{"missing status", srv.handleTaskUpdate, map[string]interface{}{"task_id": "a"}},
		{"unknown subtask", srv.handleSubtaskUpdate, map[string]interface{}{"task_id": "a", "subtask_id": "zz", "status": "completed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := call(t, tt.fn, tt.args); !result.IsError {
				t.Errorf("%s succeeded", tt.name)
			}
		})
	}
}

func TestSubmitRejectedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := orchestrator.HandlerFunc{
		HandlerName: global.DefaultHandler,
		Fn: func(ctx context.Context, task global.Task) (string, error) {
			started <- struct{}{}
			<-release
			return "ok", nil
		},
	}
	srv := newTestServer(t, false, blocking)

	decodeResult(t, call(t, srv.handlePlanSubmit, map[string]interface{}{
		"plan": `[{"id": "slow", "title": "Slow", "status": "pending"}]`,
	}), &map[string]interface{}{})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
	}

	result := call(t, srv.handlePlanSubmit, map[string]interface{}{"plan": twoTaskPlan})
	if !result.IsError || !strings.Contains(resultText(t, result), "run in progress") {
		t.Errorf("submit during a run = %q, want run in progress", resultText(t, result))
	}

	var aborted struct {
		Aborted bool `json:"aborted"`
	}
	decodeResult(t, call(t, srv.handleRunAbort, nil), &aborted)
	if !aborted.Aborted {
		t.Error("run_abort did not abort")
	}
	close(release)
	srv.bridge.Wait()

	if result := call(t, srv.handleRunAbort, nil); !result.IsError {
		t.Error("run_abort without a run succeeded")
	}
	if task, _ := srv.store.Get("slow"); task.Status != global.TaskCompleted {
		t.Errorf("in-flight task = %s, want completed after abort", task.Status)
	}
}

func TestHistoryList(t *testing.T) {
	srv := newTestServer(t, true, echoHandler(global.DefaultHandler))

	decodeResult(t, call(t, srv.handlePlanSubmit, map[string]interface{}{"plan": twoTaskPlan}), &map[string]interface{}{})
	decodeResult(t, call(t, srv.handlePlanApprove, nil), &map[string]interface{}{})
	srv.bridge.Wait()

	// History records from the event stream asynchronously
	var list struct {
		Count   int `json:"count"`
		Entries []struct {
			TaskID string `json:"taskId"`
			Status string `json:"status"`
		} `json:"entries"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		decodeResult(t, call(t, srv.handleHistoryList, map[string]interface{}{"task_id": "t2"}), &list)
		if len(list.Entries) > 0 && list.Entries[len(list.Entries)-1].Status == string(global.TaskCompleted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history for t2 = %+v, want a completed entry", list.Entries)
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, e := range list.Entries {
		if e.TaskID != "t2" {
			t.Errorf("history_list task_id filter returned %s", e.TaskID)
		}
	}

	decodeResult(t, call(t, srv.handleHistoryList, map[string]interface{}{"limit": 3}), &list)
	if list.Count != 3 {
		t.Errorf("history_list limit 3 count = %d", list.Count)
	}
}

func TestShutdownStopsHistoryQuietly(t *testing.T) {
	var buf bytes.Buffer
	srv := newLoggedTestServer(t, logging.NewWithWriter(&buf), true)

	deadline := time.Now().Add(2 * time.Second)
	for srv.broadcaster.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.broadcaster.Count() != 1 {
		t.Fatalf("Count() = %d, want the history stream", srv.broadcaster.Count())
	}

	srv.shutdown()
	if n := srv.broadcaster.Count(); n != 0 {
		t.Errorf("Count() = %d after shutdown, want 0", n)
	}
	if strings.Contains(buf.String(), "subscribing again") {
		t.Errorf("history resubscribed during shutdown:\n%s", buf.String())
	}
}

func TestHistoryDisabled(t *testing.T) {
	srv := newTestServer(t, false)
	result := call(t, srv.handleHistoryList, nil)
	if !result.IsError || !strings.Contains(resultText(t, result), "history is disabled") {
		t.Errorf("history_list = %q, want disabled error", resultText(t, result))
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, false)
	var health struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Approval string `json:"approval"`
	}
	decodeResult(t, call(t, srv.handleHealth, nil), &health)
	if health.Status != "healthy" || health.Version != global.Version || health.Approval != "idle" {
		t.Errorf("health = %+v", health)
	}
}
