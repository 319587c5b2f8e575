/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PivotLLM/Switchboard/config"
	"github.com/PivotLLM/Switchboard/global"
	"github.com/mark3labs/mcp-go/mcp"
)

type fakeCaller struct {
	server string
	tool   string
	args   map[string]interface{}
	result *mcp.CallToolResult
	err    error
}

func (f *fakeCaller) CallTool(_ context.Context, serverID, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.server, f.tool, f.args = serverID, tool, args
	return f.result, f.err
}

func textResult(isError bool, texts ...string) *mcp.CallToolResult {
	r := &mcp.CallToolResult{IsError: isError}
	for _, s := range texts {
		r.Content = append(r.Content, mcp.TextContent{Type: "text", Text: s})
	}
	return r
}

var sampleTask = global.Task{
	ID:          "t1",
	Title:       "Search the archive",
	Description: "Look for outage reports",
	Subtasks:    []global.Subtask{{ID: "s1", Title: "2024"}, {ID: "s2", Title: "2025"}},
}

func TestPrompt(t *testing.T) {
	want := "Search the archive\n\nLook for outage reports\n\nSubtasks:\n- 2024\n- 2025"
	if got := Prompt(sampleTask); got != want {
		t.Errorf("Prompt() = %q, want %q", got, want)
	}
	if got := Prompt(global.Task{Title: "Only"}); got != "Only" {
		t.Errorf("Prompt() = %q, want Only", got)
	}
}

func TestToolHandler(t *testing.T) {
	caller := &fakeCaller{result: textResult(false, "found 3 reports", "done")}
	h := NewToolHandler(config.Handler{
		Name:      "research",
		Server:    "search",
		Tool:      "query",
		Argument:  "q",
		Arguments: map[string]interface{}{"limit": 5},
	}, caller, nil)

	out, err := h.Execute(context.Background(), sampleTask)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "found 3 reports\ndone" {
		t.Errorf("Execute() = %q", out)
	}
	if caller.server != "search" || caller.tool != "query" {
		t.Errorf("called %s/%s, want search/query", caller.server, caller.tool)
	}
	if caller.args["q"] != Prompt(sampleTask) || caller.args["limit"] != 5 {
		t.Errorf("args = %v", caller.args)
	}
	if h.Name() != "research" {
		t.Errorf("Name() = %s", h.Name())
	}
}

func TestToolHandlerDefaultArgument(t *testing.T) {
	caller := &fakeCaller{result: textResult(false, "ok")}
	h := NewToolHandler(config.Handler{Name: "x", Server: "s", Tool: "t"}, caller, nil)
	if _, err := h.Execute(context.Background(), sampleTask); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, ok := caller.args[DefaultArgument]; !ok {
		t.Errorf("args = %v, want %s set", caller.args, DefaultArgument)
	}
}

func TestToolHandlerErrors(t *testing.T) {
	callErr := errors.New("not connected")
	h := NewToolHandler(config.Handler{Name: "x", Server: "s", Tool: "t"}, &fakeCaller{err: callErr}, nil)
	if _, err := h.Execute(context.Background(), sampleTask); !errors.Is(err, callErr) {
		t.Errorf("Execute() error = %v, want wrapped call error", err)
	}

	h = NewToolHandler(config.Handler{Name: "x", Server: "s", Tool: "t"}, &fakeCaller{result: textResult(true, "quota exceeded")}, nil)
	_, err := h.Execute(context.Background(), sampleTask)
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("Execute() error = %v, want the tool's error text", err)
	}
}

func TestCommandHandlerArgs(t *testing.T) {
	h := NewCommandHandler(config.Handler{
		Name:    "echo",
		Command: "echo",
		Args:    []string{"task:", config.PromptPlaceholder},
	}, nil)

	out, err := h.Execute(context.Background(), global.Task{ID: "t", Title: "hello world"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "task: hello world" {
		t.Errorf("Execute() = %q, want %q", out, "task: hello world")
	}
}

func TestCommandHandlerStdin(t *testing.T) {
	h := NewCommandHandler(config.Handler{Name: "cat", Command: "cat", Stdin: true}, nil)
	out, err := h.Execute(context.Background(), sampleTask)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != Prompt(sampleTask) {
		t.Errorf("Execute() = %q, want the prompt echoed", out)
	}
}

func TestCommandHandlerFailures(t *testing.T) {
	task := global.Task{ID: "t", Title: "x"}

	h := NewCommandHandler(config.Handler{Name: "fail", Command: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}, Stdin: true}, nil)
	_, err := h.Execute(context.Background(), task)
	if err == nil || !strings.Contains(err.Error(), "code 3") || !strings.Contains(err.Error(), "broken") {
		t.Errorf("exit error = %v, want code 3 with stderr", err)
	}

	h = NewCommandHandler(config.Handler{Name: "missing", Command: "/nonexistent/switchboard-cmd", Stdin: true}, nil)
	if _, err := h.Execute(context.Background(), task); err == nil || !strings.Contains(err.Error(), "failed to run") {
		t.Errorf("missing command error = %v", err)
	}

	h = NewCommandHandler(config.Handler{Name: "slow", Command: "sleep", Args: []string{"5"}, Stdin: true}, nil)
	h.timeout = 100 * time.Millisecond
	start := time.Now()
	if _, err := h.Execute(context.Background(), task); err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("timeout error = %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout did not stop the command")
	}
}

func TestBuild(t *testing.T) {
	cfgs := []config.Handler{
		{Name: "research", Type: config.HandlerTypeTool, Server: "s", Tool: "t", Enabled: true},
		{Name: "code", Type: config.HandlerTypeCommand, Command: "cat", Stdin: true, Enabled: true},
		{Name: "off", Type: config.HandlerTypeCommand, Command: "cat", Stdin: true},
	}
	built, err := Build(cfgs, &fakeCaller{}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(built) != 2 || built[0].Name() != "research" || built[1].Name() != "code" {
		t.Errorf("Build() returned %d handlers", len(built))
	}

	if _, err := Build(cfgs[:1], nil, nil); err == nil {
		t.Error("Build() without a caller accepted a tool handler")
	}
	if _, err := Build([]config.Handler{{Name: "x", Type: "bogus", Enabled: true}}, nil, nil); err == nil {
		t.Error("Build() accepted an unknown type")
	}
}
