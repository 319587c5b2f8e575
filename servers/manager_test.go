/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package servers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := New(opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatal("empty tool result")
	}
	switch c := result.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("content type = %T, want text", result.Content[0])
	return ""
}

func TestRegisterValidation(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name string
		desc global.ServerDescriptor
	}{
		{name: "missing id", desc: global.ServerDescriptor{Name: "x", Command: "x"}},
		{name: "missing name", desc: global.ServerDescriptor{ID: "x", Command: "x"}},
		{name: "stdio without command", desc: global.ServerDescriptor{ID: "x", Name: "x", Transport: global.TransportStdio}},
		{name: "http without url", desc: global.ServerDescriptor{ID: "x", Name: "x", Transport: global.TransportHTTP}},
		{name: "bad url", desc: global.ServerDescriptor{ID: "x", Name: "x", URL: "ftp://host"}},
		{name: "unknown transport", desc: global.ServerDescriptor{ID: "x", Name: "x", Transport: "carrier-pigeon", Command: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Register(tt.desc)
			if _, ok := global.IsValidationError(err); !ok {
				t.Errorf("Register() error = %v, want ValidationError", err)
			}
		})
	}
	if len(m.List()) != 0 {
		t.Errorf("List() = %d servers, want 0 after failed registrations", len(m.List()))
	}

	if err := m.Register(stdioDescriptor("a", "echo")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(stdioDescriptor("a", "echo")); !errors.Is(err, ErrDuplicateServer) {
		t.Errorf("duplicate Register() error = %v, want ErrDuplicateServer", err)
	}

	s, err := m.GetStatus("a")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if s.Status != global.ServerDisconnected {
		t.Errorf("Status = %s, want disconnected", s.Status)
	}
}

func TestConnectAndCallTool(t *testing.T) {
	rec := newStatusRecorder()
	m := newTestManager(t, WithObserver(rec))
	if err := m.Register(stdioDescriptor("fake", "echo")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := m.CallTool(context.Background(), "fake", "echo", map[string]interface{}{"text": "hi"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("CallTool() before connect error = %v, want ErrNotConnected", err)
	}

	if err := m.Connect(context.Background(), "fake"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s, _ := m.GetStatus("fake")
	if s.Status != global.ServerConnected {
		t.Errorf("Status = %s, want connected", s.Status)
	}
	if s.ToolCount != 3 {
		t.Errorf("ToolCount = %d, want 3", s.ToolCount)
	}

	hist := rec.history("fake")
	want := []global.ServerStatus{global.ServerDisconnected, global.ServerConnecting, global.ServerConnected}
	if len(hist) != len(want) {
		t.Fatalf("status history = %v, want %v", hist, want)
	}
	for i := range want {
		if hist[i] != want[i] {
			t.Errorf("status history = %v, want %v", hist, want)
			break
		}
	}

	tools, err := m.ListTools("fake")
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if tools[0].Name != "echo" {
		t.Errorf("tools[0] = %s, want echo", tools[0].Name)
	}

	resources, err := m.ListResources("fake")
	if err != nil {
		t.Fatalf("ListResources() error = %v", err)
	}
	if len(resources) != 0 {
		t.Errorf("ListResources() = %d, want 0 when unsupported", len(resources))
	}

	result, err := m.CallTool(context.Background(), "fake", "echo", map[string]interface{}{"text": "hello"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if got := textOf(t, result); got != "hello" {
		t.Errorf("CallTool() text = %q, want hello", got)
	}

	if _, err := m.CallTool(context.Background(), "fake", "missing", nil); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("CallTool(missing) error = %v, want ErrUnknownTool", err)
	}
}

func TestCallToolValidatesArguments(t *testing.T) {
	m := newTestManager(t)
	_ = m.Register(stdioDescriptor("fake", "echo"))
	if err := m.Connect(context.Background(), "fake"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{name: "missing required", args: map[string]interface{}{}},
		{name: "nil arguments", args: nil},
		{name: "wrong type", args: map[string]interface{}{"text": 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CallTool(context.Background(), "fake", "echo", tt.args)
			ve, ok := global.IsValidationError(err)
			if !ok {
				t.Fatalf("CallTool() error = %v, want ValidationError", err)
			}
			if len(ve.Problems) == 0 {
				t.Error("ValidationError has no problems")
			}
		})
	}
}

func TestConnectFailureIsObservable(t *testing.T) {
	m := newTestManager(t)

	_ = m.Register(global.ServerDescriptor{ID: "missing", Name: "Missing", Command: "/nonexistent/tool-server"})
	if err := m.Connect(context.Background(), "missing"); err == nil {
		t.Fatal("Connect() error = nil, want spawn failure")
	}
	s, _ := m.GetStatus("missing")
	if s.Status != global.ServerError || s.LastError == "" {
		t.Errorf("status = %s (%q), want error with message", s.Status, s.LastError)
	}

	_ = m.Register(stdioDescriptor("broken", "broken"))
	err := m.Connect(context.Background(), "broken")
	var rpcErr *transport.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Connect() error = %v, want RPCError", err)
	}
	s, _ = m.GetStatus("broken")
	if s.Status != global.ServerError || s.LastError == "" {
		t.Errorf("status = %s (%q), want error with message", s.Status, s.LastError)
	}

	if err := m.Connect(context.Background(), "nope"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("Connect(nope) error = %v, want ErrUnknownServer", err)
	}
}

func TestTimeoutKeepsServerConnected(t *testing.T) {
	p := transport.NewProcess(transport.WithCallTimeout(150 * time.Millisecond))
	m := newTestManager(t, WithProcessTransport(p))
	_ = m.Register(stdioDescriptor("fake", "echo"))
	if err := m.Connect(context.Background(), "fake"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err := m.CallTool(context.Background(), "fake", "hang", nil)
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("CallTool(hang) error = %v, want ErrTimeout", err)
	}
	s, _ := m.GetStatus("fake")
	if s.Status != global.ServerConnected {
		t.Errorf("Status = %s after timeout, want connected", s.Status)
	}

	result, err := m.CallTool(context.Background(), "fake", "echo", map[string]interface{}{"text": "still here"})
	if err != nil {
		t.Fatalf("CallTool() after timeout error = %v", err)
	}
	if got := textOf(t, result); got != "still here" {
		t.Errorf("text = %q, want still here", got)
	}
}

func TestProcessExitMarksDisconnected(t *testing.T) {
	m := newTestManager(t)
	_ = m.Register(stdioDescriptor("fake", "echo"))
	if err := m.Connect(context.Background(), "fake"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err := m.CallTool(context.Background(), "fake", "crash", nil)
	if !errors.Is(err, transport.ErrProcessExited) {
		t.Fatalf("CallTool(crash) error = %v, want ErrProcessExited", err)
	}

	s := waitForStatus(t, m, "fake", global.ServerDisconnected)
	if s.LastError == "" {
		t.Error("LastError is empty after process exit")
	}
	if _, err := m.CallTool(context.Background(), "fake", "echo", map[string]interface{}{"text": "x"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CallTool() after exit error = %v, want ErrNotConnected", err)
	}

	// An explicit connect respawns the process
	if err := m.Connect(context.Background(), "fake"); err != nil {
		t.Fatalf("Connect() after exit error = %v", err)
	}
}

func TestReconnectAfterExit(t *testing.T) {
	rec := newStatusRecorder()
	m := newTestManager(t, WithObserver(rec), WithReconnect(ReconnectPolicy{
		Enabled:    true,
		MaxRetries: 3,
		Delay:      20 * time.Millisecond,
		Backoff:    2,
	}))
	_ = m.Register(stdioDescriptor("fake", "echo"))
	if err := m.Connect(context.Background(), "fake"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, _ = m.CallTool(context.Background(), "fake", "crash", nil)

	deadline := time.Now().Add(5 * time.Second)
	for countStatus(rec.history("fake"), global.ServerConnected) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("status history = %v, want a second connect", rec.history("fake"))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if countStatus(rec.history("fake"), global.ServerDisconnected) < 2 {
		t.Errorf("status history = %v, want disconnected before reconnect", rec.history("fake"))
	}

	result, err := m.CallTool(context.Background(), "fake", "echo", map[string]interface{}{"text": "back"})
	if err != nil {
		t.Fatalf("CallTool() after reconnect error = %v", err)
	}
	if got := textOf(t, result); got != "back" {
		t.Errorf("text = %q, want back", got)
	}
}

func TestDisconnectAndDeregister(t *testing.T) {
	p := transport.NewProcess()
	m := newTestManager(t, WithProcessTransport(p))
	_ = m.Register(stdioDescriptor("fake", "echo"))
	if err := m.Connect(context.Background(), "fake"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !p.IsAlive("fake") {
		t.Fatal("process not running after connect")
	}

	if err := m.Disconnect("fake"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	s, _ := m.GetStatus("fake")
	if s.Status != global.ServerDisconnected || s.LastError != "" {
		t.Errorf("status = %s (%q), want disconnected without error", s.Status, s.LastError)
	}
	if p.IsAlive("fake") {
		t.Error("process still running after Disconnect")
	}

	if err := m.Deregister("fake"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if _, err := m.GetStatus("fake"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("GetStatus() after Deregister error = %v, want ErrUnknownServer", err)
	}
	if err := m.Deregister("fake"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("second Deregister() error = %v, want ErrUnknownServer", err)
	}
}

func TestHTTPServer(t *testing.T) {
	srv, auth := newHTTPToolServer(t)
	m := newTestManager(t)

	err := m.Register(global.ServerDescriptor{
		ID:     "remote",
		Name:   "Remote",
		URL:    srv.URL,
		APIKey: "token-1",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Connect(context.Background(), "remote"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	result, err := m.CallTool(context.Background(), "remote", "echo", map[string]interface{}{"text": "over http"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if got := textOf(t, result); got != "over http" {
		t.Errorf("text = %q, want over http", got)
	}
	for _, h := range auth() {
		if h != "Bearer token-1" {
			t.Errorf("Authorization = %q, want Bearer token-1", h)
		}
	}
}

func TestResources(t *testing.T) {
	m := newTestManager(t)
	_ = m.Register(stdioDescriptor("fake", "resources"))
	if err := m.Connect(context.Background(), "fake"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	resources, err := m.ListResources("fake")
	if err != nil {
		t.Fatalf("ListResources() error = %v", err)
	}
	if len(resources) != 1 || resources[0].URI != "file:///notes.txt" {
		t.Fatalf("resources = %+v, want notes.txt", resources)
	}

	res, err := m.ReadResource(context.Background(), "fake", "file:///notes.txt")
	if err != nil {
		t.Fatalf("ReadResource() error = %v", err)
	}
	if len(res.Contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(res.Contents))
	}
}

func TestDisconnectAll(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"one", "two"} {
		_ = m.Register(stdioDescriptor(id, "echo"))
		if err := m.Connect(context.Background(), id); err != nil {
			t.Fatalf("Connect(%s) error = %v", id, err)
		}
	}
	if n := m.ConnectedCount(); n != 2 {
		t.Fatalf("ConnectedCount() = %d, want 2", n)
	}
	m.DisconnectAll()
	if n := m.ConnectedCount(); n != 0 {
		t.Errorf("ConnectedCount() = %d after DisconnectAll, want 0", n)
	}

	ids := m.List()
	if len(ids) != 2 || ids[0].ID != "one" || ids[1].ID != "two" {
		t.Errorf("List() order = %v, want registration order", ids)
	}
}

func countStatus(hist []global.ServerStatus, want global.ServerStatus) int {
	n := 0
	for _, s := range hist {
		if s == want {
			n++
		}
	}
	return n
}
