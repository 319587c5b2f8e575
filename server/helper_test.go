/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/PivotLLM/Switchboard/approval"
	"github.com/PivotLLM/Switchboard/config"
	"github.com/PivotLLM/Switchboard/events"
	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/history"
	"github.com/PivotLLM/Switchboard/logging"
	"github.com/PivotLLM/Switchboard/metrics"
	"github.com/PivotLLM/Switchboard/orchestrator"
	"github.com/PivotLLM/Switchboard/servers"
	"github.com/PivotLLM/Switchboard/tasks"
)

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// newTestServer builds a Server around in-memory components. The given
// handlers are registered with the orchestrator; history is recorded when
// withHistory is set.
func newTestServer(t *testing.T, withHistory bool, hs ...orchestrator.Handler) *Server {
	t.Helper()
	return newLoggedTestServer(t, logging.NewWithWriter(io.Discard), withHistory, hs...)
}

// newLoggedTestServer is newTestServer writing its log to logger
func newLoggedTestServer(t *testing.T, logger *logging.Logger, withHistory bool, hs ...orchestrator.Handler) *Server {
	t.Helper()

	m := metrics.New()
	broadcaster := events.New(events.WithLogger(logger), events.WithCountHook(m.SetSubscribers))
	publishers := global.Publishers{broadcaster, m}
	store := tasks.New(tasks.WithLogger(logger), tasks.WithPublisher(publishers))
	gate := approval.New(store, approval.WithLogger(logger), approval.WithPublisher(broadcaster))
	manager := servers.New(servers.WithLogger(logger), servers.WithObserver(m))
	bridge := orchestrator.New(store, orchestrator.NewRegistry(hs...),
		orchestrator.WithLogger(logger),
		orchestrator.WithPublisher(publishers),
	)

	var hist *history.Store
	if withHistory {
		var err error
		hist, err = history.Open(filepath.Join(t.TempDir(), "history.db"), logger)
		if err != nil {
			t.Fatalf("history.Open() error = %v", err)
		}
		hist.Follow(broadcaster)
	}

	srv, err := newServer(config.New(), logger, components{
		manager:     manager,
		store:       store,
		gate:        gate,
		bridge:      bridge,
		broadcaster: broadcaster,
		history:     hist,
		metrics:     m,
	})
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	t.Cleanup(srv.shutdown)
	return srv
}

// echoHandler completes every task with its title
func echoHandler(name string) orchestrator.Handler {
	return orchestrator.HandlerFunc{
		HandlerName: name,
		Fn: func(_ context.Context, task global.Task) (string, error) {
			return "done: " + task.Title, nil
		},
	}
}

// call invokes a tool handler with args
func call(t *testing.T, fn toolHandler, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := fn(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Arguments: args},
	})
	if err != nil {
		t.Fatalf("handler returned error = %v", err)
	}
	if result == nil {
		t.Fatal("handler returned nil result")
	}
	return result
}

// resultText returns the first text content of a result
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if text, ok := c.(mcp.TextContent); ok {
			return text.Text
		}
	}
	t.Fatalf("result has no text content: %+v", result.Content)
	return ""
}

// decodeResult unmarshals a successful JSON result into v
func decodeResult(t *testing.T, result *mcp.CallToolResult, v interface{}) {
	t.Helper()
	text := resultText(t, result)
	if result.IsError {
		t.Fatalf("tool returned error: %s", text)
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		t.Fatalf("failed to decode result %q: %v", text, err)
	}
}

// newToolServer serves a minimal tool server over HTTP: an echo tool that
// requires "text", and one readable resource
func newToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     int64           `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := map[string]interface{}{"jsonrpc": global.JSONRPCVersion, "id": req.ID}
		switch req.Method {
		case global.MethodToolsList:
			resp["result"] = map[string]interface{}{"tools": []map[string]interface{}{{
				"name":        "echo",
				"description": "Echo text back",
				"inputSchema": map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
					"required":   []string{"text"},
				},
			}}}
		case global.MethodToolsCall:
			var p struct {
				Arguments map[string]interface{} `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &p)
			resp["result"] = map[string]interface{}{
				"content": []map[string]interface{}{{"type": "text", "text": fmt.Sprint(p.Arguments["text"])}},
			}
		case global.MethodResourcesList:
			resp["result"] = map[string]interface{}{"resources": []map[string]interface{}{
				{"uri": "file:///notes.txt", "name": "notes"},
			}}
		case global.MethodResourcesRead:
			resp["result"] = map[string]interface{}{"contents": []map[string]interface{}{
				{"uri": "file:///notes.txt", "mimeType": "text/plain", "text": "remember"},
			}}
		default:
			resp["error"] = map[string]interface{}{"code": global.ErrCodeMethodNotFound, "message": "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}
