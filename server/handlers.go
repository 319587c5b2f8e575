/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/PivotLLM/Switchboard/global"
)

// Helper function to create JSON tool results safely
func createJSONResult(data interface{}) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(data)
	if err != nil {
		return mcp.NewToolResultError("Failed to create JSON result"), nil
	}
	return result, nil
}

// errorResult reports err to the agent. Validation errors keep their problem list.
func errorResult(err error) (*mcp.CallToolResult, error) {
	if ve, ok := global.IsValidationError(err); ok {
		result, jerr := mcp.NewToolResultJSON(map[string]interface{}{
			"error":    ve.Error(),
			"subject":  ve.Subject,
			"problems": ve.Problems,
		})
		if jerr == nil {
			result.IsError = true
			return result, nil
		}
	}
	return mcp.NewToolResultError(err.Error()), nil
}

// logToolCall logs an MCP tool invocation at INFO level
func (s *Server) logToolCall(toolName string, params map[string]string) {
	var parts []string
	for k, v := range params {
		if v != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
	}
	if len(parts) == 0 {
		s.logger.Infof("Tool %s called", toolName)
		return
	}
	sort.Strings(parts)
	s.logger.Infof("Tool %s called: %s", toolName, strings.Join(parts, ", "))
}

// decodeArgument decodes a structured argument into dst. The value may be
// sent as JSON or as a string holding JSON. It reports whether the argument
// was present.
func decodeArgument(request mcp.CallToolRequest, name string, dst interface{}) (bool, error) {
	val, ok := request.GetArguments()[name]
	if !ok || val == nil {
		return false, nil
	}
	var data []byte
	if str, isString := val.(string); isString {
		if strings.TrimSpace(str) == "" {
			return false, nil
		}
		data = []byte(str)
	} else {
		var err error
		if data, err = json.Marshal(val); err != nil {
			return true, fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return true, fmt.Errorf("invalid %s: %w", name, err)
	}
	return true, nil
}

// rawArgument returns a structured argument as JSON bytes
func rawArgument(request mcp.CallToolRequest, name string) ([]byte, bool) {
	val, ok := request.GetArguments()[name]
	if !ok || val == nil {
		return nil, false
	}
	if str, isString := val.(string); isString {
		if strings.TrimSpace(str) == "" {
			return nil, false
		}
		return []byte(str), true
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, false
	}
	return data, true
}

// System handlers

func (s *Server) handleHealth(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return createJSONResult(s.health())
}

// health summarises the process for the health tool and /healthz
func (s *Server) health() map[string]interface{} {
	list := s.manager.List()
	var failed []string
	for _, st := range list {
		if st.Status == global.ServerError {
			failed = append(failed, st.ID)
		}
	}
	status := "healthy"
	if len(failed) > 0 {
		status = "degraded"
	}
	result := map[string]interface{}{
		"status":       status,
		"program_name": global.ProgramName,
		"version":      global.Version,
		"servers":      len(list),
		"connected":    s.manager.ConnectedCount(),
		"approval":     s.gate.State(),
		"run":          s.bridge.Status(),
		"observers":    s.broadcaster.Count(),
		"history":      s.history != nil,
	}
	if len(failed) > 0 {
		result["failed_servers"] = failed
	}
	return result
}
