/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"context"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/PivotLLM/Switchboard/global"
)

// Tool server handlers

func (s *Server) handleServerList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logToolCall(global.ToolServerList, nil)

	list := s.manager.List()
	return createJSONResult(map[string]interface{}{
		"servers":   list,
		"count":     len(list),
		"connected": s.manager.ConnectedCount(),
	})
}

func (s *Server) handleServerGet(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "id", "")

	s.logToolCall(global.ToolServerGet, map[string]string{"id": id})

	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}

	status, err := s.manager.GetStatus(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]interface{}{"server": status}
	if status.Status == global.ServerConnected {
		if tools, err := s.manager.ListTools(id); err == nil {
			result["tools"] = tools
		}
		if resources, err := s.manager.ListResources(id); err == nil {
			result["resources"] = resources
		}
	}
	return createJSONResult(result)
}

func (s *Server) handleServerAdd(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	desc := global.ServerDescriptor{
		ID:          mcp.ParseString(request, "id", ""),
		Name:        mcp.ParseString(request, "name", ""),
		Description: mcp.ParseString(request, "description", ""),
		Transport:   global.TransportKind(mcp.ParseString(request, "transport", "")),
		Command:     mcp.ParseString(request, "command", ""),
		URL:         mcp.ParseString(request, "url", ""),
		APIKey:      mcp.ParseString(request, "api_key", ""),
	}
	connect := mcp.ParseBoolean(request, "connect", false)

	s.logToolCall(global.ToolServerAdd, map[string]string{"id": desc.ID, "name": desc.Name})

	if _, err := decodeArgument(request, "args", &desc.Args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := decodeArgument(request, "env", &desc.Env); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if desc.ID == "" {
		desc.ID = uuid.New().String()
	}

	if err := s.manager.Register(desc); err != nil {
		return errorResult(err)
	}

	result := map[string]interface{}{"id": desc.ID, "saved": false}
	if s.manager.ConfigFile() != nil {
		if err := s.manager.SaveToConfig(); err != nil {
			s.logger.Warnf("Server %s: failed to save config: %v", desc.ID, err)
			result["save_error"] = err.Error()
		} else {
			result["saved"] = true
		}
	}

	if connect {
		if err := s.manager.Connect(ctx, desc.ID); err != nil {
			result["connect_error"] = err.Error()
		}
	}
	if status, err := s.manager.GetStatus(desc.ID); err == nil {
		result["server"] = status
	}
	return createJSONResult(result)
}

func (s *Server) handleServerRemove(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "id", "")

	s.logToolCall(global.ToolServerRemove, map[string]string{"id": id})

	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}

	if err := s.manager.Deregister(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := map[string]interface{}{"id": id, "removed": true}
	if s.manager.ConfigFile() != nil {
		if err := s.manager.SaveToConfig(); err != nil {
			s.logger.Warnf("Server %s: failed to save config: %v", id, err)
			result["save_error"] = err.Error()
		}
	}
	return createJSONResult(result)
}

func (s *Server) handleServerConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "id", "")

	s.logToolCall(global.ToolServerConnect, map[string]string{"id": id})

	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}

	if err := s.manager.Connect(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	status, err := s.manager.GetStatus(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return createJSONResult(status)
}

func (s *Server) handleServerDisconnect(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "id", "")

	s.logToolCall(global.ToolServerDisconnect, map[string]string{"id": id})

	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}

	if err := s.manager.Disconnect(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return createJSONResult(map[string]interface{}{
		"id":     id,
		"status": global.ServerDisconnected,
	})
}

func (s *Server) handleServerImport(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logToolCall(global.ToolServerImport, nil)

	data, ok := rawArgument(request, "document")
	if !ok {
		return mcp.NewToolResultError("document parameter is required"), nil
	}

	result, err := s.manager.Import(data)
	if err != nil && result == nil {
		return errorResult(err)
	}
	if err != nil {
		// Servers were registered but the document could not be written
		return createJSONResult(map[string]interface{}{
			"result":     result,
			"save_error": err.Error(),
		})
	}
	return createJSONResult(result)
}

func (s *Server) handleToolList(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "server", "")

	s.logToolCall(global.ToolToolList, map[string]string{"server": id})

	if id != "" {
		tools, err := s.manager.ListTools(id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return createJSONResult(map[string]interface{}{
			"server": id,
			"tools":  tools,
			"count":  len(tools),
		})
	}

	// Every connected server
	all := make(map[string][]mcp.Tool)
	total := 0
	for _, st := range s.manager.List() {
		tools, err := s.manager.ListTools(st.ID)
		if err != nil {
			continue
		}
		all[st.ID] = tools
		total += len(tools)
	}
	return createJSONResult(map[string]interface{}{
		"servers": all,
		"count":   total,
	})
}

func (s *Server) handleToolCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "server", "")
	tool := mcp.ParseString(request, "tool", "")

	s.logToolCall(global.ToolToolCall, map[string]string{"server": id, "tool": tool})

	if id == "" {
		return mcp.NewToolResultError("server parameter is required"), nil
	}
	if tool == "" {
		return mcp.NewToolResultError("tool parameter is required"), nil
	}

	args := map[string]interface{}{}
	if _, err := decodeArgument(request, "arguments", &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.manager.CallTool(ctx, id, tool, args)
	if err != nil {
		return errorResult(err)
	}
	// The downstream result is passed through unchanged
	return result, nil
}

func (s *Server) handleResourceList(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "server", "")

	s.logToolCall(global.ToolResourceList, map[string]string{"server": id})

	if id == "" {
		return mcp.NewToolResultError("server parameter is required"), nil
	}

	resources, err := s.manager.ListResources(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return createJSONResult(map[string]interface{}{
		"server":    id,
		"resources": resources,
		"count":     len(resources),
	})
}

func (s *Server) handleResourceRead(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "server", "")
	uri := mcp.ParseString(request, "uri", "")

	s.logToolCall(global.ToolResourceRead, map[string]string{"server": id, "uri": uri})

	if id == "" {
		return mcp.NewToolResultError("server parameter is required"), nil
	}
	if uri == "" {
		return mcp.NewToolResultError("uri parameter is required"), nil
	}

	result, err := s.manager.ReadResource(ctx, id, uri)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return createJSONResult(result)
}
