/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PivotLLM/Switchboard/config"
	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultArgument receives the task prompt when a tool handler names none
const DefaultArgument = "prompt"

// ToolCaller calls a tool on a connected tool server
type ToolCaller interface {
	CallTool(ctx context.Context, serverID, tool string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// ToolHandler executes a task by calling one tool with the task prompt
type ToolHandler struct {
	name     string
	server   string
	tool     string
	argument string
	fixed    map[string]interface{}
	caller   ToolCaller
	logger   *logging.Logger
}

// NewToolHandler creates a handler from its configuration
func NewToolHandler(cfg config.Handler, caller ToolCaller, logger *logging.Logger) *ToolHandler {
	arg := cfg.Argument
	if arg == "" {
		arg = DefaultArgument
	}
	return &ToolHandler{
		name:     cfg.Name,
		server:   cfg.Server,
		tool:     cfg.Tool,
		argument: arg,
		fixed:    cfg.Arguments,
		caller:   caller,
		logger:   logger,
	}
}

// Name returns the handler name
func (h *ToolHandler) Name() string {
	return h.name
}

// Execute calls the tool and returns its text content. A result flagged as an
// error fails the task.
func (h *ToolHandler) Execute(ctx context.Context, task global.Task) (string, error) {
	args := make(map[string]interface{}, len(h.fixed)+1)
	for k, v := range h.fixed {
		args[k] = v
	}
	args[h.argument] = Prompt(task)

	h.logger.Debugf("Task %s: calling %s on server %s", task.ID, h.tool, h.server)
	result, err := h.caller.CallTool(ctx, h.server, h.tool, args)
	if err != nil {
		return "", fmt.Errorf("tool %s on %s: %w", h.tool, h.server, err)
	}

	text := ResultText(result)
	if result.IsError {
		if text == "" {
			text = "no details"
		}
		return "", fmt.Errorf("tool %s reported an error: %s", h.tool, text)
	}
	return text, nil
}

// ResultText joins the text content of a tool result. Non-text content is
// summarised by type.
func ResultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		case mcp.ImageContent:
			parts = append(parts, "[image "+v.MIMEType+"]")
		case mcp.EmbeddedResource:
			parts = append(parts, "[resource]")
		default:
			if data, err := json.Marshal(c); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
