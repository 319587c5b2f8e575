/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/PivotLLM/Switchboard/global"
)

// registerTools registers all MCP tools
func (s *Server) registerTools() error {
	// Tool server registry
	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolServerList,
			mcp.WithDescription("List registered tool servers with their connection status, last error and tool counts."),
		), s.handleServerList)

	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolServerGet,
			mcp.WithDescription("Get one tool server. Connected servers include their tools and resources."),
			mcp.WithString("id",
				mcp.Description("Server ID"),
				mcp.Required(),
			),
		), s.handleServerGet)

	s.mcpServer.AddTool(
		s.defaultTool(global.ToolServerAdd,
			mcp.WithDescription("Register a tool server. Stdio servers need a command; HTTP servers need a url. The server starts disconnected unless connect is true. The registry is saved to the servers file."),
			mcp.WithString("id",
				mcp.Description("Server ID (default: generated)"),
			),
			mcp.WithString("name",
				mcp.Description("Display name"),
				mcp.Required(),
			),
			mcp.WithString("description",
				mcp.Description("What the server provides"),
			),
			mcp.WithString("transport",
				mcp.Description("Transport type: stdio or http (default: http when only url is set)"),
				mcp.Enum(string(global.TransportStdio), string(global.TransportHTTP)),
			),
			mcp.WithString("command",
				mcp.Description("Executable for stdio servers"),
			),
			mcp.WithArray("args",
				mcp.Description("Command arguments for stdio servers"),
				mcp.Items(map[string]interface{}{"type": "string"}),
			),
			mcp.WithObject("env",
				mcp.Description("Extra environment variables for stdio servers (literal values)"),
			),
			mcp.WithString("url",
				mcp.Description("Endpoint for HTTP servers"),
			),
			mcp.WithString("api_key",
				mcp.Description("Bearer token for HTTP servers, literal or env:NAME"),
			),
			mcp.WithBoolean("connect",
				mcp.Description("Connect after registering (default: false)"),
			),
		), s.handleServerAdd)

	s.mcpServer.AddTool(
		s.destructiveTool(global.ToolServerRemove,
			mcp.WithDescription("Disconnect and remove a tool server, and save the registry."),
			mcp.WithString("id",
				mcp.Description("Server ID"),
				mcp.Required(),
			),
		), s.handleServerRemove)

	s.mcpServer.AddTool(
		s.openWorldTool(global.ToolServerConnect,
			mcp.WithDescription("Connect a tool server: start its process if needed and fetch its tool list. On failure the server is left in the error state with lastError set."),
			mcp.WithString("id",
				mcp.Description("Server ID"),
				mcp.Required(),
			),
		), s.handleServerConnect)

	s.mcpServer.AddTool(
		s.defaultTool(global.ToolServerDisconnect,
			mcp.WithDescription("Disconnect a tool server and stop its process. Cached tools are kept for display."),
			mcp.WithString("id",
				mcp.Description("Server ID"),
				mcp.Required(),
			),
		), s.handleServerDisconnect)

	s.mcpServer.AddTool(
		s.defaultTool(global.ToolServerImport,
			mcp.WithDescription("Import tool servers from a config document ({\"servers\": [...]}). Entries without an id get one; entries whose id exists are skipped. The servers file is backed up before it is rewritten."),
			mcp.WithString("document",
				mcp.Description("Config document JSON text"),
				mcp.Required(),
			),
		), s.handleServerImport)

	// Tools and resources on connected servers
	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolToolList,
			mcp.WithDescription("List the tools of a connected server, or of every connected server when server is omitted."),
			mcp.WithString("server",
				mcp.Description("Server ID (optional)"),
			),
		), s.handleToolList)

	s.mcpServer.AddTool(
		s.openWorldTool(global.ToolToolCall,
			mcp.WithDescription("Call a tool on a connected server. Arguments are checked against the tool's input schema before the call is sent. The server's result is returned unchanged."),
			mcp.WithString("server",
				mcp.Description("Server ID"),
				mcp.Required(),
			),
			mcp.WithString("tool",
				mcp.Description("Tool name"),
				mcp.Required(),
			),
			mcp.WithObject("arguments",
				mcp.Description("Tool arguments"),
			),
		), s.handleToolCall)

	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolResourceList,
			mcp.WithDescription("List the resources of a connected server."),
			mcp.WithString("server",
				mcp.Description("Server ID"),
				mcp.Required(),
			),
		), s.handleResourceList)

	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolResourceRead,
			mcp.WithDescription("Read a resource from a connected server."),
			mcp.WithString("server",
				mcp.Description("Server ID"),
				mcp.Required(),
			),
			mcp.WithString("uri",
				mcp.Description("Resource URI"),
				mcp.Required(),
			),
		), s.handleResourceRead)

	// Plans
	s.mcpServer.AddTool(
		s.defaultTool(global.ToolPlanSubmit,
			mcp.WithDescription("Replace the active task batch. A batch of two or more tasks waits for approval once every task is pending; a single task runs at once. Tasks: id, title, description, status, priority, dependencies, subtasks. Rejected while a run is active."),
			mcp.WithString("plan",
				mcp.Description("Batch JSON: an array of tasks or {\"tasks\": [...]}"),
				mcp.Required(),
			),
		), s.handlePlanSubmit)

	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolPlanGet,
			mcp.WithDescription("Get the active batch: tasks, stats, approval state, the handler assigned to each task and the current run."),
		), s.handlePlanGet)

	s.mcpServer.AddTool(
		s.defaultTool(global.ToolPlanApprove,
			mcp.WithDescription("Approve a batch awaiting approval. Planned tasks become pending and the run starts."),
		), s.handlePlanApprove)

	s.mcpServer.AddTool(
		s.destructiveTool(global.ToolPlanReject,
			mcp.WithDescription("Reject the batch while it is planning or awaiting approval. The batch is discarded."),
		), s.handlePlanReject)

	s.mcpServer.AddTool(
		s.defaultTool(global.ToolTaskUpdate,
			mcp.WithDescription("Set a task's status. Completing a task completes its subtasks."),
			mcp.WithString("task_id",
				mcp.Description("Task ID"),
				mcp.Required(),
			),
			mcp.WithString("status",
				mcp.Description("New status"),
				mcp.Required(),
				mcp.Enum(string(global.TaskPending), string(global.TaskPlanned), string(global.TaskInProgress),
					string(global.TaskCompleted), string(global.TaskFailed)),
			),
			mcp.WithString("message",
				mcp.Description("Progress or failure message"),
			),
		), s.handleTaskUpdate)

	s.mcpServer.AddTool(
		s.defaultTool(global.ToolSubtaskUpdate,
			mcp.WithDescription("Set a subtask's status. The task completes when all of its subtasks are completed."),
			mcp.WithString("task_id",
				mcp.Description("Task ID"),
				mcp.Required(),
			),
			mcp.WithString("subtask_id",
				mcp.Description("Subtask ID"),
				mcp.Required(),
			),
			mcp.WithString("status",
				mcp.Description("New status"),
				mcp.Required(),
				mcp.Enum(string(global.TaskPending), string(global.TaskInProgress),
					string(global.TaskCompleted), string(global.TaskFailed)),
			),
		), s.handleSubtaskUpdate)

	// Runs
	s.mcpServer.AddTool(
		s.openWorldTool(global.ToolRunStart,
			mcp.WithDescription("Start executing the approved batch in dependency order. Use after a blocked run has been repaired; approval starts a run on its own."),
		), s.handleRunStart)

	s.mcpServer.AddTool(
		s.defaultTool(global.ToolRunAbort,
			mcp.WithDescription("Stop the active run before its next task. The task in flight is not interrupted."),
		), s.handleRunAbort)

	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolRunStatus,
			mcp.WithDescription("Get the current or last run, batch stats and tasks in progress. With task_id, include the task and its handler output."),
			mcp.WithString("task_id",
				mcp.Description("Task ID (optional)"),
			),
		), s.handleRunStatus)

	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolHistoryList,
			mcp.WithDescription("List recorded task events, oldest first. Requires history_db in the configuration."),
			mcp.WithString("task_id",
				mcp.Description("Only events for this task (optional)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of entries (default: 100)"),
			),
		), s.handleHistoryList)

	// System
	s.mcpServer.AddTool(
		s.readOnlyTool(global.ToolHealth,
			mcp.WithDescription("Check server health: tool server connections, approval state and the current run."),
		), s.handleHealth)

	return nil
}
