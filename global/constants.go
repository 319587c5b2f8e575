/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

//goland:noinspection GoCommentStart
const (
	// Configuration constants
	ConfigEnvVar          = "SWITCHBOARD_CONFIG"
	DefaultBaseDir        = "~/.switchboard"
	DefaultConfigFileName = "config.json"
	DefaultServersFile    = "servers.json"
	DefaultLogFile        = "switchboard.log"
	DefaultEnvFile        = ".env"

	// Tool server config document
	ServerConfigVersion = "1.0"

	// JSON-RPC methods spoken to tool servers
	JSONRPCVersion        = "2.0"
	MethodToolsList       = "tools/list"
	MethodToolsCall       = "tools/call"
	MethodResourcesList   = "resources/list"
	MethodResourcesRead   = "resources/read"
	ErrCodeMethodNotFound = -32601

	// MCP Tool Names - Tool servers
	ToolServerList       = "server_list"
	ToolServerGet        = "server_get"
	ToolServerAdd        = "server_add"
	ToolServerRemove     = "server_remove"
	ToolServerConnect    = "server_connect"
	ToolServerDisconnect = "server_disconnect"
	ToolServerImport     = "server_import"
	ToolToolList         = "tool_list"
	ToolToolCall         = "tool_call"
	ToolResourceList     = "resource_list"
	ToolResourceRead     = "resource_read"

	// MCP Tool Names - Plans and runs
	ToolPlanSubmit    = "plan_submit"
	ToolPlanGet       = "plan_get"
	ToolPlanApprove   = "plan_approve"
	ToolPlanReject    = "plan_reject"
	ToolTaskUpdate    = "task_update"
	ToolSubtaskUpdate = "subtask_update"
	ToolRunStart      = "run_start"
	ToolRunAbort      = "run_abort"
	ToolRunStatus     = "run_status"
	ToolHistoryList   = "history_list"

	// MCP Tool Names - System
	ToolHealth = "health"

	// Transport defaults (milliseconds)
	DefaultCallTimeoutMs = 5000
	DefaultHTTPTimeoutMs = 30000

	// Reconnect defaults
	DefaultReconnectRetries = 3
	DefaultReconnectDelayMs = 2000
	DefaultReconnectBackoff = 2.0

	// Orchestrator defaults
	DefaultHandler          = "research"
	DefaultCommandTimeout   = 300 // seconds
	DefaultRateLimitPeriod  = 60  // seconds
	DefaultHistoryLimit     = 100
	DefaultSubscriberBuffer = 64

	// Log Levels
	LogLevelDebug = "DEBUG"
	LogLevelInfo  = "INFO"
	LogLevelWarn  = "WARN"
	LogLevelError = "ERROR"
	LogLevelFatal = "FATAL"

	// API Key Prefix
	EnvKeyPrefix = "env:"
)
