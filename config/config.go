/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PivotLLM/Switchboard/global"
)

// Handler types
const (
	HandlerTypeTool    = "tool"    // calls a tool on a registered tool server
	HandlerTypeCommand = "command" // runs a prompt command
)

// PromptPlaceholder is replaced with the task prompt in command handler args
const PromptPlaceholder = "{{PROMPT}}"

// embeddedConfigExample is the path of the default config inside the embedded FS
const embeddedConfigExample = "docs/config-example.json"

// Config provides access to application configuration
type Config struct {
	configPath  string      // resolved path to config file
	data        *configData // parsed configuration
	firstRun    bool        // true if config was just created
	serversFile string      // resolved tool server config document
	historyDB   string      // resolved history database (empty when disabled)
	envFile     string      // resolved .env file
	embeddedFS  embed.FS    // embedded defaults
	hasFS       bool
}

// configData holds the parsed configuration (internal)
type configData struct {
	Version            int          `json:"version" yaml:"version"`
	BaseDir            string       `json:"base_dir" yaml:"base_dir"`
	ServersFile        string       `json:"servers_file,omitempty" yaml:"servers_file,omitempty"`
	WatchServersFile   bool         `json:"watch_servers_file,omitempty" yaml:"watch_servers_file,omitempty"`
	HistoryDB          string       `json:"history_db,omitempty" yaml:"history_db,omitempty"`
	EnvFile            string       `json:"env_file,omitempty" yaml:"env_file,omitempty"`
	Listen             string       `json:"listen,omitempty" yaml:"listen,omitempty"`
	Logging            Logging      `json:"logging" yaml:"logging"`
	Transport          Transport    `json:"transport,omitempty" yaml:"transport,omitempty"`
	Connections        Connections  `json:"connections,omitempty" yaml:"connections,omitempty"`
	Orchestrator       Orchestrator `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"`
	Handlers           []Handler    `json:"handlers" yaml:"handlers"`
	Classifier         Classifier   `json:"classifier,omitempty" yaml:"classifier,omitempty"`
	MarkNonDestructive bool         `json:"mark_non_destructive,omitempty" yaml:"mark_non_destructive,omitempty"`
}

// Logging represents logging configuration
type Logging struct {
	File  string `json:"file" yaml:"file"`
	Level string `json:"level" yaml:"level"`
}

// Transport configures tool server calls
type Transport struct {
	CallTimeoutMs int `json:"call_timeout_ms,omitempty" yaml:"call_timeout_ms,omitempty"`
	HTTPTimeoutMs int `json:"http_timeout_ms,omitempty" yaml:"http_timeout_ms,omitempty"`
}

// CallTimeout returns the per-call deadline for stdio servers
func (t Transport) CallTimeout() time.Duration {
	return time.Duration(t.CallTimeoutMs) * time.Millisecond
}

// HTTPTimeout returns the request timeout for HTTP servers
func (t Transport) HTTPTimeout() time.Duration {
	return time.Duration(t.HTTPTimeoutMs) * time.Millisecond
}

// Connections configures tool server connection management
type Connections struct {
	AutoConnect   []string `json:"auto_connect,omitempty" yaml:"auto_connect,omitempty"`
	AutoReconnect bool     `json:"auto_reconnect,omitempty" yaml:"auto_reconnect,omitempty"`
	MaxRetries    int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryDelayMs  int      `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms,omitempty"`
	Backoff       float64  `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// RetryDelay returns the delay before the first reconnect attempt
func (c Connections) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// Orchestrator configures task execution
type Orchestrator struct {
	IdleWaitMs  int       `json:"idle_wait_ms,omitempty" yaml:"idle_wait_ms,omitempty"`
	TaskDelayMs int       `json:"task_delay_ms,omitempty" yaml:"task_delay_ms,omitempty"`
	RateLimit   RateLimit `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// RateLimit represents rate limiting configuration for task starts
type RateLimit struct {
	MaxRequests   int `json:"max_requests,omitempty" yaml:"max_requests,omitempty"`
	PeriodSeconds int `json:"period_seconds,omitempty" yaml:"period_seconds,omitempty"`
}

// Handler configures a task handler that the classifier can route tasks to
type Handler struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string `json:"type" yaml:"type"`
	Enabled     bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Tool handlers
	Server    string                 `json:"server,omitempty" yaml:"server,omitempty"`
	Tool      string                 `json:"tool,omitempty" yaml:"tool,omitempty"`
	Argument  string                 `json:"argument,omitempty" yaml:"argument,omitempty"`   // argument that receives the task prompt
	Arguments map[string]interface{} `json:"arguments,omitempty" yaml:"arguments,omitempty"` // fixed extra arguments

	// Command handlers; Args uses {{PROMPT}} unless Stdin is true
	Command        string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args           []string `json:"args,omitempty" yaml:"args,omitempty"`
	Stdin          bool     `json:"stdin,omitempty" yaml:"stdin,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Timeout returns the command handler timeout with the default applied
func (h Handler) Timeout() time.Duration {
	if h.TimeoutSeconds <= 0 {
		return global.DefaultCommandTimeout * time.Second
	}
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Classifier maps task text to handler names. Rules are checked in order.
type Classifier struct {
	Default string           `json:"default,omitempty" yaml:"default,omitempty"`
	Rules   []ClassifierRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// ClassifierRule routes a task to Handler when any keyword appears in its title or description
type ClassifierRule struct {
	Handler  string   `json:"handler" yaml:"handler"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// DefaultClassifier returns the built-in keyword routing
func DefaultClassifier() Classifier {
	return Classifier{
		Default: global.DefaultHandler,
		Rules: []ClassifierRule{
			{Handler: "research", Keywords: []string{"search", "find", "look up"}},
			{Handler: "deep-research", Keywords: []string{"analyze", "deep", "comprehensive"}},
			{Handler: "code", Keywords: []string{"code", "implement", "create", "build"}},
		},
	}
}

// Option is a functional option for configuring Config
type Option func(*Config)

// New creates a new Config instance with optional configuration
func New(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithConfigPath sets an explicit config file path
func WithConfigPath(path string) Option {
	return func(c *Config) {
		c.configPath = path
	}
}

// WithEmbeddedFS sets the embedded filesystem holding the default configuration
func WithEmbeddedFS(efs embed.FS) Option {
	return func(c *Config) {
		c.embeddedFS = efs
		c.hasFS = true
	}
}

// Load loads and validates configuration from file.
// If the config file doesn't exist, a default one is created from the embedded example.
func (c *Config) Load() error {
	configPath, err := c.resolveConfigPath()
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	c.configPath = configPath

	if !global.FileExists(configPath) {
		c.firstRun = true
		if err := c.setupDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to create default config at %s: %w", configPath, err)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg, err := parse(configPath, data)
	if err != nil {
		return err
	}
	c.data = cfg

	c.resolveBaseDir()

	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.normalizePaths(); err != nil {
		return fmt.Errorf("failed to normalize paths: %w", err)
	}

	return nil
}

// setupDefaultConfig writes the embedded config example to configPath
func (c *Config) setupDefaultConfig(configPath string) error {
	if !c.hasFS {
		return fmt.Errorf("no embedded default configuration available")
	}
	if isYAML(configPath) {
		return fmt.Errorf("default configuration is JSON; create %s manually", configPath)
	}
	content, err := c.embeddedFS.ReadFile(embeddedConfigExample)
	if err != nil {
		return fmt.Errorf("failed to read embedded config-example.json: %w", err)
	}
	return global.AtomicWrite(configPath, content)
}

// parse decodes JSON or YAML depending on the file extension. Unknown fields are
// reported on stderr and otherwise ignored.
func parse(path string, data []byte) (*configData, error) {
	var cfg configData

	if isYAML(path) {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if !strings.Contains(err.Error(), "not found in type") {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			_, _ = fmt.Fprintf(os.Stderr, "Warning: config file %s: %v\n", path, err)
			cfg = configData{}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
		return &cfg, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		if !strings.Contains(err.Error(), "unknown field") {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		_, _ = fmt.Fprintf(os.Stderr, "Warning: config file %s: %v\n", path, err)
		cfg = configData{}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	return &cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// resolveConfigPath determines the config file path using precedence rules
func (c *Config) resolveConfigPath() (string, error) {
	// 1. Explicit path (from WithConfigPath option)
	if c.configPath != "" {
		return filepath.Abs(global.ExpandHomePath(c.configPath))
	}

	// 2. Environment variable
	if envPath := os.Getenv(global.ConfigEnvVar); envPath != "" {
		return filepath.Abs(global.ExpandHomePath(envPath))
	}

	// 3. Default: base_dir/config.json
	return filepath.Join(global.ExpandHomePath(global.DefaultBaseDir), global.DefaultConfigFileName), nil
}

// resolveBaseDir expands base_dir, falling back to the default when it is empty or relative
func (c *Config) resolveBaseDir() {
	if c.data.BaseDir == "" {
		c.data.BaseDir = global.ExpandHomePath(global.DefaultBaseDir)
		return
	}

	resolved := global.ExpandHomePath(c.data.BaseDir)
	if !filepath.IsAbs(resolved) {
		_, _ = fmt.Fprintf(os.Stderr, "Warning: base_dir '%s' is not absolute, using default '%s'\n",
			c.data.BaseDir, global.DefaultBaseDir)
		resolved = global.ExpandHomePath(global.DefaultBaseDir)
	}
	c.data.BaseDir = resolved
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.data.Version != 1 {
		if c.data.Version < 1 {
			return fmt.Errorf("config version %d is too old (expected 1)", c.data.Version)
		}
		return fmt.Errorf("config version %d is newer than supported (expected 1)", c.data.Version)
	}

	if c.data.Transport.CallTimeoutMs < 0 || c.data.Transport.HTTPTimeoutMs < 0 {
		return fmt.Errorf("transport timeouts cannot be negative")
	}
	if c.data.Connections.Backoff != 0 && c.data.Connections.Backoff < 1 {
		return fmt.Errorf("connections.backoff must be at least 1")
	}

	names := make(map[string]bool)
	for i := range c.data.Handlers {
		h := &c.data.Handlers[i]
		if h.Name == "" {
			return fmt.Errorf("handler name cannot be empty")
		}
		if names[h.Name] {
			return fmt.Errorf("duplicate handler name: %s", h.Name)
		}
		names[h.Name] = true

		switch h.Type {
		case HandlerTypeTool:
			if h.Server == "" || h.Tool == "" {
				return fmt.Errorf("tool handler %s requires server and tool", h.Name)
			}
		case HandlerTypeCommand:
			if h.Command == "" {
				return fmt.Errorf("handler command cannot be empty for handler %s", h.Name)
			}
			if !h.Stdin && !hasPromptPlaceholder(h.Args) {
				return fmt.Errorf("handler args must contain %s placeholder for handler %s (or set stdin: true)", PromptPlaceholder, h.Name)
			}
			if h.Enabled {
				expanded := global.ExpandHomePath(h.Command)
				if _, err := exec.LookPath(expanded); err != nil {
					_, _ = fmt.Fprintf(os.Stderr, "Warning: handler %s: executable not found: %s - disabling\n", h.Name, h.Command)
					h.Enabled = false
				} else {
					h.Command = expanded
				}
			}
		default:
			return fmt.Errorf("invalid handler type '%s' for handler %s (expected '%s' or '%s')", h.Type, h.Name, HandlerTypeTool, HandlerTypeCommand)
		}
	}

	for _, rule := range c.data.Classifier.Rules {
		if rule.Handler == "" {
			return fmt.Errorf("classifier rule has empty handler")
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("classifier rule for %s has no keywords", rule.Handler)
		}
	}

	return nil
}

func hasPromptPlaceholder(args []string) bool {
	for _, arg := range args {
		if strings.Contains(arg, PromptPlaceholder) {
			return true
		}
	}
	return false
}

// normalizePaths resolves all paths relative to base_dir and creates the base directory
func (c *Config) normalizePaths() error {
	if err := os.MkdirAll(c.data.BaseDir, 0755); err != nil {
		return fmt.Errorf("failed to create base directory %s: %w", c.data.BaseDir, err)
	}

	serversFile := c.data.ServersFile
	if serversFile == "" {
		serversFile = global.DefaultServersFile
	}
	c.serversFile = global.ResolvePath(c.data.BaseDir, serversFile)

	c.historyDB = global.ResolvePath(c.data.BaseDir, c.data.HistoryDB)

	envFile := c.data.EnvFile
	if envFile == "" {
		envFile = global.DefaultEnvFile
	}
	c.envFile = global.ResolvePath(c.data.BaseDir, envFile)

	logFile := c.data.Logging.File
	if logFile == "" {
		logFile = global.DefaultLogFile
	}
	c.data.Logging.File = global.ResolvePath(c.data.BaseDir, logFile)

	return nil
}

// Getter methods

// Version returns the config version
func (c *Config) Version() int {
	return c.data.Version
}

// BaseDir returns the resolved base directory (always absolute)
func (c *Config) BaseDir() string {
	return c.data.BaseDir
}

// ConfigPath returns the path to the loaded config file
func (c *Config) ConfigPath() string {
	return c.configPath
}

// IsFirstRun returns true if this is the first run (config was just created)
func (c *Config) IsFirstRun() bool {
	return c.firstRun
}

// ServersFile returns the resolved tool server config document path
func (c *Config) ServersFile() string {
	return c.serversFile
}

// WatchServersFile returns true if external edits to the servers file should be reloaded
func (c *Config) WatchServersFile() bool {
	return c.data.WatchServersFile
}

// HistoryDB returns the resolved history database path, empty when history is disabled
func (c *Config) HistoryDB() string {
	return c.historyDB
}

// EnvFile returns the resolved .env path
func (c *Config) EnvFile() string {
	return c.envFile
}

// Listen returns the observer HTTP listen address, empty when disabled
func (c *Config) Listen() string {
	return c.data.Listen
}

// LogFile returns the resolved log file path (always absolute)
func (c *Config) LogFile() string {
	return c.data.Logging.File
}

// LogLevel returns the configured log level
func (c *Config) LogLevel() string {
	if c.data.Logging.Level == "" {
		return global.LogLevelInfo
	}
	return strings.ToUpper(c.data.Logging.Level)
}

// MarkNonDestructive returns true if tools should be marked as non-destructive
func (c *Config) MarkNonDestructive() bool {
	return c.data.MarkNonDestructive
}

// Transport returns the transport configuration with defaults applied
func (c *Config) Transport() Transport {
	t := c.data.Transport
	if t.CallTimeoutMs <= 0 {
		t.CallTimeoutMs = global.DefaultCallTimeoutMs
	}
	if t.HTTPTimeoutMs <= 0 {
		t.HTTPTimeoutMs = global.DefaultHTTPTimeoutMs
	}
	return t
}

// Connections returns the connection configuration with defaults applied
func (c *Config) Connections() Connections {
	conn := c.data.Connections
	if conn.MaxRetries <= 0 {
		conn.MaxRetries = global.DefaultReconnectRetries
	}
	if conn.RetryDelayMs <= 0 {
		conn.RetryDelayMs = global.DefaultReconnectDelayMs
	}
	if conn.Backoff == 0 {
		conn.Backoff = global.DefaultReconnectBackoff
	}
	return conn
}

// Orchestrator returns the orchestrator configuration with defaults applied
func (c *Config) Orchestrator() Orchestrator {
	o := c.data.Orchestrator
	if o.RateLimit.MaxRequests > 0 && o.RateLimit.PeriodSeconds <= 0 {
		o.RateLimit.PeriodSeconds = global.DefaultRateLimitPeriod
	}
	return o
}

// Handlers returns all configured handlers
func (c *Config) Handlers() []Handler {
	return c.data.Handlers
}

// EnabledHandlers returns only the enabled handlers
func (c *Config) EnabledHandlers() []Handler {
	var enabled []Handler
	for _, h := range c.data.Handlers {
		if h.Enabled {
			enabled = append(enabled, h)
		}
	}
	return enabled
}

// Classifier returns the classifier configuration, falling back to the built-in rules
func (c *Config) Classifier() Classifier {
	cl := c.data.Classifier
	if len(cl.Rules) == 0 {
		def := DefaultClassifier()
		cl.Rules = def.Rules
	}
	if cl.Default == "" {
		cl.Default = global.DefaultHandler
	}
	return cl
}
