/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package servers keeps the registry of tool servers and drives their
// connections. Stdio servers are reached through transport.Process and HTTP
// servers through transport.HTTPClient.
package servers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
	"github.com/PivotLLM/Switchboard/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

var (
	ErrUnknownServer   = errors.New("unknown server")
	ErrDuplicateServer = errors.New("server already registered")
	ErrNotConnected    = errors.New("server not connected")
	ErrServerBusy      = errors.New("server is connected")
	ErrUnknownTool     = errors.New("unknown tool")
)

// Observer is notified of status changes and tool calls
type Observer interface {
	ServerStatus(serverID string, status global.ServerStatus)
	ServerRemoved(serverID string)
	ToolCall(serverID, tool string, elapsed time.Duration, err error)
}

// Status is a descriptor with its runtime state, as reported to agents and observers
type Status struct {
	global.ServerDescriptor
	Status        global.ServerStatus `json:"status"`
	LastError     string              `json:"lastError,omitempty"`
	ToolCount     int                 `json:"toolCount"`
	ResourceCount int                 `json:"resourceCount"`
}

type entry struct {
	desc       global.ServerDescriptor
	validators map[string]*argumentValidator
}

// Manager is the tool server registry
type Manager struct {
	logger   *logging.Logger
	process  *transport.Process
	http     *transport.HTTPClient
	file     *ConfigFile
	observer Observer
	policy   ReconnectPolicy

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	servers      map[string]*entry
	order        []string
	reconnecting map[string]*reconnectJob
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithProcessTransport sets the stdio transport
func WithProcessTransport(p *transport.Process) Option {
	return func(m *Manager) {
		m.process = p
	}
}

// WithHTTPClient sets the HTTP transport
func WithHTTPClient(c *transport.HTTPClient) Option {
	return func(m *Manager) {
		m.http = c
	}
}

// WithConfigFile sets the document used by Load, Save and Import
func WithConfigFile(f *ConfigFile) Option {
	return func(m *Manager) {
		m.file = f
	}
}

// WithObserver sets the status and call observer
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithReconnect enables reconnecting stdio servers whose process exits
func WithReconnect(policy ReconnectPolicy) Option {
	return func(m *Manager) {
		m.policy = policy
	}
}

// New creates a Manager. The stdio transport's exit handler is taken over by the Manager.
func New(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ctx:          ctx,
		cancel:       cancel,
		servers:      make(map[string]*entry),
		reconnecting: make(map[string]*reconnectJob),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.process == nil {
		m.process = transport.NewProcess(transport.WithLogger(m.logger))
	}
	if m.http == nil {
		m.http = transport.NewHTTPClient(transport.WithHTTPLogger(m.logger))
	}
	m.process.SetExitHandler(m.handleExit)
	return m
}

// Register adds a descriptor in the disconnected state
func (m *Manager) Register(desc global.ServerDescriptor) error {
	if err := ValidateDescriptor(&desc); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.servers[desc.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateServer, desc.ID)
	}
	d := desc.Clone()
	d.Status = global.ServerDisconnected
	d.LastError = ""
	d.Tools = nil
	d.Resources = nil
	m.servers[d.ID] = &entry{desc: d}
	m.order = append(m.order, d.ID)
	m.mu.Unlock()

	if d.Kind() == global.TransportStdio {
		m.process.Register(d.ID, specFor(&d))
	}
	m.logger.Infof("Server %s: registered (%s)", d.ID, d.Kind())
	m.notify(d.ID, global.ServerDisconnected)
	return nil
}

// Update replaces the descriptor for a disconnected server
func (m *Manager) Update(desc global.ServerDescriptor) error {
	if err := ValidateDescriptor(&desc); err != nil {
		return err
	}

	m.mu.Lock()
	e, ok := m.servers[desc.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, desc.ID)
	}
	if e.desc.Status == global.ServerConnected || e.desc.Status == global.ServerConnecting {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerBusy, desc.ID)
	}
	d := desc.Clone()
	d.Status = e.desc.Status
	d.LastError = e.desc.LastError
	d.Tools = nil
	d.Resources = nil
	e.desc = d
	e.validators = nil
	m.mu.Unlock()

	if d.Kind() == global.TransportStdio {
		m.process.Register(d.ID, specFor(&d))
	} else {
		m.process.Unregister(d.ID)
	}
	m.logger.Infof("Server %s: descriptor updated", d.ID)
	return nil
}

// Deregister disconnects and removes a server
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	if _, ok := m.servers[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	delete(m.servers, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.cancelReconnectLocked(id)
	m.mu.Unlock()

	m.process.Unregister(id)
	m.logger.Infof("Server %s: deregistered", id)
	m.notify(id, global.ServerDisconnected)
	if m.observer != nil {
		m.observer.ServerRemoved(id)
	}
	return nil
}

// Connect performs the tool list handshake. On failure the server is left in
// the error state with the failure recorded in LastError.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	if e.desc.Status == global.ServerConnected {
		m.mu.Unlock()
		return nil
	}
	e.desc.Status = global.ServerConnecting
	e.desc.LastError = ""
	desc := e.desc.Clone()
	m.mu.Unlock()

	m.notify(id, global.ServerConnecting)
	m.logger.Infof("Server %s: connecting", id)

	tools, validators, err := m.fetchTools(ctx, &desc)
	if err != nil {
		if desc.Kind() == global.TransportStdio {
			_ = m.process.Stop(id)
		}
		m.fail(id, err)
		return fmt.Errorf("failed to connect %s: %w", id, err)
	}

	resources, err := m.fetchResources(ctx, &desc)
	if err != nil {
		if !transport.IsMethodNotFound(err) {
			m.logger.Warnf("Server %s: resource list unavailable: %v", id, err)
		}
		resources = []mcp.Resource{}
	}

	m.mu.Lock()
	e, ok = m.servers[id]
	if !ok || e.desc.Status != global.ServerConnecting {
		// Deregistered or disconnected while the handshake was in flight
		m.mu.Unlock()
		return fmt.Errorf("connect %s: %w", id, ErrNotConnected)
	}
	e.desc.Status = global.ServerConnected
	e.desc.Tools = tools
	e.desc.Resources = resources
	e.validators = validators
	m.mu.Unlock()

	m.logger.Infof("Server %s: connected (%d tools, %d resources)", id, len(tools), len(resources))
	m.notify(id, global.ServerConnected)
	return nil
}

// Disconnect stops the server's process and marks it disconnected. Cached
// tools and resources are kept for display.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	e, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	e.desc.Status = global.ServerDisconnected
	e.desc.LastError = ""
	kind := e.desc.Kind()
	m.cancelReconnectLocked(id)
	m.mu.Unlock()

	if kind == global.TransportStdio {
		if err := m.process.Stop(id); err != nil {
			m.logger.Warnf("Server %s: %v", id, err)
		}
	}
	m.logger.Infof("Server %s: disconnected", id)
	m.notify(id, global.ServerDisconnected)
	return nil
}

// DisconnectAll disconnects every connected server
func (m *Manager) DisconnectAll() {
	for _, s := range m.List() {
		if s.Status == global.ServerConnected || s.Status == global.ServerConnecting {
			_ = m.Disconnect(s.ID)
		}
	}
}

// Close disconnects everything and releases the transports
func (m *Manager) Close() error {
	m.cancel()
	m.DisconnectAll()
	return m.process.Close()
}

// ListTools returns the cached tool list of a connected server
func (m *Manager) ListTools(id string) ([]mcp.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.connectedLocked(id)
	if err != nil {
		return nil, err
	}
	return append([]mcp.Tool(nil), e.desc.Tools...), nil
}

// ListResources returns the cached resource list of a connected server
func (m *Manager) ListResources(id string) ([]mcp.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.connectedLocked(id)
	if err != nil {
		return nil, err
	}
	return append([]mcp.Resource(nil), e.desc.Resources...), nil
}

// ReadResource reads one resource from a connected server
func (m *Manager) ReadResource(ctx context.Context, id, uri string) (*mcp.ReadResourceResult, error) {
	m.mu.RLock()
	e, err := m.connectedLocked(id)
	if err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	desc := e.desc.Clone()
	m.mu.RUnlock()

	raw, err := m.send(ctx, &desc, global.MethodResourcesRead, map[string]interface{}{"uri": uri})
	if err != nil {
		return nil, err
	}
	result, err := mcp.ParseReadResourceResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("malformed resource from %s: %w", id, err)
	}
	return result, nil
}

// CallTool invokes a tool on a connected server. The server is never connected
// implicitly. Arguments are checked against the tool's input schema first and a
// *global.ValidationError is returned without sending when they do not match.
func (m *Manager) CallTool(ctx context.Context, id, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	start := time.Now()
	result, err := m.callTool(ctx, id, name, args)
	if m.observer != nil {
		m.observer.ToolCall(id, name, time.Since(start), err)
	}
	return result, err
}

func (m *Manager) callTool(ctx context.Context, id, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	m.mu.RLock()
	e, err := m.connectedLocked(id)
	if err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	validator, known := e.validators[name]
	desc := e.desc.Clone()
	m.mu.RUnlock()

	if !known {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownTool, name, id)
	}
	if err := validator.validate(name, args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	m.logger.Debugf("Server %s: calling %s", id, name)
	raw, err := m.send(ctx, &desc, global.MethodToolsCall, map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		m.logger.Warnf("Server %s: %s failed: %v", id, name, err)
		return nil, err
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("malformed result from %s/%s: %w", id, name, err)
	}
	return result, nil
}

// GetStatus returns the descriptor and runtime state of a server
func (m *Manager) GetStatus(id string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.servers[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	return statusOf(&e.desc), nil
}

// List returns every server in registration order
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, statusOf(&m.servers[id].desc))
	}
	return out
}

// Descriptors returns the persistable descriptors in registration order
func (m *Manager) Descriptors() []global.ServerDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]global.ServerDescriptor, 0, len(m.order))
	for _, id := range m.order {
		d := m.servers[id].desc.Clone()
		d.Status = ""
		d.LastError = ""
		d.Tools = nil
		d.Resources = nil
		out = append(out, d)
	}
	return out
}

// ConnectedCount returns the number of connected servers
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.servers {
		if e.desc.Status == global.ServerConnected {
			n++
		}
	}
	return n
}

func statusOf(d *global.ServerDescriptor) Status {
	s := Status{
		ServerDescriptor: d.Clone(),
		Status:           d.Status,
		LastError:        d.LastError,
		ToolCount:        len(d.Tools),
		ResourceCount:    len(d.Resources),
	}
	return s
}

func (m *Manager) connectedLocked(id string) (*entry, error) {
	e, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	if e.desc.Status != global.ServerConnected {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, id, e.desc.Status)
	}
	return e, nil
}

// send routes a request over the server's transport
func (m *Manager) send(ctx context.Context, d *global.ServerDescriptor, method string, params interface{}) (json.RawMessage, error) {
	if d.Kind() == global.TransportHTTP {
		return m.http.Send(ctx, d.URL, d.APIKey, method, params)
	}
	return m.process.Send(ctx, d.ID, method, params)
}

// wireTool keeps the input schema as sent so it can be compiled for validation
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (m *Manager) fetchTools(ctx context.Context, d *global.ServerDescriptor) ([]mcp.Tool, map[string]*argumentValidator, error) {
	raw, err := m.send(ctx, d, global.MethodToolsList, map[string]interface{}{})
	if err != nil {
		return nil, nil, err
	}

	var list struct {
		Tools []wireTool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, nil, fmt.Errorf("malformed tool list: %w", err)
	}

	tools := make([]mcp.Tool, 0, len(list.Tools))
	validators := make(map[string]*argumentValidator, len(list.Tools))
	for _, wt := range list.Tools {
		if wt.Name == "" {
			continue
		}
		tool := mcp.Tool{Name: wt.Name, Description: wt.Description}
		if len(wt.InputSchema) > 0 {
			tool.RawInputSchema = wt.InputSchema
		} else {
			tool.InputSchema = mcp.ToolInputSchema{Type: "object"}
		}
		tools = append(tools, tool)

		v, err := newArgumentValidator(wt.InputSchema)
		if err != nil {
			m.logger.Warnf("Server %s: tool %s has an unusable input schema: %v", d.ID, wt.Name, err)
		}
		validators[wt.Name] = v
	}
	return tools, validators, nil
}

func (m *Manager) fetchResources(ctx context.Context, d *global.ServerDescriptor) ([]mcp.Resource, error) {
	raw, err := m.send(ctx, d, global.MethodResourcesList, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var list struct {
		Resources []mcp.Resource `json:"resources"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("malformed resource list: %w", err)
	}
	if list.Resources == nil {
		list.Resources = []mcp.Resource{}
	}
	return list.Resources, nil
}

// fail records err against a server that was connecting
func (m *Manager) fail(id string, err error) {
	m.mu.Lock()
	e, ok := m.servers[id]
	if !ok || e.desc.Status != global.ServerConnecting {
		m.mu.Unlock()
		return
	}
	e.desc.Status = global.ServerError
	e.desc.LastError = err.Error()
	m.mu.Unlock()

	m.logger.Errorf("Server %s: connect failed: %v", id, err)
	m.notify(id, global.ServerError)
}

// handleExit is called by the stdio transport when a process exits on its own
func (m *Manager) handleExit(id string, err error) {
	m.mu.Lock()
	e, ok := m.servers[id]
	if !ok || e.desc.Status != global.ServerConnected {
		m.mu.Unlock()
		return
	}
	e.desc.Status = global.ServerDisconnected
	if err != nil {
		e.desc.LastError = err.Error()
	}
	reconnect := m.policy.enabled()
	m.mu.Unlock()

	m.logger.Warnf("Server %s: connection lost: %v", id, err)
	m.notify(id, global.ServerDisconnected)

	if reconnect {
		m.scheduleReconnect(id)
	}
}

func (m *Manager) notify(id string, status global.ServerStatus) {
	if m.observer != nil {
		m.observer.ServerStatus(id, status)
	}
}

func specFor(d *global.ServerDescriptor) transport.Spec {
	return transport.Spec{
		Command: d.Command,
		Args:    append([]string(nil), d.Args...),
		Env:     d.Env,
	}
}
