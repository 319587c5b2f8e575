/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package transport carries JSON-RPC calls to tool servers, either over the
// standard input/output of a child process or as HTTP requests.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
)

var (
	ErrTimeout         = errors.New("call timed out")
	ErrProcessExited   = errors.New("tool server process exited")
	ErrTransportClosed = errors.New("transport closed")
	ErrUnknownServer   = errors.New("no command registered for server")
)

// Spec describes how to start a stdio tool server
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// ExitFunc is called when a tool server process exits without being stopped
type ExitFunc func(serverID string, err error)

// Process owns at most one child process per registered tool server
type Process struct {
	logger      *logging.Logger
	timeout     time.Duration
	stopTimeout time.Duration
	onExit      ExitFunc

	nextID atomic.Int64

	mu     sync.Mutex
	specs  map[string]Spec
	procs  map[string]*proc
	closed bool
}

// Option configures a Process
type Option func(*Process)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(p *Process) {
		p.logger = logger
	}
}

// WithCallTimeout sets the per-call deadline
func WithCallTimeout(timeout time.Duration) Option {
	return func(p *Process) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithStopTimeout sets how long Stop waits after closing stdin before killing the process
func WithStopTimeout(timeout time.Duration) Option {
	return func(p *Process) {
		p.stopTimeout = timeout
	}
}

// WithExitHandler sets the callback for unexpected process exits
func WithExitHandler(fn ExitFunc) Option {
	return func(p *Process) {
		p.onExit = fn
	}
}

// NewProcess creates a stdio transport
func NewProcess(opts ...Option) *Process {
	p := &Process{
		timeout:     global.DefaultCallTimeoutMs * time.Millisecond,
		stopTimeout: time.Second,
		specs:       make(map[string]Spec),
		procs:       make(map[string]*proc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetExitHandler replaces the exit callback. It is used when the owner of the
// callback is constructed after the transport.
func (p *Process) SetExitHandler(fn ExitFunc) {
	p.mu.Lock()
	p.onExit = fn
	p.mu.Unlock()
}

// Register sets the command used to spawn serverID. A running process is not restarted.
func (p *Process) Register(serverID string, spec Spec) {
	p.mu.Lock()
	p.specs[serverID] = spec
	p.mu.Unlock()
}

// Unregister stops the process for serverID and forgets its command
func (p *Process) Unregister(serverID string) {
	_ = p.Stop(serverID)
	p.mu.Lock()
	delete(p.specs, serverID)
	p.mu.Unlock()
}

// IsAlive reports whether a process for serverID is running
func (p *Process) IsAlive(serverID string) bool {
	p.mu.Lock()
	pr := p.procs[serverID]
	p.mu.Unlock()
	return pr != nil && !pr.hasExited()
}

// Pending returns the number of calls awaiting a response from serverID
func (p *Process) Pending(serverID string) int {
	p.mu.Lock()
	pr := p.procs[serverID]
	p.mu.Unlock()
	if pr == nil {
		return 0
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.pending)
}

// Send issues method to serverID and waits for the matching response.
// The process is spawned on first use and respawned after it exits.
func (p *Process) Send(ctx context.Context, serverID, method string, params interface{}) (json.RawMessage, error) {
	pr, err := p.ensure(serverID)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{
		id:      p.nextID.Add(1),
		method:  method,
		params:  params,
		created: time.Now(),
		done:    make(chan callResult, 1),
	}

	frame, err := encodeRequest(call.id, method, params)
	if err != nil {
		return nil, err
	}

	if !pr.add(call) {
		return nil, fmt.Errorf("%w: %s", ErrProcessExited, serverID)
	}

	if err := pr.write(frame); err != nil {
		pr.take(call.id)
		return nil, fmt.Errorf("failed to write to %s: %w", serverID, err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res.result, res.err
	case <-timer.C:
		pr.take(call.id)
		if p.logger != nil {
			p.logger.Warnf("Server %s: %s (id %d) timed out after %v", serverID, method, call.id, p.timeout)
		}
		return nil, fmt.Errorf("%w: %s %s after %v", ErrTimeout, serverID, method, p.timeout)
	case <-ctx.Done():
		pr.take(call.id)
		return nil, ctx.Err()
	}
}

// Stop terminates the process for serverID. Pending calls are rejected and the
// exit callback is not invoked.
func (p *Process) Stop(serverID string) error {
	p.mu.Lock()
	pr := p.procs[serverID]
	delete(p.procs, serverID)
	p.mu.Unlock()

	if pr == nil {
		return nil
	}
	return pr.stop(p.stopTimeout)
}

// Close stops every process; later calls to Send fail with ErrTransportClosed
func (p *Process) Close() error {
	p.mu.Lock()
	p.closed = true
	ids := make([]string, 0, len(p.procs))
	for id := range p.procs {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		if err := p.Stop(id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ensure returns the live process for serverID, spawning it if needed
func (p *Process) ensure(serverID string) (*proc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrTransportClosed
	}
	if pr := p.procs[serverID]; pr != nil && !pr.hasExited() {
		return pr, nil
	}

	spec, ok := p.specs[serverID]
	if !ok || spec.Command == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	pr, err := p.spawn(serverID, spec)
	if err != nil {
		return nil, err
	}
	p.procs[serverID] = pr
	return pr, nil
}

// spawn starts the child process and its reader goroutines. Caller holds p.mu.
func (p *Process) spawn(serverID string, spec Spec) (*proc, error) {
	cmd := exec.Command(global.ExpandHomePath(spec.Command), spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin for %s: %w", serverID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout for %s: %w", serverID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr for %s: %w", serverID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s (%s): %w", serverID, spec.Command, err)
	}

	if p.logger != nil {
		p.logger.Infof("Server %s: spawned %s (pid %d)", serverID, spec.Command, cmd.Process.Pid)
	}

	pr := &proc{
		serverID: serverID,
		cmd:      cmd,
		stdin:    stdin,
		pending:  make(map[int64]*pendingCall),
		done:     make(chan struct{}),
	}

	readDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() {
		defer close(readDone)
		p.readLoop(pr, stdout)
	}()
	go func() {
		defer close(stderrDone)
		p.stderrLoop(serverID, stderr)
	}()
	go func() {
		<-readDone
		<-stderrDone
		p.handleExit(pr, cmd.Wait())
	}()

	return pr, nil
}

// readLoop buffers stdout and dispatches each complete frame
func (p *Process) readLoop(pr *proc, r io.Reader) {
	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			frames, rest, skipped := splitFrames(buf)
			buf = rest
			for _, line := range skipped {
				if p.logger == nil {
					continue
				}
				if len(line) > maxNoiseBytes {
					p.logger.Warnf("Server %s: discarded %d bytes of unterminated non-protocol output", pr.serverID, len(line))
				} else {
					p.logger.Debugf("Server %s: discarded non-protocol output: %.200s", pr.serverID, line)
				}
			}
			for _, frame := range frames {
				p.dispatch(pr, frame)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && p.logger != nil {
				p.logger.Debugf("Server %s: stdout read error: %v", pr.serverID, err)
			}
			return
		}
	}
}

func (p *Process) dispatch(pr *proc, frame json.RawMessage) {
	var resp response
	if err := json.Unmarshal(frame, &resp); err != nil {
		if p.logger != nil {
			p.logger.Warnf("Server %s: malformed frame: %v", pr.serverID, err)
		}
		return
	}

	id, ok := resp.callID()
	if !ok {
		if p.logger != nil && resp.Method != "" {
			p.logger.Debugf("Server %s: notification %s", pr.serverID, resp.Method)
		}
		return
	}

	call := pr.take(id)
	if call == nil {
		if p.logger != nil {
			p.logger.Debugf("Server %s: dropping response for unknown call %d", pr.serverID, id)
		}
		return
	}

	if resp.Error != nil {
		call.done <- callResult{err: resp.Error}
		return
	}
	call.done <- callResult{result: resp.Result}
}

func (p *Process) stderrLoop(serverID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if p.logger != nil {
			p.logger.Debugf("Server %s stderr: %s", serverID, scanner.Text())
		}
	}
}

// handleExit rejects every pending call and reports unexpected exits
func (p *Process) handleExit(pr *proc, waitErr error) {
	p.mu.Lock()
	if p.procs[pr.serverID] == pr {
		delete(p.procs, pr.serverID)
	}
	onExit := p.onExit
	p.mu.Unlock()

	pending, stopping := pr.markExited()

	exitErr := fmt.Errorf("%w: %s", ErrProcessExited, pr.serverID)
	if waitErr != nil {
		exitErr = fmt.Errorf("%w: %s: %v", ErrProcessExited, pr.serverID, waitErr)
	}
	for _, call := range pending {
		call.done <- callResult{err: exitErr}
	}
	close(pr.done)

	if p.logger != nil {
		if stopping {
			p.logger.Infof("Server %s: process stopped", pr.serverID)
		} else {
			p.logger.Warnf("Server %s: process exited (%d pending calls rejected): %v", pr.serverID, len(pending), waitErr)
		}
	}

	if !stopping && onExit != nil {
		onExit(pr.serverID, exitErr)
	}
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id      int64
	method  string
	params  interface{}
	created time.Time
	done    chan callResult
}

// proc is one running tool server process
type proc struct {
	serverID string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	writeMu  sync.Mutex
	done     chan struct{}

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	exited   bool
	stopping bool
}

func (pr *proc) add(call *pendingCall) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.exited || pr.stopping {
		return false
	}
	pr.pending[call.id] = call
	return true
}

func (pr *proc) take(id int64) *pendingCall {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	call := pr.pending[id]
	delete(pr.pending, id)
	return call
}

func (pr *proc) hasExited() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.exited
}

func (pr *proc) markExited() (map[int64]*pendingCall, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.exited = true
	pending := pr.pending
	pr.pending = make(map[int64]*pendingCall)
	return pending, pr.stopping
}

func (pr *proc) write(frame []byte) error {
	pr.writeMu.Lock()
	defer pr.writeMu.Unlock()
	_, err := pr.stdin.Write(frame)
	return err
}

// stop closes stdin, waits up to grace for the process to exit, then kills it
func (pr *proc) stop(grace time.Duration) error {
	pr.mu.Lock()
	pr.stopping = true
	pr.mu.Unlock()

	pr.writeMu.Lock()
	_ = pr.stdin.Close()
	pr.writeMu.Unlock()

	select {
	case <-pr.done:
		return nil
	case <-time.After(grace):
	}

	if err := pr.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill %s: %w", pr.serverID, err)
	}
	<-pr.done
	return nil
}
