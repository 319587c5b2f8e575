/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/PivotLLM/Switchboard/config"
	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
)

// CommandHandler executes a task by running a prompt command. The prompt
// replaces {{PROMPT}} in the arguments, or is written to stdin.
type CommandHandler struct {
	name    string
	command string
	args    []string
	stdin   bool
	timeout time.Duration
	logger  *logging.Logger
}

// NewCommandHandler creates a handler from its configuration
func NewCommandHandler(cfg config.Handler, logger *logging.Logger) *CommandHandler {
	return &CommandHandler{
		name:    cfg.Name,
		command: cfg.Command,
		args:    cfg.Args,
		stdin:   cfg.Stdin,
		timeout: cfg.Timeout(),
		logger:  logger,
	}
}

// Name returns the handler name
func (h *CommandHandler) Name() string {
	return h.name
}

// Execute runs the command and returns its trimmed stdout
func (h *CommandHandler) Execute(ctx context.Context, task global.Task) (string, error) {
	prompt := Prompt(task)

	args := h.args
	if !h.stdin {
		args = make([]string, len(h.args))
		for i, arg := range h.args {
			args[i] = strings.ReplaceAll(arg, config.PromptPlaceholder, prompt)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, h.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if h.stdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	h.logger.Debugf("Task %s: executing %s (stdin: %v)", task.ID, h.command, h.stdin)
	start := time.Now()
	err := cmd.Run()

	output := strings.TrimSpace(stdout.String())
	errOutput := strings.TrimSpace(stderr.String())

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("command timed out after %s", h.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail := errOutput
			if detail == "" {
				detail = output
			}
			return "", fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), detail)
		}
		return "", fmt.Errorf("failed to run %s: %w", h.command, err)
	}

	h.logger.Debugf("Task %s: command finished in %s, %d bytes", task.ID, time.Since(start).Round(time.Millisecond), len(output))
	return output, nil
}
