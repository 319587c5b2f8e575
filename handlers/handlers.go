/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package handlers implements the task handlers the orchestrator dispatches to.
package handlers

import (
	"fmt"
	"strings"

	"github.com/PivotLLM/Switchboard/config"
	"github.com/PivotLLM/Switchboard/global"
	"github.com/PivotLLM/Switchboard/logging"
	"github.com/PivotLLM/Switchboard/orchestrator"
)

// Build creates a handler for each enabled configuration entry
func Build(cfgs []config.Handler, caller ToolCaller, logger *logging.Logger) ([]orchestrator.Handler, error) {
	var out []orchestrator.Handler
	for _, h := range cfgs {
		if !h.Enabled {
			continue
		}
		switch h.Type {
		case config.HandlerTypeTool:
			if caller == nil {
				return nil, fmt.Errorf("tool handler %s needs a tool server manager", h.Name)
			}
			out = append(out, NewToolHandler(h, caller, logger))
		case config.HandlerTypeCommand:
			out = append(out, NewCommandHandler(h, logger))
		default:
			return nil, fmt.Errorf("unknown handler type %q for handler %s", h.Type, h.Name)
		}
	}
	return out, nil
}

// Prompt renders a task as the text sent to a handler
func Prompt(task global.Task) string {
	var b strings.Builder
	b.WriteString(task.Title)
	if desc := strings.TrimSpace(task.Description); desc != "" {
		b.WriteString("\n\n")
		b.WriteString(desc)
	}
	if len(task.Subtasks) > 0 {
		b.WriteString("\n\nSubtasks:")
		for _, st := range task.Subtasks {
			b.WriteString("\n- ")
			b.WriteString(st.Title)
		}
	}
	return b.String()
}
