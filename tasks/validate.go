/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/xeipuuv/gojsonschema"
)

// batchSchema describes a plan batch document: either an array of tasks or
// an object with a "tasks" array
const batchSchema = `{
  "definitions": {
    "status": {"type": "string", "enum": ["", "pending", "planned", "in-progress", "completed", "failed"]},
    "subtask": {
      "type": "object",
      "required": ["id", "title"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "title": {"type": "string"},
        "status": {"$ref": "#/definitions/status"}
      }
    },
    "task": {
      "type": "object",
      "required": ["id", "title"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "title": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "status": {"$ref": "#/definitions/status"},
        "priority": {"type": "string", "enum": ["", "low", "medium", "high"]},
        "dependencies": {"type": "array", "items": {"type": "string"}},
        "subtasks": {"type": "array", "items": {"$ref": "#/definitions/subtask"}},
        "level": {"type": "integer", "minimum": 0},
        "message": {"type": "string"}
      }
    },
    "tasks": {"type": "array", "items": {"$ref": "#/definitions/task"}}
  },
  "oneOf": [
    {"$ref": "#/definitions/tasks"},
    {"type": "object", "required": ["tasks"], "properties": {"tasks": {"$ref": "#/definitions/tasks"}}}
  ]
}`

var compiledBatchSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(batchSchema))
})

// ParseBatch decodes a plan batch document and checks it against the batch
// schema. The graph itself is checked by ValidateBatch when it is stored.
func ParseBatch(data []byte) ([]global.Task, error) {
	schema, err := compiledBatchSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile batch schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, global.NewValidationError("task batch", []string{fmt.Sprintf("malformed JSON: %v", err)})
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			// oneOf failures repeat the nested errors
			if desc.Type() == "number_one_of" {
				continue
			}
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		if len(problems) == 0 {
			problems = []string{"expected an array of tasks or an object with a tasks array"}
		}
		return nil, global.NewValidationError("task batch", problems)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tasks []global.Task
		if err := json.Unmarshal(trimmed, &tasks); err != nil {
			return nil, fmt.Errorf("failed to parse task batch: %w", err)
		}
		return tasks, nil
	}
	var doc struct {
		Tasks []global.Task `json:"tasks"`
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse task batch: %w", err)
	}
	return doc.Tasks, nil
}

// ValidateBatch checks ids, statuses, dependency references and cycles
func ValidateBatch(tasks []global.Task) error {
	var problems []string
	ids := make(map[string]bool, len(tasks))

	for i, t := range tasks {
		if strings.TrimSpace(t.ID) == "" {
			problems = append(problems, fmt.Sprintf("task %d: id is required", i))
			continue
		}
		if ids[t.ID] {
			problems = append(problems, fmt.Sprintf("duplicate task id %s", t.ID))
		}
		ids[t.ID] = true
		if t.Status != "" && !t.Status.Valid() {
			problems = append(problems, fmt.Sprintf("task %s: invalid status %q", t.ID, t.Status))
		}

		subIDs := make(map[string]bool, len(t.Subtasks))
		for _, st := range t.Subtasks {
			if st.ID == "" {
				problems = append(problems, fmt.Sprintf("task %s: subtask id is required", t.ID))
				continue
			}
			if subIDs[st.ID] {
				problems = append(problems, fmt.Sprintf("task %s: duplicate subtask id %s", t.ID, st.ID))
			}
			subIDs[st.ID] = true
			if st.Status != "" && !st.Status.Valid() {
				problems = append(problems, fmt.Sprintf("task %s: subtask %s has invalid status %q", t.ID, st.ID, st.Status))
			}
		}
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			switch {
			case dep == t.ID:
				problems = append(problems, fmt.Sprintf("task %s depends on itself", t.ID))
			case !ids[dep]:
				problems = append(problems, fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep))
			}
		}
	}

	for _, cycle := range findCycles(tasks) {
		problems = append(problems, "dependency cycle: "+strings.Join(cycle, " -> "))
	}

	return global.NewValidationError("task batch", problems)
}

// findCycles returns each dependency cycle found by a depth-first walk in
// batch order. Self references and unknown ids are reported elsewhere.
func findCycles(tasks []global.Task) [][]string {
	const (
		unvisited = iota
		visiting
		done
	)

	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
	}

	state := make(map[string]int, len(tasks))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known || dep == id {
				continue
			}
			switch state[dep] {
			case unvisited:
				visit(dep)
			case visiting:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				cycles = append(cycles, append(cycle, dep))
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for _, t := range tasks {
		if state[t.ID] == unvisited {
			visit(t.ID)
		}
	}
	return cycles
}
