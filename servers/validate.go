/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package servers

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PivotLLM/Switchboard/global"
	"github.com/xeipuuv/gojsonschema"
)

// documentSchema describes the tool server config document
const documentSchema = `{
  "type": "object",
  "required": ["servers"],
  "properties": {
    "version": {"type": "string"},
    "lastModified": {"type": "string", "format": "date-time"},
    "servers": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "name": {"type": "string"},
          "description": {"type": "string"},
          "transportType": {"type": "string", "enum": ["stdio", "http"]},
          "command": {"type": "string"},
          "args": {"type": "array", "items": {"type": "string"}},
          "env": {"type": "object", "additionalProperties": {"type": "string"}},
          "url": {"type": "string"},
          "apiKey": {"type": "string"}
        }
      }
    }
  }
}`

// dynamicExpressions are code fragments that agents sometimes write into the
// document instead of literal values
var dynamicExpressions = []string{
	"new Date(",
	"Date.now(",
	"Math.random(",
	"${",
	`" +`,
	`+ "`,
}

var compiledDocumentSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
})

// checkDynamicExpressions returns a problem for every dynamic expression in text
func checkDynamicExpressions(text string) []string {
	var problems []string
	for _, expr := range dynamicExpressions {
		if strings.Contains(text, expr) {
			problems = append(problems, fmt.Sprintf("dynamic expression %q is not allowed, use literal values", strings.TrimSpace(expr)))
		}
	}
	return problems
}

// checkSchema validates data against the document schema
func checkSchema(data []byte) ([]string, error) {
	schema, err := compiledDocumentSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile document schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return []string{fmt.Sprintf("malformed JSON: %v", err)}, nil
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, formatSchemaError(desc))
	}
	return problems, nil
}

func formatSchemaError(desc gojsonschema.ResultError) string {
	field := desc.Field()
	if field == "(root)" {
		return desc.Description()
	}
	return fmt.Sprintf("%s: %s", field, desc.Description())
}

// ValidateDocument checks the serialized text of a config document. Every
// problem found is returned in a *global.ValidationError.
func ValidateDocument(data []byte) error {
	problems := checkDynamicExpressions(string(data))
	if len(problems) > 0 {
		// Expressions usually make the text unparseable, so stop here
		return global.NewValidationError("server config", problems)
	}

	schemaProblems, err := checkSchema(data)
	if err != nil {
		return err
	}
	if len(schemaProblems) > 0 {
		return global.NewValidationError("server config", schemaProblems)
	}

	var doc global.ServerConfigDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return global.NewValidationError("server config", []string{err.Error()})
	}

	seen := make(map[string]bool)
	for i := range doc.Servers {
		d := &doc.Servers[i]
		label := d.Name
		if label == "" {
			label = fmt.Sprintf("servers[%d]", i)
		}
		for _, p := range descriptorProblems(d) {
			problems = append(problems, label+": "+p)
		}
		if d.ID != "" {
			if seen[d.ID] {
				problems = append(problems, fmt.Sprintf("%s: duplicate id %s", label, d.ID))
			}
			seen[d.ID] = true
		}
	}
	return global.NewValidationError("server config", problems)
}

// ValidateDescriptor checks a single descriptor
func ValidateDescriptor(d *global.ServerDescriptor) error {
	return global.NewValidationError("server "+d.ID, descriptorProblems(d))
}

func descriptorProblems(d *global.ServerDescriptor) []string {
	var problems []string
	if strings.TrimSpace(d.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}

	switch d.Transport {
	case "", global.TransportStdio, global.TransportHTTP:
	default:
		problems = append(problems, fmt.Sprintf("unknown transport type %q", d.Transport))
		return problems
	}

	switch d.Kind() {
	case global.TransportHTTP:
		if d.URL == "" {
			problems = append(problems, "http servers require a url")
		} else if u, err := url.Parse(d.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("invalid url %q", d.URL))
		}
		if d.Command != "" {
			problems = append(problems, "http servers must not set a command")
		}
	default:
		if d.Command == "" {
			problems = append(problems, "stdio servers require a command")
		}
		if d.URL != "" {
			problems = append(problems, "stdio servers must not set a url")
		}
	}
	return problems
}

// argumentValidator checks tool arguments against a tool's input schema
type argumentValidator struct {
	schema *gojsonschema.Schema
}

func newArgumentValidator(raw json.RawMessage) (*argumentValidator, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}
	return &argumentValidator{schema: schema}, nil
}

// validate returns a *global.ValidationError when args do not match. A nil
// validator accepts everything.
func (v *argumentValidator) validate(tool string, args map[string]interface{}) error {
	if v == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("failed to validate arguments for %s: %w", tool, err)
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, formatSchemaError(desc))
	}
	return global.NewValidationError("arguments for "+tool, problems)
}
