// Package httpapi validates broker request bodies against fixed JSON
// Schemas, replacing ad hoc per-field checks for the shapes that are worth
// declaring once: task creation and the two webhook payloads. Grounded on
// the teacher's internal/engine.StructuredValidator (same
// UnmarshalJSON-then-Compile-then-Validate sequence), repointed from
// validating an LLM's structured response to validating an inbound HTTP
// body.
package httpapi

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles a fixed set of named schemas once and validates raw
// request bodies against them by name.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// Schema names, used as the first argument to Validate.
const (
	SchemaTaskCreate    = "task.create"
	SchemaWebhookSlack  = "webhook.slack"
	SchemaWebhookGitHub = "webhook.github"
)

var schemaSources = map[string]string{
	SchemaTaskCreate:    taskCreateSchema,
	SchemaWebhookSlack:  slackWebhookSchema,
	SchemaWebhookGitHub: githubWebhookSchema,
}

// NewValidator compiles every known schema. An error here means one of the
// embedded schema documents is malformed, which is a defect in this
// package, not in any caller's request.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(schemaSources))}
	for name, src := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// MustNewValidator is NewValidator for callers (Server construction) that
// treat a malformed embedded schema as an unrecoverable startup bug,
// matching the teacher pack's regexp.MustCompile-at-init idiom.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate parses body as JSON and checks it against the named schema.
func (v *Validator) Validate(name string, body []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("httpapi: unknown schema %q", name)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

const taskCreateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["description"],
  "properties": {
    "description": {"type": "string", "minLength": 1},
    "ownerAgentId": {"type": "string"},
    "offeredTo": {"type": "string"},
    "source": {"type": "string"},
    "type": {"type": "string"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "priority": {"type": "integer"},
    "dependsOn": {"type": "array", "items": {"type": "string"}},
    "epicId": {"type": "string"},
    "parentTaskId": {"type": "string"},
    "externalContext": {"type": "object"}
  },
  "additionalProperties": false
}`

const slackWebhookSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event"],
  "properties": {
    "event": {
      "type": "object",
      "properties": {
        "type": {"type": "string"},
        "user": {"type": "string"},
        "text": {"type": "string"},
        "channel": {"type": "string"},
        "ts": {"type": "string"},
        "thread_ts": {"type": "string"}
      }
    }
  }
}`

const githubWebhookSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "action": {"type": "string"},
    "comment": {
      "type": "object",
      "properties": {
        "body": {"type": "string"},
        "user": {
          "type": "object",
          "properties": {"login": {"type": "string"}}
        }
      }
    },
    "issue": {
      "type": "object",
      "properties": {
        "number": {"type": "integer"},
        "title": {"type": "string"}
      }
    },
    "repository": {
      "type": "object",
      "properties": {"full_name": {"type": "string"}}
    }
  }
}`
