package agentcfg

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// agentSchema is the JSON Schema (draft-07) every agent config document
// must satisfy before it is accepted into the registry.
const agentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Agent Configuration",
  "type": "object",
  "required": ["agent", "autonomy", "model"],
  "additionalProperties": false,
  "properties": {
    "agent": {
      "type": "object",
      "required": ["display_name"],
      "additionalProperties": false,
      "properties": {
        "display_name": {"type": "string", "minLength": 1, "maxLength": 120},
        "language": {"type": "string", "pattern": "^[a-z]{2}(-[A-Z]{2})?$"},
        "personality": {"type": "string", "maxLength": 4000},
        "system_prompt": {"type": "string", "maxLength": 16000}
      }
    },
    "faq": {
      "type": "array",
      "maxItems": 200,
      "items": {
        "type": "object",
        "required": ["question", "answer"],
        "additionalProperties": false,
        "properties": {
          "question": {"type": "string", "minLength": 1},
          "answer": {"type": "string", "minLength": 1}
        }
      }
    },
    "tools": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {
          "type": "array",
          "items": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"}
        },
        "disabled": {
          "type": "array",
          "items": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"}
        }
      }
    },
    "autonomy": {
      "type": "object",
      "required": ["level"],
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["draft_only", "supervised", "autonomous"]},
        "require_approval_for": {
          "type": "array",
          "items": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"}
        }
      }
    },
    "limits": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "daily_message_cap": {"type": "integer", "minimum": 0},
        "daily_cost_cap": {"type": "number", "minimum": 0}
      }
    },
    "model": {
      "type": "object",
      "required": ["provider", "name"],
      "additionalProperties": false,
      "properties": {
        "provider": {"type": "string", "enum": ["openai", "anthropic"]},
        "name": {"type": "string", "minLength": 1},
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "max_tokens": {"type": "integer", "minimum": 1, "maximum": 32768}
      }
    }
  }
}`

// ValidateSchema checks raw YAML content against the agent config schema.
// Returns nil if valid, or an error listing every violation.
func ValidateSchema(content []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("failed to convert YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(agentSchema),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("agent config does not match schema: %s", strings.Join(msgs, "; "))
	}

	return nil
}

// normalizeYAML converts map[interface{}]interface{} (produced by older YAML
// decoders) to map[string]interface{} so the document can be JSON-encoded.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[k] = normalizeYAML(item)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, item := range val {
			s[i] = normalizeYAML(item)
		}
		return s
	default:
		return v
	}
}
